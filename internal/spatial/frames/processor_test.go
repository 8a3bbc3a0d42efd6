package frames

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatial.session/internal/spatial/geom"
)

type recordingAnalyzer struct {
	name    string
	gate    chan struct{} // when non-nil, each Analyze waits for a token
	started chan uint64
	err     error

	mu   sync.Mutex
	seqs []uint64
}

func (a *recordingAnalyzer) Name() string { return a.name }

func (a *recordingAnalyzer) Analyze(ctx context.Context, f *Frame) error {
	if a.started != nil {
		a.started <- f.Seq
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	a.seqs = append(a.seqs, f.Seq)
	a.mu.Unlock()
	return a.err
}

func (a *recordingAnalyzer) seen() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.seqs...)
}

func frame(seq uint64, state TrackingState) *Frame {
	return &Frame{
		Seq:           seq,
		Timestamp:     time.Unix(int64(seq), 0),
		TrackingState: state,
		Camera:        geom.Camera{Transform: geom.Translation(r3.Vec{Z: float64(seq)}), FieldOfView: 1, AspectRatio: 1},
	}
}

func TestProcess_ExtractsSessionFields(t *testing.T) {
	t.Parallel()
	p := NewProcessor(DefaultConfig(), Hooks{})

	_, ok := p.Latest()
	assert.False(t, ok)

	u := p.Process(frame(1, TrackingLimited))
	assert.True(t, u.StateChanged)
	assert.Equal(t, TrackingLimited, u.TrackingState)
	assert.Equal(t, NeutralLight, u.Light)
	assert.Equal(t, 1.0, u.Camera.Transform.Position.Z)

	u = p.Process(frame(2, TrackingLimited))
	assert.False(t, u.StateChanged)

	u = p.Process(frame(3, TrackingNormal))
	assert.True(t, u.StateChanged)
	assert.Equal(t, TrackingLimited, u.Previous)

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), latest.Seq)
	assert.Equal(t, uint64(3), p.Stats().Processed)

	p.ResetLatest()
	assert.True(t, p.Process(frame(4, TrackingNormal)).StateChanged)
}

func TestEstimateLight(t *testing.T) {
	t.Parallel()
	prev := LightEstimate{AmbientIntensity: 500, ColorTemperature: 4000}

	f := &Frame{Light: &LightEstimate{AmbientIntensity: 1200, ColorTemperature: 5000}}
	assert.Equal(t, *f.Light, EstimateLight(f, prev))

	assert.Equal(t, prev, EstimateLight(&Frame{}, prev))

	f = &Frame{FeaturePoints: []FeaturePoint{{Luminance: 0.25}, {Luminance: 0.75}, {Luminance: 2}}}
	got := EstimateLight(f, prev)
	assert.InDelta(t, 2000*(0.25+0.75+1)/3, got.AmbientIntensity, 1e-9)
	assert.Equal(t, 4000.0, got.ColorTemperature)
}

func TestDispatch_DropOldest(t *testing.T) {
	t.Parallel()
	var dropped []string
	var mu sync.Mutex
	p := NewProcessor(Config{MailboxSize: 2}, Hooks{OnDrop: func(name string) {
		mu.Lock()
		dropped = append(dropped, name)
		mu.Unlock()
	}})
	slow := &recordingAnalyzer{name: "slow", gate: make(chan struct{}), started: make(chan uint64, 16)}
	p.Start(context.Background(), slow)
	defer p.Stop()

	p.Process(frame(1, TrackingNormal))
	require.Equal(t, uint64(1), <-slow.started)

	for seq := uint64(2); seq <= 5; seq++ {
		p.Process(frame(seq, TrackingNormal))
	}
	for range 3 {
		slow.gate <- struct{}{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, []uint64{1, 4, 5}, slow.seen())
	st := p.Stats().Trackers["slow"]
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, uint64(3), st.Analyzed)
	mu.Lock()
	assert.Equal(t, []string{"slow", "slow"}, dropped)
	mu.Unlock()
}

func TestDispatch_SlowTrackerDoesNotStallOthers(t *testing.T) {
	t.Parallel()
	p := NewProcessor(Config{MailboxSize: 1}, Hooks{})
	stuck := &recordingAnalyzer{name: "stuck", gate: make(chan struct{})}
	fast := &recordingAnalyzer{name: "fast"}
	p.Start(context.Background(), stuck, fast)

	done := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= 50; seq++ {
			p.Process(frame(seq, TrackingNormal))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Process blocked on a stuck tracker")
	}

	assert.Eventually(t, func() bool {
		seen := fast.seen()
		return len(seen) > 0 && seen[len(seen)-1] == 50
	}, 2*time.Second, time.Millisecond)

	p.Stop()
	assert.False(t, p.Running())
	assert.Empty(t, stuck.seen())
}

func TestDispatch_RateLimit(t *testing.T) {
	t.Parallel()
	var throttled int
	p := NewProcessor(Config{MailboxSize: 8, MaxTrackerRate: 0.001, TrackerBurst: 1}, Hooks{
		OnThrottle: func(string) { throttled++ },
	})
	a := &recordingAnalyzer{name: "limited"}
	p.Start(context.Background(), a)
	defer p.Stop()

	for seq := uint64(1); seq <= 5; seq++ {
		p.Process(frame(seq, TrackingNormal))
	}
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, []uint64{1}, a.seen())
	assert.Equal(t, 4, throttled)
	assert.Equal(t, uint64(4), p.Stats().Trackers["limited"].Throttled)
}

func TestDispatch_ErrorsReported(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	errCh := make(chan error, 1)
	p := NewProcessor(DefaultConfig(), Hooks{OnError: func(name string, err error) {
		assert.Equal(t, "failing", name)
		errCh <- err
	}})
	p.Start(context.Background(), &recordingAnalyzer{name: "failing", err: boom})
	defer p.Stop()

	p.Process(frame(1, TrackingNormal))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("error hook not called")
	}
	assert.Equal(t, []string{"failing"}, p.Trackers())
}

// stubbornAnalyzer ignores cancellation until released.
type stubbornAnalyzer struct {
	entered chan struct{}
	release chan struct{}
}

func (a *stubbornAnalyzer) Name() string { return "stubborn" }

func (a *stubbornAnalyzer) Analyze(context.Context, *Frame) error {
	a.entered <- struct{}{}
	<-a.release
	return nil
}

func TestStop_DoesNotWaitForInFlightAnalysis(t *testing.T) {
	t.Parallel()
	p := NewProcessor(DefaultConfig(), Hooks{})
	a := &stubbornAnalyzer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p.Start(context.Background(), a)
	p.Process(frame(1, TrackingNormal))
	<-a.entered

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited on a busy analyzer")
	}
	assert.False(t, p.Running())

	waited := make(chan struct{})
	go func() {
		p.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while the analyzer was still busy")
	case <-time.After(20 * time.Millisecond):
	}
	close(a.release)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the analyzer finished")
	}
}
