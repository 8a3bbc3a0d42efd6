package trackers

import (
	"context"
	"sync"

	"github.com/banshee-data/spatial.session/internal/spatial/anchors"
	"github.com/banshee-data/spatial.session/internal/spatial/configsel"
	"github.com/banshee-data/spatial.session/internal/spatial/frames"
)

type tracker interface {
	frames.Analyzer
	owned() []string
}

// Set holds the trackers built for one configuration and epoch. It
// outlives processor restarts, so a paused session resumes with every
// key still bound to the anchor it already published.
type Set struct {
	w        Writer
	trackers []*serial
}

// NewSet builds the trackers cfg enables, writing through w.
func NewSet(cfg configsel.Configuration, w Writer, tc Config) *Set {
	s := &Set{w: w}
	for _, a := range Build(cfg, w, tc) {
		s.trackers = append(s.trackers, &serial{t: a.(tracker)})
	}
	return s
}

// Analyzers returns the set's trackers for the frame processor.
func (s *Set) Analyzers() []frames.Analyzer {
	out := make([]frames.Analyzer, len(s.trackers))
	for i, t := range s.trackers {
		out[i] = t
	}
	return out
}

// Retire removes every anchor the set's trackers published and stops them
// from analysing further frames. It waits for any frame still in flight.
func (s *Set) Retire() (anchors.Result, error) {
	var muts []anchors.Mutation
	for _, t := range s.trackers {
		for _, id := range t.retire() {
			muts = append(muts, anchors.RemoveOf(id))
		}
	}
	if len(muts) == 0 {
		return anchors.Result{}, nil
	}
	res, err := s.w.Apply("", muts)
	if err != nil {
		return res, err
	}
	diagf("retired %d tracker anchors", res.Applied)
	return res, nil
}

// serial runs one tracker's frames one at a time. A stopped worker may
// still be inside Analyze when a restarted worker takes over.
type serial struct {
	mu      sync.Mutex
	retired bool
	t       tracker
}

func (s *serial) Name() string { return s.t.Name() }

func (s *serial) Analyze(ctx context.Context, f *frames.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.t.Analyze(ctx, f)
}

func (s *serial) retire() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
	return s.t.owned()
}
