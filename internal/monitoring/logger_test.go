package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	called = false
	SetLogger(nil)
	Logf("test")
	assert.False(t, called, "no-op logger should not reach the previous logger")
}

func TestLogf_Default(t *testing.T) {
	require.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = NewLogger(DefaultLogConfig())
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestStreamsRouteThroughUseLogger(t *testing.T) {
	original := Logf
	defer func() {
		UseLogger(nil)
		Logf = original
	}()

	core, logs := observer.New(zap.DebugLevel)
	s := NewStreams("unit")
	s.Opsf("muted %d", 1)
	UseLogger(zap.New(core))

	s.Opsf("dropped %d frames", 3)
	s.Diagf("state %s", "running")
	s.Tracef("frame %d", 9)
	Logf("glue")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "dropped 3 frames", entries[0].Message)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, "unit", entries[0].LoggerName)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, zap.DebugLevel, entries[2].Level)
	assert.Equal(t, "glue", entries[3].Message)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetSessionState("running", []string{"idle", "running"})
	m.Failed("save")
	m.Failed("save")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionState.WithLabelValues("idle")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsFailed.WithLabelValues("save")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.Failed("load")
		nilMetrics.SetSessionState("idle", nil)
	})
}
