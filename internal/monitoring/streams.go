package monitoring

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Streams is a package's named trio of log streams. Streams start muted
// and are bound to the process logger by UseLogger.
type Streams struct {
	name string
	log  atomic.Pointer[zap.SugaredLogger]
}

// NewStreams registers a stream set under name.
func NewStreams(name string) *Streams {
	s := &Streams{name: name}
	streamsMu.Lock()
	streams = append(streams, s)
	l := base
	streamsMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	s.bind(l)
	return s
}

// Name is the logger name the streams carry.
func (s *Streams) Name() string { return s.name }

func (s *Streams) bind(l *zap.Logger) {
	s.log.Store(l.Named(s.name).WithOptions(zap.AddCallerSkip(2)).Sugar())
}

// Opsf logs actionable warnings, errors and data loss.
func (s *Streams) Opsf(format string, args ...interface{}) {
	s.log.Load().Warnf(format, args...)
}

// Diagf logs lifecycle transitions and tuning context.
func (s *Streams) Diagf(format string, args ...interface{}) {
	s.log.Load().Infof(format, args...)
}

// Tracef logs high-frequency per-frame telemetry.
func (s *Streams) Tracef(format string, args ...interface{}) {
	s.log.Load().Debugf(format, args...)
}
