package session

import "github.com/banshee-data/spatial.session/internal/monitoring"

var logs = monitoring.NewStreams("session")

// opsf logs to the ops stream (failed commands, rejected packets).
func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }

// diagf logs to the diag stream (state transitions, resets).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }

// tracef logs to the trace stream (dropped frames, stale tracker writes).
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
