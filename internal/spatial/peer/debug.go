package peer

import "github.com/banshee-data/spatial.session/internal/monitoring"

var logs = monitoring.NewStreams("peer")

// opsf logs to the ops stream (connection failures, malformed packets).
func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }

// diagf logs to the diag stream (peer joins and leaves).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }

// tracef logs to the trace stream (per-packet relay).
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
