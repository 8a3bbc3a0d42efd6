package trackers

import "github.com/banshee-data/spatial.session/internal/monitoring"

var logs = monitoring.NewStreams("trackers")

// opsf logs to the ops stream (rejected observations, write failures).
func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }

// diagf logs to the diag stream (track confirmation and retirement).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
