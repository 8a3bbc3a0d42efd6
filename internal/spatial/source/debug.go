package source

import "github.com/banshee-data/spatial.session/internal/monitoring"

var logs = monitoring.NewStreams("source")

// diagf logs to the diag stream (source lifecycle).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
