package persistence

import "github.com/banshee-data/spatial.session/internal/monitoring"

var logs = monitoring.NewStreams("persistence")

func opsf(format string, args ...interface{})  { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
