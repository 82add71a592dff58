package scheduler

import (
	"time"

	"github.com/nsmithuk/enforcer"
)

type Logger func(string)

// By default log lines are passed on to the enforcer's own logging functions.

var Debug Logger = func(s string) {
	enforcer.Debug(s)
}
var Info Logger = func(s string) {
	enforcer.Info(s)
}
var Warn Logger = func(s string) {
	enforcer.Warn(s)
}

const (
	DefaultWorkers = 4

	// DefaultMinimumDelay is the shortest time between two passes over the same zone.
	DefaultMinimumDelay = 1 * time.Second
)
