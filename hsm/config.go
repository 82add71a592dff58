package hsm

import (
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
	// DefaultCapacity is the number of live keys a repository may hold.
	DefaultCapacity = 1000
)
