package enforcer

import (
	"time"
)

const (
	// DefaultNoKeyRetry is how long we wait before retrying when the HSM has no key for us,
	// or the keytag of a new key could not be computed.
	DefaultNoKeyRetry = 60 * time.Second

	// DefaultBackupRetry is how long a transition to omnipresent is deferred while the key
	// material has not been backed up.
	DefaultBackupRetry = 60 * time.Second

	DefaultRolloverNotification = time.Duration(0)
)

type Options struct {
	NoKeyRetry  time.Duration
	BackupRetry time.Duration

	// RolloverNotification, if non-zero, is the lead time with which an impending KSK or CSK
	// rollover is announced.
	RolloverNotification time.Duration
}

func DefaultOptions() Options {
	return Options{
		NoKeyRetry:           DefaultNoKeyRetry,
		BackupRetry:          DefaultBackupRetry,
		RolloverNotification: DefaultRolloverNotification,
	}
}

//---

type Logger func(string)

// Default logging functions just black-hole the input.

var Debug Logger = func(s string) {}
var Info Logger = func(s string) {}
var Warn Logger = func(s string) {}
