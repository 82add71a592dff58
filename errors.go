package enforcer

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNilZone             = errors.New("no zone passed to the enforcer")
	ErrZoneHasNoPolicy     = errors.New("zone has no policy")
	ErrNoKeysAvailable     = errors.New("no keys available in the hsm")
	ErrKeytagFailed        = errors.New("unable to compute keytag")
	ErrLifetimeTooShort    = errors.New("key lifetime is unreasonably short")
	ErrUnknownAlgorithm    = errors.New("unknown dnssec algorithm")
	ErrInvalidDsTransition = errors.New("invalid ds at parent transition")
	ErrUnknownValue        = errors.New("unknown value")
)

// LifetimeTooShortError is returned for a policy key slot whose lifetime can never let a
// key reach a stable state before it must be rolled.
type LifetimeTooShortError struct {
	Policy   string
	Role     Role
	Lifetime time.Duration
	Required time.Duration
}

func (e *LifetimeTooShortError) Error() string {
	return fmt.Sprintf(
		"%s: policy [%s] %s lifetime of %s must exceed %s",
		ErrLifetimeTooShort,
		e.Policy,
		e.Role,
		e.Lifetime,
		e.Required,
	)
}

func (e *LifetimeTooShortError) Unwrap() error {
	return ErrLifetimeTooShort
}
