package enforcer

import (
	"fmt"
)

// The functions below are driven by the operator, or registrar automation, once the parent
// zone has acted on a DS request. The enforcer picks the change up on the zone's next pass.

// MarkDsSubmitted records that the DS has been handed to the parent.
func MarkDsSubmitted(tx *Tx, key *Key) error {
	return advanceDs(tx, key, DsSubmitted, DsSubmit)
}

// MarkDsSeen records that the DS has been observed at the parent.
func MarkDsSeen(tx *Tx, key *Key) error {
	return advanceDs(tx, key, DsSeen, DsSubmit, DsSubmitted)
}

// MarkDsRetracted records that removal of the DS has been requested from the parent.
func MarkDsRetracted(tx *Tx, key *Key) error {
	return advanceDs(tx, key, DsRetracted, DsRetract)
}

// MarkDsGone records that the DS is no longer published by the parent.
func MarkDsGone(tx *Tx, key *Key) error {
	return advanceDs(tx, key, DsUnsubmitted, DsRetract, DsRetracted)
}

func advanceDs(tx *Tx, key *Key, to DsAtParent, from ...DsAtParent) error {
	if key == nil {
		return fmt.Errorf("%w: no key", ErrInvalidDsTransition)
	}
	for _, f := range from {
		if key.DsAtParent == f {
			key.DsAtParent = to
			tx.MarkKey(key, Update)
			return nil
		}
	}
	return fmt.Errorf("%w: key %d is %s, cannot move to %s", ErrInvalidDsTransition, key.Keytag, key.DsAtParent, to)
}
