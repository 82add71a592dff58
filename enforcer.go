package enforcer

import (
	"time"
)

// HSM is the key store the enforcer draws key material from.
type HSM interface {
	// SharedKeys lists keys matching the policy key that may be shared between zones, newest first.
	SharedKeys(policy *Policy, pk *PolicyKey) []*HsmKey

	// GenerateKey hands out a fresh key for the policy key. ErrNoKeysAvailable signals a
	// transient shortage.
	GenerateKey(policy *Policy, pk *PolicyKey) (*HsmKey, error)

	Keytag(locator string, algorithm uint8, ksk bool) (uint16, error)

	// ReleaseKey drops the reference key holds on h.
	ReleaseKey(h *HsmKey, key *Key)
}

// Settler is implemented by an HSM that holds on to what it hands out during a pass until it
// learns whether the pass was stored.
type Settler interface {
	Settle(tx *Tx, committed bool)
}

type Enforcer struct {
	hsm     HSM
	options Options
}

func NewEnforcer(hsm HSM, options Options) *Enforcer {
	return &Enforcer{
		hsm:     hsm,
		options: options,
	}
}

// Result is the outcome of one enforcement pass over a zone.
type Result struct {
	// Next is when the zone should be enforced again. The zero time means there is nothing to
	// wait for until some external input changes.
	Next time.Time

	// Problems are non-fatal issues found in the zone's policy during the pass.
	Problems []error

	// Purged is the number of dead keys removed.
	Purged int
}

// EnforceZone runs a single enforcement pass over the zone's object graph. All changes are made
// in memory and recorded on tx; nothing is persisted.
func (e *Enforcer) EnforceZone(tx *Tx, zone *Zone, now time.Time) (Result, error) {
	if zone == nil {
		return Result{}, ErrNilZone
	}
	if zone.Policy == nil {
		return Result{}, ErrZoneHasNoPolicy
	}

	trace := newTrace(zone.Name, now)
	trace.debug("enforcing zone with policy [%s]", zone.Policy.Name)

	policyResult := e.updatePolicy(trace, tx, zone, now)
	for _, err := range policyResult.problems {
		trace.warn("%s", err.Error())
	}

	if policyResult.allowUnsigned {
		// Without any keys there is no steady state, so the signer configuration is always rewritten.
		zone.SignconfNeedsWriting = true
		tx.MarkZone(zone, Update)
	}

	var zoneNext time.Time
	if policyResult.minted {
		// New keys are committed before any of their records may move.
		trackTTLs(tx, zone, now)
		generateMissingKeyStates(tx, zone, now)
		zone.SignconfNeedsWriting = true
		tx.MarkZone(zone, Update)
	} else {
		zoneNext = e.updateZone(trace, tx, zone, now, policyResult.allowUnsigned)
	}

	updateSignconfFlags(tx, zone)

	var purged int
	var purgeNext time.Time
	if zone.Policy.KeysPurgeAfter > 0 {
		purged, purgeNext = e.removeDeadKeys(trace, tx, zone, now)
	}

	notifyNext := e.rolloverNotification(trace, zone, now)

	next := minTime(policyResult.next, zoneNext)
	next = minTime(next, purgeNext)
	next = minTime(next, notifyNext)

	if next.IsZero() {
		trace.debug("no further enforcement needed")
	} else {
		trace.debug("next enforcement at %s", next.UTC().Format(time.RFC3339))
	}

	return Result{Next: next, Problems: policyResult.problems, Purged: purged}, nil
}

// Settle reports the fate of tx to the HSM, once the caller has committed or discarded it. Keys
// generated by a pass that was never stored are given back.
func (e *Enforcer) Settle(tx *Tx, committed bool) {
	if s, ok := e.hsm.(Settler); ok {
		s.Settle(tx, committed)
	}
}

//---

// updateZone moves every record as far through its lifecycle as is currently safe, repeating
// until a full sweep makes no change. It returns the earliest time a blocked transition may go ahead.
func (e *Enforcer) updateZone(trace *Trace, tx *Tx, zone *Zone, now time.Time, allowUnsigned bool) time.Time {
	var next time.Time

	trackTTLs(tx, zone, now)
	generateMissingKeyStates(tx, zone, now)

	for changed := true; changed; {
		changed = false

		for _, key := range zone.Keys {
			for _, t := range RecordTypes {
				state := key.State(t)
				nextState := desiredState(key.Introducing, state.State)
				if nextState == state.State {
					continue
				}

				if isDsWaitingForUser(key, t, nextState) {
					continue
				}

				p := &PendingTransition{Key: key, Type: t, Next: nextState}

				if !policyApproval(zone, p) {
					continue
				}
				if !dnssecApproval(zone, p, allowUnsigned) {
					continue
				}

				when := timingApproval(zone, p, now)
				if now.Before(when) {
					next = minTime(next, when)
					continue
				}

				if nextState == Omnipresent && key.HsmKey != nil && key.HsmKey.Backup.Pending() {
					trace.info("key %d (%s) is waiting for a backup before its %s can become omnipresent", key.Keytag, key.Role, t)
					next = minTime(next, now.Add(e.options.BackupRetry))
					continue
				}

				if t == DS && handleDsAtParent(key, nextState) {
					tx.MarkKey(key, Update)
				}

				trace.debug("key %d (%s %s) %s: %s -> %s", key.Keytag, algorithmName(key.Algorithm), key.Role, t, state.State, nextState)

				state.State = nextState
				state.LastChange = now
				state.TTL = getZoneTTL(zone, t, now)
				tx.MarkKeyState(key, state, Update)

				zone.SignconfNeedsWriting = true
				tx.MarkZone(zone, Update)

				markSuccessors(tx, zone, p)
				changed = true
			}
		}
	}

	return next
}

// generateMissingKeyStates gives every key a KeyState for each record type.
func generateMissingKeyStates(tx *Tx, zone *Zone, now time.Time) {
	for _, key := range zone.Keys {
		if key.States == nil {
			key.States = make(map[RecordType]*KeyState, len(RecordTypes))
		}
		for _, t := range RecordTypes {
			if key.States[t] != nil {
				continue
			}
			s := &KeyState{
				Type:       t,
				State:      initialState(key.Role, t),
				LastChange: now,
				TTL:        getZoneTTL(zone, t, now),
				Minimize:   key.Minimize.Has(t),
			}
			key.States[t] = s
			tx.MarkKeyState(key, s, Insert)
		}
	}
}

// isDsWaitingForUser reports whether a DS transition is blocked until the operator confirms the
// parent has published, or withdrawn, the DS record.
func isDsWaitingForUser(key *Key, t RecordType, next State) bool {
	if t != DS {
		return false
	}
	switch next {
	case Omnipresent:
		return key.DsAtParent != DsSeen
	case Hidden:
		return key.DsAtParent != DsUnsubmitted
	}
	return false
}

// handleDsAtParent requests submission or retraction of the DS as it enters rumoured or
// unretentive. It returns true if the key changed.
func handleDsAtParent(key *Key, next State) bool {
	switch next {
	case Rumoured:
		switch key.DsAtParent {
		case DsSeen, DsSubmit, DsSubmitted:
			return false
		case DsRetract:
			// Re-introducing a key whose DS is still at the parent.
			key.DsAtParent = DsSubmitted
		default:
			key.DsAtParent = DsSubmit
		}
		return true
	case Unretentive:
		switch key.DsAtParent {
		case DsUnsubmitted, DsRetracted, DsRetract:
			return false
		case DsSubmit:
			// Never submitted, so there is nothing to retract.
			key.DsAtParent = DsUnsubmitted
		default:
			key.DsAtParent = DsRetract
		}
		return true
	}
	return false
}

// updateSignconfFlags derives what the signer should publish and sign with from the key states.
func updateSignconfFlags(tx *Tx, zone *Zone) {
	visible := func(s State) bool {
		return s == Rumoured || s == Omnipresent
	}

	for _, key := range zone.Keys {
		publish := visible(key.StateOf(DNSKEY))
		activeKSK := visible(key.StateOf(RRSIGDNSKEY))
		activeZSK := visible(key.StateOf(RRSIG))

		if key.Publish == publish && key.ActiveKSK == activeKSK && key.ActiveZSK == activeZSK {
			continue
		}

		key.Publish = publish
		key.ActiveKSK = activeKSK
		key.ActiveZSK = activeZSK
		tx.MarkKey(key, Update)

		zone.SignconfNeedsWriting = true
		tx.MarkZone(zone, Update)
	}
}

// rolloverNotification announces KSK and CSK rollovers that are within the notification lead time,
// and otherwise returns when the announcement is due.
func (e *Enforcer) rolloverNotification(trace *Trace, zone *Zone, now time.Time) time.Time {
	lead := e.options.RolloverNotification
	if lead <= 0 {
		return time.Time{}
	}

	var next time.Time
	for _, role := range []Role{KSK, CSK} {
		roll := zone.NextRoll(role)
		if roll.IsZero() {
			continue
		}
		notify := roll.Add(-lead)
		switch {
		case now.Before(notify):
			next = minTime(next, notify)
		case now.Before(roll):
			trace.info("%s rollover is impending, it will happen at %s", role, roll.UTC().Format(time.RFC3339))
		}
	}
	return next
}

// minTime returns the earlier of two times, where the zero time means no constraint.
func minTime(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}
