package enforcer

import (
	"time"
)

// isDead reports whether a key has been fully withdrawn: it is no longer wanted and none of its
// records can still be cached anywhere.
func isDead(key *Key) bool {
	if key.Introducing {
		return false
	}
	for _, t := range RecordTypes {
		if s := key.StateOf(t); s != Hidden && s != NA {
			return false
		}
	}
	return true
}

// lastChange is the most recent state change of any of the key's records.
func lastChange(key *Key) time.Time {
	var last time.Time
	for _, s := range key.States {
		if s.LastChange.After(last) {
			last = s.LastChange
		}
	}
	return last
}

// removeDeadKeys deletes every dead key that has been dead for at least the policy's purge
// delay. It returns the number of keys removed, and the earliest time another dead key becomes
// purgeable.
func (e *Enforcer) removeDeadKeys(trace *Trace, tx *Tx, zone *Zone, now time.Time) (int, time.Time) {
	var next time.Time
	return e.purge(trace, tx, zone, func(key *Key) bool {
		when := lastChange(key).Add(zone.Policy.KeysPurgeAfter)
		if now.Before(when) {
			next = minTime(next, when)
			return false
		}
		return true
	}), next
}

// PurgeNow deletes every dead key of the zone straight away, regardless of the policy's purge
// delay. It returns the number of keys removed.
func (e *Enforcer) PurgeNow(tx *Tx, zone *Zone, now time.Time) (int, error) {
	if zone == nil {
		return 0, ErrNilZone
	}
	trace := newTrace(zone.Name, now)
	return e.purge(trace, tx, zone, func(*Key) bool { return true }), nil
}

func (e *Enforcer) purge(trace *Trace, tx *Tx, zone *Zone, due func(*Key) bool) int {
	purged := make(map[*Key]bool)

	keys := make([]*Key, 0, len(zone.Keys))
	for _, key := range zone.Keys {
		if !isDead(key) || !due(key) {
			keys = append(keys, key)
			continue
		}

		trace.info("purging dead key %d (%s) with locator [%s]", key.Keytag, key.Role, locator(key))

		for _, t := range RecordTypes {
			if s := key.State(t); s != nil {
				tx.MarkKeyState(key, s, Delete)
			}
		}
		tx.MarkKey(key, Delete)

		if key.HsmKey != nil {
			e.hsm.ReleaseKey(key.HsmKey, key)
			tx.MarkHsmKey(key.HsmKey, Update)
		}

		purged[key] = true
	}

	if len(purged) == 0 {
		return 0
	}
	zone.Keys = keys

	// Drop every dependency the purged keys take part in, in either direction.
	deps := make([]*KeyDependency, 0, len(zone.Dependencies))
	for _, d := range zone.Dependencies {
		if purged[d.From] || purged[d.To] {
			tx.MarkDependency(d, Delete)
			continue
		}
		deps = append(deps, d)
	}
	zone.Dependencies = deps

	return len(purged)
}

func locator(key *Key) string {
	if key.HsmKey == nil {
		return ""
	}
	return key.HsmKey.Locator
}
