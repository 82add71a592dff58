package enforcer

import (
	"time"
)

// minTransitionTime returns the earliest time at which a record that last changed at
// lastChange may move to next, given the TTL that was in effect.
func minTransitionTime(policy *Policy, t RecordType, next State, lastChange time.Time, ttl time.Duration) time.Time {
	switch next {
	case Rumoured, Unretentive:
		return lastChange
	case Omnipresent, Hidden:
		switch t {
		case DS:
			return lastChange.Add(ttl + policy.ParentRegistrationDelay + policy.ParentPropagationDelay)
		case DNSKEY, RRSIGDNSKEY:
			safety := policy.KeysRetireSafety
			if next == Omnipresent {
				safety = policy.KeysPublishSafety
			}
			return lastChange.Add(ttl + policy.ZonePropagationDelay + safety)
		case RRSIG:
			return lastChange.Add(ttl + policy.ZonePropagationDelay)
		}
	}
	panic("unknown transition " + t.String() + " to " + next.String())
}

// signatureSmoothing is the extra time given to the signer to replace every signature of an
// outgoing ZSK with one of the incoming ZSK, without creating validity gaps.
func signatureSmoothing(policy *Policy) time.Duration {
	return policy.SignaturesJitter +
		max(policy.SignaturesValidityDefault, policy.SignaturesValidityDenial) +
		policy.SignaturesResign -
		policy.SignaturesRefresh
}

// requiresSmoothing reports whether a signature transition happens while another ZSK of the same
// algorithm is moving the other way, so the signer needs a full resign cycle.
func requiresSmoothing(zone *Zone, p *PendingTransition) bool {
	if p.Type != RRSIG || p.Key.StateOf(DNSKEY) != Omnipresent {
		return false
	}

	v := newView(zone, p)
	switch p.Next {
	case Omnipresent:
		return v.exists(true, zskOutroducingSig)
	case Hidden:
		return v.exists(true, zskIntroducingSig)
	}
	return false
}

// timingApproval returns the earliest time the pending transition may be committed.
func timingApproval(zone *Zone, p *PendingTransition, now time.Time) time.Time {
	state := p.Key.State(p.Type)
	ttl := getZoneTTL(zone, p.Type, now)

	when := minTransitionTime(zone.Policy, p.Type, p.Next, state.LastChange, ttl)
	if requiresSmoothing(zone, p) {
		when = when.Add(signatureSmoothing(zone.Policy))
	}
	return when
}

//---

// policyTTL is the TTL the policy configures for a record type.
func policyTTL(policy *Policy, t RecordType) time.Duration {
	switch t {
	case DS:
		return policy.ParentDsTTL
	case DNSKEY, RRSIGDNSKEY:
		return policy.KeysTTL
	case RRSIG:
		return policy.SignaturesMaxZoneTTL
	}
	panic("unknown record type " + t.String())
}

// negativeTTL is how long a resolver may cache the absence of a record.
func negativeTTL(policy *Policy) time.Duration {
	return min(policy.ZoneSoaTTL, policy.ZoneSoaMinimum)
}

func ttlEnd(zone *Zone, t RecordType) time.Time {
	switch t {
	case DS:
		return zone.TTLEndDS
	case DNSKEY, RRSIGDNSKEY:
		return zone.TTLEndDK
	case RRSIG:
		return zone.TTLEndRS
	}
	panic("unknown record type " + t.String())
}

// getZoneTTL is the TTL to assume for a record type: the policy TTL, unless a previously larger
// TTL may still be cached.
func getZoneTTL(zone *Zone, t RecordType, now time.Time) time.Duration {
	return max(ttlEnd(zone, t).Sub(now), policyTTL(zone.Policy, t))
}

// trackTTLs refreshes any expired TTL window. Before any DNSKEY is omnipresent, resolvers may
// still hold a negative answer, so that TTL is taken into account too.
func trackTTLs(tx *Tx, zone *Zone, now time.Time) {
	policy := zone.Policy

	dk := policy.KeysTTL
	rs := policy.SignaturesMaxZoneTTL
	if !anyKeyInState(zone, DNSKEY, Omnipresent) {
		dk = max(dk, negativeTTL(policy))
		rs = max(rs, negativeTTL(policy))
	}

	changed := false
	refresh := func(end *time.Time, ttl time.Duration) {
		if end.After(now) {
			return
		}
		*end = now.Add(ttl)
		changed = true
	}

	refresh(&zone.TTLEndDS, policy.ParentDsTTL)
	refresh(&zone.TTLEndDK, dk)
	refresh(&zone.TTLEndRS, rs)

	if changed {
		tx.MarkZone(zone, Update)
	}
}

func anyKeyInState(zone *Zone, t RecordType, s State) bool {
	for _, k := range zone.Keys {
		if k.StateOf(t) == s {
			return true
		}
	}
	return false
}
