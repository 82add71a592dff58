package enforcer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

type policyResult struct {
	next          time.Time
	allowUnsigned bool
	minted        bool
	problems      []error
}

// updatePolicy makes sure each key slot of the zone's policy has an unexpired key, minting new
// keys and retiring the ones they replace.
func (e *Enforcer) updatePolicy(trace *Trace, tx *Tx, zone *Zone, now time.Time) policyResult {
	policy := zone.Policy
	var r policyResult

	// Decommission all keys the policy no longer describes.
	for _, key := range zone.Keys {
		if !key.Introducing || policyDescribes(policy, key) {
			continue
		}
		trace.info("key %d (%s, %s) no longer matches the policy, retiring it", key.Keytag, key.Role, algorithmName(key.Algorithm))
		key.Introducing = false
		tx.MarkKey(key, Update)
	}

	// If no keys are configured an unsigned zone is okay.
	if len(policy.Keys) == 0 {
		r.allowUnsigned = true
		return r
	}

	// Several slots may share a role, so each role rolls at the earliest of its slots.
	rolls := make(map[Role]time.Time)
	rolled := make(map[Role]bool)

	for _, pk := range policy.Keys {
		if err := checkAlgorithm(policy, pk); err != nil {
			r.problems = append(r.problems, err)
			continue
		}

		newest := newestKey(zone, pk)
		forceRoll := zone.rollNow(pk.Role) || newest == nil

		if pk.ManualRollover && !forceRoll {
			trace.debug("%s uses manual rollover, skipping", pk.Role)
			continue
		}

		if !forceRoll {
			expires := newest.Inception.Add(pk.Lifetime)
			if now.Before(expires) {
				rolls[pk.Role] = minTime(rolls[pk.Role], expires)
				r.next = minTime(r.next, expires)
				continue
			}
		}

		if err := checkLifetime(policy, pk); err != nil {
			r.problems = append(r.problems, err)
			rolls[pk.Role] = now
			r.next = minTime(r.next, now)
			continue
		}

		key, err := e.mintKey(tx, zone, pk, now)
		if err != nil {
			retry := now.Add(e.options.NoKeyRetry)
			r.problems = append(r.problems, fmt.Errorf("%w, retry at %s", err, retry.UTC().Format(time.RFC3339)))
			rolls[pk.Role] = now
			r.next = minTime(r.next, retry)
			continue
		}

		trace.info("new %s %s key %d created with locator [%s]", algorithmName(key.Algorithm), key.Role, key.Keytag, key.HsmKey.Locator)

		// Only one key per slot is ever being introduced.
		for _, other := range zone.Keys {
			if other == key || !other.Introducing || !policyKeyMatches(pk, other) {
				continue
			}
			trace.info("key %d (%s) superseded by key %d", other.Keytag, other.Role, key.Keytag)
			other.Introducing = false
			tx.MarkKey(other, Update)
		}

		rolled[pk.Role] = true
		rolls[pk.Role] = minTime(rolls[pk.Role], now.Add(pk.Lifetime))

		// The new key needs to be committed before it is worked on again.
		r.minted = true
		r.next = minTime(r.next, now)
	}

	for role, t := range rolls {
		setNextRoll(tx, zone, role, t)
	}
	for role := range rolled {
		if zone.rollNow(role) {
			zone.SetRollNow(role, false)
			tx.MarkZone(zone, Update)
		}
	}

	return r
}

func (e *Enforcer) mintKey(tx *Tx, zone *Zone, pk *PolicyKey, now time.Time) (*Key, error) {
	h, fresh, err := e.obtainHsmKey(zone, pk)
	if err != nil {
		return nil, err
	}

	keytag, err := e.hsm.Keytag(h.Locator, pk.Algorithm, pk.Role.IsKSK())
	if err != nil {
		if fresh {
			// No key will ever reference it.
			e.hsm.ReleaseKey(h, nil)
		}
		if errors.Is(err, ErrKeytagFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w for [%s]: %w", ErrKeytagFailed, h.Locator, err)
	}

	if fresh {
		tx.MarkHsmKey(h, Insert)
	} else {
		tx.MarkHsmKey(h, Update)
	}

	id, _ := uuid.NewV7()
	key := &Key{
		ID:          id.String(),
		HsmKey:      h,
		Algorithm:   pk.Algorithm,
		Role:        pk.Role,
		Keytag:      keytag,
		Inception:   now,
		Minimize:    pk.Minimize,
		Introducing: true,
		DsAtParent:  DsUnsubmitted,
	}
	zone.Keys = append(zone.Keys, key)
	tx.MarkKey(key, Insert)

	return key, nil
}

// obtainHsmKey reuses a shared key the zone is not using yet, if the policy shares keys, or
// otherwise asks the HSM for a fresh one.
func (e *Enforcer) obtainHsmKey(zone *Zone, pk *PolicyKey) (*HsmKey, bool, error) {
	if zone.Policy.KeysShared {
		for _, h := range e.hsm.SharedKeys(zone.Policy, pk) {
			if !zoneUsesHsmKey(zone, h) {
				return h, false, nil
			}
		}
	}
	h, err := e.hsm.GenerateKey(zone.Policy, pk)
	return h, true, err
}

func zoneUsesHsmKey(zone *Zone, h *HsmKey) bool {
	for _, k := range zone.Keys {
		if k.HsmKey != nil && k.HsmKey.Locator == h.Locator {
			return true
		}
	}
	return false
}

func setNextRoll(tx *Tx, zone *Zone, r Role, t time.Time) {
	if zone.NextRoll(r).Equal(t) {
		return
	}
	zone.setNextRoll(r, t)
	tx.MarkZone(zone, Update)
}

// checkLifetime rejects key lifetimes too short for a key to ever settle before it is replaced.
func checkLifetime(policy *Policy, pk *PolicyKey) error {
	var required time.Duration
	if pk.Role.IsKSK() {
		required = policy.ParentDsTTL + policy.KeysTTL
	}
	if pk.Role.IsZSK() {
		required = max(required, policy.SignaturesMaxZoneTTL+policy.KeysTTL)
	}
	if pk.Lifetime <= required {
		return &LifetimeTooShortError{
			Policy:   policy.Name,
			Role:     pk.Role,
			Lifetime: pk.Lifetime,
			Required: required,
		}
	}
	return nil
}

// checkAlgorithm rejects slots whose algorithm has no DNSKEY mnemonic, as no key could be signed with it.
func checkAlgorithm(policy *Policy, pk *PolicyKey) error {
	if _, ok := dns.AlgorithmToString[pk.Algorithm]; ok {
		return nil
	}
	return fmt.Errorf("%w: policy [%s] %s algorithm %d", ErrUnknownAlgorithm, policy.Name, pk.Role, pk.Algorithm)
}

func algorithmName(a uint8) string {
	if name, ok := dns.AlgorithmToString[a]; ok {
		return name
	}
	return fmt.Sprintf("algorithm %d", a)
}

// policyDescribes reports whether any slot of the policy has the key's role and algorithm.
func policyDescribes(policy *Policy, key *Key) bool {
	for _, pk := range policy.Keys {
		if pk.Role == key.Role && pk.Algorithm == key.Algorithm {
			return true
		}
	}
	return false
}

func policyKeyMatches(pk *PolicyKey, key *Key) bool {
	if pk.Role != key.Role || pk.Algorithm != key.Algorithm {
		return false
	}
	if key.HsmKey != nil {
		return key.HsmKey.Bits == pk.Bits && key.HsmKey.Repository == pk.Repository
	}
	return true
}

// newestKey returns the most recently created introducing key of the slot, if any.
func newestKey(zone *Zone, pk *PolicyKey) *Key {
	var newest *Key
	for _, k := range zone.Keys {
		if !k.Introducing || !policyKeyMatches(pk, k) {
			continue
		}
		if newest == nil || k.Inception.After(newest.Inception) {
			newest = k
		}
	}
	return newest
}
