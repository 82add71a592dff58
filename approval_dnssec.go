package enforcer

// rule1 holds while the parent has a DS record, or is about to have one, for any key.
func (v view) rule1() bool {
	return v.exists(false, stateMask{DS: Rumoured}) ||
		v.exists(false, stateMask{DS: Omnipresent})
}

// rule2 holds while the DNSKEY set can be validated from the DS set, for the pending key's algorithm.
func (v view) rule2() bool {
	return v.exists(true, kskGood) ||
		v.existsWithSuccessor(true, kskOutroducingDS, kskIntroducingDS, DS) ||
		v.existsWithSuccessor(true, kskOutroducingKey, kskIntroducingKey, DNSKEY) ||
		v.existsWithSuccessor(true, kskOutroducingKey, kskIntroducingKey2, DNSKEY) ||
		v.existsWithSuccessor(true, kskOutroducingKey2, kskIntroducingKey, DNSKEY) ||
		v.existsWithSuccessor(true, kskOutroducingKey2, kskIntroducingKey2, DNSKEY) ||
		v.unsignedOk(kskUnsigned, DS)
}

// rule3 holds while the zone's signatures can be validated from the DNSKEY set, for the pending key's algorithm.
func (v view) rule3() bool {
	return v.exists(true, zskGood) ||
		v.existsWithSuccessor(true, zskOutroducingKey, zskIntroducingKey, DNSKEY) ||
		v.existsWithSuccessor(true, zskOutroducingSig, zskIntroducingSig, RRSIG) ||
		v.unsignedOk(zskUnsigned, DNSKEY) ||
		v.unsignedAtParent()
}

// unsignedAtParent is true when no key of the pending key's algorithm has a DS at the parent.
// Validators then treat the zone as insecure and signing may proceed freely.
func (v view) unsignedAtParent() bool {
	for _, k := range v.keys {
		if !v.sameAlgorithm(k) {
			continue
		}
		if s := v.state(k, DS); s != Hidden && s != NA {
			return false
		}
	}
	return true
}

// dnssecApproval allows a transition when, for every rule, the rule is already broken (so the
// transition cannot make it worse) or it still holds once the transition is applied.
func dnssecApproval(zone *Zone, p *PendingTransition, allowUnsigned bool) bool {
	current := newView(zone, p)
	future := current.withPretend(true)

	return (allowUnsigned || !current.rule1() || future.rule1()) &&
		(!current.rule2() || future.rule2()) &&
		(!current.rule3() || future.rule3())
}
