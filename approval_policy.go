package enforcer

var (
	// ZSK combinations.
	zskGood           = stateMask{DNSKEY: Omnipresent, RRSIG: Omnipresent}
	zskIntroducingKey = stateMask{DNSKEY: Rumoured, RRSIG: Omnipresent}
	zskOutroducingKey = stateMask{DNSKEY: Unretentive, RRSIG: Omnipresent}
	zskIntroducingSig = stateMask{DNSKEY: Omnipresent, RRSIG: Rumoured}
	zskOutroducingSig = stateMask{DNSKEY: Omnipresent, RRSIG: Unretentive}
	zskUnsigned       = stateMask{DNSKEY: Hidden, RRSIG: Omnipresent}

	// KSK combinations.
	kskGood            = stateMask{DS: Omnipresent, DNSKEY: Omnipresent, RRSIGDNSKEY: Omnipresent}
	kskIntroducingDS   = stateMask{DS: Rumoured, DNSKEY: Omnipresent, RRSIGDNSKEY: Omnipresent}
	kskOutroducingDS   = stateMask{DS: Unretentive, DNSKEY: Omnipresent, RRSIGDNSKEY: Omnipresent}
	kskIntroducingKey  = stateMask{DS: Omnipresent, DNSKEY: Rumoured, RRSIGDNSKEY: Rumoured}
	kskIntroducingKey2 = stateMask{DS: Omnipresent, DNSKEY: Omnipresent, RRSIGDNSKEY: Rumoured}
	kskOutroducingKey  = stateMask{DS: Omnipresent, DNSKEY: Unretentive, RRSIGDNSKEY: Unretentive}
	kskOutroducingKey2 = stateMask{DS: Omnipresent, DNSKEY: Unretentive, RRSIGDNSKEY: Omnipresent}
	kskUnsigned        = stateMask{DS: Hidden, DNSKEY: Omnipresent, RRSIGDNSKEY: Omnipresent}
)

// policyApproval checks the ordering the policy asks for. Only introductions are constrained;
// once a record is on its way in, or out, the policy has no further say.
func policyApproval(zone *Zone, p *PendingTransition) bool {
	if p.Next != Rumoured {
		return true
	}

	key := p.Key
	minimize := func(t RecordType) bool {
		if s := key.State(t); s != nil {
			return s.Minimize
		}
		return false
	}

	switch p.Type {
	case DS:
		// Make sure the DNSKEY is fully propagated before introducing the DS.
		return !minimize(DS) || key.StateOf(DNSKEY) == Omnipresent

	case DNSKEY:
		if !minimize(DNSKEY) {
			return true
		}
		if key.Role.IsZSK() {
			if s := key.StateOf(RRSIG); s == Omnipresent || s == NA {
				return true
			}
		}
		if key.Role.IsKSK() {
			if s := key.StateOf(DS); s == Omnipresent || s == NA {
				return true
			}
		}
		// We might be doing an algorithm rollover, in which case no other good KSK exists
		// and we ignore the minimize flag.
		v := newView(zone, p)
		return !(v.exists(true, kskGood) ||
			v.existsWithSuccessor(true, kskOutroducingDS, kskIntroducingDS, DS) ||
			v.existsWithSuccessor(true, kskOutroducingKey, kskIntroducingKey, DNSKEY))

	case RRSIGDNSKEY:
		return key.StateOf(DNSKEY) != Hidden

	case RRSIG:
		if !minimize(RRSIG) {
			return true
		}
		if key.StateOf(DNSKEY) == Omnipresent {
			return true
		}
		v := newView(zone, p)
		return !(v.exists(true, zskGood) ||
			v.existsWithSuccessor(true, zskOutroducingKey, zskIntroducingKey, DNSKEY) ||
			v.existsWithSuccessor(true, zskOutroducingSig, zskIntroducingSig, RRSIG))
	}

	panic("unknown record type " + p.Type.String())
}
