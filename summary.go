package enforcer

// KeySummary is the single word a key's states are condensed to for listings.
type KeySummary string

const (
	SummaryGenerate KeySummary = "generate"
	SummaryPublish  KeySummary = "publish"
	SummaryReady    KeySummary = "ready"
	SummaryActive   KeySummary = "active"
	SummaryRetire   KeySummary = "retire"
	SummaryMixed    KeySummary = "mixed"
	SummaryUnknown  KeySummary = "unknown"
)

// Summarize condenses the key's record states into one word. For a CSK the KSK and ZSK views
// must agree, otherwise the key is reported as mixed.
func Summarize(key *Key) KeySummary {
	if key == nil || !key.Role.Valid() {
		return SummaryUnknown
	}
	for _, t := range RecordTypes {
		if key.Role.Applies(t) && key.State(t) == nil {
			return SummaryUnknown
		}
	}

	if !key.Introducing {
		return SummaryRetire
	}

	switch key.Role {
	case KSK:
		return summarizeKSK(key)
	case ZSK:
		return summarizeZSK(key)
	}

	ksk, zsk := summarizeKSK(key), summarizeZSK(key)
	if ksk != zsk {
		return SummaryMixed
	}
	return ksk
}

func summarizeZSK(key *Key) KeySummary {
	switch key.StateOf(DNSKEY) {
	case Hidden:
		return SummaryGenerate
	case Rumoured:
		return SummaryPublish
	case Omnipresent:
		if key.StateOf(RRSIG) == Omnipresent {
			return SummaryActive
		}
		return SummaryReady
	}
	return SummaryUnknown
}

func summarizeKSK(key *Key) KeySummary {
	dnskey := key.StateOf(DNSKEY)
	switch {
	case dnskey == Hidden:
		return SummaryGenerate
	case dnskey == Rumoured || key.StateOf(RRSIGDNSKEY) != Omnipresent:
		return SummaryPublish
	case dnskey == Omnipresent && key.StateOf(DS) != Omnipresent:
		return SummaryReady
	case dnskey == Omnipresent:
		return SummaryActive
	}
	return SummaryUnknown
}
