package enforcer

import (
	"time"
)

// Minimize holds the per record type flags that delay introducing a record until the
// records it depends on have fully propagated.
type Minimize struct {
	DS     bool
	DNSKEY bool
	RRSIG  bool
}

func (m Minimize) Has(t RecordType) bool {
	switch t {
	case DS:
		return m.DS
	case DNSKEY:
		return m.DNSKEY
	case RRSIG:
		return m.RRSIG
	}
	return false
}

//---

type Policy struct {
	Name string
	Keys []*PolicyKey

	KeysTTL           time.Duration
	KeysRetireSafety  time.Duration
	KeysPublishSafety time.Duration
	KeysShared        bool
	KeysPurgeAfter    time.Duration

	ZonePropagationDelay time.Duration
	ZoneSoaTTL           time.Duration
	ZoneSoaMinimum       time.Duration

	ParentRegistrationDelay time.Duration
	ParentPropagationDelay  time.Duration
	ParentDsTTL             time.Duration

	SignaturesJitter          time.Duration
	SignaturesResign          time.Duration
	SignaturesRefresh         time.Duration
	SignaturesValidityDefault time.Duration
	SignaturesValidityDenial  time.Duration
	SignaturesMaxZoneTTL      time.Duration
}

// PolicyKey is one key slot of a policy.
type PolicyKey struct {
	Role           Role
	Algorithm      uint8
	Bits           int
	Repository     string
	Lifetime       time.Duration
	Minimize       Minimize
	ManualRollover bool
}

//---

type HsmKey struct {
	Locator    string
	Repository string
	Algorithm  uint8
	Bits       int
	Role       Role
	Inception  time.Time
	Backup     BackupState
	State      HsmKeyState

	// PublicKey is the base64 DNSKEY public key field, when the HSM exposes it.
	PublicKey string
}

//---

type KeyState struct {
	Type       RecordType
	State      State
	LastChange time.Time
	TTL        time.Duration
	Minimize   bool
}

type Key struct {
	ID     string
	HsmKey *HsmKey

	Algorithm uint8
	Role      Role
	Keytag    uint16
	Inception time.Time
	Minimize  Minimize

	// Introducing is the goal of the key: true while it is being brought in, false once it is on its way out.
	Introducing  bool
	ShouldRevoke bool
	Standby      bool

	// Derived flags consumed by the signer configuration.
	Publish   bool
	ActiveKSK bool
	ActiveZSK bool

	DsAtParent DsAtParent

	States map[RecordType]*KeyState
}

// State returns the KeyState for t, or nil if it has not been generated yet.
func (k *Key) State(t RecordType) *KeyState {
	if k.States == nil {
		return nil
	}
	return k.States[t]
}

// StateOf returns the state for t; a missing KeyState reads as NA.
func (k *Key) StateOf(t RecordType) State {
	if s := k.State(t); s != nil {
		return s.State
	}
	return NA
}

//---

// KeyDependency records that To is the successor of From for one record type.
type KeyDependency struct {
	From *Key
	To   *Key
	Type RecordType
}

//---

type Zone struct {
	Name   string
	Policy *Policy

	Keys         []*Key
	Dependencies []*KeyDependency

	// The latest point in time that a previously larger TTL may still be cached.
	TTLEndDS time.Time
	TTLEndDK time.Time
	TTLEndRS time.Time

	NextKSKRoll time.Time
	NextZSKRoll time.Time
	NextCSKRoll time.Time

	RollKSKNow bool
	RollZSKNow bool
	RollCSKNow bool

	SignconfNeedsWriting bool
}

func (z *Zone) rollNow(r Role) bool {
	switch r {
	case KSK:
		return z.RollKSKNow
	case ZSK:
		return z.RollZSKNow
	case CSK:
		return z.RollCSKNow
	}
	return false
}

// SetRollNow sets, or clears, the operator requested rollover flag for a role.
func (z *Zone) SetRollNow(r Role, v bool) {
	switch r {
	case KSK:
		z.RollKSKNow = v
	case ZSK:
		z.RollZSKNow = v
	case CSK:
		z.RollCSKNow = v
	}
}

func (z *Zone) setNextRoll(r Role, t time.Time) {
	switch r {
	case KSK:
		z.NextKSKRoll = t
	case ZSK:
		z.NextZSKRoll = t
	case CSK:
		z.NextCSKRoll = t
	}
}

func (z *Zone) NextRoll(r Role) time.Time {
	switch r {
	case KSK:
		return z.NextKSKRoll
	case ZSK:
		return z.NextZSKRoll
	case CSK:
		return z.NextCSKRoll
	}
	return time.Time{}
}

// KeyByID looks up one of the zone's keys.
func (z *Zone) KeyByID(id string) *Key {
	for _, k := range z.Keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}
