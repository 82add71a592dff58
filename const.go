package enforcer

import (
	"fmt"
	"strings"
)

// State is the publication state of one record type of a key.
type State uint8

const (
	Hidden State = iota
	Rumoured
	Omnipresent
	Unretentive
	NA
)

var stateNames = map[State]string{
	Hidden:      "HIDDEN",
	Rumoured:    "RUMOURED",
	Omnipresent: "OMNIPRESENT",
	Unretentive: "UNRETENTIVE",
	NA:          "NA",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return Hidden, fmt.Errorf("%w: state [%s]", ErrUnknownValue, s)
}

//---

// RecordType identifies which of a key's four published record sets a KeyState tracks.
type RecordType uint8

const (
	DS RecordType = iota
	RRSIG
	DNSKEY
	RRSIGDNSKEY
)

// RecordTypes is the order in which the enforcer visits the states of a key.
var RecordTypes = [4]RecordType{DS, DNSKEY, RRSIGDNSKEY, RRSIG}

var recordTypeNames = map[RecordType]string{
	DS:          "DS",
	RRSIG:       "RRSIG",
	DNSKEY:      "DNSKEY",
	RRSIGDNSKEY: "RRSIGDNSKEY",
}

func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

func ParseRecordType(s string) (RecordType, error) {
	for t, name := range recordTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return DS, fmt.Errorf("%w: record type [%s]", ErrUnknownValue, s)
}

//---

type Role uint8

const (
	KSK Role = 1
	ZSK Role = 2
	CSK      = KSK | ZSK
)

func (r Role) IsKSK() bool {
	return r&KSK != 0
}

func (r Role) IsZSK() bool {
	return r&ZSK != 0
}

func (r Role) Valid() bool {
	return r == KSK || r == ZSK || r == CSK
}

func (r Role) String() string {
	switch r {
	case KSK:
		return "KSK"
	case ZSK:
		return "ZSK"
	case CSK:
		return "CSK"
	}
	return "unknown"
}

func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(s) {
	case "KSK":
		return KSK, nil
	case "ZSK":
		return ZSK, nil
	case "CSK":
		return CSK, nil
	}
	return 0, fmt.Errorf("%w: role [%s]", ErrUnknownValue, s)
}

// Applies reports whether a key with this role publishes records of type t.
func (r Role) Applies(t RecordType) bool {
	switch t {
	case DS, RRSIGDNSKEY:
		return r.IsKSK()
	case RRSIG:
		return r.IsZSK()
	case DNSKEY:
		return true
	}
	return false
}

//---

// DsAtParent tracks the submission of a key's DS record to the parent zone.
// It is advanced by the operator or registrar automation; the enforcer only requests changes.
type DsAtParent uint8

const (
	DsUnsubmitted DsAtParent = iota
	DsSubmit
	DsSubmitted
	DsSeen
	DsRetract
	DsRetracted
)

var dsAtParentNames = map[DsAtParent]string{
	DsUnsubmitted: "unsubmitted",
	DsSubmit:      "submit",
	DsSubmitted:   "submitted",
	DsSeen:        "seen",
	DsRetract:     "retract",
	DsRetracted:   "retracted",
}

func (d DsAtParent) String() string {
	if name, ok := dsAtParentNames[d]; ok {
		return name
	}
	return "unknown"
}

func ParseDsAtParent(s string) (DsAtParent, error) {
	for d, name := range dsAtParentNames {
		if strings.EqualFold(name, s) {
			return d, nil
		}
	}
	return DsUnsubmitted, fmt.Errorf("%w: ds at parent [%s]", ErrUnknownValue, s)
}

//---

type BackupState uint8

const (
	BackupNotRequired BackupState = iota
	BackupRequired
	BackupRequested
	BackupDone
)

var backupNames = map[BackupState]string{
	BackupNotRequired: "not-required",
	BackupRequired:    "required",
	BackupRequested:   "requested",
	BackupDone:        "done",
}

func (b BackupState) String() string {
	if name, ok := backupNames[b]; ok {
		return name
	}
	return "unknown"
}

func ParseBackupState(s string) (BackupState, error) {
	for b, name := range backupNames {
		if strings.EqualFold(name, s) {
			return b, nil
		}
	}
	return BackupNotRequired, fmt.Errorf("%w: backup state [%s]", ErrUnknownValue, s)
}

// Pending is true while the key material still waits to be backed up.
func (b BackupState) Pending() bool {
	return b == BackupRequired || b == BackupRequested
}

//---

type HsmKeyState uint8

const (
	HsmKeyUnused HsmKeyState = iota
	HsmKeyPrivate
	HsmKeyShared
	HsmKeyDelete
)

var hsmKeyStateNames = map[HsmKeyState]string{
	HsmKeyUnused:  "unused",
	HsmKeyPrivate: "private",
	HsmKeyShared:  "shared",
	HsmKeyDelete:  "delete",
}

func (s HsmKeyState) String() string {
	if name, ok := hsmKeyStateNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseHsmKeyState(s string) (HsmKeyState, error) {
	for state, name := range hsmKeyStateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return HsmKeyUnused, fmt.Errorf("%w: hsm key state [%s]", ErrUnknownValue, s)
}
