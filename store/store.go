package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/nsmithuk/enforcer"
)

var (
	ErrZoneNotFound   = errors.New("zone not found")
	ErrPolicyNotFound = errors.New("policy not found")
	ErrZoneExists     = errors.New("zone already exists")
	ErrConflict       = errors.New("commit conflicts with stored state")
)

type zoneRow struct {
	zone   enforcer.Zone
	policy string
}

type keyRow struct {
	zone    string
	key     enforcer.Key
	locator string
}

type stateID struct {
	key string
	t   enforcer.RecordType
}

type dependencyID struct {
	from string
	to   string
	t    enforcer.RecordType
}

// Store keeps the enforcer's tables in memory. Each zone is handed out as an independent object
// graph, and changes come back as the dirty subset recorded on an enforcer.Tx.
type Store struct {
	lock sync.RWMutex

	policies     map[string]*enforcer.Policy
	zones        map[string]*zoneRow
	keys         map[string]*keyRow
	states       map[stateID]enforcer.KeyState
	dependencies map[dependencyID]string
	hsmKeys      map[string]enforcer.HsmKey
}

func New() *Store {
	return &Store{
		policies:     make(map[string]*enforcer.Policy),
		zones:        make(map[string]*zoneRow),
		keys:         make(map[string]*keyRow),
		states:       make(map[stateID]enforcer.KeyState),
		dependencies: make(map[dependencyID]string),
		hsmKeys:      make(map[string]enforcer.HsmKey),
	}
}

// Replace swaps the store's contents for those of other, which must not be used afterwards. Zones
// already handed out are unaffected.
func (s *Store) Replace(other *Store) {
	other.lock.RLock()
	defer other.lock.RUnlock()
	s.lock.Lock()
	defer s.lock.Unlock()

	s.policies = other.policies
	s.zones = other.zones
	s.keys = other.keys
	s.states = other.states
	s.dependencies = other.dependencies
	s.hsmKeys = other.hsmKeys
}

func canonicalName(name string) string {
	return dns.CanonicalName(name)
}

//---

// AddPolicy adds, or replaces, a policy. Policies are read-only to the enforcer and are shared
// between the zone graphs handed out.
func (s *Store) AddPolicy(p *enforcer.Policy) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.policies[p.Name] = p
}

func (s *Store) Policy(name string) (*enforcer.Policy, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	p, ok := s.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: [%s]", ErrPolicyNotFound, name)
	}
	return p, nil
}

func (s *Store) AddZone(name, policy string) error {
	name = canonicalName(name)

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.policies[policy]; !ok {
		return fmt.Errorf("%w: [%s]", ErrPolicyNotFound, policy)
	}
	if _, ok := s.zones[name]; ok {
		return fmt.Errorf("%w: [%s]", ErrZoneExists, name)
	}
	s.zones[name] = &zoneRow{zone: enforcer.Zone{Name: name}, policy: policy}
	return nil
}

// ZoneNames returns the name of every zone, sorted.
func (s *Store) ZoneNames() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	names := make([]string, 0, len(s.zones))
	for name := range s.zones {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ZonesForPolicy returns the sorted names of the zones using the policy.
func (s *Store) ZonesForPolicy(policy string) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var names []string
	for name, row := range s.zones {
		if row.policy == policy {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// HsmKeys returns a copy of every HSM key record.
func (s *Store) HsmKeys() []*enforcer.HsmKey {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]*enforcer.HsmKey, 0, len(s.hsmKeys))
	for _, h := range s.hsmKeys {
		c := h
		result = append(result, &c)
	}
	slices.SortFunc(result, func(a, b *enforcer.HsmKey) int {
		return strings.Compare(a.Locator, b.Locator)
	})
	return result
}

// LocatorInUse reports whether any key other than exceptKeyID uses the HSM key.
func (s *Store) LocatorInUse(locator, exceptKeyID string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for id, row := range s.keys {
		if id != exceptKeyID && row.locator == locator {
			return true
		}
	}
	return false
}

//---

// LoadZone builds a complete object graph for the zone. The graph shares nothing mutable with
// the store, or with graphs handed out to other callers.
func (s *Store) LoadZone(name string) (*enforcer.Zone, error) {
	name = canonicalName(name)

	s.lock.RLock()
	defer s.lock.RUnlock()

	row, ok := s.zones[name]
	if !ok {
		return nil, fmt.Errorf("%w: [%s]", ErrZoneNotFound, name)
	}

	zone := row.zone
	zone.Keys = nil
	zone.Dependencies = nil
	zone.Policy = s.policies[row.policy]

	byID := make(map[string]*enforcer.Key)
	for id, kr := range s.keys {
		if kr.zone != name {
			continue
		}
		key := kr.key
		key.States = make(map[enforcer.RecordType]*enforcer.KeyState, len(enforcer.RecordTypes))
		for _, t := range enforcer.RecordTypes {
			if st, ok := s.states[stateID{id, t}]; ok {
				key.States[t] = &st
			}
		}
		if h, ok := s.hsmKeys[kr.locator]; ok {
			key.HsmKey = &h
		}
		byID[id] = &key
		zone.Keys = append(zone.Keys, &key)
	}

	// Keys come back in the order they were created.
	slices.SortFunc(zone.Keys, func(a, b *enforcer.Key) int {
		if c := a.Inception.Compare(b.Inception); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	for id, zoneName := range s.dependencies {
		if zoneName != name {
			continue
		}
		from, to := byID[id.from], byID[id.to]
		if from == nil || to == nil {
			continue
		}
		zone.Dependencies = append(zone.Dependencies, &enforcer.KeyDependency{From: from, To: to, Type: id.t})
	}
	slices.SortFunc(zone.Dependencies, func(a, b *enforcer.KeyDependency) int {
		if c := strings.Compare(a.From.ID, b.From.ID); c != 0 {
			return c
		}
		if c := strings.Compare(a.To.ID, b.To.ID); c != 0 {
			return c
		}
		return int(a.Type) - int(b.Type)
	})

	return &zone, nil
}

// Commit applies the changes recorded on tx for the zone. Nothing is applied if any change
// conflicts with what is stored.
func (s *Store) Commit(zoneName string, tx *enforcer.Tx) error {
	zoneName = canonicalName(zoneName)

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.validate(zoneName, tx); err != nil {
		return err
	}

	tx.EachZone(func(z *enforcer.Zone, op enforcer.Operation) {
		name := canonicalName(z.Name)
		if op == enforcer.Delete {
			delete(s.zones, name)
			return
		}
		row := &zoneRow{zone: *z}
		row.zone.Name = name
		row.zone.Keys = nil
		row.zone.Dependencies = nil
		row.zone.Policy = nil
		if z.Policy != nil {
			row.policy = z.Policy.Name
		} else if existing, ok := s.zones[name]; ok {
			row.policy = existing.policy
		}
		s.zones[name] = row
	})

	tx.EachHsmKey(func(h *enforcer.HsmKey, op enforcer.Operation) {
		if op == enforcer.Delete {
			delete(s.hsmKeys, h.Locator)
			return
		}
		s.hsmKeys[h.Locator] = *h
	})

	tx.EachKey(func(k *enforcer.Key, op enforcer.Operation) {
		if op == enforcer.Delete {
			delete(s.keys, k.ID)
			return
		}
		row := &keyRow{zone: zoneName, key: *k}
		row.key.HsmKey = nil
		row.key.States = nil
		if k.HsmKey != nil {
			row.locator = k.HsmKey.Locator
		}
		s.keys[k.ID] = row
	})

	tx.EachKeyState(func(k *enforcer.Key, st *enforcer.KeyState, op enforcer.Operation) {
		id := stateID{k.ID, st.Type}
		if op == enforcer.Delete {
			delete(s.states, id)
			return
		}
		s.states[id] = *st
	})

	tx.EachDependency(func(d *enforcer.KeyDependency, op enforcer.Operation) {
		id := dependencyID{d.From.ID, d.To.ID, d.Type}
		if op == enforcer.Delete {
			delete(s.dependencies, id)
			return
		}
		s.dependencies[id] = zoneName
	})

	return nil
}

// validate makes sure every update and delete refers to a row that exists, and that the
// changes belong to the zone being committed.
func (s *Store) validate(zoneName string, tx *enforcer.Tx) error {
	var err error
	fail := func(format string, args ...any) {
		if err == nil {
			err = fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
		}
	}

	tx.EachZone(func(z *enforcer.Zone, op enforcer.Operation) {
		name := canonicalName(z.Name)
		if name != zoneName {
			fail("zone [%s] in a commit for [%s]", name, zoneName)
		}
		if _, ok := s.zones[name]; !ok && op != enforcer.Insert {
			fail("zone [%s] no longer exists", name)
		}
	})

	tx.EachKey(func(k *enforcer.Key, op enforcer.Operation) {
		row, ok := s.keys[k.ID]
		switch {
		case op == enforcer.Insert && ok:
			fail("key [%s] already exists", k.ID)
		case op != enforcer.Insert && !ok:
			fail("key [%s] no longer exists", k.ID)
		case ok && row.zone != zoneName:
			fail("key [%s] belongs to zone [%s]", k.ID, row.zone)
		}
	})

	tx.EachKeyState(func(k *enforcer.Key, st *enforcer.KeyState, op enforcer.Operation) {
		if k == nil {
			fail("%s state without a key", st.Type)
			return
		}
		if _, ok := s.states[stateID{k.ID, st.Type}]; !ok && op != enforcer.Insert {
			fail("%s state of key [%s] no longer exists", st.Type, k.ID)
		}
	})

	return err
}
