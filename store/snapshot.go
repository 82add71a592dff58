package store

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/nsmithuk/enforcer"
	"gopkg.in/yaml.v3"
)

type document struct {
	Policies []policyDoc `yaml:"policies"`
	Zones    []zoneDoc   `yaml:"zones"`
	HsmKeys  []hsmKeyDoc `yaml:"hsm_keys,omitempty"`
}

type policyDoc struct {
	Name string         `yaml:"name"`
	Keys []policyKeyDoc `yaml:"keys"`

	KeysTTL           time.Duration `yaml:"keys_ttl"`
	KeysRetireSafety  time.Duration `yaml:"keys_retire_safety"`
	KeysPublishSafety time.Duration `yaml:"keys_publish_safety"`
	KeysShared        bool          `yaml:"keys_shared"`
	KeysPurgeAfter    time.Duration `yaml:"keys_purge_after"`

	ZonePropagationDelay time.Duration `yaml:"zone_propagation_delay"`
	ZoneSoaTTL           time.Duration `yaml:"zone_soa_ttl"`
	ZoneSoaMinimum       time.Duration `yaml:"zone_soa_minimum"`

	ParentRegistrationDelay time.Duration `yaml:"parent_registration_delay"`
	ParentPropagationDelay  time.Duration `yaml:"parent_propagation_delay"`
	ParentDsTTL             time.Duration `yaml:"parent_ds_ttl"`

	SignaturesJitter          time.Duration `yaml:"signatures_jitter"`
	SignaturesResign          time.Duration `yaml:"signatures_resign"`
	SignaturesRefresh         time.Duration `yaml:"signatures_refresh"`
	SignaturesValidityDefault time.Duration `yaml:"signatures_validity_default"`
	SignaturesValidityDenial  time.Duration `yaml:"signatures_validity_denial"`
	SignaturesMaxZoneTTL      time.Duration `yaml:"signatures_max_zone_ttl"`
}

type policyKeyDoc struct {
	Role           string        `yaml:"role"`
	Algorithm      string        `yaml:"algorithm"`
	Bits           int           `yaml:"bits"`
	Repository     string        `yaml:"repository"`
	Lifetime       time.Duration `yaml:"lifetime"`
	Minimize       []string      `yaml:"minimize,omitempty"`
	ManualRollover bool          `yaml:"manual_rollover,omitempty"`
}

type zoneDoc struct {
	Name   string `yaml:"name"`
	Policy string `yaml:"policy"`

	TTLEndDS time.Time `yaml:"ttl_end_ds,omitempty"`
	TTLEndDK time.Time `yaml:"ttl_end_dk,omitempty"`
	TTLEndRS time.Time `yaml:"ttl_end_rs,omitempty"`

	NextKSKRoll time.Time `yaml:"next_ksk_roll,omitempty"`
	NextZSKRoll time.Time `yaml:"next_zsk_roll,omitempty"`
	NextCSKRoll time.Time `yaml:"next_csk_roll,omitempty"`

	RollKSKNow bool `yaml:"roll_ksk_now,omitempty"`
	RollZSKNow bool `yaml:"roll_zsk_now,omitempty"`
	RollCSKNow bool `yaml:"roll_csk_now,omitempty"`

	SignconfNeedsWriting bool `yaml:"signconf_needs_writing,omitempty"`

	Keys         []keyDoc        `yaml:"keys,omitempty"`
	Dependencies []dependencyDoc `yaml:"dependencies,omitempty"`
}

type keyDoc struct {
	ID        string    `yaml:"id"`
	Locator   string    `yaml:"locator"`
	Algorithm string    `yaml:"algorithm"`
	Role      string    `yaml:"role"`
	Keytag    uint16    `yaml:"keytag"`
	Inception time.Time `yaml:"inception"`
	Minimize  []string  `yaml:"minimize,omitempty"`

	Introducing  bool `yaml:"introducing"`
	ShouldRevoke bool `yaml:"should_revoke,omitempty"`
	Standby      bool `yaml:"standby,omitempty"`
	Publish      bool `yaml:"publish"`
	ActiveKSK    bool `yaml:"active_ksk"`
	ActiveZSK    bool `yaml:"active_zsk"`

	DsAtParent string     `yaml:"ds_at_parent"`
	States     []stateDoc `yaml:"states"`
}

type stateDoc struct {
	Type       string        `yaml:"type"`
	State      string        `yaml:"state"`
	LastChange time.Time     `yaml:"last_change"`
	TTL        time.Duration `yaml:"ttl"`
	Minimize   bool          `yaml:"minimize,omitempty"`
}

type dependencyDoc struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Type string `yaml:"type"`
}

type hsmKeyDoc struct {
	Locator    string    `yaml:"locator"`
	Repository string    `yaml:"repository"`
	Algorithm  string    `yaml:"algorithm"`
	Bits       int       `yaml:"bits"`
	Role       string    `yaml:"role"`
	Inception  time.Time `yaml:"inception"`
	Backup     string    `yaml:"backup"`
	State      string    `yaml:"state"`
	PublicKey  string    `yaml:"public_key,omitempty"`
}

//---

// parseAlgorithm accepts either the algorithm number or its mnemonic.
func parseAlgorithm(s string) (uint8, error) {
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		return uint8(n), nil
	}
	if a, ok := dns.StringToAlgorithm[strings.ToUpper(s)]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("%w: algorithm [%s]", enforcer.ErrUnknownValue, s)
}

func formatAlgorithm(a uint8) string {
	if s, ok := dns.AlgorithmToString[a]; ok {
		return s
	}
	return strconv.Itoa(int(a))
}

func parseMinimize(values []string) (enforcer.Minimize, error) {
	var m enforcer.Minimize
	for _, v := range values {
		t, err := enforcer.ParseRecordType(v)
		if err != nil {
			return m, err
		}
		switch t {
		case enforcer.DS:
			m.DS = true
		case enforcer.DNSKEY:
			m.DNSKEY = true
		case enforcer.RRSIG:
			m.RRSIG = true
		default:
			return m, fmt.Errorf("%w: cannot minimize %s", enforcer.ErrUnknownValue, t)
		}
	}
	return m, nil
}

func formatMinimize(m enforcer.Minimize) []string {
	var values []string
	for _, t := range []enforcer.RecordType{enforcer.DS, enforcer.DNSKEY, enforcer.RRSIG} {
		if m.Has(t) {
			values = append(values, t.String())
		}
	}
	return values
}

//---

// Load reads a YAML snapshot into a new store.
func Load(r io.Reader) (*Store, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	s := New()

	for _, pd := range doc.Policies {
		p, err := pd.policy()
		if err != nil {
			return nil, err
		}
		s.policies[p.Name] = p
	}

	for _, hd := range doc.HsmKeys {
		h, err := hd.hsmKey()
		if err != nil {
			return nil, err
		}
		s.hsmKeys[h.Locator] = *h
	}

	for _, zd := range doc.Zones {
		if err := s.loadZone(zd); err != nil {
			return nil, fmt.Errorf("zone [%s]: %w", zd.Name, err)
		}
	}

	return s, nil
}

// LoadFile reads a snapshot from disk. A missing file gives an empty store.
func LoadFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func (pd policyDoc) policy() (*enforcer.Policy, error) {
	p := &enforcer.Policy{
		Name:                      pd.Name,
		KeysTTL:                   pd.KeysTTL,
		KeysRetireSafety:          pd.KeysRetireSafety,
		KeysPublishSafety:         pd.KeysPublishSafety,
		KeysShared:                pd.KeysShared,
		KeysPurgeAfter:            pd.KeysPurgeAfter,
		ZonePropagationDelay:      pd.ZonePropagationDelay,
		ZoneSoaTTL:                pd.ZoneSoaTTL,
		ZoneSoaMinimum:            pd.ZoneSoaMinimum,
		ParentRegistrationDelay:   pd.ParentRegistrationDelay,
		ParentPropagationDelay:    pd.ParentPropagationDelay,
		ParentDsTTL:               pd.ParentDsTTL,
		SignaturesJitter:          pd.SignaturesJitter,
		SignaturesResign:          pd.SignaturesResign,
		SignaturesRefresh:         pd.SignaturesRefresh,
		SignaturesValidityDefault: pd.SignaturesValidityDefault,
		SignaturesValidityDenial:  pd.SignaturesValidityDenial,
		SignaturesMaxZoneTTL:      pd.SignaturesMaxZoneTTL,
	}
	for _, kd := range pd.Keys {
		role, err := enforcer.ParseRole(kd.Role)
		if err != nil {
			return nil, fmt.Errorf("policy [%s]: %w", pd.Name, err)
		}
		alg, err := parseAlgorithm(kd.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("policy [%s]: %w", pd.Name, err)
		}
		minimize, err := parseMinimize(kd.Minimize)
		if err != nil {
			return nil, fmt.Errorf("policy [%s]: %w", pd.Name, err)
		}
		p.Keys = append(p.Keys, &enforcer.PolicyKey{
			Role:           role,
			Algorithm:      alg,
			Bits:           kd.Bits,
			Repository:     kd.Repository,
			Lifetime:       kd.Lifetime,
			Minimize:       minimize,
			ManualRollover: kd.ManualRollover,
		})
	}
	return p, nil
}

func (hd hsmKeyDoc) hsmKey() (*enforcer.HsmKey, error) {
	alg, err := parseAlgorithm(hd.Algorithm)
	if err != nil {
		return nil, err
	}
	role, err := enforcer.ParseRole(hd.Role)
	if err != nil {
		return nil, err
	}
	backup, err := enforcer.ParseBackupState(hd.Backup)
	if err != nil {
		return nil, err
	}
	state, err := enforcer.ParseHsmKeyState(hd.State)
	if err != nil {
		return nil, err
	}
	return &enforcer.HsmKey{
		Locator:    hd.Locator,
		Repository: hd.Repository,
		Algorithm:  alg,
		Bits:       hd.Bits,
		Role:       role,
		Inception:  hd.Inception,
		Backup:     backup,
		State:      state,
		PublicKey:  hd.PublicKey,
	}, nil
}

func (s *Store) loadZone(zd zoneDoc) error {
	if _, ok := s.policies[zd.Policy]; !ok {
		return fmt.Errorf("%w: [%s]", ErrPolicyNotFound, zd.Policy)
	}

	name := canonicalName(zd.Name)
	s.zones[name] = &zoneRow{
		policy: zd.Policy,
		zone: enforcer.Zone{
			Name:                 name,
			TTLEndDS:             zd.TTLEndDS,
			TTLEndDK:             zd.TTLEndDK,
			TTLEndRS:             zd.TTLEndRS,
			NextKSKRoll:          zd.NextKSKRoll,
			NextZSKRoll:          zd.NextZSKRoll,
			NextCSKRoll:          zd.NextCSKRoll,
			RollKSKNow:           zd.RollKSKNow,
			RollZSKNow:           zd.RollZSKNow,
			RollCSKNow:           zd.RollCSKNow,
			SignconfNeedsWriting: zd.SignconfNeedsWriting,
		},
	}

	for _, kd := range zd.Keys {
		role, err := enforcer.ParseRole(kd.Role)
		if err != nil {
			return err
		}
		alg, err := parseAlgorithm(kd.Algorithm)
		if err != nil {
			return err
		}
		minimize, err := parseMinimize(kd.Minimize)
		if err != nil {
			return err
		}
		ds, err := enforcer.ParseDsAtParent(kd.DsAtParent)
		if err != nil {
			return err
		}

		s.keys[kd.ID] = &keyRow{
			zone:    name,
			locator: kd.Locator,
			key: enforcer.Key{
				ID:           kd.ID,
				Algorithm:    alg,
				Role:         role,
				Keytag:       kd.Keytag,
				Inception:    kd.Inception,
				Minimize:     minimize,
				Introducing:  kd.Introducing,
				ShouldRevoke: kd.ShouldRevoke,
				Standby:      kd.Standby,
				Publish:      kd.Publish,
				ActiveKSK:    kd.ActiveKSK,
				ActiveZSK:    kd.ActiveZSK,
				DsAtParent:   ds,
			},
		}

		for _, sd := range kd.States {
			t, err := enforcer.ParseRecordType(sd.Type)
			if err != nil {
				return err
			}
			st, err := enforcer.ParseState(sd.State)
			if err != nil {
				return err
			}
			s.states[stateID{kd.ID, t}] = enforcer.KeyState{
				Type:       t,
				State:      st,
				LastChange: sd.LastChange,
				TTL:        sd.TTL,
				Minimize:   sd.Minimize,
			}
		}
	}

	for _, dd := range zd.Dependencies {
		t, err := enforcer.ParseRecordType(dd.Type)
		if err != nil {
			return err
		}
		if s.keys[dd.From] == nil || s.keys[dd.To] == nil {
			return fmt.Errorf("%w: dependency %s -> %s refers to an unknown key", ErrConflict, dd.From, dd.To)
		}
		s.dependencies[dependencyID{dd.From, dd.To, t}] = name
	}

	return nil
}

//---

// Save writes the whole store as a YAML snapshot.
func (s *Store) Save(w io.Writer) error {
	doc := s.document()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return enc.Close()
}

// SaveFile writes the snapshot to a temporary file and renames it over path.
func (s *Store) SaveFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := s.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) document() document {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var doc document

	policyNames := make([]string, 0, len(s.policies))
	for name := range s.policies {
		policyNames = append(policyNames, name)
	}
	slices.Sort(policyNames)
	for _, name := range policyNames {
		doc.Policies = append(doc.Policies, policyDocFrom(s.policies[name]))
	}

	zoneNames := make([]string, 0, len(s.zones))
	for name := range s.zones {
		zoneNames = append(zoneNames, name)
	}
	slices.Sort(zoneNames)
	for _, name := range zoneNames {
		doc.Zones = append(doc.Zones, s.zoneDoc(name))
	}

	locators := make([]string, 0, len(s.hsmKeys))
	for l := range s.hsmKeys {
		locators = append(locators, l)
	}
	slices.Sort(locators)
	for _, l := range locators {
		h := s.hsmKeys[l]
		doc.HsmKeys = append(doc.HsmKeys, hsmKeyDoc{
			Locator:    h.Locator,
			Repository: h.Repository,
			Algorithm:  formatAlgorithm(h.Algorithm),
			Bits:       h.Bits,
			Role:       h.Role.String(),
			Inception:  h.Inception,
			Backup:     h.Backup.String(),
			State:      h.State.String(),
			PublicKey:  h.PublicKey,
		})
	}

	return doc
}

func policyDocFrom(p *enforcer.Policy) policyDoc {
	pd := policyDoc{
		Name:                      p.Name,
		KeysTTL:                   p.KeysTTL,
		KeysRetireSafety:          p.KeysRetireSafety,
		KeysPublishSafety:         p.KeysPublishSafety,
		KeysShared:                p.KeysShared,
		KeysPurgeAfter:            p.KeysPurgeAfter,
		ZonePropagationDelay:      p.ZonePropagationDelay,
		ZoneSoaTTL:                p.ZoneSoaTTL,
		ZoneSoaMinimum:            p.ZoneSoaMinimum,
		ParentRegistrationDelay:   p.ParentRegistrationDelay,
		ParentPropagationDelay:    p.ParentPropagationDelay,
		ParentDsTTL:               p.ParentDsTTL,
		SignaturesJitter:          p.SignaturesJitter,
		SignaturesResign:          p.SignaturesResign,
		SignaturesRefresh:         p.SignaturesRefresh,
		SignaturesValidityDefault: p.SignaturesValidityDefault,
		SignaturesValidityDenial:  p.SignaturesValidityDenial,
		SignaturesMaxZoneTTL:      p.SignaturesMaxZoneTTL,
	}
	for _, pk := range p.Keys {
		pd.Keys = append(pd.Keys, policyKeyDoc{
			Role:           pk.Role.String(),
			Algorithm:      formatAlgorithm(pk.Algorithm),
			Bits:           pk.Bits,
			Repository:     pk.Repository,
			Lifetime:       pk.Lifetime,
			Minimize:       formatMinimize(pk.Minimize),
			ManualRollover: pk.ManualRollover,
		})
	}
	return pd
}

func (s *Store) zoneDoc(name string) zoneDoc {
	row := s.zones[name]
	z := row.zone
	zd := zoneDoc{
		Name:                 name,
		Policy:               row.policy,
		TTLEndDS:             z.TTLEndDS,
		TTLEndDK:             z.TTLEndDK,
		TTLEndRS:             z.TTLEndRS,
		NextKSKRoll:          z.NextKSKRoll,
		NextZSKRoll:          z.NextZSKRoll,
		NextCSKRoll:          z.NextCSKRoll,
		RollKSKNow:           z.RollKSKNow,
		RollZSKNow:           z.RollZSKNow,
		RollCSKNow:           z.RollCSKNow,
		SignconfNeedsWriting: z.SignconfNeedsWriting,
	}

	var ids []string
	for id, kr := range s.keys {
		if kr.zone == name {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		kr := s.keys[id]
		k := kr.key
		kd := keyDoc{
			ID:           id,
			Locator:      kr.locator,
			Algorithm:    formatAlgorithm(k.Algorithm),
			Role:         k.Role.String(),
			Keytag:       k.Keytag,
			Inception:    k.Inception,
			Minimize:     formatMinimize(k.Minimize),
			Introducing:  k.Introducing,
			ShouldRevoke: k.ShouldRevoke,
			Standby:      k.Standby,
			Publish:      k.Publish,
			ActiveKSK:    k.ActiveKSK,
			ActiveZSK:    k.ActiveZSK,
			DsAtParent:   k.DsAtParent.String(),
		}
		for _, t := range enforcer.RecordTypes {
			st, ok := s.states[stateID{id, t}]
			if !ok {
				continue
			}
			kd.States = append(kd.States, stateDoc{
				Type:       t.String(),
				State:      st.State.String(),
				LastChange: st.LastChange,
				TTL:        st.TTL,
				Minimize:   st.Minimize,
			})
		}
		zd.Keys = append(zd.Keys, kd)
	}

	for id, zoneName := range s.dependencies {
		if zoneName != name {
			continue
		}
		zd.Dependencies = append(zd.Dependencies, dependencyDoc{From: id.from, To: id.to, Type: id.t.String()})
	}
	slices.SortFunc(zd.Dependencies, func(a, b dependencyDoc) int {
		return strings.Compare(a.From+a.To+a.Type, b.From+b.To+b.Type)
	})

	return zd
}
