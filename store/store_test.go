package store

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nsmithuk/enforcer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

type testHSM struct {
	n int
}

func (h *testHSM) SharedKeys(*enforcer.Policy, *enforcer.PolicyKey) []*enforcer.HsmKey {
	return nil
}

func (h *testHSM) GenerateKey(policy *enforcer.Policy, pk *enforcer.PolicyKey) (*enforcer.HsmKey, error) {
	h.n++
	return &enforcer.HsmKey{
		Locator:    fmt.Sprintf("locator-%d", h.n),
		Repository: pk.Repository,
		Algorithm:  pk.Algorithm,
		Bits:       pk.Bits,
		Role:       pk.Role,
		Inception:  testNow,
		State:      enforcer.HsmKeyPrivate,
	}, nil
}

func (h *testHSM) Keytag(locator string, algorithm uint8, ksk bool) (uint16, error) {
	return uint16(len(locator)), nil
}

func (h *testHSM) ReleaseKey(hk *enforcer.HsmKey, key *enforcer.Key) {
	hk.State = enforcer.HsmKeyDelete
}

func testPolicy() *enforcer.Policy {
	return &enforcer.Policy{
		Name: "default",
		Keys: []*enforcer.PolicyKey{
			{Role: enforcer.KSK, Algorithm: 13, Bits: 256, Repository: "SoftHSM", Lifetime: 365 * 24 * time.Hour},
			{Role: enforcer.ZSK, Algorithm: 13, Bits: 256, Repository: "SoftHSM", Lifetime: 30 * 24 * time.Hour, Minimize: enforcer.Minimize{RRSIG: true}},
		},
		KeysTTL:              time.Hour,
		ParentDsTTL:          time.Hour,
		SignaturesMaxZoneTTL: time.Hour,
		KeysPurgeAfter:       24 * time.Hour,
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.AddPolicy(testPolicy())
	require.NoError(t, s.AddZone("Example.COM", "default"))
	return s
}

// enforceAndCommit runs the same load, enforce and commit cycle the scheduler does.
func enforceAndCommit(t *testing.T, s *Store, e *enforcer.Enforcer, name string, now time.Time) *enforcer.Zone {
	t.Helper()
	zone, err := s.LoadZone(name)
	require.NoError(t, err)
	tx := enforcer.NewTx()
	_, err = e.EnforceZone(tx, zone, now)
	require.NoError(t, err)
	require.NoError(t, s.Commit(name, tx))
	return zone
}

func snapshot(t *testing.T, s *Store) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))
	return buf.String()
}

//---

func TestStore_Zones(t *testing.T) {
	s := testStore(t)

	assert.Equal(t, []string{"example.com."}, s.ZoneNames())
	assert.Equal(t, []string{"example.com."}, s.ZonesForPolicy("default"))
	assert.Empty(t, s.ZonesForPolicy("other"))

	assert.ErrorIs(t, s.AddZone("example.com.", "default"), ErrZoneExists)
	assert.ErrorIs(t, s.AddZone("example.net.", "missing"), ErrPolicyNotFound)

	_, err := s.LoadZone("missing.example.")
	assert.ErrorIs(t, err, ErrZoneNotFound)

	zone, err := s.LoadZone("EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com.", zone.Name)
	assert.Equal(t, "default", zone.Policy.Name)
	assert.Empty(t, zone.Keys)
}

func TestStore_CommitRoundTrip(t *testing.T) {
	s := testStore(t)
	e := enforcer.NewEnforcer(&testHSM{}, enforcer.DefaultOptions())

	enforceAndCommit(t, s, e, "example.com.", testNow)
	live := enforceAndCommit(t, s, e, "example.com.", testNow)

	loaded, err := s.LoadZone("example.com.")
	require.NoError(t, err)
	require.Len(t, loaded.Keys, 2)
	assert.Equal(t, live.Keys, loaded.Keys)
	assert.Equal(t, live.NextZSKRoll, loaded.NextZSKRoll)
	assert.Equal(t, live.TTLEndDK, loaded.TTLEndDK)
	assert.True(t, loaded.SignconfNeedsWriting)

	assert.True(t, s.LocatorInUse("locator-1", ""))
	assert.False(t, s.LocatorInUse("locator-1", loaded.Keys[0].ID))
	assert.Len(t, s.HsmKeys(), 2)
}

func TestStore_Replace(t *testing.T) {
	s := testStore(t)
	e := enforcer.NewEnforcer(&testHSM{}, enforcer.DefaultOptions())
	enforceAndCommit(t, s, e, "example.com.", testNow)
	held, err := s.LoadZone("example.com.")
	require.NoError(t, err)

	other := New()
	other.AddPolicy(testPolicy())
	require.NoError(t, other.AddZone("example.net.", "default"))

	s.Replace(other)
	assert.Equal(t, []string{"example.net."}, s.ZoneNames())
	assert.Empty(t, s.HsmKeys())
	assert.False(t, s.LocatorInUse("locator-1", ""))

	_, err = s.LoadZone("example.com.")
	assert.ErrorIs(t, err, ErrZoneNotFound)
	assert.Len(t, held.Keys, 2)
}

func TestStore_LoadZoneIsIndependent(t *testing.T) {
	s := testStore(t)
	e := enforcer.NewEnforcer(&testHSM{}, enforcer.DefaultOptions())
	enforceAndCommit(t, s, e, "example.com.", testNow)

	a, err := s.LoadZone("example.com.")
	require.NoError(t, err)
	b, err := s.LoadZone("example.com.")
	require.NoError(t, err)

	a.Keys[0].Introducing = false
	a.Keys[0].States[enforcer.DNSKEY].State = enforcer.Omnipresent
	a.Keys[0].HsmKey.Backup = enforcer.BackupDone

	assert.True(t, b.Keys[0].Introducing)
	assert.Equal(t, enforcer.Hidden, b.Keys[0].StateOf(enforcer.DNSKEY))
	assert.Equal(t, enforcer.BackupNotRequired, b.Keys[0].HsmKey.Backup)

	// Uncommitted changes never reach the store.
	c, err := s.LoadZone("example.com.")
	require.NoError(t, err)
	assert.True(t, c.Keys[0].Introducing)
}

func TestStore_CommitOnlyDirty(t *testing.T) {
	s := testStore(t)
	e := enforcer.NewEnforcer(&testHSM{}, enforcer.DefaultOptions())
	enforceAndCommit(t, s, e, "example.com.", testNow)

	zone, err := s.LoadZone("example.com.")
	require.NoError(t, err)

	// Changed but not marked, so not written.
	zone.Keys[0].Keytag = 1

	zone.Keys[1].Introducing = false
	tx := enforcer.NewTx()
	tx.MarkKey(zone.Keys[1], enforcer.Update)
	require.NoError(t, s.Commit("example.com.", tx))

	loaded, err := s.LoadZone("example.com.")
	require.NoError(t, err)
	assert.NotEqual(t, uint16(1), loaded.Keys[0].Keytag)
	assert.False(t, loaded.Keys[1].Introducing)
}

func TestStore_CommitConflicts(t *testing.T) {
	s := testStore(t)
	e := enforcer.NewEnforcer(&testHSM{}, enforcer.DefaultOptions())
	enforceAndCommit(t, s, e, "example.com.", testNow)

	before := snapshot(t, s)

	zone, err := s.LoadZone("example.com.")
	require.NoError(t, err)

	tx := enforcer.NewTx()
	zone.Keys[0].Introducing = false
	tx.MarkKey(zone.Keys[0], enforcer.Update)
	tx.MarkKey(&enforcer.Key{ID: "ghost"}, enforcer.Update)

	err = s.Commit("example.com.", tx)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, before, snapshot(t, s), "a conflicting commit must not be partially applied")

	tx = enforcer.NewTx()
	tx.MarkKey(zone.Keys[0], enforcer.Update)
	assert.ErrorIs(t, s.Commit("example.net.", tx), ErrConflict)

	tx = enforcer.NewTx()
	tx.MarkKey(zone.Keys[0], enforcer.Insert)
	assert.ErrorIs(t, s.Commit("example.com.", tx), ErrConflict)
}

func TestStore_Purge(t *testing.T) {
	s := testStore(t)
	e := enforcer.NewEnforcer(&testHSM{}, enforcer.DefaultOptions())
	enforceAndCommit(t, s, e, "example.com.", testNow)

	zone, err := s.LoadZone("example.com.")
	require.NoError(t, err)
	for _, k := range zone.Keys {
		k.Introducing = false
	}

	tx := enforcer.NewTx()
	n, err := e.PurgeNow(tx, zone, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, s.Commit("example.com.", tx))

	loaded, err := s.LoadZone("example.com.")
	require.NoError(t, err)
	assert.Empty(t, loaded.Keys)
	assert.False(t, s.LocatorInUse("locator-1", ""))

	for _, h := range s.HsmKeys() {
		assert.Equal(t, enforcer.HsmKeyDelete, h.State)
	}
	assert.NotContains(t, snapshot(t, s), "last_change")
}

//---

func TestSnapshot_RoundTrip(t *testing.T) {
	s := testStore(t)
	e := enforcer.NewEnforcer(&testHSM{}, enforcer.DefaultOptions())
	enforceAndCommit(t, s, e, "example.com.", testNow)
	enforceAndCommit(t, s, e, "example.com.", testNow)
	enforceAndCommit(t, s, e, "example.com.", testNow.Add(time.Hour))

	first := snapshot(t, s)
	assert.Contains(t, first, "algorithm: ECDSAP256SHA256")
	assert.Contains(t, first, "ds_at_parent: submit")
	assert.Contains(t, first, "keys_ttl: 1h0m0s")
	assert.Contains(t, first, "minimize:\n")

	reloaded, err := Load(strings.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, first, snapshot(t, reloaded))

	a, err := s.LoadZone("example.com.")
	require.NoError(t, err)
	b, err := reloaded.LoadZone("example.com.")
	require.NoError(t, err)
	assert.Equal(t, a.Keys, b.Keys)
	assert.Equal(t, a.Policy, b.Policy)
}

func TestSnapshot_Load(t *testing.T) {
	doc := `
policies:
  - name: lab
    keys_ttl: 1h
    parent_ds_ttl: 2h
    keys:
      - role: csk
        algorithm: "13"
        bits: 256
        repository: SoftHSM
        lifetime: 720h
        minimize: [DS, RRSIG]
zones:
  - name: Lab.Example
    policy: lab
`
	s, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	p, err := s.Policy("lab")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.KeysTTL)
	assert.Equal(t, 2*time.Hour, p.ParentDsTTL)
	require.Len(t, p.Keys, 1)
	assert.Equal(t, enforcer.CSK, p.Keys[0].Role)
	assert.Equal(t, uint8(13), p.Keys[0].Algorithm)
	assert.Equal(t, 720*time.Hour, p.Keys[0].Lifetime)
	assert.Equal(t, enforcer.Minimize{DS: true, RRSIG: true}, p.Keys[0].Minimize)

	assert.Equal(t, []string{"lab.example."}, s.ZoneNames())
}

func TestSnapshot_LoadErrors(t *testing.T) {
	tests := map[string]string{
		"unknown role":      "policies: [{name: p, keys: [{role: xsk, algorithm: '13'}]}]",
		"unknown algorithm": "policies: [{name: p, keys: [{role: ksk, algorithm: NOPE}]}]",
		"bad minimize":      "policies: [{name: p, keys: [{role: ksk, algorithm: '13', minimize: [RRSIGDNSKEY]}]}]",
		"unknown policy":    "zones: [{name: example.com., policy: missing}]",
		"not yaml":          "policies: {",
	}
	for name, doc := range tests {
		_, err := Load(strings.NewReader(doc))
		assert.Error(t, err, name)
	}

	s, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, s.ZoneNames())
}
