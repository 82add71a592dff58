package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nsmithuk/enforcer"
	"github.com/nsmithuk/enforcer/hsm"
	"github.com/nsmithuk/enforcer/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() *enforcer.Policy {
	return &enforcer.Policy{
		Name: "default",
		Keys: []*enforcer.PolicyKey{
			{Role: enforcer.KSK, Algorithm: 13, Bits: 256, Repository: "SoftHSM", Lifetime: 365 * 24 * time.Hour},
			{Role: enforcer.ZSK, Algorithm: 13, Bits: 256, Repository: "SoftHSM", Lifetime: 30 * 24 * time.Hour},
		},
		KeysTTL:              time.Hour,
		ParentDsTTL:          time.Hour,
		SignaturesMaxZoneTTL: time.Hour,
		KeysPurgeAfter:       24 * time.Hour,
	}
}

func testScheduler(t *testing.T, zones ...string) (*Scheduler, *store.Store) {
	t.Helper()

	st := store.New()
	st.AddPolicy(testPolicy())
	for _, z := range zones {
		require.NoError(t, st.AddZone(z, "default"))
	}

	pool := hsm.NewPool(nil)
	pool.InUse = st.LocatorInUse

	s, err := New(st, enforcer.NewEnforcer(pool, enforcer.DefaultOptions()), prometheus.NewRegistry())
	require.NoError(t, err)
	return s, st
}

// failingRepo wraps a store, failing the named zones.
type failingRepo struct {
	*store.Store
	load   map[string]bool
	commit map[string]bool
}

func (r *failingRepo) LoadZone(name string) (*enforcer.Zone, error) {
	if r.load[name] {
		return nil, errors.New("disk on fire")
	}
	return r.Store.LoadZone(name)
}

func (r *failingRepo) Commit(name string, tx *enforcer.Tx) error {
	if r.commit[name] {
		return store.ErrConflict
	}
	return r.Store.Commit(name, tx)
}

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// After moves the clock forward by d, and fires straight away.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

//---

func TestScheduler_EnforceDue(t *testing.T) {
	s, st := testScheduler(t, "example.com.", "example.net.")

	assert.Equal(t, []string{"example.com.", "example.net."}, s.Due(testNow))

	report, err := s.EnforceDue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Enforced)
	assert.Empty(t, report.Failed)
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.passes.WithLabelValues(resultOK)))

	// New keys were minted, so the zones are due again as soon as allowed.
	next, ok := s.NextWake("example.com.")
	assert.True(t, ok)
	assert.Equal(t, testNow.Add(DefaultMinimumDelay), next)
	assert.Equal(t, float64(next.Unix()), testutil.ToFloat64(s.metrics.nextWake.WithLabelValues("example.com.")))

	assert.Empty(t, s.Due(testNow))
	assert.Len(t, s.Due(testNow.Add(time.Second)), 2)

	zone, err := st.LoadZone("example.com.")
	require.NoError(t, err)
	assert.Len(t, zone.Keys, 2)

	// Nothing is due, so nothing is done.
	report, err = s.EnforceDue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Enforced)
}

func TestScheduler_EnforceAll(t *testing.T) {
	s, _ := testScheduler(t, "example.com.")

	_, err := s.EnforceDue(context.Background(), testNow)
	require.NoError(t, err)

	report, err := s.EnforceAll(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enforced)
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.passes.WithLabelValues(resultOK)))
}

func TestScheduler_Wake(t *testing.T) {
	s, _ := testScheduler(t, "example.com.")

	_, err := s.EnforceDue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Empty(t, s.Due(testNow))

	s.Wake("example.com.")
	assert.Equal(t, []string{"example.com."}, s.Due(testNow))

	_, ok := s.NextWake("example.com.")
	assert.False(t, ok)
}

func TestScheduler_WakeAll(t *testing.T) {
	s, _ := testScheduler(t, "example.com.", "example.net.")

	_, err := s.EnforceDue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Empty(t, s.Due(testNow))

	s.WakeAll()
	assert.Len(t, s.Due(testNow), 2)
	select {
	case <-s.poke:
	default:
		assert.Fail(t, "WakeAll did not poke the scheduler")
	}
}

func TestScheduler_FailingZoneDoesNotBlockOthers(t *testing.T) {
	s, st := testScheduler(t, "bad.example.", "conflict.example.", "good.example.")
	s.repo = &failingRepo{
		Store:  st,
		load:   map[string]bool{"bad.example.": true},
		commit: map[string]bool{"conflict.example.": true},
	}

	report, err := s.EnforceDue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Enforced)
	assert.Equal(t, []string{"bad.example.", "conflict.example."}, report.Failed)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.passes.WithLabelValues(resultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.passes.WithLabelValues(resultFailed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.passes.WithLabelValues(resultConflict)))

	// Failed zones are retried after the minimum delay.
	next, ok := s.NextWake("bad.example.")
	assert.True(t, ok)
	assert.Equal(t, testNow.Add(DefaultMinimumDelay), next)

	// Nothing from the conflicting pass reached the store.
	zone, err := st.LoadZone("conflict.example.")
	require.NoError(t, err)
	assert.Empty(t, zone.Keys)
}

func TestScheduler_FailedCommitReturnsKeys(t *testing.T) {
	st := store.New()
	st.AddPolicy(testPolicy())
	require.NoError(t, st.AddZone("example.com.", "default"))

	pool := hsm.NewPool(nil)
	pool.InUse = st.LocatorInUse
	pool.Capacity = 2

	repo := &failingRepo{Store: st, commit: map[string]bool{"example.com.": true}}
	s, err := New(repo, enforcer.NewEnforcer(pool, enforcer.DefaultOptions()), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		report, err := s.EnforceAll(context.Background(), testNow)
		require.NoError(t, err)
		assert.Equal(t, []string{"example.com."}, report.Failed)
	}
	assert.Empty(t, pool.Keys())

	delete(repo.commit, "example.com.")
	report, err := s.EnforceAll(context.Background(), testNow)
	require.NoError(t, err)
	assert.Empty(t, report.Failed)

	zone, err := st.LoadZone("example.com.")
	require.NoError(t, err)
	assert.Len(t, zone.Keys, 2)
	assert.Len(t, pool.Keys(), 2)
}

func TestScheduler_FailedPurgeKeepsKeys(t *testing.T) {
	st := store.New()
	st.AddPolicy(testPolicy())
	require.NoError(t, st.AddZone("example.com.", "default"))

	pool := hsm.NewPool(nil)
	pool.InUse = st.LocatorInUse

	repo := &failingRepo{Store: st, commit: map[string]bool{}}
	s, err := New(repo, enforcer.NewEnforcer(pool, enforcer.DefaultOptions()), nil)
	require.NoError(t, err)

	_, err = s.EnforceAll(context.Background(), testNow)
	require.NoError(t, err)

	zone, err := st.LoadZone("example.com.")
	require.NoError(t, err)
	tx := enforcer.NewTx()
	for _, k := range zone.Keys {
		k.Introducing = false
		tx.MarkKey(k, enforcer.Update)
	}
	require.NoError(t, st.Commit("example.com.", tx))

	repo.commit["example.com."] = true
	_, err = s.PurgeZone(context.Background(), "example.com.", testNow)
	assert.ErrorIs(t, err, store.ErrConflict)
	for _, h := range pool.Keys() {
		assert.NotEqual(t, enforcer.HsmKeyDelete, h.State)
	}

	delete(repo.commit, "example.com.")
	n, err := s.PurgeZone(context.Background(), "example.com.", testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, h := range pool.Keys() {
		assert.Equal(t, enforcer.HsmKeyDelete, h.State)
	}
}

func TestScheduler_Cancelled(t *testing.T) {
	s, _ := testScheduler(t, "example.com.")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := s.EnforceDue(ctx, testNow)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Enforced)

	_, err = s.PurgeZone(ctx, "example.com.", testNow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_Purge(t *testing.T) {
	s, st := testScheduler(t, "example.com.", "example.net.")

	_, err := s.EnforceDue(context.Background(), testNow)
	require.NoError(t, err)

	// Nothing is dead yet.
	n, err := s.PurgeZone(context.Background(), "example.com.", testNow)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, name := range st.ZoneNames() {
		zone, err := st.LoadZone(name)
		require.NoError(t, err)
		tx := enforcer.NewTx()
		for _, k := range zone.Keys {
			k.Introducing = false
			tx.MarkKey(k, enforcer.Update)
		}
		require.NoError(t, st.Commit(name, tx))
	}

	n, err = s.PurgePolicy(context.Background(), "default", testNow)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, float64(4), testutil.ToFloat64(s.metrics.purged))

	for _, h := range st.HsmKeys() {
		assert.Equal(t, enforcer.HsmKeyDelete, h.State)
	}

	_, err = s.PurgeZone(context.Background(), "missing.example.", testNow)
	assert.ErrorIs(t, err, store.ErrZoneNotFound)
}

func TestScheduler_Run(t *testing.T) {
	s, st := testScheduler(t, "example.com.")
	clock := &fakeClock{now: testNow}

	published := func() bool {
		zone, err := st.LoadZone("example.com.")
		require.NoError(t, err)
		if len(zone.Keys) == 0 {
			return false
		}
		for _, k := range zone.Keys {
			if k.StateOf(enforcer.DNSKEY) != enforcer.Omnipresent {
				return false
			}
		}
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rounds := 0
	s.AfterRound = func(report Report) {
		rounds++
		assert.Empty(t, report.Failed)
		if published() || rounds >= 20 {
			cancel()
		}
	}

	require.NoError(t, s.Run(ctx, clock))
	assert.True(t, published())
	assert.Less(t, rounds, 20)

	// Publication waits out the DNSKEY TTL.
	assert.False(t, clock.Now().Before(testNow.Add(time.Hour)))
}

func TestNewMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()

	a, err := newMetrics(reg)
	require.NoError(t, err)
	b, err := newMetrics(reg)
	require.NoError(t, err)

	a.purged.Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(b.purged))

	c, err := newMetrics(nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.purged))
}

func TestScheduler_RunBeforeRound(t *testing.T) {
	s, st := testScheduler(t)
	clock := &fakeClock{now: testNow}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A zone added from outside between rounds is picked up.
	rounds := 0
	s.BeforeRound = func() {
		rounds++
		if rounds == 2 {
			require.NoError(t, st.AddZone("example.com.", "default"))
			s.WakeAll()
		}
	}
	s.AfterRound = func(report Report) {
		assert.Equal(t, 1, report.Enforced)
		cancel()
	}

	// Without zones there is nothing to wait for, so the second round needs a poke.
	s.Poke()
	require.NoError(t, s.Run(ctx, clock))
	assert.GreaterOrEqual(t, rounds, 2)

	zone, err := st.LoadZone("example.com.")
	require.NoError(t, err)
	assert.Len(t, zone.Keys, 2)
}
