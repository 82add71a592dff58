package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsmithuk/enforcer"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Repository is where zones are loaded from, and their changes committed back to.
type Repository interface {
	ZoneNames() []string
	ZonesForPolicy(policy string) []string
	LoadZone(name string) (*enforcer.Zone, error)
	Commit(zoneName string, tx *enforcer.Tx) error
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Report summarises a round of enforcement.
type Report struct {
	// Enforced is the number of zones a pass was attempted on.
	Enforced int

	// Failed lists the zones whose pass failed, sorted.
	Failed []string

	Purged int
}

type Scheduler struct {
	// Workers is the number of zones enforced concurrently.
	Workers int

	// MinimumDelay is the shortest time between two passes over the same zone.
	MinimumDelay time.Duration

	// BeforeRound, if set, is called by Run before it looks for due zones. It may replace what
	// the repository holds, and call WakeAll.
	BeforeRound func()

	// AfterRound, if set, is called by Run once each round of enforcement completes.
	AfterRound func(Report)

	repo     Repository
	enforcer *enforcer.Enforcer
	metrics  *metrics

	lock    sync.Mutex
	wake    map[string]time.Time
	running map[string]bool
	poke    chan struct{}
}

// New returns a scheduler enforcing the zones held in repo. Metrics are registered with reg,
// which may be nil.
func New(repo Repository, e *enforcer.Enforcer, reg prometheus.Registerer) (*Scheduler, error) {
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	return &Scheduler{
		Workers:      DefaultWorkers,
		MinimumDelay: DefaultMinimumDelay,
		repo:         repo,
		enforcer:     e,
		metrics:      m,
		wake:         make(map[string]time.Time),
		running:      make(map[string]bool),
		poke:         make(chan struct{}, 1),
	}, nil
}

//---

// Wake makes the zone due straight away. It's used after an operator has changed something the
// enforcer was waiting on, such as the DS being seen at the parent.
func (s *Scheduler) Wake(zone string) {
	s.lock.Lock()
	delete(s.wake, zone)
	s.lock.Unlock()
	s.Poke()
}

// WakeAll makes every zone due straight away, such as after the state was changed from outside.
func (s *Scheduler) WakeAll() {
	s.lock.Lock()
	clear(s.wake)
	s.lock.Unlock()
	s.Poke()
}

// Poke interrupts Run's wait, so it looks for due zones again.
func (s *Scheduler) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// NextWake returns the zone's next scheduled pass. The zero time means the zone is waiting on
// external input; ok is false when the zone has never been enforced.
func (s *Scheduler) NextWake(zone string) (t time.Time, ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	t, ok = s.wake[zone]
	return t, ok
}

// Due lists the zones that need enforcing at now. Zones not yet seen are always due.
func (s *Scheduler) Due(now time.Time) []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	var due []string
	for _, name := range s.repo.ZoneNames() {
		w, ok := s.wake[name]
		if !ok || (!w.IsZero() && !w.After(now)) {
			due = append(due, name)
		}
	}
	return due
}

// earliest returns the soonest scheduled pass over any zone. It returns now if a zone has never
// been enforced, and the zero time if every zone is waiting on external input.
func (s *Scheduler) earliest(now time.Time) time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()

	var next time.Time
	for _, name := range s.repo.ZoneNames() {
		w, ok := s.wake[name]
		switch {
		case !ok:
			return now
		case w.IsZero():
		case next.IsZero() || w.Before(next):
			next = w
		}
	}
	return next
}

func (s *Scheduler) schedule(zone string, next, now time.Time) {
	if !next.IsZero() {
		if floor := now.Add(s.MinimumDelay); next.Before(floor) {
			next = floor
		}
	}

	s.lock.Lock()
	s.wake[zone] = next
	s.lock.Unlock()

	if next.IsZero() {
		s.metrics.nextWake.DeleteLabelValues(zone)
		Debug(fmt.Sprintf("zone [%s] is waiting on external input", zone))
		return
	}
	s.metrics.nextWake.WithLabelValues(zone).Set(float64(next.Unix()))
	Debug(fmt.Sprintf("zone [%s] is next due at %s", zone, next.UTC().Format(time.RFC3339)))
}

// claim marks the zone as having a pass in progress. It returns false if one already is.
func (s *Scheduler) claim(zone string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.running[zone] {
		return false
	}
	s.running[zone] = true
	return true
}

func (s *Scheduler) release(zone string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.running, zone)
}

//---

// EnforceAll runs a pass over every zone, due or not.
func (s *Scheduler) EnforceAll(ctx context.Context, now time.Time) (Report, error) {
	return s.enforceZones(ctx, s.repo.ZoneNames(), now)
}

// EnforceDue runs a pass over each zone whose scheduled time has come.
func (s *Scheduler) EnforceDue(ctx context.Context, now time.Time) (Report, error) {
	return s.enforceZones(ctx, s.Due(now), now)
}

// enforceZones enforces each zone in its own goroutine. A zone that fails is logged, counted and
// retried after the minimum delay; it never stops the other zones.
func (s *Scheduler) enforceZones(ctx context.Context, zones []string, now time.Time) (Report, error) {
	var g errgroup.Group
	g.SetLimit(max(s.Workers, 1))

	var lock sync.Mutex
	var report Report

	for _, zone := range zones {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !s.claim(zone) {
				Debug(fmt.Sprintf("zone [%s] is already being enforced", zone))
				return nil
			}
			defer s.release(zone)

			purged, err := s.enforceZone(zone, now)

			lock.Lock()
			defer lock.Unlock()
			report.Enforced++
			report.Purged += purged
			if err != nil {
				Warn(fmt.Sprintf("enforcing zone [%s]: %s", zone, err.Error()))
				report.Failed = append(report.Failed, zone)
				s.schedule(zone, now, now)
			}
			return nil
		})
	}

	_ = g.Wait()
	slices.Sort(report.Failed)
	return report, ctx.Err()
}

func (s *Scheduler) enforceZone(name string, now time.Time) (int, error) {
	zone, err := s.repo.LoadZone(name)
	if err != nil {
		s.metrics.passes.WithLabelValues(resultFailed).Inc()
		return 0, err
	}

	tx := enforcer.NewTx()
	result, err := s.enforcer.EnforceZone(tx, zone, now)
	if err != nil {
		s.enforcer.Settle(tx, false)
		s.metrics.passes.WithLabelValues(resultFailed).Inc()
		return 0, err
	}

	err = s.repo.Commit(name, tx)
	s.enforcer.Settle(tx, err == nil)
	if err != nil {
		s.metrics.passes.WithLabelValues(resultConflict).Inc()
		return 0, err
	}

	if len(result.Problems) > 0 {
		s.metrics.passes.WithLabelValues(resultProblems).Inc()
	} else {
		s.metrics.passes.WithLabelValues(resultOK).Inc()
	}
	s.metrics.purged.Add(float64(result.Purged))

	s.schedule(name, result.Next, now)
	return result.Purged, nil
}

//---

// PurgeZone removes every dead key from the zone straight away.
func (s *Scheduler) PurgeZone(ctx context.Context, zone string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	z, err := s.repo.LoadZone(zone)
	if err != nil {
		return 0, err
	}

	tx := enforcer.NewTx()
	n, err := s.enforcer.PurgeNow(tx, z, now)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	err = s.repo.Commit(zone, tx)
	s.enforcer.Settle(tx, err == nil)
	if err != nil {
		return 0, err
	}
	s.metrics.purged.Add(float64(n))
	Info(fmt.Sprintf("purged %d dead keys from zone [%s]", n, zone))
	return n, nil
}

// PurgePolicy removes every dead key from each zone using the policy. All zones are attempted;
// the errors of those that fail are joined.
func (s *Scheduler) PurgePolicy(ctx context.Context, policy string, now time.Time) (int, error) {
	var g errgroup.Group
	g.SetLimit(max(s.Workers, 1))

	var total atomic.Int64
	var lock sync.Mutex
	var errs []error

	for _, zone := range s.repo.ZonesForPolicy(policy) {
		g.Go(func() error {
			n, err := s.PurgeZone(ctx, zone, now)
			total.Add(int64(n))
			if err != nil {
				lock.Lock()
				errs = append(errs, fmt.Errorf("zone [%s]: %w", zone, err))
				lock.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(total.Load()), errors.Join(errs...)
}

//---

// Run enforces zones as they fall due, until ctx is done.
func (s *Scheduler) Run(ctx context.Context, clock Clock) error {
	if clock == nil {
		clock = SystemClock{}
	}

	for {
		if s.BeforeRound != nil {
			s.BeforeRound()
		}

		now := clock.Now()
		report, err := s.EnforceDue(ctx, now)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if report.Enforced > 0 {
			Info(fmt.Sprintf("enforced %d zones, %d failed, %d keys purged", report.Enforced, len(report.Failed), report.Purged))
			if s.AfterRound != nil {
				s.AfterRound(report)
			}
		}

		var timer <-chan time.Time
		if next := s.earliest(now); !next.IsZero() {
			timer = clock.After(max(next.Sub(now), s.MinimumDelay))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-timer:
		case <-s.poke:
		}
	}
}
