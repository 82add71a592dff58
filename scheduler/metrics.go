package scheduler

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK       = "ok"
	resultProblems = "problems"
	resultFailed   = "failed"
	resultConflict = "conflict"
)

type metrics struct {
	passes   *prometheus.CounterVec
	purged   prometheus.Counter
	nextWake *prometheus.GaugeVec
}

// newMetrics creates the scheduler's metrics and registers them with reg. Metrics that are
// already registered are reused.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enforcer_zone_passes_total",
			Help: "Enforcement passes over a zone, by result",
		}, []string{"result"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enforcer_keys_purged_total",
			Help: "Dead keys removed from zones",
		}),
		nextWake: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enforcer_zone_next_wake_timestamp_seconds",
			Help: "When a zone is next due for enforcement, as a unix timestamp",
		}, []string{"zone"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	m.passes, err = register(reg, m.passes)
	if err != nil {
		return nil, err
	}
	m.purged, err = register(reg, m.purged)
	if err != nil {
		return nil, err
	}
	m.nextWake, err = register(reg, m.nextWake)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
