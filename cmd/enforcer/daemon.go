package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsmithuk/enforcer/scheduler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const defaultReloadInterval = 5 * time.Second

// offsetClock runs at the speed of the system clock, from a different starting point.
type offsetClock struct {
	offset time.Duration
}

func (c offsetClock) Now() time.Time                         { return time.Now().Add(c.offset) }
func (c offsetClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (a *app) runCommand() *cobra.Command {
	var metricsAddr string
	var reloadInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enforce zones as they fall due, until interrupted",
		Long: `Enforce zones as they fall due, until interrupted.

Other enforcer commands may be run against the same state file while this runs. The file is
reloaded once it has been written by someone else, or on SIGHUP, and every zone is then
enforced again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var clock scheduler.Clock = scheduler.SystemClock{}
			if a.now != "" {
				start, err := a.clock()
				if err != nil {
					return err
				}
				clock = offsetClock{offset: time.Until(start)}
			}

			if metricsAddr != "" {
				srv := a.serveMetrics(metricsAddr)
				defer func() {
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdown)
				}()
			}

			a.scheduler.BeforeRound = func() {
				if !a.hup.Swap(false) && !a.stateChanged() {
					return
				}
				if err := a.reload(); err != nil {
					a.log.Errorf("reloading %s: %s", a.statePath, err.Error())
				}
			}

			a.scheduler.AfterRound = func(scheduler.Report) {
				if a.stateChanged() {
					// Written by someone else during the round. Their changes win, and the
					// zones are enforced again on top of them.
					a.log.Warnf("%s changed during the round, discarding it", a.statePath)
					if err := a.reload(); err != nil {
						a.log.Errorf("reloading %s: %s", a.statePath, err.Error())
					}
					return
				}
				a.changed = true
				if err := a.save(); err != nil {
					a.log.Error(err.Error())
				}
			}

			go a.watchState(ctx, reloadInterval)

			a.log.Infof("enforcing %d zones", len(a.store.ZoneNames()))
			return a.scheduler.Run(ctx, clock)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", envOr("ENFORCER_METRICS_ADDR", ""), "address to serve Prometheus metrics on; empty disables (env ENFORCER_METRICS_ADDR)")
	cmd.Flags().DurationVar(&reloadInterval, "reload-interval", defaultReloadInterval, "how often to check the state file for changes made by other commands")
	return cmd
}

func (a *app) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorf("metrics server: %s", err.Error())
		}
	}()
	a.log.Infof("serving metrics on %s", addr)
	return srv
}

// watchState pokes the scheduler when the state file is written, or on SIGHUP. The reload
// itself happens between rounds, in the scheduler's goroutine.
func (a *app) watchState(ctx context.Context, interval time.Duration) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(max(interval, 10*time.Millisecond))
	defer ticker.Stop()

	last := statFile(a.statePath)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.log.Info("SIGHUP received, reloading state")
			a.hup.Store(true)
			a.scheduler.Poke()
		case <-ticker.C:
			// The daemon's own saves show up here too; the scheduler checks again before reloading.
			if info := statFile(a.statePath); !sameFile(last, info) {
				last = info
				a.scheduler.Poke()
			}
		}
	}
}
