package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsmithuk/enforcer"
	"github.com/nsmithuk/enforcer/hsm"
	"github.com/nsmithuk/enforcer/scheduler"
	"github.com/nsmithuk/enforcer/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type app struct {
	statePath string
	logLevel  string
	now       string
	workers   int

	requireBackup bool
	capacity      int
	notify        time.Duration

	log       *zap.SugaredLogger
	store     *store.Store
	pool      *hsm.Pool
	enforcer  *enforcer.Enforcer
	scheduler *scheduler.Scheduler
	registry  *prometheus.Registry

	// changed is set by commands that modify the state, so it's written back on exit.
	changed bool

	// loaded is the state file as last read or written by this process; nil if there was none.
	loaded os.FileInfo

	// hup asks the daemon to reload the state file before its next round.
	hup atomic.Bool
}

func main() {
	// Values already in the environment win over those in the file.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "enforcer",
		Short:         "DNSSEC key and signing policy enforcer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.save()
		},
	}

	root.PersistentFlags().StringVar(&a.statePath, "state", envOr("ENFORCER_STATE", "enforcer.yaml"), "YAML state file (env ENFORCER_STATE)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", envOr("ENFORCER_LOG_LEVEL", "info"), "debug|info|warn|error (env ENFORCER_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&a.now, "now", "", "RFC 3339 time to enforce at, instead of the current time")
	root.PersistentFlags().IntVar(&a.workers, "workers", scheduler.DefaultWorkers, "number of zones enforced concurrently")
	root.PersistentFlags().BoolVar(&a.requireBackup, "require-backup", false, "new keys must be backed up before they are fully trusted")
	root.PersistentFlags().DurationVar(&a.notify, "rollover-notification", enforcer.DefaultRolloverNotification, "announce KSK and CSK rollovers this long in advance; 0 disables")
	root.PersistentFlags().IntVar(&a.capacity, "capacity", hsm.DefaultCapacity, "live keys each HSM repository may hold; 0 for unlimited")

	root.AddCommand(
		a.enforceCommand(),
		a.runCommand(),
		a.purgeCommand(),
		a.rolloverCommand(),
		a.zoneCommand(),
		a.keyCommand(),
		a.dumpCommand(),
	)
	return root
}

func (a *app) setup() error {
	logger, err := newLogger(a.logLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	a.log = logger.Sugar()
	wireLogging(a.log)

	a.loaded = statFile(a.statePath)
	a.store, err = store.LoadFile(a.statePath)
	if err != nil {
		return err
	}

	a.pool = hsm.NewPool(nil)
	a.pool.InUse = a.store.LocatorInUse
	a.pool.RequireBackup = a.requireBackup
	a.pool.Capacity = a.capacity
	a.pool.Add(a.store.HsmKeys()...)

	options := enforcer.DefaultOptions()
	options.RolloverNotification = a.notify
	a.enforcer = enforcer.NewEnforcer(a.pool, options)

	a.registry = prometheus.NewRegistry()
	a.scheduler, err = scheduler.New(a.store, a.enforcer, a.registry)
	if err != nil {
		return err
	}
	a.scheduler.Workers = a.workers

	a.log.Debugf("loaded %d zones from %s", len(a.store.ZoneNames()), a.statePath)
	return nil
}

func (a *app) save() error {
	if !a.changed {
		return nil
	}
	if err := a.store.SaveFile(a.statePath); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	a.loaded = statFile(a.statePath)
	a.changed = false
	a.log.Debugf("state saved to %s", a.statePath)
	return nil
}

// stateChanged reports whether the state file has been written by someone else since this
// process last read or wrote it.
func (a *app) stateChanged() bool {
	return !sameFile(a.loaded, statFile(a.statePath))
}

// reload replaces the in-memory state with the state file, and has every zone enforced again.
func (a *app) reload() error {
	info := statFile(a.statePath)
	fresh, err := store.LoadFile(a.statePath)
	if err != nil {
		return err
	}

	a.store.Replace(fresh)
	a.pool.Reset(a.store.HsmKeys()...)
	a.loaded = info
	a.changed = false
	a.scheduler.WakeAll()

	a.log.Infof("reloaded %d zones from %s", len(a.store.ZoneNames()), a.statePath)
	return nil
}

func statFile(path string) os.FileInfo {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return info
}

// sameFile reports whether two stats are of the same unchanged file. State is saved by renaming
// a new file into place, so a write by anyone shows up as a different file.
func sameFile(a, b os.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return os.SameFile(a, b) && a.ModTime().Equal(b.ModTime()) && a.Size() == b.Size()
}

// clock returns the time to act at: the --now flag if given, otherwise the current time.
func (a *app) clock() (time.Time, error) {
	if a.now == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, a.now)
	if err != nil {
		return time.Time{}, fmt.Errorf("--now: %w", err)
	}
	return t, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
