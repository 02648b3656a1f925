package session

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures the background services of a Runtime. Zero values
// fall back to the stated defaults.
type Options struct {
	RefreshInterval  time.Duration // refresh check cadence, default 60s
	RefreshThreshold time.Duration // refresh when this close to expiry, default 5m
	WatchInterval    time.Duration // change feed poll cadence, default 500ms
}

// Runtime bundles a machine with its background services. It is the one
// explicit context object the application constructs at startup and hands
// to every consumer; there is no package-level session state.
type Runtime struct {
	Machine *Machine

	scheduler    *Scheduler
	synchronizer *Synchronizer
}

// NewRuntime wires a machine, refresh scheduler and cross-instance
// synchronizer together.
func NewRuntime(provider Provider, store TokenStore, watcher ChangeWatcher, opts Options) *Runtime {
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = 60 * time.Second
	}
	if opts.RefreshThreshold == 0 {
		opts.RefreshThreshold = 5 * time.Minute
	}
	if opts.WatchInterval == 0 {
		opts.WatchInterval = 500 * time.Millisecond
	}

	machine := NewMachine(provider, store)
	return &Runtime{
		Machine:      machine,
		scheduler:    NewScheduler(machine, opts.RefreshInterval, opts.RefreshThreshold),
		synchronizer: NewSynchronizer(machine, watcher, opts.WatchInterval),
	}
}

// Run starts the background services and blocks until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.scheduler.Run(ctx) })
	g.Go(func() error { return r.synchronizer.Run(ctx) })
	return g.Wait()
}
