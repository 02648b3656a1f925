package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veeti/paivakirja/internal/storage"
)

// ChangeWatcher is the change feed of the persistent store; it delivers
// only writes made by other instances.
type ChangeWatcher interface {
	Watch(ctx context.Context, interval time.Duration) (<-chan storage.Change, error)
}

// Synchronizer reconciles session changes made by other application
// instances sharing the session database: a remote clear signs this
// instance out, a remote save is adopted when this instance has no
// session of its own. It never writes; it only reads and reacts.
type Synchronizer struct {
	machine  *Machine
	watcher  ChangeWatcher
	interval time.Duration
}

// NewSynchronizer creates a synchronizer polling the change feed at the
// given interval.
func NewSynchronizer(machine *Machine, watcher ChangeWatcher, interval time.Duration) *Synchronizer {
	return &Synchronizer{
		machine:  machine,
		watcher:  watcher,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled, applying remote changes as they come.
func (s *Synchronizer) Run(ctx context.Context) error {
	changes, err := s.watcher.Watch(ctx, s.interval)
	if err != nil {
		return err
	}

	log.Debug().Dur("interval", s.interval).Msg("cross-instance synchronizer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping cross-instance synchronizer")
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			switch change.Op {
			case storage.OpClear:
				s.machine.handleRemoteClear()
			case storage.OpSave:
				s.machine.handleRemoteSave()
			default:
				log.Warn().Str("op", string(change.Op)).Msg("ignoring unknown change op")
			}
		}
	}
}
