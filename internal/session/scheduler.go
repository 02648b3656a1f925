package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler drives proactive token refresh. It is armed only while the
// machine is Authenticated: the ticker exists in the armed state and is
// stopped the moment the session goes away, so a signed-out session can
// never receive another refresh attempt.
type Scheduler struct {
	machine   *Machine
	interval  time.Duration
	threshold time.Duration
}

// NewScheduler creates a scheduler checking every interval and refreshing
// once remaining token validity drops below threshold.
func NewScheduler(machine *Machine, interval, threshold time.Duration) *Scheduler {
	return &Scheduler{
		machine:   machine,
		interval:  interval,
		threshold: threshold,
	}
}

// Run blocks until ctx is cancelled, arming and disarming the check ticker
// as the session state changes.
func (s *Scheduler) Run(ctx context.Context) error {
	states, cancel := s.machine.Subscribe()
	defer cancel()

	var ticker *time.Ticker
	var tick <-chan time.Time

	arm := func() {
		if ticker == nil {
			ticker = time.NewTicker(s.interval)
			tick = ticker.C
			log.Debug().Dur("interval", s.interval).Msg("refresh scheduler armed")
		}
	}
	disarm := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
			log.Debug().Msg("refresh scheduler disarmed")
		}
	}
	defer disarm()

	if s.machine.Current().Status == StatusAuthenticated {
		arm()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping refresh scheduler")
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if st.Status == StatusAuthenticated {
				arm()
			} else {
				disarm()
			}
		case <-tick:
			s.machine.refreshIfNeeded(ctx, s.threshold)
		}
	}
}
