// Command session-test restores the persisted session and runs the
// background services (refresh scheduler, cross-instance synchronizer)
// until interrupted, logging every state transition. Run two copies
// against the same database to watch cross-instance sync in action.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/veeti/paivakirja/config"
	"github.com/veeti/paivakirja/internal/idp"
	"github.com/veeti/paivakirja/internal/session"
	"github.com/veeti/paivakirja/internal/storage"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	key, err := storage.DeriveKey(cfg.TokenKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive encryption key")
	}

	store, err := storage.NewStore(cfg.DBPath, key)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer store.Close()

	client := idp.NewClient(idp.ClientOpts{
		Region:           cfg.Region,
		Domain:           cfg.Domain,
		ClientID:         cfg.ClientID,
		RedirectURI:      cfg.RedirectURI,
		Scopes:           cfg.Scopes,
		IdentityProvider: cfg.IdentityProvider,
		Timeout:          cfg.HTTPTimeout,
	})

	runtime := session.NewRuntime(client, store, store, session.Options{
		RefreshInterval:  cfg.RefreshInterval,
		RefreshThreshold: cfg.RefreshThreshold,
		WatchInterval:    cfg.WatchInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	state := runtime.Machine.Restore(ctx)
	log.Info().Stringer("state", state).Msg("session restored")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runtime.Run(ctx) })

	g.Go(func() error {
		states, unsubscribe := runtime.Machine.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case st, ok := <-states:
				if !ok {
					return nil
				}
				log.Info().Stringer("state", st).Msg("state transition")
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}
