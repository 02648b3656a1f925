// Command login-test signs in with email and password against the real
// identity provider and prints the resulting session state. Useful for
// verifying provider configuration without the full application.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veeti/paivakirja/config"
	"github.com/veeti/paivakirja/internal/idp"
	"github.com/veeti/paivakirja/internal/session"
	"github.com/veeti/paivakirja/internal/storage"
)

var usage = dedent.Dedent(`
	login-test signs in with email and password and persists the session.

	Required environment (or config.env in the user config dir):
	  IDP_REGION         provider region
	  IDP_DOMAIN         hosted auth domain
	  IDP_CLIENT_ID      OAuth client id
	  SESSION_TOKEN_KEY  passphrase for token encryption at rest
`)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprint(os.Stderr, usage)
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

	machine := session.NewMachine(client, store)

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Email: ")
	email, _ := reader.ReadString('\n')
	fmt.Print("Password: ")
	password, _ := reader.ReadString('\n')

	state := machine.SignIn(context.Background(), strings.TrimSpace(email), strings.TrimSpace(password))
	switch state.Status {
	case session.StatusAuthenticated:
		fmt.Printf("Signed in as %s (subject %s)\n", state.Identity.Email, state.Identity.SubjectID)
		fmt.Printf("Tokens valid until %s\n", state.Tokens.ExpiresAt.Format("15:04:05"))
		fmt.Printf("Session persisted to %s\n", cfg.DBPath)
	case session.StatusFailed:
		fmt.Printf("Sign-in failed (%s): %s\n", state.ErrorKind, state.Message)
		os.Exit(1)
	default:
		fmt.Printf("Unexpected state: %s\n", state)
		os.Exit(1)
	}
}
