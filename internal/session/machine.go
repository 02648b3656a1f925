// Package session owns the authentication session lifecycle: a state
// machine fed by user intents, a scheduler that refreshes tokens before
// they expire, and a synchronizer that reconciles sign-ins and sign-outs
// made by other instances sharing the same session database.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veeti/paivakirja/internal/idp"
	"github.com/veeti/paivakirja/internal/storage"
)

// Provider is the subset of the identity provider client the machine needs.
type Provider interface {
	SignUp(ctx context.Context, email, password string, attrs map[string]string) error
	ConfirmSignUp(ctx context.Context, email, code string) error
	ResendConfirmationCode(ctx context.Context, email string) error
	Authenticate(ctx context.Context, email, password string) (idp.TokenSet, idp.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (idp.TokenSet, error)
	AuthorizationURL() string
	ExchangeCode(ctx context.Context, code, redirectURI string) (idp.TokenSet, idp.Identity, error)
	ForgotPassword(ctx context.Context, email string) error
	ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error
}

// TokenStore is the durable session persistence the machine writes through.
type TokenStore interface {
	Save(rec *storage.Record) error
	Load() (*storage.Record, error)
	Clear() error
}

// Machine is the single authority over the in-memory session state. All
// transitions go through it; the scheduler and synchronizer only request
// them. Results of in-flight operations are tagged with a generation
// counter and discarded when the generation has moved on, so a sign-out
// can never be undone by a slow network response.
type Machine struct {
	provider Provider
	store    TokenStore

	mu         sync.Mutex
	state      State
	gen        uint64
	signingIn  bool
	refreshing bool
	subs       map[int]chan State
	nextSub    int
}

// NewMachine creates a machine in the Anonymous state. Call Restore to
// adopt a previously persisted session.
func NewMachine(provider Provider, store TokenStore) *Machine {
	return &Machine{
		provider: provider,
		store:    store,
		state:    Anonymous(),
		subs:     make(map[int]chan State),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel receiving every state transition, and a
// cancel function. A slow subscriber drops transitions rather than
// blocking the machine; it can always catch up with Current.
func (m *Machine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan State, 32)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (m *Machine) setStateLocked(next State) error {
	if !validTransition(m.state.Status, next.Status) {
		return fmt.Errorf("invalid transition %s -> %s", m.state.Status, next.Status)
	}
	m.state = next
	for _, ch := range m.subs {
		select {
		case ch <- next:
		default:
			log.Warn().Stringer("state", next).Msg("dropping state notification for slow subscriber")
		}
	}
	return nil
}

// beginOp marks an explicit user operation as in flight: state moves to
// Authenticating and the generation advances, invalidating any result
// still pending from before.
func (m *Machine) beginOp() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setStateLocked(Authenticating()); err != nil {
		// Authenticating is reachable from every status; this cannot fire.
		log.Error().Err(err).Msg("begin operation")
	}
	m.gen++
	m.signingIn = true
	return m.gen
}

// completeAuth finishes a sign-in-shaped operation (password sign-in, code
// exchange, adoption). Stale results are discarded.
func (m *Machine) completeAuth(gen uint64, tokens idp.TokenSet, identity idp.Identity, opErr error) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signingIn = false
	if m.gen != gen {
		log.Info().Msg("discarding result of superseded sign-in")
		return m.state
	}

	if opErr != nil {
		if err := m.setStateLocked(Failed(idp.Translate(opErr))); err != nil {
			log.Error().Err(err).Msg("record sign-in failure")
		}
		return m.state
	}

	rec := &storage.Record{Tokens: tokens, Identity: identity, LastLogin: time.Now()}
	if err := m.store.Save(rec); err != nil {
		log.Error().Err(err).Msg("failed to persist session, continuing with in-memory session")
	}
	if err := m.setStateLocked(Authenticated(identity, tokens)); err != nil {
		log.Error().Err(err).Msg("adopt authenticated state")
	}
	return m.state
}

// Restore attempts to resume the persisted session at startup. Unexpired
// tokens are adopted without any network call; expired tokens with a
// refresh token get one refresh attempt. Everything else ends Anonymous.
func (m *Machine) Restore(ctx context.Context) State {
	rec, err := m.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load persisted session")
		return m.Current()
	}
	if rec == nil {
		return m.Current()
	}

	if !rec.Tokens.Expired() {
		m.mu.Lock()
		if err := m.setStateLocked(Authenticated(rec.Identity, rec.Tokens)); err != nil {
			log.Error().Err(err).Msg("restore persisted session")
		}
		m.mu.Unlock()
		return m.Current()
	}

	// Expired with a refresh token (Load purges the other case).
	gen := m.beginOp()
	tokens, err := m.provider.Refresh(ctx, rec.Tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, idp.ErrRefreshRejected) {
			if clearErr := m.store.Clear(); clearErr != nil {
				log.Warn().Err(clearErr).Msg("failed to clear rejected session")
			}
		}
		log.Info().Err(err).Msg("could not refresh persisted session")
		m.mu.Lock()
		m.signingIn = false
		if m.gen == gen {
			if err := m.setStateLocked(Anonymous()); err != nil {
				log.Error().Err(err).Msg("reset after failed restore")
			}
		}
		m.mu.Unlock()
		return m.Current()
	}
	return m.completeAuth(gen, tokens, rec.Identity, nil)
}

// SignIn authenticates with email and password.
func (m *Machine) SignIn(ctx context.Context, email, password string) State {
	gen := m.beginOp()
	tokens, identity, err := m.provider.Authenticate(ctx, email, password)
	return m.completeAuth(gen, tokens, identity, err)
}

// SignInWithProvider returns the hosted authorization URL the UI should
// redirect to. The flow completes in HandleProviderCallback.
func (m *Machine) SignInWithProvider() string {
	return m.provider.AuthorizationURL()
}

// HandleProviderCallback consumes the redirect URL of the hosted sign-in
// flow and exchanges its authorization code for a session. The code is
// consumed exactly once, whether the exchange succeeds or fails.
func (m *Machine) HandleProviderCallback(ctx context.Context, rawURL string) State {
	gen := m.beginOp()

	u, err := url.Parse(rawURL)
	if err != nil {
		return m.completeAuth(gen, idp.TokenSet{}, idp.Identity{},
			&idp.UserError{Kind: idp.KindValidation, Message: "The sign-in response could not be understood."})
	}
	if errCode := u.Query().Get("error"); errCode != "" {
		return m.completeAuth(gen, idp.TokenSet{}, idp.Identity{},
			&idp.OAuthError{ErrorCode: errCode, Description: u.Query().Get("error_description"), Status: 400})
	}
	code := u.Query().Get("code")
	if code == "" {
		return m.completeAuth(gen, idp.TokenSet{}, idp.Identity{},
			&idp.UserError{Kind: idp.KindValidation, Message: "The sign-in response carried no authorization code."})
	}

	tokens, identity, err := m.provider.ExchangeCode(ctx, code, "")
	return m.completeAuth(gen, tokens, identity, err)
}

// SignOut drops the session locally and clears persistence. In-flight
// operation results are invalidated before the store is touched.
func (m *Machine) SignOut() State {
	m.mu.Lock()
	m.gen++
	m.signingIn = false
	if m.state.Status != StatusAnonymous {
		if err := m.setStateLocked(Anonymous()); err != nil {
			log.Error().Err(err).Msg("sign out")
		}
	}
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear persisted session")
	}
	return m.Current()
}

// SignUp registers a new account.
func (m *Machine) SignUp(ctx context.Context, email, password string, attrs map[string]string) error {
	if err := m.provider.SignUp(ctx, email, password, attrs); err != nil {
		return idp.Translate(err)
	}
	return nil
}

// ConfirmSignUp confirms a registration with the emailed code.
func (m *Machine) ConfirmSignUp(ctx context.Context, email, code string) error {
	if err := m.provider.ConfirmSignUp(ctx, email, code); err != nil {
		return idp.Translate(err)
	}
	return nil
}

// ResendCode requests a fresh confirmation code.
func (m *Machine) ResendCode(ctx context.Context, email string) error {
	if err := m.provider.ResendConfirmationCode(ctx, email); err != nil {
		return idp.Translate(err)
	}
	return nil
}

// RequestPasswordReset starts a password reset. An unknown account is
// reported as success so the response cannot be used to probe whether an
// email address has an account.
func (m *Machine) RequestPasswordReset(ctx context.Context, email string) error {
	if err := m.provider.ForgotPassword(ctx, email); err != nil {
		ue := idp.Translate(err)
		if ue.Kind == idp.KindNotFound {
			log.Info().Msg("password reset requested for unknown account")
			return nil
		}
		return ue
	}
	return nil
}

// ConfirmPasswordReset completes a password reset with the emailed code.
func (m *Machine) ConfirmPasswordReset(ctx context.Context, email, code, newPassword string) error {
	if err := m.provider.ConfirmForgotPassword(ctx, email, code, newPassword); err != nil {
		return idp.Translate(err)
	}
	return nil
}

// refreshIfNeeded runs one proactive refresh check. It refreshes only when
// authenticated, inside the threshold, and with no refresh already in
// flight, so back-to-back ticks cannot stack network calls.
func (m *Machine) refreshIfNeeded(ctx context.Context, threshold time.Duration) {
	m.mu.Lock()
	if m.state.Status != StatusAuthenticated || m.refreshing {
		m.mu.Unlock()
		return
	}
	if m.state.Tokens.RemainingValidity() > threshold {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	gen := m.gen
	refreshToken := m.state.Tokens.RefreshToken
	identity := m.state.Identity
	m.mu.Unlock()

	log.Debug().Time("expiresAt", m.Current().Tokens.ExpiresAt).Msg("refreshing session tokens")
	tokens, err := m.provider.Refresh(ctx, refreshToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshing = false

	if m.gen != gen {
		log.Info().Msg("discarding refresh result after sign-out")
		return
	}

	if err != nil {
		if errors.Is(err, idp.ErrRefreshRejected) {
			// The refresh token is dead; presenting Authenticated any
			// longer would just produce failing API calls everywhere.
			log.Warn().Err(err).Msg("refresh token rejected, dropping session")
			m.gen++
			if stateErr := m.setStateLocked(Anonymous()); stateErr != nil {
				log.Error().Err(stateErr).Msg("drop session after rejected refresh")
			}
			if clearErr := m.store.Clear(); clearErr != nil {
				log.Warn().Err(clearErr).Msg("failed to clear persisted session")
			}
			return
		}
		// Transient: keep the session, the next tick is the retry.
		log.Warn().Err(err).Msg("token refresh failed, will retry on next tick")
		return
	}

	rec, loadErr := m.store.Load()
	if loadErr != nil || rec == nil {
		rec = &storage.Record{Identity: identity, LastLogin: time.Now()}
	}
	rec.Tokens = tokens
	if err := m.store.Save(rec); err != nil {
		log.Error().Err(err).Msg("failed to persist refreshed tokens")
	}
	if err := m.setStateLocked(Authenticated(identity, tokens)); err != nil {
		log.Error().Err(err).Msg("adopt refreshed tokens")
	}
}

// handleRemoteClear reacts to another instance clearing the session.
func (m *Machine) handleRemoteClear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusAuthenticated {
		return
	}
	log.Info().Msg("session cleared by another instance, signing out")
	m.gen++
	if err := m.setStateLocked(Anonymous()); err != nil {
		log.Error().Err(err).Msg("adopt remote sign-out")
	}
}

// handleRemoteSave reacts to another instance writing a session. A local
// sign-in that is still in flight stays authoritative: its own completion
// will read or overwrite the store, so the remote write is ignored here.
func (m *Machine) handleRemoteSave() {
	m.mu.Lock()
	if m.signingIn || m.state.Status == StatusAuthenticated || m.state.Status == StatusAuthenticating {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	rec, err := m.store.Load()
	if err != nil || rec == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signingIn || (m.state.Status != StatusAnonymous && m.state.Status != StatusFailed) {
		return
	}
	log.Info().Str("email", rec.Identity.Email).Msg("adopting session signed in by another instance")
	m.gen++
	if err := m.setStateLocked(Authenticated(rec.Identity, rec.Tokens)); err != nil {
		log.Error().Err(err).Msg("adopt remote sign-in")
	}
}
