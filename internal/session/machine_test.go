package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veeti/paivakirja/internal/idp"
	"github.com/veeti/paivakirja/internal/storage"
)

// fakeProvider implements Provider with pluggable behavior per operation.
type fakeProvider struct {
	authenticateFn func(ctx context.Context, email, password string) (idp.TokenSet, idp.Identity, error)
	refreshFn      func(ctx context.Context, refreshToken string) (idp.TokenSet, error)
	exchangeFn     func(ctx context.Context, code, redirectURI string) (idp.TokenSet, idp.Identity, error)

	authenticateCalls int32
	refreshCalls      int32
	exchangeCalls     int32
}

func (f *fakeProvider) SignUp(ctx context.Context, email, password string, attrs map[string]string) error {
	return nil
}

func (f *fakeProvider) ConfirmSignUp(ctx context.Context, email, code string) error { return nil }

func (f *fakeProvider) ResendConfirmationCode(ctx context.Context, email string) error { return nil }

func (f *fakeProvider) ForgotPassword(ctx context.Context, email string) error { return nil }

func (f *fakeProvider) ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error {
	return nil
}

func (f *fakeProvider) AuthorizationURL() string {
	return "https://auth.example.com/oauth2/authorize?client_id=client-1"
}

func (f *fakeProvider) Authenticate(ctx context.Context, email, password string) (idp.TokenSet, idp.Identity, error) {
	atomic.AddInt32(&f.authenticateCalls, 1)
	if f.authenticateFn == nil {
		return idp.TokenSet{}, idp.Identity{}, errors.New("authenticate not configured")
	}
	return f.authenticateFn(ctx, email, password)
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (idp.TokenSet, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshFn == nil {
		return idp.TokenSet{}, errors.New("refresh not configured")
	}
	return f.refreshFn(ctx, refreshToken)
}

func (f *fakeProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (idp.TokenSet, idp.Identity, error) {
	atomic.AddInt32(&f.exchangeCalls, 1)
	if f.exchangeFn == nil {
		return idp.TokenSet{}, idp.Identity{}, errors.New("exchange not configured")
	}
	return f.exchangeFn(ctx, code, redirectURI)
}

func testTokens(validFor time.Duration, refreshToken string) idp.TokenSet {
	return idp.TokenSet{
		AccessToken:  "at-1",
		IDToken:      "id-1",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(validFor),
	}
}

func testIdentity() idp.Identity {
	return idp.Identity{SubjectID: "sub-1", Email: "a@b.com", EmailVerified: true}
}

func newSessionStore(t *testing.T, dbPath string) *storage.Store {
	t.Helper()
	key, err := storage.DeriveKey("test-passphrase")
	require.NoError(t, err)
	store, err := storage.NewStore(dbPath, key)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestMachine(t *testing.T) (*Machine, *fakeProvider, *storage.Store) {
	t.Helper()
	provider := &fakeProvider{}
	store := newSessionStore(t, filepath.Join(t.TempDir(), "session.db"))
	return NewMachine(provider, store), provider, store
}

func signIn(t *testing.T, m *Machine, provider *fakeProvider, validFor time.Duration) {
	t.Helper()
	provider.authenticateFn = func(ctx context.Context, email, password string) (idp.TokenSet, idp.Identity, error) {
		return testTokens(validFor, "rt-1"), testIdentity(), nil
	}
	state := m.SignIn(context.Background(), "a@b.com", "hunter22")
	require.Equal(t, StatusAuthenticated, state.Status)
}

func TestRestoreValidTokensMakesNoNetworkCall(t *testing.T) {
	machine, provider, store := newTestMachine(t)

	rec := &storage.Record{Tokens: testTokens(time.Hour, "rt-1"), Identity: testIdentity(), LastLogin: time.Now()}
	require.NoError(t, store.Save(rec))

	state := machine.Restore(context.Background())
	assert.Equal(t, StatusAuthenticated, state.Status)
	assert.Equal(t, testIdentity(), state.Identity)
	assert.Equal(t, "at-1", state.Tokens.AccessToken)
	assert.Zero(t, atomic.LoadInt32(&provider.refreshCalls))
	assert.Zero(t, atomic.LoadInt32(&provider.authenticateCalls))
}

func TestRestoreWithNothingStored(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	state := machine.Restore(context.Background())
	assert.Equal(t, StatusAnonymous, state.Status)
}

func TestRestoreExpiredWithoutRefreshToken(t *testing.T) {
	machine, provider, store := newTestMachine(t)

	rec := &storage.Record{Tokens: testTokens(-time.Minute, ""), Identity: testIdentity()}
	require.NoError(t, store.Save(rec))

	state := machine.Restore(context.Background())
	assert.Equal(t, StatusAnonymous, state.Status)
	assert.Zero(t, atomic.LoadInt32(&provider.refreshCalls))

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored, "the stale record must be cleared")
}

func TestRestoreExpiredWithRefreshToken(t *testing.T) {
	machine, provider, store := newTestMachine(t)

	rec := &storage.Record{Tokens: testTokens(-time.Minute, "rt-1"), Identity: testIdentity()}
	require.NoError(t, store.Save(rec))

	provider.refreshFn = func(ctx context.Context, refreshToken string) (idp.TokenSet, error) {
		assert.Equal(t, "rt-1", refreshToken)
		return testTokens(time.Hour, "rt-1"), nil
	}

	state := machine.Restore(context.Background())
	assert.Equal(t, StatusAuthenticated, state.Status)
	assert.Equal(t, testIdentity(), state.Identity)
	assert.True(t, state.Tokens.ExpiresAt.After(time.Now()))

	stored, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.WithinDuration(t, state.Tokens.ExpiresAt, stored.Tokens.ExpiresAt, time.Second)
}

func TestRestoreRefreshRejected(t *testing.T) {
	machine, provider, store := newTestMachine(t)

	rec := &storage.Record{Tokens: testTokens(-time.Minute, "rt-dead"), Identity: testIdentity()}
	require.NoError(t, store.Save(rec))

	provider.refreshFn = func(ctx context.Context, refreshToken string) (idp.TokenSet, error) {
		return idp.TokenSet{}, idp.ErrRefreshRejected
	}

	state := machine.Restore(context.Background())
	assert.Equal(t, StatusAnonymous, state.Status)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSignInAndSignOut(t *testing.T) {
	machine, provider, store := newTestMachine(t)

	provider.authenticateFn = func(ctx context.Context, email, password string) (idp.TokenSet, idp.Identity, error) {
		return testTokens(time.Hour, "rt-1"), testIdentity(), nil
	}

	state := machine.SignIn(context.Background(), "a@b.com", "hunter22")
	require.Equal(t, StatusAuthenticated, state.Status)
	assert.Equal(t, "a@b.com", state.Identity.Email)
	assert.Equal(t, "sub-1", state.Identity.SubjectID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), state.Tokens.ExpiresAt, 5*time.Second)

	stored, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, testIdentity(), stored.Identity)

	state = machine.SignOut()
	assert.Equal(t, StatusAnonymous, state.Status)

	stored, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored, "the persisted record must be removed on sign-out")
}

func TestSignInFailureIsTranslated(t *testing.T) {
	machine, provider, _ := newTestMachine(t)

	provider.authenticateFn = func(ctx context.Context, email, password string) (idp.TokenSet, idp.Identity, error) {
		return idp.TokenSet{}, idp.Identity{}, &idp.APIError{Code: idp.CodeNotAuthorized, Message: "raw provider text", Status: 400}
	}

	state := machine.SignIn(context.Background(), "a@b.com", "wrong")
	require.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, idp.KindUnauthorized, state.ErrorKind)
	assert.NotContains(t, state.Message, "raw provider text")
}

func TestSignInEmitsAuthenticating(t *testing.T) {
	machine, provider, _ := newTestMachine(t)

	states, cancel := machine.Subscribe()
	defer cancel()

	provider.authenticateFn = func(ctx context.Context, email, password string) (idp.TokenSet, idp.Identity, error) {
		return testTokens(time.Hour, "rt-1"), testIdentity(), nil
	}
	machine.SignIn(context.Background(), "a@b.com", "hunter22")

	first := <-states
	assert.Equal(t, StatusAuthenticating, first.Status)
	second := <-states
	assert.Equal(t, StatusAuthenticated, second.Status)
}

func TestSignOutDiscardsInFlightRefresh(t *testing.T) {
	machine, provider, store := newTestMachine(t)
	signIn(t, machine, provider, time.Minute) // expiring soon, within threshold

	started := make(chan struct{})
	release := make(chan struct{})
	provider.refreshFn = func(ctx context.Context, refreshToken string) (idp.TokenSet, error) {
		close(started)
		<-release
		return testTokens(time.Hour, "rt-1"), nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		machine.refreshIfNeeded(context.Background(), 5*time.Minute)
	}()

	<-started
	machine.SignOut()
	close(release)
	<-done

	assert.Equal(t, StatusAnonymous, machine.Current().Status,
		"a refresh that completes after sign-out must not resurrect the session")

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRefreshNotDuplicatedWhileInFlight(t *testing.T) {
	machine, provider, _ := newTestMachine(t)
	signIn(t, machine, provider, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	provider.refreshFn = func(ctx context.Context, refreshToken string) (idp.TokenSet, error) {
		close(started)
		<-release
		return testTokens(time.Hour, "rt-1"), nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		machine.refreshIfNeeded(context.Background(), 5*time.Minute)
	}()
	<-started

	// A second tick while the first refresh is still in flight.
	machine.refreshIfNeeded(context.Background(), 5*time.Minute)

	close(release)
	<-done

	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.refreshCalls))
	assert.Equal(t, StatusAuthenticated, machine.Current().Status)
}

func TestRefreshSkippedOutsideThreshold(t *testing.T) {
	machine, provider, _ := newTestMachine(t)
	signIn(t, machine, provider, time.Hour)

	machine.refreshIfNeeded(context.Background(), 5*time.Minute)
	assert.Zero(t, atomic.LoadInt32(&provider.refreshCalls))
}

func TestRefreshRejectedCollapsesSession(t *testing.T) {
	machine, provider, store := newTestMachine(t)
	signIn(t, machine, provider, time.Minute)

	provider.refreshFn = func(ctx context.Context, refreshToken string) (idp.TokenSet, error) {
		return idp.TokenSet{}, idp.ErrRefreshRejected
	}

	machine.refreshIfNeeded(context.Background(), 5*time.Minute)

	assert.Equal(t, StatusAnonymous, machine.Current().Status)
	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRefreshTransientFailureKeepsSession(t *testing.T) {
	machine, provider, _ := newTestMachine(t)
	signIn(t, machine, provider, time.Minute)
	before := machine.Current()

	provider.refreshFn = func(ctx context.Context, refreshToken string) (idp.TokenSet, error) {
		return idp.TokenSet{}, errors.New("dial tcp: connection refused")
	}

	machine.refreshIfNeeded(context.Background(), 5*time.Minute)

	after := machine.Current()
	assert.Equal(t, StatusAuthenticated, after.Status)
	assert.Equal(t, before.Tokens, after.Tokens, "state is left unchanged until the next tick")
}

func TestHandleProviderCallback(t *testing.T) {
	machine, provider, store := newTestMachine(t)

	provider.exchangeFn = func(ctx context.Context, code, redirectURI string) (idp.TokenSet, idp.Identity, error) {
		assert.Equal(t, "code-123", code)
		return testTokens(time.Hour, "rt-1"), testIdentity(), nil
	}

	state := machine.HandleProviderCallback(context.Background(), "app://callback?code=code-123&state=xyz")
	require.Equal(t, StatusAuthenticated, state.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.exchangeCalls))

	stored, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestHandleProviderCallbackRejectedCode(t *testing.T) {
	machine, provider, _ := newTestMachine(t)

	provider.exchangeFn = func(ctx context.Context, code, redirectURI string) (idp.TokenSet, idp.Identity, error) {
		return idp.TokenSet{}, idp.Identity{}, &idp.APIError{Code: idp.CodeCodeMismatch, Status: 400}
	}

	state := machine.HandleProviderCallback(context.Background(), "app://callback?code=bad-code")
	require.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, idp.KindUnauthorized, state.ErrorKind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.exchangeCalls))
}

func TestHandleProviderCallbackErrorParameter(t *testing.T) {
	machine, provider, _ := newTestMachine(t)

	state := machine.HandleProviderCallback(context.Background(), "app://callback?error=access_denied")
	require.Equal(t, StatusFailed, state.Status)
	assert.Zero(t, atomic.LoadInt32(&provider.exchangeCalls), "no exchange without a code")
}

func TestHandleProviderCallbackMissingCode(t *testing.T) {
	machine, _, _ := newTestMachine(t)

	state := machine.HandleProviderCallback(context.Background(), "app://callback")
	require.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, idp.KindValidation, state.ErrorKind)
}

func TestSignInWithProviderReturnsAuthorizationURL(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	assert.Contains(t, machine.SignInWithProvider(), "/oauth2/authorize")
}

func TestRequestPasswordResetHidesUnknownAccount(t *testing.T) {
	provider := &fakeProvider{}
	store := newSessionStore(t, filepath.Join(t.TempDir(), "session.db"))
	machine := NewMachine(&forgotFailsProvider{fakeProvider: provider, code: idp.CodeUserNotFound}, store)

	err := machine.RequestPasswordReset(context.Background(), "nobody@example.com")
	assert.NoError(t, err, "an unknown account must look exactly like success")
}

func TestRequestPasswordResetRateLimited(t *testing.T) {
	provider := &fakeProvider{}
	store := newSessionStore(t, filepath.Join(t.TempDir(), "session.db"))
	machine := NewMachine(&forgotFailsProvider{fakeProvider: provider, code: idp.CodeLimitExceeded}, store)

	err := machine.RequestPasswordReset(context.Background(), "a@b.com")
	var ue *idp.UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, idp.KindRateLimited, ue.Kind)
}

// forgotFailsProvider overrides ForgotPassword to fail with a fixed code.
type forgotFailsProvider struct {
	*fakeProvider
	code string
}

func (p *forgotFailsProvider) ForgotPassword(ctx context.Context, email string) error {
	return &idp.APIError{Code: p.code, Status: 400}
}
