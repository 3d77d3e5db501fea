package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

func TestEnsureFreshRespectsThreshold(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		remaining time.Duration
		refreshes int32
	}{
		{"under threshold", 4 * time.Minute, 1},
		{"over threshold", 6 * time.Minute, 0},
		{"exactly threshold", 5 * time.Minute, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeTokenClient{expiresIn: time.Hour, now: now}
			m := newTestManager(client, now)
			m.cur.Store(&state{token: apiToken("tok-1", now.Add(tt.remaining)), verifier: "v1", generation: 1})

			require.NoError(t, m.EnsureFresh(context.Background()))
			require.Equal(t, tt.refreshes, client.patches.Load())
		})
	}
}

func TestEnsureFreshConcurrentCallersShareOneRefresh(t *testing.T) {
	now := time.Now()
	client := &fakeTokenClient{expiresIn: time.Hour, now: now, delay: 50 * time.Millisecond}
	m := newTestManager(client, now)
	m.cur.Store(&state{token: apiToken("tok-1", now.Add(time.Minute)), verifier: "v1", generation: 1})

	const n = 20
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureFresh(context.Background())
			tokens[i] = m.Token()
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, client.patches.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "value-1", tokens[i])
	}
}

func TestForceRefreshWaitersReuseNewToken(t *testing.T) {
	now := time.Now()
	client := &fakeTokenClient{expiresIn: time.Hour, now: now}
	m := newTestManager(client, now)
	m.cur.Store(&state{token: apiToken("tok-1", now.Add(time.Hour)), verifier: "v1", generation: 1})

	ctx := context.Background()
	require.NoError(t, m.acquire(ctx))

	const n = 5
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.ForceRefresh(ctx, "secret-tok-1")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	rotated := apiToken("tok-1", now.Add(time.Hour))
	rotated.Value = "rotated"
	m.cur.Store(&state{token: rotated, verifier: "v2", generation: 2})
	m.release()
	wg.Wait()

	require.Zero(t, client.patches.Load())
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "rotated", results[i])
	}
}

func TestForceRefreshIssuesRefresh(t *testing.T) {
	now := time.Now()
	client := &fakeTokenClient{expiresIn: time.Hour, now: now}
	m := newTestManager(client, now)
	m.cur.Store(&state{token: apiToken("tok-1", now.Add(time.Hour)), verifier: "v1", generation: 1})

	v, err := m.ForceRefresh(context.Background(), "secret-tok-1")
	require.NoError(t, err)
	require.Equal(t, "value-1", v)
	require.Equal(t, "v1", client.lastPatch.Verifier)
	require.Equal(t, pkceChallenge(m.cur.Load().verifier), client.lastPatch.Challenge)
}

func TestForceRefreshAfterCompletedRefreshReusesToken(t *testing.T) {
	now := time.Now()
	client := &fakeTokenClient{expiresIn: time.Hour, now: now}
	m := newTestManager(client, now)
	m.cur.Store(&state{token: apiToken("tok-1", now.Add(time.Hour)), verifier: "v1", generation: 1})
	ctx := context.Background()

	first, err := m.ForceRefresh(ctx, "secret-tok-1")
	require.NoError(t, err)
	require.Equal(t, "value-1", first)

	// A rejection of the old credential that arrives after the refresh
	// finished must not rotate the token again.
	late, err := m.ForceRefresh(ctx, "secret-tok-1")
	require.NoError(t, err)
	require.Equal(t, "value-1", late)
	require.EqualValues(t, 1, client.patches.Load())

	again, err := m.ForceRefresh(ctx, "value-1")
	require.NoError(t, err)
	require.Equal(t, "value-2", again)
	require.EqualValues(t, 2, client.patches.Load())
}

func TestRefreshFailureKeepsStaleToken(t *testing.T) {
	now := time.Now()
	client := &fakeTokenClient{err: errors.New("network down")}
	m := newTestManager(client, now)
	stale := apiToken("tok-1", now.Add(time.Minute))
	m.cur.Store(&state{token: stale, verifier: "v1", generation: 1})

	err := m.EnsureFresh(context.Background())
	require.Error(t, err)
	require.Equal(t, stale.Value, m.Token())
	require.Equal(t, "v1", m.cur.Load().verifier)
}

func TestLoginAndVerify(t *testing.T) {
	now := time.Now()
	client := &fakeTokenClient{expiresIn: time.Hour, now: now}
	store := &memoryTokenStore{}
	m := NewManager(client, store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	status, err := m.Login(ctx, "user@example.com", Device{ID: "dev-1", Model: "Pixel"})
	require.NoError(t, err)
	require.Equal(t, "tok-login", status.ID)
	require.Equal(t, "dev-1", client.lastCreate.DeviceID)
	require.False(t, m.Authenticated())

	loginVerifier := m.cur.Load().verifier
	require.Equal(t, pkceChallenge(loginVerifier), client.lastCreate.Challenge)

	tok, err := m.Verify(ctx, "123456", "")
	require.NoError(t, err)
	require.Equal(t, domain.ScopeAPI, tok.Scope)
	require.Equal(t, "tok-login", tok.ID)
	require.Equal(t, loginVerifier, client.lastPatch.Verifier)
	require.Equal(t, "123456", client.lastPatch.Code)
	require.True(t, m.Authenticated())

	require.NotNil(t, store.saved)
	require.Equal(t, tok.Value, store.saved.Token.Value)
	require.Equal(t, m.cur.Load().verifier, store.saved.Verifier)
}

func TestLogoutClearsStateOnServerFailure(t *testing.T) {
	now := time.Now()
	client := &fakeTokenClient{deleteErr: errors.New("gone")}
	store := &memoryTokenStore{saved: &domain.StoredToken{}}
	m := NewManager(client, store)
	m.cur.Store(&state{token: apiToken("tok-1", now.Add(time.Hour)), verifier: "v1", generation: 1})

	err := m.Logout(context.Background())
	require.Error(t, err)
	require.Empty(t, m.Token())
	require.Nil(t, store.saved)
}

func TestRestoreLoadsPersistedToken(t *testing.T) {
	now := time.Now()
	store := &memoryTokenStore{saved: &domain.StoredToken{Token: apiToken("tok-9", now.Add(time.Hour)), Verifier: "v9"}}
	m := NewManager(&fakeTokenClient{}, store)

	require.NoError(t, m.Restore(context.Background()))
	require.Equal(t, "secret-tok-9", m.Token())
	require.True(t, m.Authenticated())
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")}, (&gojose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	raw, err := gojwt.Signed(signer).Claims(gojwt.Claims{Expiry: gojwt.NewNumericDate(exp)}).Serialize()
	require.NoError(t, err)

	got, ok := expiryFromJWT(raw)
	require.True(t, ok)
	require.True(t, got.Equal(exp))

	_, ok = expiryFromJWT("opaque-token")
	require.False(t, ok)
}

// ---- fakes ----

func newTestManager(client Client, now time.Time) *Manager {
	return NewManager(client, nil, WithClock(func() time.Time { return now }))
}

func apiToken(id string, expiresAt time.Time) domain.AuthToken {
	return domain.AuthToken{ID: id, Value: "secret-" + id, ExpiresAt: expiresAt, Scope: domain.ScopeAPI}
}

type fakeTokenClient struct {
	mu         sync.Mutex
	patches    atomic.Int32
	now        time.Time
	expiresIn  time.Duration
	delay      time.Duration
	err        error
	deleteErr  error
	lastCreate domain.CreateTokenInput
	lastPatch  domain.PatchTokenInput
}

func (f *fakeTokenClient) CreateToken(_ context.Context, in domain.CreateTokenInput) (domain.TokenStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCreate = in
	return domain.TokenStatus{ID: "tok-login", Status: "requested"}, nil
}

func (f *fakeTokenClient) PatchToken(_ context.Context, id string, in domain.PatchTokenInput) (domain.AuthToken, error) {
	n := f.patches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPatch = in
	if f.err != nil {
		return domain.AuthToken{}, f.err
	}
	return domain.AuthToken{
		ID:        id,
		Value:     fmt.Sprintf("value-%d", n),
		ExpiresAt: f.now.Add(f.expiresIn),
	}, nil
}

func (f *fakeTokenClient) DeleteToken(context.Context, string) error {
	return f.deleteErr
}

type memoryTokenStore struct {
	mu    sync.Mutex
	saved *domain.StoredToken
}

func (s *memoryTokenStore) LoadToken(context.Context) (*domain.StoredToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, nil
}

func (s *memoryTokenStore) SaveToken(_ context.Context, token domain.StoredToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = &token
	return nil
}

func (s *memoryTokenStore) DeleteToken(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = nil
	return nil
}
