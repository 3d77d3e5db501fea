package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/repository"
)

// DefaultRefreshThreshold is how close to expiry a token gets refreshed.
const DefaultRefreshThreshold = 5 * time.Minute

// Client performs the token endpoints. It authenticates with the publishable
// key rather than the managed token.
type Client interface {
	CreateToken(ctx context.Context, in domain.CreateTokenInput) (domain.TokenStatus, error)
	PatchToken(ctx context.Context, id string, in domain.PatchTokenInput) (domain.AuthToken, error)
	DeleteToken(ctx context.Context, id string) error
}

// Device describes the installation a login is bound to.
type Device struct {
	ID    string
	Model string
}

type state struct {
	token      domain.AuthToken
	verifier   string
	generation uint64
}

// Manager owns the auth token. Reads are lock-free; every mutation runs in
// one exclusive section so at most one refresh is in flight.
type Manager struct {
	client    Client
	store     repository.TokenStore
	threshold time.Duration
	logger    *zap.Logger
	now       func() time.Time
	onRefresh func(ok bool)

	sem chan struct{}
	cur atomic.Pointer[state]
}

// Option customises a Manager.
type Option func(*Manager)

// WithThreshold overrides the refresh threshold.
func WithThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRefreshHook registers a callback run after every refresh attempt.
func WithRefreshHook(fn func(ok bool)) Option {
	return func(m *Manager) { m.onRefresh = fn }
}

// NewManager constructs a Manager. store may be nil.
func NewManager(client Client, store repository.TokenStore, opts ...Option) *Manager {
	m := &Manager{
		client:    client,
		store:     store,
		threshold: DefaultRefreshThreshold,
		now:       time.Now,
		sem:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cur.Store(&state{})
	return m
}

// Token returns the current credential value, or "" when not authenticated.
func (m *Manager) Token() string {
	return m.cur.Load().token.Value
}

// Current returns a copy of the current token.
func (m *Manager) Current() domain.AuthToken {
	return m.cur.Load().token
}

// Authenticated reports whether a full-API token is held.
func (m *Manager) Authenticated() bool {
	t := m.cur.Load().token
	return !t.Empty() && t.Scope == domain.ScopeAPI
}

// Restore loads the persisted token, if any.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.LoadToken(ctx)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if stored == nil {
		return nil
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	prev := m.cur.Load()
	m.cur.Store(&state{token: stored.Token, verifier: stored.Verifier, generation: prev.generation + 1})
	return nil
}

// EnsureFresh refreshes the token when it expires within the threshold.
// Callers queued behind a running refresh reuse its result.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	if !m.needsRefresh(m.cur.Load()) {
		return nil
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	s := m.cur.Load()
	if !m.needsRefresh(s) {
		return nil
	}
	_, err := m.refreshLocked(ctx, s)
	return err
}

// ForceRefresh replaces the credential the server rejected. When the
// current token already differs from rejected, another caller refreshed
// since the request was signed and that token is returned as is.
func (m *Manager) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	if err := m.acquire(ctx); err != nil {
		return "", err
	}
	defer m.release()

	s := m.cur.Load()
	if s.token.Value != "" && s.token.Value != rejected {
		return s.token.Value, nil
	}
	if s.token.ID == "" || s.verifier == "" {
		return "", domain.ErrNotAuthenticated
	}
	next, err := m.refreshLocked(ctx, s)
	if err != nil {
		return "", err
	}
	return next.token.Value, nil
}

// Login starts the email login flow. The returned status id identifies the
// pending token until Verify is called.
func (m *Manager) Login(ctx context.Context, email string, device Device) (domain.TokenStatus, error) {
	if email == "" {
		return domain.TokenStatus{}, fmt.Errorf("login: email required")
	}
	verifier, err := secureRandomString(32)
	if err != nil {
		return domain.TokenStatus{}, fmt.Errorf("generate verifier: %w", err)
	}

	if err := m.acquire(ctx); err != nil {
		return domain.TokenStatus{}, err
	}
	defer m.release()

	status, err := m.client.CreateToken(ctx, domain.CreateTokenInput{
		Challenge:   pkceChallenge(verifier),
		DeviceID:    device.ID,
		DeviceModel: device.Model,
		Email:       email,
	})
	if err != nil {
		return domain.TokenStatus{}, fmt.Errorf("create token: %w", err)
	}

	prev := m.cur.Load()
	m.swap(ctx, &state{
		token:      domain.AuthToken{ID: status.ID, Scope: domain.ScopeLogin},
		verifier:   verifier,
		generation: prev.generation + 1,
	})
	return status, nil
}

// Verify completes a login with the emailed code or magic link.
func (m *Manager) Verify(ctx context.Context, code, link string) (domain.AuthToken, error) {
	if err := m.acquire(ctx); err != nil {
		return domain.AuthToken{}, err
	}
	defer m.release()

	s := m.cur.Load()
	if s.token.ID == "" || s.verifier == "" {
		return domain.AuthToken{}, domain.ErrNotAuthenticated
	}
	next, err := m.exchangeLocked(ctx, s, code, link)
	if err != nil {
		return domain.AuthToken{}, fmt.Errorf("verify token: %w", err)
	}
	return next.token, nil
}

// Logout deletes the token server side and forgets it locally. The local
// state is cleared even when the server call fails.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	s := m.cur.Load()
	var errs []error
	if s.token.ID != "" {
		if err := m.client.DeleteToken(ctx, s.token.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete token: %w", err))
		}
	}
	m.cur.Store(&state{generation: s.generation + 1})
	if m.store != nil {
		if err := m.store.DeleteToken(ctx); err != nil {
			errs = append(errs, fmt.Errorf("forget token: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) needsRefresh(s *state) bool {
	if s.token.Empty() || s.token.Scope != domain.ScopeAPI {
		return false
	}
	return s.token.ExpiresWithin(m.now(), m.threshold)
}

func (m *Manager) refreshLocked(ctx context.Context, s *state) (*state, error) {
	next, err := m.exchangeLocked(ctx, s, "", "")
	if m.onRefresh != nil {
		m.onRefresh(err == nil)
	}
	if err != nil {
		m.log().Warn("token refresh failed", zap.String("token_id", s.token.ID), zap.Error(err))
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	m.log().Debug("token refreshed", zap.String("token_id", next.token.ID), zap.Time("expires_at", next.token.ExpiresAt))
	return next, nil
}

// exchangeLocked proves the current verifier and registers a new challenge.
// The current state is only replaced on success.
func (m *Manager) exchangeLocked(ctx context.Context, s *state, code, link string) (*state, error) {
	verifier, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	tok, err := m.client.PatchToken(ctx, s.token.ID, domain.PatchTokenInput{
		Challenge: pkceChallenge(verifier),
		Verifier:  s.verifier,
		Code:      code,
		Link:      link,
	})
	if err != nil {
		return nil, err
	}
	if tok.ID == "" {
		tok.ID = s.token.ID
	}
	if tok.Scope == "" {
		tok.Scope = domain.ScopeAPI
	}
	if tok.ExpiresAt.IsZero() {
		if exp, ok := expiryFromJWT(tok.Value); ok {
			tok.ExpiresAt = exp
		}
	}
	next := &state{token: tok, verifier: verifier, generation: s.generation + 1}
	m.swap(ctx, next)
	return next, nil
}

func (m *Manager) swap(ctx context.Context, next *state) {
	m.cur.Store(next)
	if m.store == nil {
		return
	}
	if err := m.store.SaveToken(ctx, domain.StoredToken{Token: next.token, Verifier: next.verifier}); err != nil {
		m.log().Warn("persist token failed", zap.Error(err))
	}
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.sem
}

func (m *Manager) log() *zap.Logger {
	if m.logger != nil {
		return m.logger
	}
	return zap.L()
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
