package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/flexa/flexa-android-sub000/internal/adapter/flexa"
	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/observable"
	"github.com/flexa/flexa-android-sub000/internal/repository"
	"github.com/flexa/flexa-android-sub000/internal/service/session"
	"github.com/flexa/flexa-android-sub000/internal/telemetry"
	"github.com/flexa/flexa-android-sub000/internal/token"
)

// logoutCloseWait bounds how long Logout waits for the server side close of
// the current session before revoking the token.
const logoutCloseWait = 10 * time.Second

// Catalog is the account and catalog surface of the platform client.
type Catalog interface {
	GetAccount(ctx context.Context) (domain.Account, error)
	InitiateAccountDeletion(ctx context.Context) error
	PutAppAccounts(ctx context.Context, accounts []domain.AppAccount) (domain.AppAccountsPage, error)
	ListAssets(ctx context.Context, params flexa.PageParams) (domain.Page[domain.Asset], error)
	GetAsset(ctx context.Context, id string) (domain.Asset, error)
	ListBrands(ctx context.Context, query flexa.BrandQuery) (domain.Page[domain.Brand], error)
	ConvertAsset(ctx context.Context, in flexa.QuoteRequest) (domain.Quote, error)
}

// Auth is the credential lifecycle.
type Auth interface {
	Restore(ctx context.Context) error
	Authenticated() bool
	Login(ctx context.Context, email string, device token.Device) (domain.TokenStatus, error)
	Verify(ctx context.Context, code, link string) (domain.AuthToken, error)
	Logout(ctx context.Context) error
}

// ReportedError is the classified failure shown to the host. Raw transport
// errors stay in the logs.
type ReportedError struct {
	Op      string    `json:"op"`
	Kind    string    `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Deps wires the engine.
type Deps struct {
	Catalog       Catalog
	Auth          Auth
	Sessions      session.API
	Events        session.EventSource
	State         repository.StateStore
	Preferences   repository.PreferenceStore
	BrandSessions repository.BrandSessionRepository
	CanSpend      observable.Reader[bool]
	DeviceModel   string
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
}

// Engine is the single object a host talks to. It owns the session
// reconciler and routes its side effects.
type Engine struct {
	catalog     Catalog
	auth        Auth
	prefs       repository.PreferenceStore
	sessions    *session.Reconciler
	canSpend    observable.Reader[bool]
	deviceModel string
	logger      *zap.Logger

	account   *observable.Value[*domain.Account]
	wallet    *observable.Value[*domain.CommerceSession]
	lastError *observable.Value[*ReportedError]
	refreshes singleflight.Group

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine. Call Start before use.
func New(deps Deps, cfg session.Config) *Engine {
	e := &Engine{
		catalog:     deps.Catalog,
		auth:        deps.Auth,
		prefs:       deps.Preferences,
		canSpend:    deps.CanSpend,
		deviceModel: deps.DeviceModel,
		logger:      deps.Logger,
		account:     observable.NewValue[*domain.Account](nil),
		wallet:      observable.NewValue[*domain.CommerceSession](nil),
		lastError:   observable.NewValue[*ReportedError](nil),
		ctx:         context.Background(),
	}
	if e.canSpend == nil {
		e.canSpend = observable.NewValue(true)
	}
	e.sessions = session.NewReconciler(session.Deps{
		API:           deps.Sessions,
		Events:        deps.Events,
		State:         deps.State,
		BrandSessions: deps.BrandSessions,
		Host:          e,
		Reporter:      e,
		Logger:        deps.Logger,
		Metrics:       deps.Metrics,
	}, cfg)
	return e
}

// Start restores the persisted credential and runs the reconciler until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.ctx, e.cancel, e.done = runCtx, cancel, done
	e.mu.Unlock()

	if err := e.auth.Restore(ctx); err != nil {
		e.log().Warn("restore token failed", zap.Error(err))
	}

	go func() {
		defer close(done)
		if err := e.sessions.Run(runCtx); err != nil {
			e.log().Error("session reconciler stopped", zap.Error(err))
		}
	}()
	e.log().Info("engine started", zap.Bool("authenticated", e.auth.Authenticated()))
	return nil
}

// Stop ends the reconciler and waits for it, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop engine: %w", ctx.Err())
	}
}

// Sessions exposes the reconciler for session requests.
func (e *Engine) Sessions() *session.Reconciler {
	return e.sessions
}

// StartWatching begins polling and streaming session updates.
func (e *Engine) StartWatching(ctx context.Context) error {
	if !e.auth.Authenticated() {
		return domain.ErrNotAuthenticated
	}
	return e.sessions.StartWatching(ctx)
}

// StopWatching ends the event subscription and cancels asset patches.
func (e *Engine) StopWatching(ctx context.Context) error {
	return e.sessions.StopWatching(ctx)
}

// Account publishes the last fetched account.
func (e *Engine) Account() observable.Reader[*domain.Account] {
	return e.account
}

// WalletRequests publishes the latest session the wallet should pay.
func (e *Engine) WalletRequests() observable.Reader[*domain.CommerceSession] {
	return e.wallet
}

// LastError publishes the last reported failure.
func (e *Engine) LastError() observable.Reader[*ReportedError] {
	return e.lastError
}

// CanSpend publishes whether spending is available in this region.
func (e *Engine) CanSpend() observable.Reader[bool] {
	return e.canSpend
}

// RefreshAccount fetches the account and hands its balance to the
// reconciler. Concurrent callers share one request.
func (e *Engine) RefreshAccount(ctx context.Context) (domain.Account, error) {
	v, err, _ := e.refreshes.Do("account", func() (any, error) {
		return e.catalog.GetAccount(ctx)
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("refresh account: %w", err)
	}
	account := v.(domain.Account)
	e.account.Set(&account)
	if err := e.sessions.SetAccountBalance(ctx, account.Balance); err != nil {
		return account, fmt.Errorf("update balance: %w", err)
	}
	return account, nil
}

// SetAccountBalance overrides the balance used for the covered check.
func (e *Engine) SetAccountBalance(ctx context.Context, balance *domain.AccountBalance) error {
	return e.sessions.SetAccountBalance(ctx, balance)
}

// RequestAccountRefresh implements session.Host.
func (e *Engine) RequestAccountRefresh() {
	ctx := e.runContext()
	go func() {
		if _, err := e.RefreshAccount(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.Report("get_account", err)
		}
	}()
}

// RequestWalletTransaction implements session.Host.
func (e *Engine) RequestWalletTransaction(s domain.CommerceSession) {
	e.log().Info("wallet transaction requested",
		zap.String("session_id", s.ID),
		zap.String("amount", s.Amount.String()),
		zap.String("unit_of_account", s.UnitOfAccount),
	)
	e.wallet.Set(&s)
}

// Report implements session.ErrorReporter.
func (e *Engine) Report(op string, err error) {
	reported := classify(op, err)
	e.log().Error("operation failed",
		zap.String("op", op),
		zap.String("kind", reported.Kind),
		zap.String("code", reported.Code),
		zap.Error(err),
	)
	e.lastError.Set(&reported)
}

// Login sends a sign-in email for this device.
func (e *Engine) Login(ctx context.Context, email string) (domain.TokenStatus, error) {
	deviceID, err := e.ensureDeviceID(ctx)
	if err != nil {
		return domain.TokenStatus{}, err
	}
	return e.auth.Login(ctx, email, token.Device{ID: deviceID, Model: e.deviceModel})
}

// Verify completes sign-in with the emailed code or magic link.
func (e *Engine) Verify(ctx context.Context, code, link string) (domain.AuthToken, error) {
	tok, err := e.auth.Verify(ctx, code, link)
	if err != nil {
		return domain.AuthToken{}, err
	}
	e.RequestAccountRefresh()
	return tok, nil
}

// Logout drops the session state and the credential. The current session is
// closed server side before the token is revoked.
func (e *Engine) Logout(ctx context.Context) error {
	var errs []error
	if err := e.sessions.StopWatching(ctx); err != nil {
		errs = append(errs, err)
	}

	// The session close is signed with the token Logout revokes.
	closeCtx, cancel := context.WithTimeout(ctx, logoutCloseWait)
	err := e.sessions.CloseAndWait(closeCtx)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		e.log().Warn("session close still running at logout", zap.Duration("waited", logoutCloseWait))
	default:
		errs = append(errs, err)
	}

	if err := e.auth.Logout(ctx); err != nil {
		errs = append(errs, err)
	}
	e.account.Set(nil)
	e.wallet.Set(nil)
	return errors.Join(errs...)
}

// DeleteAccount starts server-side account deletion.
func (e *Engine) DeleteAccount(ctx context.Context) error {
	return e.catalog.InitiateAccountDeletion(ctx)
}

// SyncAppAccounts uploads the wallet's app accounts.
func (e *Engine) SyncAppAccounts(ctx context.Context, accounts []domain.AppAccount) (domain.AppAccountsPage, error) {
	return e.catalog.PutAppAccounts(ctx, accounts)
}

func (e *Engine) Assets(ctx context.Context, params flexa.PageParams) (domain.Page[domain.Asset], error) {
	return e.catalog.ListAssets(ctx, params)
}

func (e *Engine) Asset(ctx context.Context, id string) (domain.Asset, error) {
	return e.catalog.GetAsset(ctx, id)
}

func (e *Engine) Brands(ctx context.Context, query flexa.BrandQuery) (domain.Page[domain.Brand], error) {
	return e.catalog.ListBrands(ctx, query)
}

func (e *Engine) Quote(ctx context.Context, in flexa.QuoteRequest) (domain.Quote, error) {
	return e.catalog.ConvertAsset(ctx, in)
}

func (e *Engine) PinnedBrands(ctx context.Context) ([]string, error) {
	return e.prefs.PinnedBrands(ctx)
}

func (e *Engine) SetPinnedBrands(ctx context.Context, brandIDs []string) error {
	return e.prefs.SetPinnedBrands(ctx, brandIDs)
}

func (e *Engine) ensureDeviceID(ctx context.Context) (string, error) {
	id, err := e.prefs.DeviceID(ctx)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	if err := e.prefs.SetDeviceID(ctx, uuid.NewString()); err != nil {
		return "", err
	}
	// Another writer may have won the race; read back the stored value.
	id, err = e.prefs.DeviceID(ctx)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	return id, nil
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Engine) log() *zap.Logger {
	if e.logger != nil {
		return e.logger
	}
	return zap.L()
}

func classify(op string, err error) ReportedError {
	reported := ReportedError{
		Op:   op,
		Kind: "unknown",
		Code: domain.GenericErrorCode,
		At:   time.Now().UTC(),
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		reported.Message = "unexpected error"
		return reported
	}
	reported.Kind = de.Kind.String()
	reported.Status = de.Status
	if de.Code != "" {
		reported.Code = de.Code
	}
	switch {
	case de.Message != "":
		reported.Message = de.Message
	case de.Kind == domain.KindTransport:
		reported.Message = "network unavailable"
	case de.Kind == domain.KindTimeout:
		reported.Message = "operation timed out"
	case de.Kind == domain.KindAuth:
		reported.Message = "authentication required"
	default:
		reported.Message = de.Kind.String() + " error"
	}
	return reported
}
