package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/observable"
	"github.com/flexa/flexa-android-sub000/internal/repository"
	"github.com/flexa/flexa-android-sub000/internal/retry"
	"github.com/flexa/flexa-android-sub000/internal/telemetry"
)

const (
	DefaultCompletionTimeout = 60 * time.Second
	DefaultPatchTimeout      = 3 * time.Second

	defaultPersistTimeout = 2 * time.Second
	closeBudget           = 30 * time.Second
	brandSessionTTL       = 24 * time.Hour
	inboxSize             = 64
)

const (
	opPollSession    = "poll_commerce_session"
	opCreateSession  = "create_commerce_session"
	opCloseSession   = "close_commerce_session"
	opApproveSession = "approve_commerce_session"
)

// ErrStopped is returned by requests sent after Run returned.
var ErrStopped = errors.New("session reconciler stopped")

// Config holds the reconciler budgets.
type Config struct {
	CompletionTimeout time.Duration
	PatchTimeout      time.Duration
	PersistTimeout    time.Duration

	PollPolicy    retry.Policy
	CreatePolicy  retry.Policy
	PatchPolicy   retry.Policy
	ClosePolicy   retry.Policy
	ApprovePolicy retry.Policy
}

// DefaultConfig returns the production budgets.
func DefaultConfig() Config {
	return Config{
		CompletionTimeout: DefaultCompletionTimeout,
		PatchTimeout:      DefaultPatchTimeout,
		PersistTimeout:    defaultPersistTimeout,
		PollPolicy:        retry.PollPolicy,
		CreatePolicy:      retry.CreatePolicy,
		PatchPolicy:       retry.PatchPolicy,
		ClosePolicy:       retry.ClosePolicy,
		ApprovePolicy:     retry.ClosePolicy,
	}
}

// Deps are the reconciler collaborators. Host, Reporter, Logger, Metrics and
// Now are optional.
type Deps struct {
	API           API
	Events        EventSource
	State         repository.StateStore
	BrandSessions repository.BrandSessionRepository
	Host          Host
	Reporter      ErrorReporter
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
	Now           func() time.Time
}

// Reconciler owns the current commerce session. Every input goes through
// one mailbox drained by Run, so poll results, pushed events and patch
// results are applied strictly in arrival order.
type Reconciler struct {
	api      API
	events   EventSource
	states   repository.StateStore
	brands   repository.BrandSessionRepository
	host     Host
	reporter ErrorReporter
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	cfg      Config

	patcher *AssetPatchCoordinator
	inbox   chan message
	done    chan struct{}

	snapshot *observable.Value[Snapshot]
	selected *observable.Value[string]

	// Owned by the Run goroutine.
	ctx           context.Context
	state         State
	current       *domain.CommerceSession
	completed     *domain.CommerceSession
	creating      bool
	timeoutPrompt bool
	epoch         uint64
	watchGen      uint64
	watchCancel   context.CancelFunc
	localMarker   string
	balance       *domain.AccountBalance
	approved      map[string]struct{}
	legacy        map[string]bool
	recorded      map[string]string
	pendingPatch  map[string]pendingPatch
	timer         *completionTimer
}

// NewReconciler wires a reconciler. Call Run to start processing.
func NewReconciler(deps Deps, cfg Config) *Reconciler {
	r := &Reconciler{
		api:          deps.API,
		events:       deps.Events,
		states:       deps.State,
		brands:       deps.BrandSessions,
		host:         deps.Host,
		reporter:     deps.Reporter,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		tracer:       otel.Tracer("github.com/flexa/flexa-android-sub000/internal/service/session"),
		now:          deps.Now,
		cfg:          cfg,
		inbox:        make(chan message, inboxSize),
		done:         make(chan struct{}),
		snapshot:     observable.NewValue(Snapshot{State: StateIdle}),
		selected:     observable.NewValue(""),
		approved:     make(map[string]struct{}),
		legacy:       make(map[string]bool),
		recorded:     make(map[string]string),
		pendingPatch: make(map[string]pendingPatch),
	}
	if r.host == nil {
		r.host = nopHost{}
	}
	if r.reporter == nil {
		r.reporter = nopReporter{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.cfg.PersistTimeout <= 0 {
		r.cfg.PersistTimeout = defaultPersistTimeout
	}
	r.timer = newCompletionTimer(cfg.CompletionTimeout, func(gen uint64) {
		r.post(timerFired{gen: gen})
	})
	r.patcher = NewAssetPatchCoordinator(deps.API, cfg.PatchPolicy, cfg.PatchTimeout, r.reporter, func(res PatchResult) {
		r.post(patchResult{res})
	}, deps.Metrics, deps.Logger)
	return r
}

// Run drains the mailbox until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	r.ctx = ctx
	defer r.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-r.inbox:
			r.handle(m)
		}
	}
}

func (r *Reconciler) shutdown() {
	close(r.done)
	r.timer.stop()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	r.patcher.CancelAll()
}

// Snapshot publishes the reconciler view.
func (r *Reconciler) Snapshot() observable.Reader[Snapshot] {
	return r.snapshot
}

// SelectedAsset publishes the user's funding asset selection.
func (r *Reconciler) SelectedAsset() observable.Reader[string] {
	return r.selected
}

// StartWatching polls the last persisted session and subscribes to pushed
// session events.
func (r *Reconciler) StartWatching(ctx context.Context) error {
	return r.send(ctx, watchStart{})
}

// StopWatching cancels the event subscription and any patch in flight.
func (r *Reconciler) StopWatching(ctx context.Context) error {
	return r.send(ctx, watchStop{})
}

// CreateSession starts a locally initiated session. The outcome is
// published through Snapshot; exhausted failures go to the reporter.
func (r *Reconciler) CreateSession(ctx context.Context, in domain.CreateSessionInput) error {
	if in.Brand == "" {
		return domain.NewValidationError(opCreateSession, "brand is required")
	}
	if in.Asset == "" {
		return domain.NewValidationError(opCreateSession, "asset is required")
	}
	return r.send(ctx, createRequest{input: in})
}

// SelectAsset changes the funding asset, patching the current session when
// it draws from a different one.
func (r *Reconciler) SelectAsset(ctx context.Context, asset string) error {
	return r.send(ctx, selectAsset{asset: asset})
}

// SetAccountBalance updates the internal balance used for the covered check.
func (r *Reconciler) SetAccountBalance(ctx context.Context, balance *domain.AccountBalance) error {
	return r.send(ctx, balanceUpdate{balance: balance})
}

// KeepWaiting dismisses the timeout prompt and re-arms the completion timer.
func (r *Reconciler) KeepWaiting(ctx context.Context) error {
	return r.send(ctx, keepWaiting{})
}

// Cancel is the user's answer to the timeout prompt. It closes the session.
func (r *Reconciler) Cancel(ctx context.Context) error {
	return r.send(ctx, closeRequest{op: "cancel"})
}

// Close drops the current session on request of the host.
func (r *Reconciler) Close(ctx context.Context) error {
	return r.send(ctx, closeRequest{op: "close"})
}

// CloseAndWait drops the current session and returns once the server side
// close succeeded or gave up. The wait is bounded by ctx.
func (r *Reconciler) CloseAndWait(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.send(ctx, closeRequest{op: "logout", done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// Sync returns once every request sent before it has been applied.
func (r *Reconciler) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.send(ctx, barrier{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// ConfirmTransaction forwards the wallet's signature for the transaction
// recorded against sessionID. An empty sessionID uses the current session.
func (r *Reconciler) ConfirmTransaction(ctx context.Context, sessionID, signature string) error {
	if signature == "" {
		return domain.NewValidationError("confirm_transaction", "signature is required")
	}
	if sessionID == "" {
		snap := r.snapshot.Get()
		switch {
		case snap.Session != nil:
			sessionID = snap.Session.ID
		case snap.Completed != nil:
			sessionID = snap.Completed.ID
		default:
			return domain.ErrNoSession
		}
	}
	record, err := r.brands.GetBySessionID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lookup brand session: %w", err)
	}
	if record.TransactionID == "" {
		return domain.NewValidationError("confirm_transaction", "no transaction recorded for session "+sessionID)
	}
	if err := r.api.ConfirmTransaction(ctx, record.TransactionID, signature); err != nil {
		return fmt.Errorf("confirm transaction: %w", err)
	}
	return nil
}

func (r *Reconciler) send(ctx context.Context, m message) error {
	select {
	case r.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// post is used by goroutines the reconciler started itself.
func (r *Reconciler) post(m message) {
	select {
	case r.inbox <- m:
	case <-r.done:
	}
}

func (r *Reconciler) handle(m message) {
	switch m := m.(type) {
	case watchStart:
		r.startWatching()
	case watchStop:
		r.stopWatching()
	case pollResult:
		r.onPolled(m)
	case createRequest:
		r.startCreate(m.input)
	case createResult:
		r.onCreated(m)
	case streamEvent:
		r.onEvent(m)
	case approveResult:
		r.onApproved(m)
	case patchResult:
		r.onPatched(m.PatchResult)
	case selectAsset:
		r.onSelectAsset(m.asset)
	case balanceUpdate:
		r.balance = m.balance
		r.checkAssetMismatch()
	case closeRequest:
		r.close(m.op, m.done)
	case timerFired:
		r.onTimeout(m.gen)
	case keepWaiting:
		r.onKeepWaiting()
	case barrier:
		close(m.done)
		return
	default:
		r.log().Warn("unhandled reconciler message", zap.String("type", fmt.Sprintf("%T", m)))
		return
	}
	r.publish()
}

func (r *Reconciler) startWatching() {
	if r.watchCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.watchCancel = cancel
	r.watchGen++
	if r.current == nil && !r.creating {
		r.setState(StatePolling)
	}
	go r.coldStart(ctx, r.epoch, r.watchGen)
	go r.forwardEvents(ctx, r.watchGen)
}

func (r *Reconciler) stopWatching() {
	if r.watchCancel == nil {
		return
	}
	r.watchCancel()
	r.watchCancel = nil
	r.watchGen++
	r.patcher.CancelAll()
	clear(r.pendingPatch)
	if r.state == StatePolling {
		r.setState(StateIdle)
	}
}

func (r *Reconciler) coldStart(ctx context.Context, epoch, watch uint64) {
	id, err := r.states.LastSessionID(ctx)
	if err != nil {
		r.post(pollResult{epoch: epoch, watch: watch, err: fmt.Errorf("load last session id: %w", err)})
		return
	}
	if id == "" {
		r.post(pollResult{epoch: epoch, watch: watch})
		return
	}

	ctx, span := r.startSpan(ctx, "SessionReconciler.Poll")
	span.SetAttributes(attribute.String("flexa.session_id", id))
	defer span.End()

	session, err := retry.Do(ctx, r.cfg.PollPolicy, func(ctx context.Context) (domain.CommerceSession, error) {
		return r.api.GetCommerceSession(ctx, id)
	})
	if err != nil {
		span.RecordError(err)
		r.post(pollResult{epoch: epoch, watch: watch, err: err})
		return
	}
	r.post(pollResult{epoch: epoch, watch: watch, session: &session})
}

func (r *Reconciler) forwardEvents(ctx context.Context, watch uint64) {
	lastEventID, err := r.states.LastEventID(ctx)
	if err != nil {
		r.log().Warn("load last event id failed, subscribing from now", zap.Error(err))
	}
	for ev := range r.events.Subscribe(ctx, lastEventID) {
		r.post(streamEvent{watch: watch, event: ev})
	}
}

func (r *Reconciler) onPolled(m pollResult) {
	if m.epoch != r.epoch || m.watch != r.watchGen {
		return
	}
	if r.state == StatePolling {
		r.setState(StateIdle)
	}
	if m.err != nil {
		if !errors.Is(m.err, context.Canceled) {
			r.reporter.Report(opPollSession, m.err)
		}
		return
	}
	if m.session == nil {
		return
	}
	s := *m.session
	if r.current != nil && r.current.ID != s.ID {
		// A pushed session won the race.
		return
	}
	switch {
	case s.IsClosed():
		r.clearCurrent(s.ID)
		r.persist("clear last session id", r.states.ClearLastSessionID)
		r.host.RequestAccountRefresh()
	case s.IsCompleted():
		if r.current == nil {
			r.persist("clear last session id", r.states.ClearLastSessionID)
			return
		}
		r.adopt(s)
	case s.IsValid(r.now()):
		r.adopt(s)
	default:
		r.drop(opPollSession, "", s)
	}
}

func (r *Reconciler) startCreate(in domain.CreateSessionInput) {
	r.epoch++
	r.creating = true
	r.setState(StateCreating)
	go r.create(r.ctx, r.epoch, in)
}

func (r *Reconciler) create(ctx context.Context, epoch uint64, in domain.CreateSessionInput) {
	ctx, span := r.startSpan(ctx, "SessionReconciler.Create")
	span.SetAttributes(attribute.String("flexa.brand", in.Brand))
	defer span.End()

	session, err := retry.DoNotify(ctx, r.cfg.CreatePolicy, func(ctx context.Context) (domain.CommerceSession, error) {
		return r.api.CreateCommerceSession(ctx, in)
	}, func(err error, wait time.Duration) {
		r.log().Warn("create commerce session failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		span.RecordError(err)
		r.post(createResult{epoch: epoch, err: err})
		return
	}
	r.post(createResult{epoch: epoch, session: &session})
}

func (r *Reconciler) onCreated(m createResult) {
	if m.epoch != r.epoch {
		if m.session != nil {
			r.log().Info("discarding late create result", zap.String("session_id", m.session.ID))
		}
		return
	}
	r.creating = false
	if m.err != nil {
		r.reporter.Report(opCreateSession, m.err)
		r.restoreState()
		return
	}

	s := *m.session
	r.legacy[s.ID] = true
	r.localMarker = s.ID
	r.adopt(s)
	if r.state == StatePending || r.state == StateApprovalRequired {
		r.timer.arm()
	}
}

func (r *Reconciler) onEvent(m streamEvent) {
	if m.watch != r.watchGen {
		return
	}
	ev := m.event
	if ev.ID != "" {
		r.persist("persist last event id", func(ctx context.Context) error {
			return r.states.SetLastEventID(ctx, ev.ID)
		})
	}
	switch ev.Kind {
	case domain.EventSessionCreated, domain.EventSessionUpdated, domain.EventSessionCompleted:
	case domain.EventUnknown:
		return
	default:
		return
	}
	if ev.Session == nil {
		return
	}

	s := *ev.Session
	now := r.now()
	tracked := r.current != nil && !r.current.IsCompleted()
	if tracked && r.current.ID != s.ID {
		if ev.Kind == domain.EventSessionCreated && !s.IsCompleted() && s.IsValid(now) {
			r.log().Info("pushed session supersedes current",
				zap.String("previous_id", r.current.ID),
				zap.String("session_id", s.ID),
			)
			r.release(*r.current)
			r.adopt(s)
			return
		}
		r.drop("reconcile_event", ev.ID, s)
		return
	}

	switch {
	case s.IsCompleted():
		if r.current == nil || r.current.ID != s.ID {
			r.drop("reconcile_event", ev.ID, s)
			return
		}
		r.adopt(s)
	case s.IsClosed():
		if r.current == nil || r.current.ID != s.ID {
			return
		}
		r.clearCurrent(s.ID)
		r.persist("clear last session id", r.states.ClearLastSessionID)
		r.host.RequestAccountRefresh()
	case s.IsValid(now):
		r.adopt(s)
	default:
		r.drop("reconcile_event", ev.ID, s)
	}
}

// adopt makes s the current session and evaluates the side effects.
func (r *Reconciler) adopt(s domain.CommerceSession) {
	s.IsLegacy = r.classify(s.ID)
	if r.current != nil && r.current.ID != s.ID {
		r.release(*r.current)
	}
	if r.current == nil || r.current.ID != s.ID {
		r.persist("persist last session id", func(ctx context.Context) error {
			return r.states.SetLastSessionID(ctx, s.ID)
		})
	}
	r.record(s)
	r.current = &s
	r.applySideEffects()
}

func (r *Reconciler) applySideEffects() {
	s := r.current
	if s.IsCompleted() {
		r.complete(*s)
		return
	}

	next := StatePending
	if s.IsLegacy {
		if s.RequiresApproval() {
			next = StateApprovalRequired
			r.approveOnce(s.ID)
		}
		if s.HasManualAuthorization() {
			next = StateAuthorizationReady
			r.timer.stop()
			r.timeoutPrompt = false
		}
		if r.localMarker != "" && r.localMarker == s.ID {
			r.localMarker = ""
			r.host.RequestWalletTransaction(*s)
		}
	}
	r.setState(next)
	r.checkAssetMismatch()
}

func (r *Reconciler) complete(s domain.CommerceSession) {
	r.timer.stop()
	r.timeoutPrompt = false
	r.cancelPatch(s.ID)
	r.completed = &s
	r.setState(StateCompleted)
	r.persist("clear last event id", r.states.ClearLastEventID)
	if !s.IsLegacy {
		r.current = nil
		r.persist("clear last session id", r.states.ClearLastSessionID)
	}
}

// classify reports whether sessionID was started by the legacy flow.
func (r *Reconciler) classify(sessionID string) bool {
	if legacy, ok := r.legacy[sessionID]; ok {
		return legacy
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PersistTimeout)
	defer cancel()
	record, err := r.brands.GetBySessionID(ctx, sessionID)
	switch {
	case err == nil:
		r.legacy[sessionID] = record.Legacy
		return record.Legacy
	case errors.Is(err, domain.ErrNotFound):
		r.legacy[sessionID] = false
		return false
	default:
		r.log().Warn("brand session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
}

// record keeps the BrandSession row in step with the active transaction.
func (r *Reconciler) record(s domain.CommerceSession) {
	tx, _ := s.ActiveTransaction(r.now())
	if prev, ok := r.recorded[s.ID]; ok && (prev == tx.ID || tx.ID == "") {
		return
	}
	r.persist("save brand session", func(ctx context.Context) error {
		_, err := r.brands.Save(ctx, domain.BrandSession{
			SessionID:     s.ID,
			TransactionID: tx.ID,
			Legacy:        s.IsLegacy,
			ExpiresAt:     r.now().Add(brandSessionTTL).UTC(),
		})
		return err
	})
	r.recorded[s.ID] = tx.ID
}

func (r *Reconciler) approveOnce(sessionID string) {
	if _, ok := r.approved[sessionID]; ok {
		return
	}
	r.approved[sessionID] = struct{}{}
	go r.approve(r.ctx, r.epoch, sessionID)
}

func (r *Reconciler) approve(ctx context.Context, epoch uint64, sessionID string) {
	ctx, span := r.startSpan(ctx, "SessionReconciler.Approve")
	span.SetAttributes(attribute.String("flexa.session_id", sessionID))
	defer span.End()

	session, err := retry.Do(ctx, r.cfg.ApprovePolicy, func(ctx context.Context) (domain.CommerceSession, error) {
		return r.api.ApproveCommerceSession(ctx, sessionID)
	})
	if err != nil {
		span.RecordError(err)
		r.post(approveResult{epoch: epoch, sessionID: sessionID, err: err})
		return
	}
	r.post(approveResult{epoch: epoch, sessionID: sessionID, session: &session})
}

func (r *Reconciler) onApproved(m approveResult) {
	if m.err != nil {
		if !errors.Is(m.err, context.Canceled) {
			r.reporter.Report(opApproveSession, m.err)
		}
		return
	}
	if m.epoch != r.epoch || m.session == nil || m.session.ID == "" {
		return
	}
	if r.current == nil || r.current.ID != m.sessionID || m.session.ID != m.sessionID {
		return
	}
	if m.session.IsCompleted() || m.session.IsValid(r.now()) {
		r.adopt(*m.session)
	}
}

func (r *Reconciler) onSelectAsset(asset string) {
	if asset == r.selected.Get() {
		return
	}
	r.selected.Set(asset)

	s := r.current
	if s == nil || s.IsCompleted() || s.CoveredBy(r.balance) {
		return
	}
	tx, ok := s.ActiveTransaction(r.now())
	if !ok {
		return
	}
	if tx.Asset == asset {
		r.cancelPatch(s.ID)
		return
	}
	r.startPatch(s.ID, asset, r.confirmedAsset(s.ID, tx))
}

// confirmedAsset is the asset a failed patch rolls back to: the rollback
// target of a patch still in flight, otherwise the asset the server last
// confirmed for the active transaction.
func (r *Reconciler) confirmedAsset(sessionID string, tx domain.Transaction) string {
	if pending, ok := r.pendingPatch[sessionID]; ok {
		return pending.restore
	}
	return tx.Asset
}

func (r *Reconciler) checkAssetMismatch() {
	s := r.current
	if s == nil || s.IsCompleted() || s.CoveredBy(r.balance) {
		return
	}
	selected := r.selected.Get()
	if selected == "" {
		return
	}
	tx, ok := s.ActiveTransaction(r.now())
	if !ok || tx.Asset == selected {
		return
	}
	r.startPatch(s.ID, selected, r.confirmedAsset(s.ID, tx))
}

// pendingPatch is the patch in flight for a session and the confirmed asset
// restored if it fails.
type pendingPatch struct {
	asset   string
	restore string
}

func (r *Reconciler) startPatch(sessionID, asset, restore string) {
	if pending, ok := r.pendingPatch[sessionID]; ok && pending.asset == asset {
		return
	}
	r.pendingPatch[sessionID] = pendingPatch{asset: asset, restore: restore}
	r.patcher.Patch(r.ctx, sessionID, asset, restore)
}

func (r *Reconciler) cancelPatch(sessionID string) {
	if _, ok := r.pendingPatch[sessionID]; !ok {
		return
	}
	r.patcher.Cancel(sessionID)
	delete(r.pendingPatch, sessionID)
}

func (r *Reconciler) onPatched(res PatchResult) {
	if pending, ok := r.pendingPatch[res.SessionID]; !ok || pending.asset != res.Asset {
		return
	}
	delete(r.pendingPatch, res.SessionID)

	if res.Err != nil {
		if r.selected.Get() == res.Asset {
			r.selected.Set(res.Previous)
		}
		// The session may have moved while the patch ran.
		r.checkAssetMismatch()
		return
	}
	if res.Session == nil || r.current == nil || r.current.ID != res.SessionID {
		return
	}
	if res.Session.IsCompleted() || res.Session.IsValid(r.now()) {
		r.adopt(*res.Session)
	}
}

func (r *Reconciler) onTimeout(gen uint64) {
	if !r.timer.expired(gen) {
		return
	}
	if r.current == nil || r.current.IsCompleted() {
		return
	}
	r.timeoutPrompt = true
}

func (r *Reconciler) onKeepWaiting() {
	if r.current == nil || r.current.IsCompleted() {
		return
	}
	r.timeoutPrompt = false
	r.timer.arm()
}

func (r *Reconciler) close(op string, done chan struct{}) {
	remote := false
	defer func() {
		if done != nil && !remote {
			close(done)
		}
	}()

	r.epoch++
	r.creating = false
	r.localMarker = ""
	r.persist("clear last session id", r.states.ClearLastSessionID)

	s := r.current
	r.current = nil
	r.timer.stop()
	r.timeoutPrompt = false
	r.setState(StateClosed)
	if s == nil {
		return
	}
	r.cancelPatch(s.ID)
	r.log().Info("session closed", zap.String("session_id", s.ID), zap.String("op", op), zap.Bool("legacy", s.IsLegacy))
	if !s.IsLegacy && !s.IsClosed() && !s.IsCompleted() {
		remote = true
		go r.closeRemote(s.ID, done)
	}
}

// closeRemote runs detached from the reconciler so shutdown does not abort it.
// done, if not nil, is closed on return.
func (r *Reconciler) closeRemote(sessionID string, done chan struct{}) {
	if done != nil {
		defer close(done)
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeBudget)
	defer cancel()
	ctx, span := r.startSpan(ctx, "SessionReconciler.Close")
	span.SetAttributes(attribute.String("flexa.session_id", sessionID))
	defer span.End()

	_, err := retry.Do(ctx, r.cfg.ClosePolicy, func(ctx context.Context) (domain.CommerceSession, error) {
		return r.api.CloseCommerceSession(ctx, sessionID)
	})
	if err != nil {
		span.RecordError(err)
		r.reporter.Report(opCloseSession, err)
	}
}

// clearCurrent forgets sessionID after it was closed server side.
func (r *Reconciler) clearCurrent(sessionID string) {
	if r.current != nil && r.current.ID == sessionID {
		r.release(*r.current)
		r.current = nil
		r.setState(StateClosed)
	}
}

// release stops everything tied to s before it stops being current.
func (r *Reconciler) release(s domain.CommerceSession) {
	r.timer.stop()
	r.timeoutPrompt = false
	r.cancelPatch(s.ID)
	if r.localMarker == s.ID {
		r.localMarker = ""
	}
}

func (r *Reconciler) restoreState() {
	switch {
	case r.current == nil:
		r.setState(StateIdle)
	default:
		r.applySideEffects()
	}
}

func (r *Reconciler) drop(op, eventID string, s domain.CommerceSession) {
	err := domain.NewValidationError(op, "session is not valid for the current state")
	r.log().Warn("dropping session payload",
		zap.String("session_id", s.ID),
		zap.String("event_id", eventID),
		zap.String("status", string(s.Status)),
		zap.Error(err),
	)
}

func (r *Reconciler) setState(s State) {
	if r.state == s {
		return
	}
	r.state = s
	r.metrics.SessionState(s.String())
}

func (r *Reconciler) publish() {
	snap := Snapshot{
		State:           r.state,
		InProgress:      r.creating || (r.current != nil && !r.current.IsCompleted()),
		TimeoutPrompt:   r.timeoutPrompt,
		PatchInProgress: len(r.pendingPatch) > 0,
	}
	if r.current != nil {
		current := *r.current
		snap.Session = &current
	}
	if r.completed != nil {
		completed := *r.completed
		snap.Completed = &completed
	}
	r.snapshot.Set(snap)
}

func (r *Reconciler) persist(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PersistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.log().Warn("session state persistence failed", zap.String("op", op), zap.Error(err))
	}
}

func (r *Reconciler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, name)
}

func (r *Reconciler) log() *zap.Logger {
	if r.logger != nil {
		return r.logger
	}
	return zap.L()
}
