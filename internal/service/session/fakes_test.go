package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/retry"
)

type fakeAPI struct {
	mu sync.Mutex

	getFn     func(ctx context.Context, id string) (domain.CommerceSession, error)
	createFn  func(ctx context.Context, in domain.CreateSessionInput) (domain.CommerceSession, error)
	patchFn   func(ctx context.Context, id, asset string) (domain.CommerceSession, error)
	closeFn   func(ctx context.Context, id string) (domain.CommerceSession, error)
	approveFn func(ctx context.Context, id string) (domain.CommerceSession, error)

	gets     int
	creates  int
	patches  []string
	closes   []string
	approves []string
	confirms map[string]string
}

func (f *fakeAPI) GetCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error) {
	f.mu.Lock()
	f.gets++
	fn := f.getFn
	f.mu.Unlock()
	if fn == nil {
		return domain.CommerceSession{}, domain.ErrNotFound
	}
	return fn(ctx, id)
}

func (f *fakeAPI) CreateCommerceSession(ctx context.Context, in domain.CreateSessionInput) (domain.CommerceSession, error) {
	f.mu.Lock()
	f.creates++
	fn := f.createFn
	f.mu.Unlock()
	return fn(ctx, in)
}

func (f *fakeAPI) PatchCommerceSession(ctx context.Context, id, asset string) (domain.CommerceSession, error) {
	f.mu.Lock()
	f.patches = append(f.patches, asset)
	fn := f.patchFn
	f.mu.Unlock()
	if fn == nil {
		return pendingSession(id, asset), nil
	}
	return fn(ctx, id, asset)
}

func (f *fakeAPI) CloseCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error) {
	f.mu.Lock()
	f.closes = append(f.closes, id)
	fn := f.closeFn
	f.mu.Unlock()
	if fn == nil {
		return domain.CommerceSession{ID: id, Status: domain.SessionClosed}, nil
	}
	return fn(ctx, id)
}

func (f *fakeAPI) ApproveCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error) {
	f.mu.Lock()
	f.approves = append(f.approves, id)
	fn := f.approveFn
	f.mu.Unlock()
	if fn == nil {
		return domain.CommerceSession{}, nil
	}
	return fn(ctx, id)
}

func (f *fakeAPI) ConfirmTransaction(_ context.Context, transactionID, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirms == nil {
		f.confirms = make(map[string]string)
	}
	f.confirms[transactionID] = signature
	return nil
}

func (f *fakeAPI) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeAPI) patchCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.patches...)
}

func (f *fakeAPI) closeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closes...)
}

func (f *fakeAPI) approveCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.approves...)
}

type fakeEvents struct {
	ch chan domain.StreamEvent

	mu      sync.Mutex
	cursors []string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{ch: make(chan domain.StreamEvent, 16)}
}

func (f *fakeEvents) Subscribe(ctx context.Context, lastEventID string) <-chan domain.StreamEvent {
	f.mu.Lock()
	f.cursors = append(f.cursors, lastEventID)
	f.mu.Unlock()

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeEvents) push(kind domain.EventKind, id string, s domain.CommerceSession) {
	f.ch <- domain.StreamEvent{Kind: kind, ID: id, Session: &s}
}

type memState struct {
	mu          sync.Mutex
	lastSession string
	lastEvent   string
}

func (m *memState) LastSessionID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSession, nil
}

func (m *memState) SetLastSessionID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSession = id
	return nil
}

func (m *memState) ClearLastSessionID(context.Context) error {
	return m.SetLastSessionID(context.Background(), "")
}

func (m *memState) LastEventID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEvent, nil
}

func (m *memState) SetLastEventID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEvent = id
	return nil
}

func (m *memState) ClearLastEventID(context.Context) error {
	return m.SetLastEventID(context.Background(), "")
}

func (m *memState) session() string {
	id, _ := m.LastSessionID(context.Background())
	return id
}

func (m *memState) event() string {
	id, _ := m.LastEventID(context.Background())
	return id
}

type memBrands struct {
	mu   sync.Mutex
	rows map[string]domain.BrandSession
	next int64
}

func newMemBrands() *memBrands {
	return &memBrands{rows: make(map[string]domain.BrandSession)}
}

func (m *memBrands) Save(_ context.Context, record domain.BrandSession) (domain.BrandSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[record.SessionID]; ok {
		record.ID = existing.ID
		record.Legacy = record.Legacy || existing.Legacy
		if record.TransactionID == "" {
			record.TransactionID = existing.TransactionID
		}
	} else {
		m.next++
		record.ID = m.next
	}
	m.rows[record.SessionID] = record
	return record, nil
}

func (m *memBrands) GetBySessionID(_ context.Context, sessionID string) (domain.BrandSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.rows[sessionID]
	if !ok {
		return domain.BrandSession{}, domain.ErrNotFound
	}
	return record, nil
}

func (m *memBrands) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type recordingHost struct {
	mu        sync.Mutex
	refreshes int
	wallet    []domain.CommerceSession
}

func (h *recordingHost) RequestAccountRefresh() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
}

func (h *recordingHost) RequestWalletTransaction(s domain.CommerceSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wallet = append(h.wallet, s)
}

func (h *recordingHost) refreshCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes
}

func (h *recordingHost) walletRequests() []domain.CommerceSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.CommerceSession(nil), h.wallet...)
}

type recordingReporter struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (r *recordingReporter) Report(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) reported() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...), append([]error(nil), r.errs...)
}

type harness struct {
	r        *Reconciler
	api      *fakeAPI
	events   *fakeEvents
	state    *memState
	brands   *memBrands
	host     *recordingHost
	reporter *recordingReporter
}

func testConfig() Config {
	fast := retry.Policy{MaxAttempts: 3, Delay: time.Millisecond}
	return Config{
		CompletionTimeout: time.Hour,
		PatchTimeout:      time.Second,
		PollPolicy:        fast,
		CreatePolicy:      retry.Policy{MaxAttempts: 5, Delay: time.Millisecond},
		PatchPolicy:       fast,
		ClosePolicy:       fast,
		ApprovePolicy:     fast,
	}
}

func newHarness(t *testing.T, api *fakeAPI, mutate func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		api:      api,
		events:   newFakeEvents(),
		state:    &memState{},
		brands:   newMemBrands(),
		host:     &recordingHost{},
		reporter: &recordingReporter{},
	}
	h.r = NewReconciler(Deps{
		API:           api,
		Events:        h.events,
		State:         h.state,
		BrandSessions: h.brands,
		Host:          h.host,
		Reporter:      h.reporter,
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.r.patcher.wait()
	})
	return h
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.r.Sync(ctx))
}

func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var last Snapshot
	require.Eventually(t, func() bool {
		last = h.r.Snapshot().Get()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond, "last snapshot: %+v", last)
	return last
}

func (h *harness) create(t *testing.T, asset string) {
	t.Helper()
	require.NoError(t, h.r.CreateSession(context.Background(), domain.CreateSessionInput{
		Brand:  "B",
		Amount: "5.00",
		Asset:  asset,
	}))
}

func pendingSession(id, asset string) domain.CommerceSession {
	return domain.CommerceSession{
		ID:            id,
		Status:        domain.SessionPending,
		Amount:        decimal.RequireFromString("5.00"),
		UnitOfAccount: "iso4217/USD",
		Brand:         domain.Brand{ID: "B", Name: "Brand"},
		Transactions: []domain.Transaction{{
			ID:        "tx_" + id,
			Status:    domain.TransactionRequested,
			Asset:     asset,
			ExpiresAt: time.Now().Add(time.Hour),
		}},
	}
}

func withStatus(s domain.CommerceSession, status domain.SessionStatus) domain.CommerceSession {
	s.Status = status
	return s
}

func sessionIs(id string, state State) func(Snapshot) bool {
	return func(s Snapshot) bool {
		return s.State == state && s.Session != nil && s.Session.ID == id
	}
}
