package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/adapter/cache"
	"github.com/flexa/flexa-android-sub000/internal/adapter/flexa"
	"github.com/flexa/flexa-android-sub000/internal/config"
	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/engine"
	bridgehttp "github.com/flexa/flexa-android-sub000/internal/http"
	httpHandler "github.com/flexa/flexa-android-sub000/internal/http/handler"
	"github.com/flexa/flexa-android-sub000/internal/service/session"
	"github.com/flexa/flexa-android-sub000/internal/telemetry"
	"github.com/flexa/flexa-android-sub000/internal/token"
)

const testBridgeToken = "bridge-secret"

type catalogStub struct{}

func (catalogStub) GetAccount(context.Context) (domain.Account, error) {
	return domain.Account{ID: "acct_1", Name: "Ada"}, nil
}

func (catalogStub) InitiateAccountDeletion(context.Context) error { return nil }

func (catalogStub) PutAppAccounts(_ context.Context, accounts []domain.AppAccount) (domain.AppAccountsPage, error) {
	return domain.AppAccountsPage{Data: accounts, Date: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}, nil
}

func (catalogStub) ListAssets(_ context.Context, params flexa.PageParams) (domain.Page[domain.Asset], error) {
	return domain.Page[domain.Asset]{Data: []domain.Asset{{ID: "A1", Symbol: "ETH"}}, HasMore: params.Limit == 1}, nil
}

func (catalogStub) GetAsset(_ context.Context, id string) (domain.Asset, error) {
	if id == "missing" {
		return domain.Asset{}, domain.NewProtocolError("get_asset", http.StatusNotFound, "not_found", "No such asset")
	}
	return domain.Asset{ID: id}, nil
}

func (catalogStub) ListBrands(_ context.Context, q flexa.BrandQuery) (domain.Page[domain.Brand], error) {
	return domain.Page[domain.Brand]{Data: []domain.Brand{{ID: "b1", Name: q.Query}}}, nil
}

func (catalogStub) ConvertAsset(_ context.Context, in flexa.QuoteRequest) (domain.Quote, error) {
	return domain.Quote{Asset: in.Asset}, nil
}

type authStub struct {
	mu            sync.Mutex
	authenticated bool
}

func (a *authStub) Restore(context.Context) error { return nil }

func (a *authStub) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

func (a *authStub) Login(_ context.Context, email string, _ token.Device) (domain.TokenStatus, error) {
	return domain.TokenStatus{ID: "tok_1", Status: "requires_verification"}, nil
}

func (a *authStub) Verify(context.Context, string, string) (domain.AuthToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authenticated = true
	return domain.AuthToken{ID: "tok_1", Value: "secret", Scope: domain.ScopeAPI}, nil
}

func (a *authStub) Logout(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authenticated = false
	return nil
}

type sessionsStub struct {
	mu       sync.Mutex
	confirms []string
}

func (*sessionsStub) GetCommerceSession(context.Context, string) (domain.CommerceSession, error) {
	return domain.CommerceSession{}, domain.ErrNotFound
}

func (*sessionsStub) CreateCommerceSession(_ context.Context, in domain.CreateSessionInput) (domain.CommerceSession, error) {
	return domain.CommerceSession{
		ID:            "cs_1",
		Status:        domain.SessionPending,
		Amount:        decimal.RequireFromString(in.Amount),
		UnitOfAccount: in.Asset,
		Brand:         domain.Brand{ID: in.Brand},
		Transactions: []domain.Transaction{{
			ID:        "tx_1",
			Status:    domain.TransactionRequested,
			Asset:     "A1",
			ExpiresAt: time.Now().Add(time.Hour),
		}},
	}, nil
}

func (*sessionsStub) PatchCommerceSession(context.Context, string, string) (domain.CommerceSession, error) {
	return domain.CommerceSession{}, domain.ErrNotFound
}

func (*sessionsStub) CloseCommerceSession(context.Context, string) (domain.CommerceSession, error) {
	return domain.CommerceSession{}, nil
}

func (*sessionsStub) ApproveCommerceSession(context.Context, string) (domain.CommerceSession, error) {
	return domain.CommerceSession{}, nil
}

func (s *sessionsStub) ConfirmTransaction(_ context.Context, txID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms = append(s.confirms, txID+":"+signature)
	return nil
}

type quietEvents struct{}

func (quietEvents) Subscribe(ctx context.Context, _ string) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}

type bridgeFixture struct {
	router   *gin.Engine
	engine   *engine.Engine
	sessions *sessionsStub
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	store := cache.NewRedisStore(client, "")

	sessions := &sessionsStub{}
	e := engine.New(engine.Deps{
		Catalog:       catalogStub{},
		Auth:          &authStub{},
		Sessions:      sessions,
		Events:        quietEvents{},
		State:         store,
		Preferences:   store,
		BrandSessions: cache.NewRedisBrandSessionRepo(client, node, ""),
		DeviceModel:   "test",
		Logger:        zap.NewNop(),
	}, session.DefaultConfig())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, e.Stop(ctx))
	})

	cfg := config.Config{ServiceName: "flexa-spend-test", BridgeToken: testBridgeToken}
	router := bridgehttp.NewRouter(cfg, httpHandler.NewBridgeHandler(e), telemetry.NewMetrics("flexa-spend-test"), nil, zap.NewNop())
	return &bridgeFixture{router: router, engine: e, sessions: sessions}
}

func (f *bridgeFixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testBridgeToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	res := w.Result()
	raw, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	return res.StatusCode, string(raw)
}

func TestBridgeRequiresToken(t *testing.T) {
	f := newBridgeFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_token", gjson.Get(w.Body.String(), "error").String())

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestBridgeCreateSessionPublishesSnapshot(t *testing.T) {
	f := newBridgeFixture(t)

	status, body := f.do(t, http.MethodPost, "/v1/sessions", `{"brand":"b1","amount":"5.00","asset":"iso4217/USD"}`)
	require.Equal(t, http.StatusAccepted, status, body)

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/v1/session", "")
		return gjson.Get(body, "session.id").String() == "cs_1"
	}, time.Second, 10*time.Millisecond)

	_, body = f.do(t, http.MethodGet, "/v1/session", "")
	require.Equal(t, "pending", gjson.Get(body, "state").String())
	require.Equal(t, "cs_1", gjson.Get(body, "wallet_request.id").String())

	status, body = f.do(t, http.MethodPost, "/v1/session/confirm", `{"signature":"0xsig"}`)
	require.Equal(t, http.StatusNoContent, status, body)
	require.Equal(t, []string{"tx_1:0xsig"}, f.sessions.confirms)

	status, _ = f.do(t, http.MethodPost, "/v1/session/close", "")
	require.Equal(t, http.StatusAccepted, status)
	require.NoError(t, f.engine.Sessions().Sync(context.Background()))
	_, body = f.do(t, http.MethodGet, "/v1/session", "")
	require.Equal(t, "closed", gjson.Get(body, "state").String())
}

func TestBridgeRejectsInvalidInput(t *testing.T) {
	f := newBridgeFixture(t)

	status, body := f.do(t, http.MethodPost, "/v1/sessions", `{"brand":"b1","amount":"five","asset":"iso4217/USD"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_request", gjson.Get(body, "error").String())

	status, body = f.do(t, http.MethodPost, "/v1/sessions", `{"amount":"5","asset":"iso4217/USD"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation_error", gjson.Get(body, "error").String())

	status, _ = f.do(t, http.MethodGet, "/v1/assets?limit=500", "")
	require.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/v1/session/confirm", `{"signature":"0xsig"}`)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "no_session", gjson.Get(body, "error").String())
}

func TestBridgeWatchRequiresLogin(t *testing.T) {
	f := newBridgeFixture(t)

	status, body := f.do(t, http.MethodPost, "/v1/watch", "")
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "not_authenticated", gjson.Get(body, "error").String())

	status, body = f.do(t, http.MethodPost, "/v1/login", `{"email":"ada@example.com"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "requires_verification", gjson.Get(body, "status").String())

	status, body = f.do(t, http.MethodPost, "/v1/login/verify", `{"code":"123456"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "api", gjson.Get(body, "scope").String())
	require.NotContains(t, body, "secret")

	status, _ = f.do(t, http.MethodPost, "/v1/watch", "")
	require.Equal(t, http.StatusAccepted, status)

	status, _ = f.do(t, http.MethodDelete, "/v1/login", "")
	require.Equal(t, http.StatusNoContent, status)
}

func TestBridgeCatalogRoutes(t *testing.T) {
	f := newBridgeFixture(t)

	status, body := f.do(t, http.MethodGet, "/v1/assets?limit=1", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ETH", gjson.Get(body, "data.0.symbol").String())

	status, body = f.do(t, http.MethodGet, "/v1/assets/missing", "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", gjson.Get(body, "error").String())

	status, body = f.do(t, http.MethodGet, "/v1/brands?query=coffee", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "coffee", gjson.Get(body, "data.0.name").String())

	status, _ = f.do(t, http.MethodPut, "/v1/brands/pinned", `{"data":["b1","b2"]}`)
	require.Equal(t, http.StatusNoContent, status)
	_, body = f.do(t, http.MethodGet, "/v1/brands/pinned", "")
	var pinned struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &pinned))
	require.Equal(t, []string{"b1", "b2"}, pinned.Data)

	status, body = f.do(t, http.MethodPost, "/v1/quotes", `{"amount":"10","asset":"A1","unit_of_account":"iso4217/USD"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "A1", gjson.Get(body, "asset").String())

	status, _ = f.do(t, http.MethodGet, "/v1/errors/last", "")
	require.Equal(t, http.StatusNoContent, status)
}

func TestBridgeAccountRoutes(t *testing.T) {
	f := newBridgeFixture(t)

	status, body := f.do(t, http.MethodGet, "/v1/account", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "acct_1", gjson.Get(body, "id").String())

	status, body = f.do(t, http.MethodGet, "/v1/can-spend", "")
	require.Equal(t, http.StatusOK, status)
	require.True(t, gjson.Get(body, "can_spend").Bool())

	status, _ = f.do(t, http.MethodPut, "/v1/account/balance", `{"amount":"25","asset":"iso4217/USD"}`)
	require.Equal(t, http.StatusNoContent, status)

	req := httptest.NewRequest(http.MethodPut, "/v1/account/app_accounts", strings.NewReader(`[{"account_id":"w1","available_assets":[]}]`))
	req.Header.Set("Authorization", "Bearer "+testBridgeToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Fri, 02 Jan 2026 03:04:05 GMT", w.Header().Get("Date"))
	require.Equal(t, "w1", gjson.Get(w.Body.String(), "data.0.account_id").String())

	status, _ = f.do(t, http.MethodDelete, "/v1/account", "")
	require.Equal(t, http.StatusAccepted, status)
}
