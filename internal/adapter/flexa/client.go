package flexa

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

// DefaultQuoteTTL is how long an asset converter quote is reused.
const DefaultQuoteTTL = 25 * time.Second

// PageParams paginates list endpoints.
type PageParams struct {
	Limit         int
	StartingAfter string
}

func (p PageParams) values() url.Values {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.StartingAfter != "" {
		q.Set("starting_after", p.StartingAfter)
	}
	return q
}

// BrandQuery filters GET /brands.
type BrandQuery struct {
	PageParams
	Query string
}

// QuoteRequest is the body of PUT /asset_converter.
type QuoteRequest struct {
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	UnitOfAccount string `json:"unit_of_account"`
}

type sessionPreferences struct {
	PaymentAsset string `json:"payment_asset"`
}

type createSessionBody struct {
	Brand       string              `json:"brand"`
	Amount      string              `json:"amount"`
	Asset       string              `json:"asset"`
	Preferences *sessionPreferences `json:"preferences,omitempty"`
}

type patchSessionBody struct {
	Preferences sessionPreferences `json:"preferences"`
}

type confirmTransactionBody struct {
	Signature string `json:"signature"`
}

// Client is the typed platform API.
type Client struct {
	t      *Transport
	quotes *expirable.LRU[QuoteRequest, domain.Quote]
}

// NewClient constructs a Client. ttl <= 0 uses DefaultQuoteTTL.
func NewClient(t *Transport, quoteTTL time.Duration) *Client {
	if quoteTTL <= 0 {
		quoteTTL = DefaultQuoteTTL
	}
	return &Client{
		t:      t,
		quotes: expirable.NewLRU[QuoteRequest, domain.Quote](128, nil, quoteTTL),
	}
}

// GetAccount loads the current account. A success also restores the
// can-spend flag.
func (c *Client) GetAccount(ctx context.Context) (domain.Account, error) {
	op := "get_account"
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodGet, Path: "/accounts/me"})
	if err != nil {
		return domain.Account{}, err
	}
	account, err := decode[domain.Account](op, resp)
	if err != nil {
		return domain.Account{}, err
	}
	c.t.conn.markCanSpend()
	return account, nil
}

// InitiateAccountDeletion asks the platform to start deleting the account.
func (c *Client) InitiateAccountDeletion(ctx context.Context) error {
	_, err := c.t.Execute(ctx, Request{Op: "initiate_account_deletion", Method: http.MethodPost, Path: "/accounts/me/initiate_deletion"})
	return err
}

// PutAppAccounts replaces the wallet's app accounts.
func (c *Client) PutAppAccounts(ctx context.Context, accounts []domain.AppAccount) (domain.AppAccountsPage, error) {
	op := "put_app_accounts"
	if accounts == nil {
		accounts = []domain.AppAccount{}
	}
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodPut, Path: "/accounts/me/app_accounts", Body: accounts})
	if err != nil {
		return domain.AppAccountsPage{}, err
	}
	page, err := decode[domain.AppAccountsPage](op, resp)
	if err != nil {
		return domain.AppAccountsPage{}, err
	}
	if raw := resp.Header.Get("Date"); raw != "" {
		if date, err := http.ParseTime(raw); err == nil {
			page.Date = date
		}
	}
	return page, nil
}

// ListAssets pages through the supported assets.
func (c *Client) ListAssets(ctx context.Context, params PageParams) (domain.Page[domain.Asset], error) {
	op := "list_assets"
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodGet, Path: "/assets", Query: params.values()})
	if err != nil {
		return domain.Page[domain.Asset]{}, err
	}
	return decode[domain.Page[domain.Asset]](op, resp)
}

// GetAsset loads one asset.
func (c *Client) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	op := "get_asset"
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodGet, Path: "/assets/" + url.PathEscape(id)})
	if err != nil {
		return domain.Asset{}, err
	}
	return decode[domain.Asset](op, resp)
}

// ListBrands pages through brands, optionally filtered by a search query.
func (c *Client) ListBrands(ctx context.Context, query BrandQuery) (domain.Page[domain.Brand], error) {
	op := "list_brands"
	q := query.values()
	if query.Query != "" {
		q.Set("query", query.Query)
	}
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodGet, Path: "/brands", Query: q})
	if err != nil {
		return domain.Page[domain.Brand]{}, err
	}
	return decode[domain.Page[domain.Brand]](op, resp)
}

// CreateCommerceSession opens a session. Anything but 201 is a failure.
func (c *Client) CreateCommerceSession(ctx context.Context, in domain.CreateSessionInput) (domain.CommerceSession, error) {
	op := "create_commerce_session"
	if _, err := decimal.NewFromString(in.Amount); err != nil {
		return domain.CommerceSession{}, domain.NewValidationError(op, fmt.Sprintf("invalid amount %q", in.Amount))
	}
	body := createSessionBody{Brand: in.Brand, Amount: in.Amount, Asset: in.Asset}
	if in.PaymentAsset != "" {
		body.Preferences = &sessionPreferences{PaymentAsset: in.PaymentAsset}
	}
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodPost, Path: "/commerce_sessions", Body: body})
	if err != nil {
		return domain.CommerceSession{}, err
	}
	if resp.Status != http.StatusCreated {
		return domain.CommerceSession{}, domain.NewProtocolError(op, resp.Status, "", "unexpected status")
	}
	return decode[domain.CommerceSession](op, resp)
}

// GetCommerceSession loads a session by id.
func (c *Client) GetCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error) {
	op := "get_commerce_session"
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodGet, Path: sessionPath(id)})
	if err != nil {
		return domain.CommerceSession{}, err
	}
	return decode[domain.CommerceSession](op, resp)
}

// PatchCommerceSession changes the session's payment asset.
func (c *Client) PatchCommerceSession(ctx context.Context, id, paymentAsset string) (domain.CommerceSession, error) {
	op := "patch_commerce_session"
	body := patchSessionBody{Preferences: sessionPreferences{PaymentAsset: paymentAsset}}
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodPatch, Path: sessionPath(id), Body: body})
	if err != nil {
		return domain.CommerceSession{}, err
	}
	return decode[domain.CommerceSession](op, resp)
}

// CloseCommerceSession closes a session server side.
func (c *Client) CloseCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error) {
	op := "close_commerce_session"
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodPost, Path: sessionPath(id) + "/close"})
	if err != nil {
		return domain.CommerceSession{}, err
	}
	return decodeOptional[domain.CommerceSession](op, resp)
}

// ApproveCommerceSession performs the approval step of a requested session.
func (c *Client) ApproveCommerceSession(ctx context.Context, id string) (domain.CommerceSession, error) {
	op := "approve_commerce_session"
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodPost, Path: sessionPath(id) + "/approve"})
	if err != nil {
		return domain.CommerceSession{}, err
	}
	return decodeOptional[domain.CommerceSession](op, resp)
}

// ConfirmTransaction submits the wallet's signature for a transaction.
func (c *Client) ConfirmTransaction(ctx context.Context, transactionID, signature string) error {
	_, err := c.t.Execute(ctx, Request{
		Op:     "confirm_transaction",
		Method: http.MethodPatch,
		Path:   "/transactions/" + url.PathEscape(transactionID),
		Body:   confirmTransactionBody{Signature: signature},
	})
	return err
}

// ConvertAsset quotes amount of unitOfAccount in asset. Identical requests
// within the quote TTL are served from memory.
func (c *Client) ConvertAsset(ctx context.Context, in QuoteRequest) (domain.Quote, error) {
	if quote, ok := c.quotes.Get(in); ok {
		return quote, nil
	}
	op := "convert_asset"
	resp, err := c.t.Execute(ctx, Request{Op: op, Method: http.MethodPut, Path: "/asset_converter", Body: in})
	if err != nil {
		return domain.Quote{}, err
	}
	quote, err := decode[domain.Quote](op, resp)
	if err != nil {
		return domain.Quote{}, err
	}
	c.quotes.Add(in, quote)
	return quote, nil
}

// CanSpend exposes the region capability flag.
func (c *Client) CanSpend() bool {
	return c.t.conn.canSpend.Get()
}

func sessionPath(id string) string {
	return "/commerce_sessions/" + url.PathEscape(id)
}

// decodeOptional tolerates an empty 2xx body.
func decodeOptional[T any](op string, resp *Response) (T, error) {
	if len(resp.Body) == 0 {
		var zero T
		return zero, nil
	}
	return decode[T](op, resp)
}
