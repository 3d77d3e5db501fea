package flexa

import (
	"context"
	"net/http"
	"net/url"

	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/token"
)

// TokenClient calls the token endpoints authenticated with the publishable
// key. It never retries on auth rejection.
type TokenClient struct {
	conn *Conn
	key  string
}

var _ token.Client = (*TokenClient)(nil)

// NewTokenClient constructs a TokenClient.
func NewTokenClient(conn *Conn, publishableKey string) *TokenClient {
	return &TokenClient{conn: conn, key: publishableKey}
}

// CreateToken starts a login (POST /tokens).
func (c *TokenClient) CreateToken(ctx context.Context, in domain.CreateTokenInput) (domain.TokenStatus, error) {
	resp, err := c.do(ctx, Request{Op: "create_token", Method: http.MethodPost, Path: "/tokens", Body: in})
	if err != nil {
		return domain.TokenStatus{}, err
	}
	return decode[domain.TokenStatus]("create_token", resp)
}

// PatchToken verifies or refreshes a token (PATCH /tokens/{id}).
func (c *TokenClient) PatchToken(ctx context.Context, id string, in domain.PatchTokenInput) (domain.AuthToken, error) {
	op := "patch_token"
	resp, err := c.do(ctx, Request{Op: op, Method: http.MethodPatch, Path: "/tokens/" + url.PathEscape(id), Body: in})
	if err != nil {
		return domain.AuthToken{}, err
	}
	return decode[domain.AuthToken](op, resp)
}

// DeleteToken revokes a token (DELETE /tokens/{id}).
func (c *TokenClient) DeleteToken(ctx context.Context, id string) error {
	_, err := c.do(ctx, Request{Op: "delete_token", Method: http.MethodDelete, Path: "/tokens/" + url.PathEscape(id)})
	return err
}

func (c *TokenClient) do(ctx context.Context, req Request) (*Response, error) {
	payload, err := encodeBody(req.Op, req.Body)
	if err != nil {
		return nil, err
	}
	_, resp, err := c.conn.roundTrip(ctx, req, payload, c.key, false)
	if err != nil {
		return nil, err
	}
	if isAuthRejection(resp.Status) {
		return nil, domain.NewAuthError(req.Op, resp.Status)
	}
	if err := checkStatus(req.Op, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
