package flexa

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

// TokenSource supplies the credential for authenticated requests.
type TokenSource interface {
	Token() string
	EnsureFresh(ctx context.Context) error
	// ForceRefresh replaces rejected, the credential a request was refused
	// with, unless it was already replaced.
	ForceRefresh(ctx context.Context, rejected string) (string, error)
}

// Transport executes authenticated platform requests. A 401 or 403 is
// answered with exactly one forced refresh and one resend.
type Transport struct {
	conn   *Conn
	tokens TokenSource
}

// NewTransport constructs a Transport.
func NewTransport(conn *Conn, tokens TokenSource) *Transport {
	return &Transport{conn: conn, tokens: tokens}
}

// Conn returns the underlying connection.
func (t *Transport) Conn() *Conn {
	return t.conn
}

// Execute sends req and returns the read response. Non-2xx statuses are
// returned as classified errors.
func (t *Transport) Execute(ctx context.Context, req Request) (*Response, error) {
	payload, err := encodeBody(req.Op, req.Body)
	if err != nil {
		return nil, err
	}
	credential, err := t.credential(ctx, req.Op)
	if err != nil {
		return nil, err
	}

	_, resp, err := t.conn.roundTrip(ctx, req, payload, credential, false)
	if err != nil {
		return nil, err
	}
	if isAuthRejection(resp.Status) {
		credential, err = t.reauthenticate(ctx, req.Op, resp.Status, credential)
		if err != nil {
			return nil, err
		}
		_, resp, err = t.conn.roundTrip(ctx, req, payload, credential, false)
		if err != nil {
			return nil, err
		}
		if isAuthRejection(resp.Status) {
			return nil, domain.NewAuthError(req.Op, resp.Status)
		}
	}
	if err := checkStatus(req.Op, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Open starts a streaming request with keep-alive headers. On success the
// caller owns the returned body.
func (t *Transport) Open(ctx context.Context, req Request) (*http.Response, error) {
	credential, err := t.credential(ctx, req.Op)
	if err != nil {
		return nil, err
	}

	live, resp, err := t.conn.roundTrip(ctx, req, nil, credential, true)
	if err != nil {
		return nil, err
	}
	if live != nil {
		return live, nil
	}
	if isAuthRejection(resp.Status) {
		credential, err = t.reauthenticate(ctx, req.Op, resp.Status, credential)
		if err != nil {
			return nil, err
		}
		live, resp, err = t.conn.roundTrip(ctx, req, nil, credential, true)
		if err != nil {
			return nil, err
		}
		if live != nil {
			return live, nil
		}
		if isAuthRejection(resp.Status) {
			return nil, domain.NewAuthError(req.Op, resp.Status)
		}
	}
	return nil, checkStatus(req.Op, resp)
}

// credential refreshes an expiring token first. A failed refresh is logged
// and the stale token is still used.
func (t *Transport) credential(ctx context.Context, op string) (string, error) {
	if err := t.tokens.EnsureFresh(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", domain.NewTransportError(op, ctxErr)
		}
		t.conn.log().Warn("token refresh before request failed", zap.String("op", op), zap.Error(err))
	}
	token := t.tokens.Token()
	if token == "" {
		return "", &domain.Error{Kind: domain.KindAuth, Op: op, Err: domain.ErrNotAuthenticated}
	}
	return token, nil
}

func (t *Transport) reauthenticate(ctx context.Context, op string, status int, rejected string) (string, error) {
	t.conn.opts.Metrics.AuthRetry()
	token, err := t.tokens.ForceRefresh(ctx, rejected)
	if err != nil {
		authErr := domain.NewAuthError(op, status)
		authErr.Err = fmt.Errorf("force refresh: %w", err)
		return "", authErr
	}
	return token, nil
}

// IsNotFound reports whether err is a 404 ProtocolError.
func IsNotFound(err error) bool {
	var e *domain.Error
	return errors.As(err, &e) && e.Kind == domain.KindProtocol && e.Status == http.StatusNotFound
}
