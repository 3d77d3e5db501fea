package flexa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flexa/flexa-android-sub000/internal/config"
	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/observable"
	"github.com/flexa/flexa-android-sub000/internal/telemetry"
)

const (
	acceptJSON   = "application/vnd.flexa+json"
	acceptStream = "text/event-stream"
	maxBodyBytes = 1 << 20
)

// Options configures a Conn.
type Options struct {
	BaseURL    string
	AppID      string
	AppVersion string
	APIVersion string

	HTTPClient   *http.Client
	StreamClient *http.Client
	Limiter      *rate.Limiter
	Tracer       trace.Tracer
	Metrics      *telemetry.Metrics
	Logger       *zap.Logger
}

// OptionsFromConfig builds Options from the runtime configuration.
func OptionsFromConfig(cfg config.Config) Options {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return Options{
		BaseURL:    cfg.APIBaseURL,
		AppID:      cfg.AppID,
		AppVersion: cfg.AppVersion,
		APIVersion: cfg.APIVersion,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		Limiter:    limiter,
	}
}

// Request describes one platform call. Op names the operation in logs,
// spans, metrics and classified errors.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

// Response is a fully read platform response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Conn is the signed HTTP connection shared by the authenticated transport
// and the token client. It owns the can-spend capability flag.
type Conn struct {
	opts      Options
	http      *http.Client
	stream    *http.Client
	userAgent string
	canSpend  *observable.Value[bool]
}

// NewConn constructs a Conn. Nil clients default to a 10s JSON client and an
// untimed stream client.
func NewConn(opts Options) *Conn {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	streamClient := opts.StreamClient
	if streamClient == nil {
		streamClient = &http.Client{Transport: httpClient.Transport}
	}
	return &Conn{
		opts:      opts,
		http:      httpClient,
		stream:    streamClient,
		userAgent: fmt.Sprintf("Go/%s Spend/%s %s/%s", runtime.Version(), config.SDKVersion, opts.AppID, opts.AppVersion),
		canSpend:  observable.NewValue(true),
	}
}

// CanSpend publishes whether the platform serves the user's region.
func (c *Conn) CanSpend() observable.Reader[bool] {
	return c.canSpend
}

// roundTrip sends req signed with credential. When stream is false the
// body is read and closed; otherwise the live *http.Response is returned.
func (c *Conn) roundTrip(ctx context.Context, req Request, payload []byte, credential string, stream bool) (*http.Response, *Response, error) {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return nil, nil, domain.NewTransportError(req.Op, fmt.Errorf("rate limit: %w", err))
		}
	}

	ctx, span := c.tracer().Start(ctx, "flexa."+req.Op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.Path),
	)

	httpReq, err := c.newRequest(ctx, req, payload, credential, stream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, nil, domain.NewTransportError(req.Op, err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	client := c.http
	if stream {
		client = c.stream
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		c.opts.Metrics.ObserveRequest(req.Method, req.Op, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send request")
		return nil, nil, domain.NewTransportError(req.Op, err)
	}
	c.opts.Metrics.ObserveRequest(req.Method, req.Op, resp.StatusCode)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	if stream && resp.StatusCode < 300 {
		return resp, nil, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, domain.NewTransportError(req.Op, fmt.Errorf("read response: %w", err))
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}
	c.inspect(req.Op, out)
	return nil, out, nil
}

func (c *Conn) newRequest(ctx context.Context, req Request, payload []byte, credential string, stream bool) (*http.Request, error) {
	target := c.opts.BaseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.Op, err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	c.sign(httpReq.Header, credential, stream)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// sign attaches the credential and the standard identity headers.
func (c *Conn) sign(h http.Header, credential string, stream bool) {
	h.Set("Flexa-App", c.opts.AppID)
	h.Set("Flexa-Version", c.opts.APIVersion)
	h.Set("User-Agent", c.userAgent)
	h.Set("client-trace-id", uuid.NewString())
	if credential != "" {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+credential)))
	}
	if stream {
		h.Set("Accept", acceptStream)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		return
	}
	h.Set("Accept", acceptJSON)
}

// inspect flips the can-spend flag when the region marker is present.
func (c *Conn) inspect(op string, resp *Response) {
	if !regionNotSupported(resp.Body) {
		return
	}
	if c.canSpend.Get() {
		c.log().Warn("region not supported", zap.String("op", op), zap.Int("status", resp.Status))
	}
	c.canSpend.Set(false)
}

func (c *Conn) markCanSpend() {
	if !c.canSpend.Get() {
		c.canSpend.Set(true)
	}
}

func (c *Conn) tracer() trace.Tracer {
	if c.opts.Tracer != nil {
		return c.opts.Tracer
	}
	return otel.Tracer("github.com/flexa/flexa-android-sub000/spend")
}

func (c *Conn) log() *zap.Logger {
	if c.opts.Logger != nil {
		return c.opts.Logger
	}
	return zap.L()
}

func encodeBody(op string, body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewTransportError(op, fmt.Errorf("encode body: %w", err))
	}
	return payload, nil
}

// checkStatus converts a non-2xx response into a ProtocolError.
func checkStatus(op string, resp *Response) error {
	if resp.Status < 300 {
		return nil
	}
	code, message := parseErrorEnvelope(resp.Body)
	return domain.NewProtocolError(op, resp.Status, code, message)
}

func isAuthRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
