package eventstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/flexa/flexa-android-sub000/internal/adapter/flexa"
	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/telemetry"
)

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 3 * time.Second

var errStreamEnded = errors.New("event stream ended")

// Opener opens a streaming request.
type Opener interface {
	Open(ctx context.Context, req flexa.Request) (*http.Response, error)
}

// Client subscribes to the session event stream.
type Client struct {
	opener  Opener
	delay   time.Duration
	types   []string
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithReconnectDelay sets the wait between reconnects.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.delay = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New constructs a Client.
func New(opener Opener, opts ...Option) *Client {
	c := &Client{
		opener: opener,
		delay:  DefaultReconnectDelay,
		types:  domain.SubscribedEventTypes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe streams events until ctx ends, resuming after lastEventID.
// Connection failures are retried forever with a fixed delay. The returned
// channel is closed once ctx is done.
func (c *Client) Subscribe(ctx context.Context, lastEventID string) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		cursor := lastEventID
		b := backoff.WithContext(backoff.NewConstantBackOff(c.delay), ctx)
		err := backoff.RetryNotify(func() error {
			err := c.consume(ctx, &cursor, out)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if err == nil {
				err = errStreamEnded
			}
			return err
		}, b, func(err error, wait time.Duration) {
			c.metrics.StreamReconnect()
			c.log().Warn("event stream disconnected",
				zap.Error(err),
				zap.String("last_event_id", cursor),
				zap.Duration("retry_in", wait),
			)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.log().Error("event stream stopped", zap.Error(err))
		}
	}()
	return out
}

// consume runs one connection. cursor is advanced for every delivered frame
// that carries an id.
func (c *Client) consume(ctx context.Context, cursor *string, out chan<- domain.StreamEvent) error {
	req := flexa.Request{
		Op:     "subscribe_events",
		Method: http.MethodGet,
		Path:   "/events?type=" + strings.Join(c.types, ","),
	}
	if *cursor != "" {
		req.Header = http.Header{"Last-Event-ID": []string{*cursor}}
	}

	resp, err := c.opener.Open(ctx, req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	c.log().Debug("event stream connected", zap.String("last_event_id", *cursor))

	r := newReader(resp.Body)
	for {
		f, err := r.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}

		ev, decodeErr := decodeFrame(f)
		if decodeErr != nil {
			c.log().Warn("dropping malformed event", zap.String("event_id", f.ID), zap.Error(decodeErr))
		}
		if ev.ID != "" {
			*cursor = ev.ID
		}
		c.metrics.StreamEvent(ev.Kind.String())

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) log() *zap.Logger {
	if c.logger != nil {
		return c.logger
	}
	return zap.L()
}
