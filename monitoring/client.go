package monitoring

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ClientConfig configures the transport to the monitoring collector.
type ClientConfig struct {
	URL           string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// Client posts encoded events to <URL>/track.
type Client struct {
	endpoint      string
	http          *http.Client
	maxRetries    int
	retryInterval time.Duration
	log           *zap.Logger
	tracer        trace.Tracer
}

// StatusError is returned for a non-2xx response from the collector.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("monitoring collector returned %d: %s", e.StatusCode, e.Body)
}

func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Client{
		endpoint:      strings.TrimRight(cfg.URL, "/") + "/track",
		http:          &http.Client{Timeout: cfg.Timeout},
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		log:           log,
		tracer:        otel.Tracer("tabmodel/monitoring"),
	}
}

// Send posts payloads as one JSON array. Transport errors and 5xx responses
// are retried with exponential backoff; 4xx responses are not.
func (c *Client) Send(ctx context.Context, payloads ...[]byte) (err error) {
	if len(payloads) == 0 {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "monitoring.Send", trace.WithAttributes(attribute.Int("events", len(payloads))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	raw := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		raw[i] = p
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return ErrInvalidPayload.With(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return c.post(ctx, body)
	}, policy, func(err error, wait time.Duration) {
		c.log.Warn("monitoring send failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 500:
		return &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	case resp.StatusCode >= 400:
		return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: string(msg)})
	}
	return nil
}
