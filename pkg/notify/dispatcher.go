package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/reqctx"
	"github.com/spiderfoot/fabric/pkg/types"
)

const userAgent = "SpiderFoot-Webhook/1.0"

// wireBody is the JSON document POSTed to webhook endpoints. Timestamp is
// epoch seconds as a float, matching what receivers written against the
// Python toolchain expect.
type wireBody struct {
	EventType string         `json:"event_type"`
	Timestamp float64        `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// DispatcherConfig tunes delivery behavior. Zero values fall back to
// defaults.
type DispatcherConfig struct {
	// DefaultTimeout applies to webhooks that do not set their own.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is the total attempt budget for webhooks that do
	// not set their own.
	DefaultMaxRetries int

	// HistorySize caps the delivery-record ring buffer.
	HistorySize int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	out := c
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = 10 * time.Second
	}
	if out.DefaultMaxRetries <= 0 {
		out.DefaultMaxRetries = 3
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 1000
	}
	return out
}

// Dispatcher POSTs signed event payloads to webhook endpoints with retries
// and keeps a bounded audit trail of every delivery.
type Dispatcher struct {
	cfg    DispatcherConfig
	client *http.Client
	logger zerolog.Logger

	mu      sync.Mutex
	history []*types.DeliveryRecord

	// test seams
	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewDispatcher builds a dispatcher around a shared HTTP client. Per-attempt
// timeouts come from request contexts, not the client.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		client: &http.Client{},
		logger: log.WithComponent("notify"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// backoff returns the sleep before the next attempt: 2^(attempt-1) seconds,
// capped at 30.
func backoff(attempt int) time.Duration {
	secs := 1 << (attempt - 1)
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// Sign computes the hex HMAC-SHA256 of body under secret, the value carried
// in X-SpiderFoot-Signature after the "sha256=" prefix.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver POSTs one event to one webhook, retrying on failure, and returns
// the completed audit record. The record is always returned, never nil, and
// is appended to history exactly once.
func (d *Dispatcher) Deliver(ctx context.Context, cfg *types.WebhookConfig, eventType string, payload map[string]any) *types.DeliveryRecord {
	start := d.now()
	rec := &types.DeliveryRecord{
		ID:        uuid.New().String(),
		WebhookID: cfg.ID,
		EventType: eventType,
		Status:    types.DeliveryPending,
		CreatedAt: start.UTC(),
	}

	body, err := json.Marshal(wireBody{
		EventType: eventType,
		Timestamp: float64(start.UnixNano()) / 1e9,
		Payload:   payload,
	})
	if err != nil {
		rec.Error = fmt.Sprintf("encode payload: %v", err)
		d.finish(rec, types.DeliveryFailed, start)
		return rec
	}
	rec.PayloadSize = len(body)

	headers := d.headers(ctx, cfg, eventType, body)
	timeout := d.cfg.DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	attempts := d.cfg.DefaultMaxRetries
	if cfg.MaxRetries > 0 {
		attempts = cfg.MaxRetries
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		rec.Attempts = attempt
		status, err := d.post(ctx, cfg.URL, headers, body, timeout)
		rec.HTTPStatus = status
		if err == nil {
			rec.Error = ""
			d.finish(rec, types.DeliverySuccess, start)
			return rec
		}
		rec.Error = err.Error()
		if attempt < attempts {
			rec.Status = types.DeliveryRetrying
			d.sleep(ctx, backoff(attempt))
		}
	}

	d.logger.Warn().
		Str("webhook", cfg.ID).
		Str("event", eventType).
		Int("attempts", rec.Attempts).
		Str("error", rec.Error).
		Msg("webhook delivery failed")
	d.finish(rec, types.DeliveryFailed, start)
	return rec
}

func (d *Dispatcher) headers(ctx context.Context, cfg *types.WebhookConfig, eventType string, body []byte) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	h.Set("X-SpiderFoot-Event", eventType)
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	if rid := reqctx.RequestID(ctx); rid != "" {
		h.Set(reqctx.HeaderRequestID, rid)
	}
	if cfg.Secret != "" {
		h.Set("X-SpiderFoot-Signature", "sha256="+Sign(cfg.Secret, body))
	}
	return h
}

func (d *Dispatcher) post(ctx context.Context, url string, headers http.Header, body []byte, timeout time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// finish stamps the terminal status, records metrics, and appends the record
// to the bounded history.
func (d *Dispatcher) finish(rec *types.DeliveryRecord, status types.DeliveryStatus, start time.Time) {
	rec.Status = status
	done := d.now().UTC()
	rec.CompletedAt = &done

	metrics.WebhookDeliveries.WithLabelValues(string(status)).Inc()
	metrics.WebhookDuration.Observe(d.now().Sub(start).Seconds())

	d.mu.Lock()
	d.history = append(d.history, rec)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
	d.mu.Unlock()
}

// History returns the most recent delivery records, newest last. limit <= 0
// returns everything retained.
func (d *Dispatcher) History(limit int) []*types.DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.DeliveryRecord, 0, n)
	for _, rec := range d.history[len(d.history)-n:] {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}
