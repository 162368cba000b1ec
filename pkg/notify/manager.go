package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/alerts"
	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/reqctx"
	"github.com/spiderfoot/fabric/pkg/taskmgr"
	"github.com/spiderfoot/fabric/pkg/types"
)

// ErrWebhookNotFound is returned for unknown webhook ids.
var ErrWebhookNotFound = errors.New("notify: webhook not found")

// Manager owns the webhook registry and brokers events to the dispatcher.
// All methods are safe for concurrent callers.
type Manager struct {
	disp   *Dispatcher
	logger zerolog.Logger

	mu       sync.RWMutex
	webhooks map[string]*types.WebhookConfig
}

// NewManager builds a manager around a dispatcher.
func NewManager(disp *Dispatcher) *Manager {
	return &Manager{
		disp:     disp,
		logger:   log.WithComponent("notify"),
		webhooks: make(map[string]*types.WebhookConfig),
	}
}

// AddWebhook validates and registers a webhook. A missing id is generated.
// Registration enables the webhook; use DisableWebhook to park it.
func (m *Manager) AddWebhook(cfg *types.WebhookConfig) (*types.WebhookConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("notify: nil webhook config")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("notify: invalid webhook url %q", cfg.URL)
	}
	for _, f := range cfg.EventTypes {
		if f == "" {
			return nil, fmt.Errorf("notify: empty event filter")
		}
	}
	if cfg.TimeoutSeconds < 0 || cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("notify: negative timeout or retries")
	}

	cp := *cfg
	cp.EventTypes = append([]string(nil), cfg.EventTypes...)
	if cfg.Headers != nil {
		cp.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			cp.Headers[k] = v
		}
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.Enabled = true

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.webhooks[cp.ID]; exists {
		return nil, fmt.Errorf("notify: webhook %s already registered", cp.ID)
	}
	m.webhooks[cp.ID] = &cp
	m.logger.Info().Str("webhook", cp.ID).Str("url", cp.URL).Msg("webhook registered")
	out := cp
	return &out, nil
}

// RemoveWebhook drops a webhook by id.
func (m *Manager) RemoveWebhook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	delete(m.webhooks, id)
	return nil
}

// EnableWebhook turns a webhook on.
func (m *Manager) EnableWebhook(id string) error { return m.setEnabled(id, true) }

// DisableWebhook parks a webhook without removing it.
func (m *Manager) DisableWebhook(id string) error { return m.setEnabled(id, false) }

func (m *Manager) setEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, id)
	}
	w.Enabled = enabled
	return nil
}

// Webhooks returns snapshots of all registered webhooks sorted by id.
func (m *Manager) Webhooks() []*types.WebhookConfig {
	m.mu.RLock()
	out := make([]*types.WebhookConfig, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		cp := *w
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Notify delivers one event to every enabled webhook whose filters match,
// sequentially, and returns the delivery records.
func (m *Manager) Notify(ctx context.Context, eventType string, payload map[string]any) []*types.DeliveryRecord {
	m.mu.RLock()
	targets := make([]*types.WebhookConfig, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		if w.Enabled && w.MatchesEvent(eventType) {
			cp := *w
			targets = append(targets, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	records := make([]*types.DeliveryRecord, 0, len(targets))
	for _, w := range targets {
		records = append(records, m.disp.Deliver(ctx, w, eventType, payload))
	}
	return records
}

// NotifyAsync runs Notify on a background goroutine and discards the
// records. The correlation id survives the detach, the caller's deadline
// does not.
func (m *Manager) NotifyAsync(ctx context.Context, eventType string, payload map[string]any) {
	detached := reqctx.Detach(ctx)
	go m.Notify(detached, eventType, payload)
}

// History returns recent delivery records, newest last.
func (m *Manager) History(limit int) []*types.DeliveryRecord {
	return m.disp.History(limit)
}

// WireTaskManager forwards every terminal task transition as a task.{state}
// event so webhooks can follow background work.
func (m *Manager) WireTaskManager(tm *taskmgr.Manager) {
	tm.OnTaskComplete(func(rec *types.TaskRecord) {
		var durationMS int64
		if rec.StartedAt != nil && rec.CompletedAt != nil {
			durationMS = rec.CompletedAt.Sub(*rec.StartedAt).Milliseconds()
		}
		m.NotifyAsync(context.Background(), "task."+string(rec.State), map[string]any{
			"task_id":     rec.ID,
			"type":        string(rec.Type),
			"state":       string(rec.State),
			"error":       rec.Error,
			"duration_ms": durationMS,
			"metadata":    rec.Metadata,
		})
	})
}

// WireAlertEngine forwards every fired alert as an alert.{severity} event.
// When the alert's evaluation context carries a correlation id, deliveries
// pick it up so the webhook request ties back to the originating publish.
func (m *Manager) WireAlertEngine(eng *alerts.Engine) {
	eng.OnAlert(func(a *types.Alert) {
		ctx := context.Background()
		if rid, ok := a.Context["request_id"].(string); ok && rid != "" {
			ctx = reqctx.With(ctx, reqctx.Info{RequestID: rid})
		}
		m.NotifyAsync(ctx, "alert."+string(a.Severity), map[string]any{
			"rule":      a.RuleName,
			"severity":  string(a.Severity),
			"message":   a.Message,
			"timestamp": float64(a.Timestamp.UnixNano()) / 1e9,
			"context":   a.Context,
		})
	})
}
