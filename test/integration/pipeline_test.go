package integration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiderfoot/fabric/pkg/api"
	"github.com/spiderfoot/fabric/pkg/config"
	"github.com/spiderfoot/fabric/pkg/fabric"
	"github.com/spiderfoot/fabric/pkg/types"
)

type delivery struct {
	body   []byte
	header http.Header
}

// sink is an httptest webhook receiver capturing every POST.
func newSink(t *testing.T) (*httptest.Server, chan delivery) {
	t.Helper()
	hits := make(chan delivery, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		hits <- delivery{body: body, header: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func newStack(t *testing.T) (*fabric.Fabric, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.Tasks.Workers = 2
	// The per-client throttle is for real deployments; polling tests share
	// one client address.
	cfg.API.RequestsPerSecond = 0

	f, err := fabric.New(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { _ = f.Stop(context.Background()) })

	srv := api.NewServer(api.Deps{
		Config:  cfg.API,
		Bus:     f.Bus,
		Tasks:   f.Tasks,
		Alerts:  f.Alerts,
		Notify:  f.Notify,
		Store:   f.Store,
		Limiter: f.Limiter,
		Monitor: f.Monitor,
		Prefix:  cfg.Bus.ChannelPrefix,
		Runners: f.Runners(),
		Version: "integration",
	})
	return f, srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitDelivery(t *testing.T, hits chan delivery) delivery {
	t.Helper()
	select {
	case d := <-hits:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("webhook delivery never arrived")
		return delivery{}
	}
}

// TestEventToWebhookPipeline drives the full path: an event published over
// HTTP flows through the in-memory bus into the alert engine, the fired
// alert becomes a webhook delivery, and the signed POST still carries the
// correlation id of the originating publish.
func TestEventToWebhookPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	sink, hits := newSink(t)
	f, h := newStack(t)

	rec := doJSON(t, h, http.MethodPost, "/api/alerts/rules", map[string]any{
		"name":     "exposed-service",
		"message":  "risk {risk} on {event_type}",
		"severity": "high",
		"conditions": []map[string]any{
			{"kind": "severity", "operator": "gte", "value": 80},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	_, err := f.Notify.AddWebhook(&types.WebhookConfig{
		URL:        sink.URL,
		Secret:     "s3cret",
		EventTypes: []string{"alert"},
	})
	require.NoError(t, err)

	const rid = "pipeline-7f3a"
	rec = doJSON(t, h, http.MethodPost, "/api/events", map[string]any{
		"scan_id":    "scan-42",
		"event_type": "OPEN_TCP_PORT",
		"module":     "sfp_portscan",
		"data":       "198.51.100.9:23",
		"risk":       90,
	}, map[string]string{"X-Request-ID": rid})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pub struct {
		Delivered bool   `json:"delivered"`
		Topic     string `json:"topic"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pub))
	assert.True(t, pub.Delivered)
	assert.Equal(t, "spiderfoot.scan-42.OPEN_TCP_PORT", pub.Topic)

	got := waitDelivery(t, hits)

	// Headers: event type, correlation id, and the HMAC signature.
	assert.Equal(t, "alert.high", got.header.Get("X-SpiderFoot-Event"))
	assert.Equal(t, rid, got.header.Get("X-Request-ID"))
	sig := got.header.Get("X-SpiderFoot-Signature")
	require.True(t, strings.HasPrefix(sig, "sha256="), "unexpected signature %q", sig)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(got.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)

	var wire struct {
		EventType string         `json:"event_type"`
		Timestamp float64        `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(got.body, &wire))
	assert.Equal(t, "alert.high", wire.EventType)
	assert.Greater(t, wire.Timestamp, float64(0))
	assert.Equal(t, "exposed-service", wire.Payload["rule"])
	assert.Equal(t, "high", wire.Payload["severity"])
	assert.Equal(t, "risk 90 on OPEN_TCP_PORT", wire.Payload["message"])

	alertCtx, ok := wire.Payload["context"].(map[string]any)
	require.True(t, ok, "alert context missing from payload")
	assert.Equal(t, rid, alertCtx["request_id"])
	assert.Equal(t, "scan-42", alertCtx["scan_id"])

	// The alert is also queryable over the API.
	rec = doJSON(t, h, http.MethodGet, "/api/alerts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []types.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "exposed-service", alerts[0].RuleName)

	// And the delivery landed in the audit trail as a success.
	require.Eventually(t, func() bool {
		hist := f.Notify.History(0)
		return len(hist) == 1 && hist[0].Status == types.DeliverySuccess
	}, 2*time.Second, 10*time.Millisecond)
}

// TestReportTaskPipeline submits a report job over HTTP and follows it to a
// task.completed webhook and a persisted report whose metadata reflects the
// scan events that arrived while it generated.
func TestReportTaskPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	sink, hits := newSink(t)
	f, h := newStack(t)

	_, err := f.Notify.AddWebhook(&types.WebhookConfig{
		URL:        sink.URL,
		EventTypes: []string{"task.completed"},
	})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/api/tasks", map[string]any{
		"type":     "report",
		"metadata": map[string]any{"scan_id": "scan-77", "title": "Perimeter sweep"},
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var submitted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	got := waitDelivery(t, hits)
	assert.Equal(t, "task.completed", got.header.Get("X-SpiderFoot-Event"))

	var wire struct {
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(got.body, &wire))
	assert.Equal(t, submitted.ID, wire.Payload["task_id"])
	assert.Equal(t, "report", wire.Payload["type"])
	assert.Equal(t, "completed", wire.Payload["state"])

	// The finished report is visible through the reports API.
	rec = doJSON(t, h, http.MethodGet, "/api/reports?scan_id=scan-77", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reports []types.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "Perimeter sweep", reports[0].Title)
	assert.Equal(t, "completed", reports[0].Status)
	assert.Equal(t, 100, reports[0].Progress)
	assert.Equal(t, submitted.ID, reports[0].Metadata["task_id"])
}
