package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeDefaults(t *testing.T) {
	env := NewEnvelope("sf", "scan1", "IP_ADDRESS", "sfp_dnsresolve", "1.2.3.4")

	assert.Equal(t, "sf.scan1.IP_ADDRESS", env.Topic)
	assert.Equal(t, "scan1", env.ScanID)
	assert.Equal(t, "IP_ADDRESS", env.EventType)
	assert.Equal(t, "sfp_dnsresolve", env.Module)
	assert.Equal(t, RootEventHash, env.SourceEventHash)
	assert.Equal(t, 100, env.Confidence)
	assert.Equal(t, 100, env.Visibility)
	assert.Equal(t, 0, env.Risk)
	assert.False(t, env.Timestamp.IsZero())
	require.NoError(t, env.Validate())
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr bool
	}{
		{"valid", func(e *Envelope) {}, false},
		{"missing topic", func(e *Envelope) { e.Topic = "" }, true},
		{"missing event type", func(e *Envelope) { e.EventType = "" }, true},
		{"missing source hash", func(e *Envelope) { e.SourceEventHash = "" }, true},
		{"confidence too high", func(e *Envelope) { e.Confidence = 101 }, true},
		{"risk negative", func(e *Envelope) { e.Risk = -1 }, true},
		{"visibility boundary", func(e *Envelope) { e.Visibility = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope("sf", "scan1", "IP_ADDRESS", "mod", "data")
			tt.mutate(env)
			err := env.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvelopeFingerprint(t *testing.T) {
	a := NewEnvelope("sf", "scan1", "IP_ADDRESS", "mod", "1.2.3.4")
	b := NewEnvelope("sf", "scan2", "IP_ADDRESS", "mod", "1.2.3.4")

	// Fingerprint depends on (event_type, data, module) only; scan id and
	// timestamp do not contribute.
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := NewEnvelope("sf", "scan1", "DOMAIN_NAME", "mod", "1.2.3.4")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := NewEnvelope("sf", "scan1", "IP_ADDRESS", "other", "1.2.3.4")
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())

	e := NewEnvelope("sf", "scan1", "IP_ADDRESS", "mod", "4.3.2.1")
	assert.NotEqual(t, a.Fingerprint(), e.Fingerprint())
}

func TestEnvelopeFingerprintStructuredData(t *testing.T) {
	// JSON encoding sorts map keys, so key order must not matter.
	a := NewEnvelope("sf", "s", "RAW_DATA", "mod", map[string]any{"a": 1, "b": 2})
	b := NewEnvelope("sf", "s", "RAW_DATA", "mod", map[string]any{"b": 2, "a": 1})
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestEnvelopeClone(t *testing.T) {
	env := NewEnvelope("sf", "scan1", "IP_ADDRESS", "mod", "1.2.3.4")
	env.Metadata = map[string]any{"key": "value"}

	cp := env.Clone()
	cp.Metadata["key"] = "changed"

	assert.Equal(t, "value", env.Metadata["key"])
	assert.Equal(t, env.Topic, cp.Topic)
}

func TestTaskStateTransitions(t *testing.T) {
	tests := []struct {
		from TaskState
		to   TaskState
		ok   bool
	}{
		{TaskQueued, TaskRunning, true},
		{TaskQueued, TaskCancelled, true},
		{TaskQueued, TaskCompleted, false},
		{TaskQueued, TaskFailed, false},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskCancelled, true},
		{TaskRunning, TaskQueued, false},
		{TaskCompleted, TaskRunning, false},
		{TaskFailed, TaskQueued, false},
		{TaskCancelled, TaskRunning, false},
		{TaskCompleted, TaskCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskStateTerminal(t *testing.T) {
	assert.False(t, TaskQueued.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}

func TestTaskRecordClone(t *testing.T) {
	now := time.Now()
	rec := &TaskRecord{
		ID:        "t1",
		Type:      TaskTypeScan,
		State:     TaskRunning,
		Metadata:  map[string]any{"target": "example.com"},
		StartedAt: &now,
	}

	cp := rec.Clone()
	cp.Metadata["target"] = "other.com"
	*cp.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "example.com", rec.Metadata["target"])
	assert.Equal(t, now, *rec.StartedAt)
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Greater(t, SeverityLow.Rank(), SeverityInfo.Rank())
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"critical", SeverityCritical, false},
		{"HIGH", SeverityHigh, false},
		{"Medium", SeverityMedium, false},
		{"low", SeverityLow, false},
		{"info", SeverityInfo, false},
		{"bogus", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeverity(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebhookMatchesEvent(t *testing.T) {
	tests := []struct {
		name    string
		filters []string
		event   string
		want    bool
	}{
		{"empty filter matches all", nil, "task.completed", true},
		{"exact match", []string{"task.completed"}, "task.completed", true},
		{"dotted prefix match", []string{"task"}, "task.completed", true},
		{"prefix without dot does not match", []string{"task"}, "taskforce", false},
		{"no match", []string{"alert.critical"}, "task.completed", false},
		{"second filter matches", []string{"alert", "task"}, "task.failed", true},
		{"deeper prefix", []string{"alert.high"}, "alert.high.cpu", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &WebhookConfig{EventTypes: tt.filters}
			assert.Equal(t, tt.want, w.MatchesEvent(tt.event))
		})
	}
}

func TestReportClone(t *testing.T) {
	rep := &Report{
		ID:              "r1",
		ScanID:          "scan1",
		Recommendations: []string{"patch the host"},
		Sections:        []ReportSection{{Title: "Summary", Content: "ok", Order: 1}},
		Metadata:        map[string]any{"format": "pdf"},
	}

	cp := rep.Clone()
	cp.Recommendations[0] = "changed"
	cp.Sections[0].Title = "changed"
	cp.Metadata["format"] = "html"

	assert.Equal(t, "patch the host", rep.Recommendations[0])
	assert.Equal(t, "Summary", rep.Sections[0].Title)
	assert.Equal(t, "pdf", rep.Metadata["format"])
}
