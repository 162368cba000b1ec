package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RootEventHash is the sentinel parent hash for envelopes with no source event.
const RootEventHash = "ROOT"

// Envelope is the immutable unit of pub/sub traffic. Producers construct one
// per discovered datum; the bus and middleware treat it as read-only.
type Envelope struct {
	Topic           string         `json:"topic"`
	ScanID          string         `json:"scan_id"`
	EventType       string         `json:"event_type"`
	Module          string         `json:"module"`
	Data            any            `json:"data"`
	SourceEventHash string         `json:"source_event_hash"`
	Confidence      int            `json:"confidence"`
	Visibility      int            `json:"visibility"`
	Risk            int            `json:"risk"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// EventTopic composes the dotted routing key `{prefix}.{scan_id}.{event_type}`.
func EventTopic(prefix, scanID, eventType string) string {
	return prefix + "." + scanID + "." + eventType
}

// NewEnvelope creates an envelope with the default confidence/visibility (100),
// zero risk, and the ROOT source hash. Callers adjust optional fields before
// publishing.
func NewEnvelope(prefix, scanID, eventType, module string, data any) *Envelope {
	return &Envelope{
		Topic:           EventTopic(prefix, scanID, eventType),
		ScanID:          scanID,
		EventType:       eventType,
		Module:          module,
		Data:            data,
		SourceEventHash: RootEventHash,
		Confidence:      100,
		Visibility:      100,
		Risk:            0,
		Timestamp:       time.Now().UTC(),
	}
}

// Validate checks required fields and score ranges.
func (e *Envelope) Validate() error {
	if e.Topic == "" {
		return fmt.Errorf("envelope missing topic")
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope missing event_type")
	}
	if e.SourceEventHash == "" {
		return fmt.Errorf("envelope missing source_event_hash")
	}
	for _, s := range []struct {
		name string
		val  int
	}{
		{"confidence", e.Confidence},
		{"visibility", e.Visibility},
		{"risk", e.Risk},
	} {
		if s.val < 0 || s.val > 100 {
			return fmt.Errorf("envelope %s out of range: %d", s.name, s.val)
		}
	}
	return nil
}

// Fingerprint returns a stable hex digest of (event_type, data, module).
// Structured data is hashed through its JSON encoding, which sorts map keys,
// so logically equal payloads fingerprint identically.
func (e *Envelope) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(e.EventType))
	h.Write([]byte{0})
	switch d := e.Data.(type) {
	case string:
		h.Write([]byte(d))
	case nil:
	default:
		b, err := json.Marshal(d)
		if err != nil {
			h.Write([]byte(fmt.Sprintf("%v", d)))
		} else {
			h.Write(b)
		}
	}
	h.Write([]byte{0})
	h.Write([]byte(e.Module))
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a copy with its own metadata map.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// TaskType identifies the kind of background job.
type TaskType string

const (
	TaskTypeScan      TaskType = "scan"
	TaskTypeReport    TaskType = "report"
	TaskTypeWorkspace TaskType = "workspace"
	TaskTypeExport    TaskType = "export"
	TaskTypeGeneric   TaskType = "generic"
)

// TaskState represents the lifecycle state of a background job.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from s to next. Terminal
// states never re-open; queued tasks may start or be cancelled; running tasks
// may complete, fail, or be cancelled.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskQueued:
		return next == TaskRunning || next == TaskCancelled
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed || next == TaskCancelled
	}
	return false
}

// TaskRecord is the observable state of a background job.
type TaskRecord struct {
	ID          string         `json:"id"`
	Type        TaskType       `json:"type"`
	State       TaskState      `json:"state"`
	Progress    int            `json:"progress"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a snapshot copy safe to hand to callers.
func (t *TaskRecord) Clone() *TaskRecord {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}

// Severity grades alerts from informational to critical.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns a comparable weight (info=0 .. critical=4).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ParseSeverity normalizes a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(s)) {
	case SeverityCritical:
		return SeverityCritical, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityLow:
		return SeverityLow, nil
	case SeverityInfo:
		return SeverityInfo, nil
	}
	return "", fmt.Errorf("unknown severity: %q", s)
}

// Alert is a triggered rule instance.
type Alert struct {
	ID           string         `json:"id"`
	RuleName     string         `json:"rule_name"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message"`
	Timestamp    time.Time      `json:"timestamp"`
	Context      map[string]any `json:"context,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
}

// WebhookConfig is a registered outbound HTTP destination.
type WebhookConfig struct {
	ID             string            `json:"id"`
	URL            string            `json:"url" validate:"required,url"`
	Secret         string            `json:"secret,omitempty"`
	EventTypes     []string          `json:"event_types,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Enabled        bool              `json:"enabled"`
	TimeoutSeconds int               `json:"timeout_seconds" validate:"gte=0"`
	MaxRetries     int               `json:"max_retries" validate:"gte=0"`
	Description    string            `json:"description,omitempty"`
}

// MatchesEvent reports whether this webhook is a candidate for an event type.
// An empty filter list matches everything; otherwise the event matches when a
// filter equals the type or is a dotted prefix of it ("task" matches
// "task.completed").
func (w *WebhookConfig) MatchesEvent(eventType string) bool {
	if len(w.EventTypes) == 0 {
		return true
	}
	for _, f := range w.EventTypes {
		if f == eventType || strings.HasPrefix(eventType, f+".") {
			return true
		}
	}
	return false
}

// DeliveryStatus tracks the outcome of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// DeliveryRecord is the audit entry for one webhook POST attempt sequence.
type DeliveryRecord struct {
	ID          string         `json:"id"`
	WebhookID   string         `json:"webhook_id"`
	EventType   string         `json:"event_type"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	HTTPStatus  int            `json:"http_status,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	PayloadSize int            `json:"payload_size"`
}

// ReportSection is one titled block of report content.
type ReportSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Order   int    `json:"order"`
}

// Report is the persisted output of a report/export job.
type Report struct {
	ID               string          `json:"id"`
	ScanID           string          `json:"scan_id"`
	Title            string          `json:"title"`
	Status           string          `json:"status"`
	Type             string          `json:"type"`
	Progress         int             `json:"progress"`
	Message          string          `json:"message,omitempty"`
	ExecutiveSummary string          `json:"executive_summary,omitempty"`
	Recommendations  []string        `json:"recommendations,omitempty"`
	Sections         []ReportSection `json:"sections,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	GenerationTimeMS int64           `json:"generation_time_ms"`
	TokenCount       int             `json:"token_count"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a copy with its own slices and maps.
func (r *Report) Clone() *Report {
	cp := *r
	if r.Recommendations != nil {
		cp.Recommendations = append([]string(nil), r.Recommendations...)
	}
	if r.Sections != nil {
		cp.Sections = append([]ReportSection(nil), r.Sections...)
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
