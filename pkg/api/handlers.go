package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spiderfoot/fabric/pkg/alerts"
	"github.com/spiderfoot/fabric/pkg/ratelimit"
	"github.com/spiderfoot/fabric/pkg/reqctx"
	"github.com/spiderfoot/fabric/pkg/resilient"
	"github.com/spiderfoot/fabric/pkg/store"
	"github.com/spiderfoot/fabric/pkg/taskmgr"
	"github.com/spiderfoot/fabric/pkg/types"
)

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// publishRequest mirrors the envelope fields a producer may set. Score
// fields are pointers so absence keeps the envelope defaults.
type publishRequest struct {
	ScanID          string         `json:"scan_id"`
	EventType       string         `json:"event_type"`
	Module          string         `json:"module"`
	Data            any            `json:"data"`
	SourceEventHash string         `json:"source_event_hash,omitempty"`
	Confidence      *int           `json:"confidence,omitempty"`
	Visibility      *int           `json:"visibility,omitempty"`
	Risk            *int           `json:"risk,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type publishResponse struct {
	Delivered bool   `json:"delivered"`
	Topic     string `json:"topic"`
}

// publishFailure is the 503 body. Every publish failure has already been
// dead-lettered by the bus middleware, so the envelope is recoverable.
type publishFailure struct {
	Error        string `json:"error"`
	DeadLettered bool   `json:"dead_lettered"`
	RequestID    string `json:"request_id,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	env := types.NewEnvelope(s.deps.Prefix, req.ScanID, req.EventType, req.Module, req.Data)
	if req.SourceEventHash != "" {
		env.SourceEventHash = req.SourceEventHash
	}
	if req.Confidence != nil {
		env.Confidence = *req.Confidence
	}
	if req.Visibility != nil {
		env.Visibility = *req.Visibility
	}
	if req.Risk != nil {
		env.Risk = *req.Risk
	}
	env.Metadata = req.Metadata

	// Stamp the correlation id so downstream consumers (alert evaluation,
	// webhook deliveries) can tie their work back to this request.
	if rid := reqctx.RequestID(r.Context()); rid != "" {
		if env.Metadata == nil {
			env.Metadata = make(map[string]any, 1)
		}
		env.Metadata["request_id"] = rid
	}

	if err := env.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	delivered, err := s.deps.Bus.Publish(r.Context(), env)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, publishFailure{
			Error:        err.Error(),
			DeadLettered: true,
			RequestID:    reqctx.RequestID(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, publishResponse{Delivered: delivered, Topic: env.Topic})
}

func (s *Server) handleBusStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Bus.Stats())
}

type dlqListResponse struct {
	Size    int                          `json:"size"`
	Entries []*resilient.DeadLetterEntry `json:"entries"`
}

// handleDLQList returns dead-letter entries oldest-first; ?limit=N keeps
// only the N most recent.
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Bus.DLQEntries()
	size := len(entries)
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, dlqListResponse{Size: size, Entries: entries})
}

func (s *Server) handleDLQClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.deps.Bus.ClearDLQ()
	writeJSON(w, http.StatusOK, struct {
		Cleared int `json:"cleared"`
	}{cleared})
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	replayed, requeued := s.deps.Bus.ReplayDLQ(r.Context())
	writeJSON(w, http.StatusOK, struct {
		Replayed int `json:"replayed"`
		Requeued int `json:"requeued"`
	}{replayed, requeued})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var state *types.TaskState
	if v := q.Get("state"); v != "" {
		st := types.TaskState(v)
		state = &st
	}
	var typ *types.TaskType
	if v := q.Get("type"); v != "" {
		tt := types.TaskType(v)
		typ = &tt
	}
	writeJSON(w, http.StatusOK, s.deps.Tasks.List(state, typ, queryInt(r, "limit", 0)))
}

type taskSubmitRequest struct {
	ID       string         `json:"id,omitempty"`
	Type     types.TaskType `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type taskSubmitResponse struct {
	ID    string          `json:"id"`
	State types.TaskState `json:"state"`
}

// handleTaskSubmit queues a background job. The work function comes from
// the runner registered for the task type; unknown types are rejected.
func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req taskSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Type == "" {
		req.Type = types.TaskTypeGeneric
	}
	factory, ok := s.deps.Runners[req.Type]
	if !ok {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("no runner for task type %q", req.Type))
		return
	}

	fn := factory(req.Metadata)
	var (
		id  string
		err error
	)
	if req.ID != "" {
		id, err = s.deps.Tasks.SubmitWithID(req.ID, req.Type, fn, req.Metadata)
	} else {
		id, err = s.deps.Tasks.Submit(req.Type, fn, req.Metadata)
	}
	if err != nil {
		switch {
		case errors.Is(err, taskmgr.ErrTaskExists):
			writeError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, taskmgr.ErrQueueFull), errors.Is(err, taskmgr.ErrShutdown):
			writeError(w, r, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, r, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, taskSubmitResponse{ID: id, State: types.TaskQueued})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Tasks.Get(id); err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID        string `json:"id"`
		Cancelled bool   `json:"cancelled"`
	}{id, s.deps.Tasks.Cancel(id)})
}

type taskProgressRequest struct {
	Progress int `json:"progress"`
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req taskProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.deps.Tasks.UpdateProgress(id, req.Progress); err != nil {
		switch {
		case errors.Is(err, taskmgr.ErrNotFound):
			writeError(w, r, http.StatusNotFound, err.Error())
		case errors.Is(err, taskmgr.ErrNotRunning):
			writeError(w, r, http.StatusConflict, err.Error())
		default:
			writeError(w, r, http.StatusBadRequest, err.Error())
		}
		return
	}
	rec, err := s.deps.Tasks.Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTaskClearCompleted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Cleared int `json:"cleared"`
	}{s.deps.Tasks.ClearCompleted()})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Notify.Webhooks())
}

func (s *Server) handleWebhookAdd(w http.ResponseWriter, r *http.Request) {
	var cfg types.WebhookConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	stored, err := s.deps.Notify.AddWebhook(&cfg)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleWebhookRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notify.RemoveWebhook(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookEnable(w http.ResponseWriter, r *http.Request) {
	s.toggleWebhook(w, r, true)
}

func (s *Server) handleWebhookDisable(w http.ResponseWriter, r *http.Request) {
	s.toggleWebhook(w, r, false)
}

func (s *Server) toggleWebhook(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	var err error
	if enabled {
		err = s.deps.Notify.EnableWebhook(id)
	} else {
		err = s.deps.Notify.DisableWebhook(id)
	}
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}{id, enabled})
}

func (s *Server) handleDeliveryHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Notify.History(queryInt(r, "limit", 0)))
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Alerts.History(queryInt(r, "limit", 0)))
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Alerts.Acknowledge(id) {
		writeError(w, r, http.StatusNotFound, "no such alert: "+id)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID           string `json:"id"`
		Acknowledged bool   `json:"acknowledged"`
	}{id, true})
}

func (s *Server) handleAlertAckAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Acknowledged int `json:"acknowledged"`
	}{s.deps.Alerts.AcknowledgeAll()})
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Alerts.Rules())
}

// ruleRequest shadows the enabled flag with a pointer so callers that omit
// it still get an active rule.
type ruleRequest struct {
	alerts.Rule
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleRuleAdd(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	rule := req.Rule
	rule.Enabled = req.Enabled == nil || *req.Enabled

	if err := s.deps.Alerts.AddRule(&rule); err != nil {
		if errors.Is(err, alerts.ErrRuleExists) {
			writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	for _, stored := range s.deps.Alerts.Rules() {
		if stored.Name == rule.Name {
			writeJSON(w, http.StatusCreated, stored)
			return
		}
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleRuleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Alerts.RemoveRule(chi.URLParam(r, "name")); err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleEnable(w http.ResponseWriter, r *http.Request) {
	s.toggleRule(w, r, true)
}

func (s *Server) handleRuleDisable(w http.ResponseWriter, r *http.Request) {
	s.toggleRule(w, r, false)
}

func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")
	var err error
	if enabled {
		err = s.deps.Alerts.EnableRule(name)
	} else {
		err = s.deps.Alerts.DisableRule(name)
	}
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}{name, enabled})
}

// rateStatusResponse reports a key's budget. Durations go out in seconds.
type rateStatusResponse struct {
	Key        string  `json:"key"`
	Allowed    bool    `json:"allowed"`
	Remaining  int     `json:"remaining"`
	Limit      int     `json:"limit"`
	Window     string  `json:"window"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	Algorithm  string  `json:"algorithm"`
}

func rateStatus(key string, res ratelimit.Result, limit ratelimit.Limit) rateStatusResponse {
	return rateStatusResponse{
		Key:        key,
		Allowed:    res.Allowed,
		Remaining:  res.Remaining,
		Limit:      res.Limit,
		Window:     res.Window.String(),
		RetryAfter: res.RetryAfter.Seconds(),
		Algorithm:  string(limit.Algorithm),
	}
}

// rateKey pulls the limiter key from the catch-all path segment.
func rateKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeError(w, r, http.StatusBadRequest, "rate-limit key is required")
		return "", false
	}
	return key, true
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := rateKey(w, r)
	if !ok {
		return
	}
	res := s.deps.Limiter.Status(key)
	writeJSON(w, http.StatusOK, rateStatus(key, res, s.deps.Limiter.GetLimit(key)))
}

type rateCheckRequest struct {
	Key string `json:"key"`
}

// handleRateCheck consumes one unit of the key's budget. A denial is a 429
// carrying the limit, window, and retry-after, same as the HTTP throttle.
func (s *Server) handleRateCheck(w http.ResponseWriter, r *http.Request) {
	var req rateCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	res := s.deps.Limiter.Allow(req.Key)
	if !res.Allowed {
		writeRateLimited(w, r, res.Limit, res.Window, res.RetryAfter)
		return
	}
	writeJSON(w, http.StatusOK, rateStatus(req.Key, res, s.deps.Limiter.GetLimit(req.Key)))
}

type limitRequest struct {
	Requests      int     `json:"requests"`
	WindowSeconds float64 `json:"window_seconds"`
	Burst         int     `json:"burst,omitempty"`
	Algorithm     string  `json:"algorithm,omitempty"`
}

type limitView struct {
	Key       string `json:"key"`
	Requests  int    `json:"requests"`
	Window    string `json:"window"`
	Burst     int    `json:"burst"`
	Algorithm string `json:"algorithm"`
}

func (s *Server) handleRateSetLimit(w http.ResponseWriter, r *http.Request) {
	key, ok := rateKey(w, r)
	if !ok {
		return
	}
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Requests < 0 {
		writeError(w, r, http.StatusBadRequest, "requests must be >= 0")
		return
	}
	switch ratelimit.Algorithm(req.Algorithm) {
	case "", ratelimit.TokenBucket, ratelimit.SlidingWindow, ratelimit.FixedWindow:
	default:
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown algorithm: %q", req.Algorithm))
		return
	}

	s.deps.Limiter.SetLimit(key, ratelimit.Limit{
		Requests:  req.Requests,
		Window:    time.Duration(req.WindowSeconds * float64(time.Second)),
		Burst:     req.Burst,
		Algorithm: ratelimit.Algorithm(req.Algorithm),
	})
	installed := s.deps.Limiter.GetLimit(key)
	writeJSON(w, http.StatusOK, limitView{
		Key:       key,
		Requests:  installed.Requests,
		Window:    installed.Window.String(),
		Burst:     installed.Burst,
		Algorithm: string(installed.Algorithm),
	})
}

func (s *Server) handleRateReset(w http.ResponseWriter, r *http.Request) {
	key, ok := rateKey(w, r)
	if !ok {
		return
	}
	s.deps.Limiter.Reset(key)
	w.WriteHeader(http.StatusNoContent)
}

// handleReportList filters by scan_id, status, and type, pages with limit
// and offset, and reports the unpaged match count in X-Total-Count.
func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		ScanID: q.Get("scan_id"),
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	total, err := s.deps.Store.Count(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	reports, err := s.deps.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleReportCreate(w http.ResponseWriter, r *http.Request) {
	var rep types.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if rep.Title == "" {
		writeError(w, r, http.StatusBadRequest, "report title is required")
		return
	}
	if err := s.deps.Store.Save(r.Context(), &rep); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &rep)
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReportUpdate(w http.ResponseWriter, r *http.Request) {
	var rep types.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	// The path owns identity; a mismatched body id is overridden.
	rep.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.Update(r.Context(), &rep); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &rep)
}

func (s *Server) handleReportDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
