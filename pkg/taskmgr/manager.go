package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/types"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("taskmgr: task not found")

	// ErrTaskExists is returned by SubmitWithID for duplicate ids.
	ErrTaskExists = errors.New("taskmgr: task id already exists")

	// ErrNotRunning is returned by UpdateProgress for tasks outside the
	// running state.
	ErrNotRunning = errors.New("taskmgr: task is not running")

	// ErrShutdown is returned by Submit after Shutdown has been called.
	ErrShutdown = errors.New("taskmgr: manager is shut down")

	// ErrQueueFull is returned by Submit when the intake queue is at
	// capacity.
	ErrQueueFull = errors.New("taskmgr: task queue full")
)

// TaskFunc is the unit of background work. It runs on the manager's worker
// pool with a context that is cancelled when the task is cancelled or the
// manager shuts down. The returned value becomes the record's result; a
// non-nil error fails the task.
type TaskFunc func(ctx context.Context, h *Handle) (any, error)

// CompletionFunc observes terminal transitions. Callbacks run on the
// manager's dispatcher goroutine in termination order; panics are isolated.
type CompletionFunc func(rec *types.TaskRecord)

// Handle gives a running TaskFunc access to its own record.
type Handle struct {
	id string
	m  *Manager
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// SetProgress updates the task's progress while it runs. Out-of-range values
// are clamped; calls outside the running state are ignored.
func (h *Handle) SetProgress(pct int) {
	_ = h.m.UpdateProgress(h.id, pct)
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int

	// QueueSize bounds the intake queue; Submit fails with ErrQueueFull
	// beyond it.
	QueueSize int

	// MaxHistory caps retained terminal records; beyond it the oldest by
	// completion time are pruned.
	MaxHistory int
}

func (c Config) withDefaults() Config {
	out := c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 128
	}
	if out.MaxHistory <= 0 {
		out.MaxHistory = 500
	}
	return out
}

// task pairs a record with its work function and cancellation handle. The
// record is owned by the manager and only touched under the manager mutex.
type task struct {
	record *types.TaskRecord
	fn     TaskFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a point-in-time summary of the pool and registry.
type Stats struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
	QueueCap   int `json:"queue_capacity"`
}

// Manager tracks background jobs through their lifecycle on a fixed worker
// pool. All public operations are safe for concurrent callers.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	records   map[string]*types.TaskRecord
	tasks     map[string]*task
	listeners []CompletionFunc
	pending   []*types.TaskRecord // completed snapshots awaiting callbacks
	closed    bool

	queue  chan *task
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds the manager and starts its worker pool.
func New(cfg Config) *Manager {
	resolved := cfg.withDefaults()
	m := &Manager{
		cfg:     resolved,
		logger:  log.WithComponent("taskmgr"),
		records: make(map[string]*types.TaskRecord),
		tasks:   make(map[string]*task),
		queue:   make(chan *task, resolved.QueueSize),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := 0; i < resolved.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	go m.completionLoop()
	m.logger.Info().Int("workers", resolved.Workers).Msg("task manager started")
	return m
}

// Submit registers a new task in the queued state and schedules fn on the
// pool, returning the generated task id.
func (m *Manager) Submit(typ types.TaskType, fn TaskFunc, meta map[string]any) (string, error) {
	return m.SubmitWithID(uuid.New().String(), typ, fn, meta)
}

// SubmitWithID is Submit with a caller-chosen id. Duplicate ids fail with
// ErrTaskExists.
func (m *Manager) SubmitWithID(id string, typ types.TaskType, fn TaskFunc, meta map[string]any) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("taskmgr: nil task function")
	}

	rec := &types.TaskRecord{
		ID:        id,
		Type:      typ,
		State:     types.TaskQueued,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{record: rec, fn: fn, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrShutdown
	}
	if _, exists := m.records[id]; exists {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	// Enqueue under the lock so Shutdown cannot close the queue between
	// the closed check and the send.
	select {
	case m.queue <- t:
	default:
		m.mu.Unlock()
		cancel()
		return "", ErrQueueFull
	}
	m.records[id] = rec
	m.tasks[id] = t
	m.mu.Unlock()

	metrics.TasksActive.Inc()
	m.logger.Debug().Str("task", id).Str("type", string(typ)).Msg("task submitted")
	return id, nil
}

// Get returns a snapshot of the task record.
func (m *Manager) Get(id string) (*types.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns record snapshots sorted by creation time, newest first.
// Nil filters match everything; limit <= 0 means unbounded.
func (m *Manager) List(state *types.TaskState, typ *types.TaskType, limit int) []*types.TaskRecord {
	m.mu.Lock()
	out := make([]*types.TaskRecord, 0, len(m.records))
	for _, rec := range m.records {
		if state != nil && rec.State != *state {
			continue
		}
		if typ != nil && rec.Type != *typ {
			continue
		}
		out = append(out, rec.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UpdateProgress sets the task's progress, clamped to [0, 100]. Only running
// tasks accept progress updates.
func (m *Manager) UpdateProgress(id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.State != types.TaskRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, rec.State)
	}
	rec.Progress = pct
	return nil
}

// Cancel moves a queued or running task to cancelled and cancels its
// context. It reports whether this call changed the state; cancelling a
// terminal or unknown task returns false.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.record.State.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.finalizeLocked(t, types.TaskCancelled, nil, "")
	m.mu.Unlock()

	t.cancel()
	m.wake()
	m.logger.Debug().Str("task", id).Msg("task cancelled")
	return true
}

// ClearCompleted removes all terminal records and returns how many were
// dropped.
func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.records {
		if rec.State.Terminal() {
			delete(m.records, id)
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// OnTaskComplete registers a listener invoked exactly once per terminal
// transition, in termination order.
func (m *Manager) OnTaskComplete(fn CompletionFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Stats returns a snapshot of the registry and pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Workers:    m.cfg.Workers,
		QueueDepth: len(m.queue),
		QueueCap:   cap(m.queue),
	}
	for _, rec := range m.records {
		switch rec.State {
		case types.TaskQueued:
			s.Queued++
		case types.TaskRunning:
			s.Running++
		case types.TaskCompleted:
			s.Completed++
		case types.TaskFailed:
			s.Failed++
		case types.TaskCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Shutdown stops intake and cancels all still-queued tasks. With wait true
// it blocks until in-flight tasks finish and their completion callbacks have
// fired; with wait false the workers are abandoned.
func (m *Manager) Shutdown(wait bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	// Queued tasks never start once intake stops.
	for _, t := range m.tasks {
		if t.record.State == types.TaskQueued {
			m.finalizeLocked(t, types.TaskCancelled, nil, "")
			t.cancel()
		}
	}
	close(m.queue)
	m.mu.Unlock()
	m.wake()

	if !wait {
		m.logger.Info().Msg("task manager shut down, workers abandoned")
		return
	}
	m.wg.Wait()
	close(m.stop)
	<-m.done
	m.logger.Info().Msg("task manager shut down")
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.queue {
		m.run(t)
	}
}

func (m *Manager) run(t *task) {
	defer t.cancel()

	m.mu.Lock()
	// Cancelled while queued: nothing to do.
	if t.record.State.Terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.record.State = types.TaskRunning
	t.record.StartedAt = &now
	id := t.record.ID
	m.mu.Unlock()

	result, err := m.invoke(t)

	m.mu.Lock()
	// Cancelled while running: the cancel already finalized the record.
	if t.record.State.Terminal() {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.finalizeLocked(t, types.TaskFailed, nil, err.Error())
	} else {
		m.finalizeLocked(t, types.TaskCompleted, result, "")
	}
	m.mu.Unlock()

	m.wake()
	if err != nil {
		m.logger.Warn().Err(err).Str("task", id).Msg("task failed")
	} else {
		m.logger.Debug().Str("task", id).Msg("task completed")
	}
}

// invoke runs the task function, converting panics into errors so one bad
// job cannot take down a worker.
func (m *Manager) invoke(t *task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(t.ctx, &Handle{id: t.record.ID, m: m})
}

// finalizeLocked applies the terminal transition, stamps completion, prunes
// history, and queues the completion snapshot for the dispatcher. Caller
// holds the mutex and is responsible for calling wake afterwards.
func (m *Manager) finalizeLocked(t *task, state types.TaskState, result any, errMsg string) {
	now := time.Now().UTC()
	t.record.State = state
	t.record.CompletedAt = &now
	if state == types.TaskCompleted {
		t.record.Result = result
		t.record.Progress = 100
	}
	if errMsg != "" {
		t.record.Error = errMsg
	}

	metrics.TasksActive.Dec()
	metrics.TasksTotal.WithLabelValues(string(t.record.Type), string(state)).Inc()
	if t.record.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(string(t.record.Type)).
			Observe(now.Sub(*t.record.StartedAt).Seconds())
	}

	m.pending = append(m.pending, t.record.Clone())
	m.pruneLocked()
}

// pruneLocked drops the oldest terminal records past the history cap.
// Caller holds the mutex.
func (m *Manager) pruneLocked() {
	terminal := make([]*types.TaskRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.State.Terminal() {
			terminal = append(terminal, rec)
		}
	}
	excess := len(terminal) - m.cfg.MaxHistory
	if excess <= 0 {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		ti, tj := terminal[i].CompletedAt, terminal[j].CompletedAt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	for _, rec := range terminal[:excess] {
		delete(m.records, rec.ID)
		delete(m.tasks, rec.ID)
	}
}

func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// completionLoop drains pending completion snapshots in termination order
// and fans them out to the registered listeners. Listener panics are
// isolated so one bad callback cannot starve the rest.
func (m *Manager) completionLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			m.drainPending()
			return
		case <-m.notify:
			m.drainPending()
		}
	}
}

func (m *Manager) drainPending() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		rec := m.pending[0]
		m.pending = append([]*types.TaskRecord(nil), m.pending[1:]...)
		listeners := append([]CompletionFunc(nil), m.listeners...)
		m.mu.Unlock()

		for _, fn := range listeners {
			m.fire(fn, rec)
		}
	}
}

func (m *Manager) fire(fn CompletionFunc, rec *types.TaskRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("task", rec.ID).
				Interface("panic", r).
				Msg("completion listener panicked")
		}
	}()
	fn(rec)
}
