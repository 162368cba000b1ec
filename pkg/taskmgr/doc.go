/*
Package taskmgr runs background jobs on a fixed worker pool with full
lifecycle tracking.

Every submitted function becomes a TaskRecord that moves through a small
state machine. Records survive their task (bounded by MaxHistory) so the API
can answer "what happened to scan X" long after the work finished.

# Architecture

	┌──────────────────── TASK LIFECYCLE ─────────────────────┐
	│                                                           │
	│  Submit ──▶ [queued] ──▶ [running] ──▶ [completed]       │
	│                │             │    └───▶ [failed]          │
	│                │             │                            │
	│                └── Cancel ───┴────────▶ [cancelled]       │
	│                                                           │
	│  terminal states are absorbing; once a record completes,  │
	│  fails, or is cancelled it never changes again            │
	└───────────────────────────────────────────────────────────┘

	┌──────────────────── EXECUTION MODEL ────────────────────┐
	│                                                           │
	│  Submit ──▶ bounded queue ──▶ worker 1..N ──▶ TaskFunc    │
	│                                  │                        │
	│                 terminal transition (under lock)          │
	│                                  │                        │
	│                                  ▼                        │
	│            pending snapshots ──▶ dispatcher goroutine     │
	│                                  │                        │
	│                                  ▼                        │
	│            completion listeners, in termination order     │
	└───────────────────────────────────────────────────────────┘

# Semantics

  - Submit is non-blocking: a full queue fails fast with ErrQueueFull
    rather than stalling the caller.
  - Each task runs with its own context; Cancel cancels it. A cancelled
    task's function may keep running until it observes the context, but
    its record is already terminal and the late return is discarded.
  - Panics in a task function fail the task with the panic text; workers
    survive.
  - Completion listeners fire exactly once per terminal transition, in
    the order transitions happened, on a single dispatcher goroutine.
    Listener panics are isolated.
  - Progress is only writable while running and is clamped to [0, 100];
    completion forces it to 100.
  - History pruning removes the oldest terminal records first and never
    touches queued or running tasks.

# Usage

	mgr := taskmgr.New(taskmgr.Config{Workers: 4, QueueSize: 128})
	defer mgr.Shutdown(true)

	mgr.OnTaskComplete(func(rec *types.TaskRecord) {
		log.Info().Str("task", rec.ID).Str("state", string(rec.State)).Msg("done")
	})

	id, err := mgr.Submit(types.TaskTypeScan, func(ctx context.Context, h *taskmgr.Handle) (any, error) {
		h.SetProgress(50)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
		return map[string]any{"ok": true}, nil
	}, nil)

# Integration Points

  - pkg/notify: WireTaskManager turns terminal transitions into task.{state}
    events for webhook delivery
  - pkg/api: task submission, listing, progress, and cancellation endpoints
  - pkg/fabric: registers the built-in task runners and owns shutdown order
  - pkg/metrics: fabric_tasks_total, fabric_tasks_active, task duration
    histogram

# See Also

  - pkg/types for TaskRecord, TaskState, and the transition table
*/
package taskmgr
