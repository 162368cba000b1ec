package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spiderfoot/fabric/pkg/resilient"
	"github.com/spiderfoot/fabric/pkg/store"
	"github.com/spiderfoot/fabric/pkg/taskmgr"
	"github.com/spiderfoot/fabric/pkg/types"
)

// BusHealth is the slice of the resilient bus the checker reads.
type BusHealth interface {
	Health() resilient.Health
}

// NewBusChecker reports the resilient bus's cached probe result. The bus
// grades itself (connectivity, circuit state, DLQ depth); this checker just
// translates the snapshot.
func NewBusChecker(bus BusHealth) Checker {
	return Func("bus", func(ctx context.Context) Result {
		start := time.Now()
		h := bus.Health()
		message := h.Reason
		if message == "" {
			message = fmt.Sprintf("connected, circuit %s", h.CircuitState)
		}
		return Result{
			Status:    Status(h.Status),
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	})
}

// NewStoreChecker probes the report store with a save/get/delete round trip.
// The probe report carries a unique id so concurrent probes cannot collide.
func NewStoreChecker(st store.Store) Checker {
	return Func("store", func(ctx context.Context) Result {
		start := time.Now()
		probe := &types.Report{
			ID:     "health-probe-" + uuid.NewString(),
			ScanID: "health-probe",
			Title:  "health probe",
			Status: "probe",
			Type:   "probe",
		}
		if err := st.Save(ctx, probe); err != nil {
			return storeFailure(start, "save", err)
		}
		if _, err := st.Get(ctx, probe.ID); err != nil {
			return storeFailure(start, "get", err)
		}
		if err := st.Delete(ctx, probe.ID); err != nil {
			return storeFailure(start, "delete", err)
		}
		return Result{
			Status:    StatusHealthy,
			Message:   "round trip ok",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	})
}

func storeFailure(start time.Time, op string, err error) Result {
	return Result{
		Status:    StatusUnhealthy,
		Message:   fmt.Sprintf("%s failed: %v", op, err),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// TaskStats is the slice of the task manager the checker reads.
type TaskStats interface {
	Stats() taskmgr.Stats
}

// NewTaskChecker grades the worker pool: a full queue rejects submissions
// and is unhealthy; every worker busy with work still queued is degraded.
func NewTaskChecker(tm TaskStats) Checker {
	return Func("tasks", func(ctx context.Context) Result {
		start := time.Now()
		st := tm.Stats()

		status := StatusHealthy
		message := fmt.Sprintf("%d/%d workers busy, %d queued", st.Running, st.Workers, st.Queued)
		switch {
		case st.QueueCap > 0 && st.QueueDepth >= st.QueueCap:
			status = StatusUnhealthy
			message = fmt.Sprintf("task queue full (%d/%d), submissions rejected", st.QueueDepth, st.QueueCap)
		case st.Workers > 0 && st.Running >= st.Workers && st.Queued > 0:
			status = StatusDegraded
			message = fmt.Sprintf("all %d workers busy, %d tasks queued", st.Workers, st.Queued)
		}

		return Result{
			Status:    status,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	})
}
