package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spiderfoot/fabric/pkg/api"
	"github.com/spiderfoot/fabric/pkg/reqctx"
	"github.com/spiderfoot/fabric/pkg/taskmgr"
	"github.com/spiderfoot/fabric/pkg/types"
)

// Runners returns the work-function factories the daemon registers with the
// HTTP task surface. Scan and workspace jobs belong to external scanner
// processes, so submitting those types here is rejected by the API as
// having no runner.
func (f *Fabric) Runners() map[types.TaskType]api.RunnerFunc {
	return map[types.TaskType]api.RunnerFunc{
		types.TaskTypeReport:  f.reportRunner,
		types.TaskTypeExport:  f.exportRunner,
		types.TaskTypeGeneric: genericRunner,
	}
}

// reportRunner drives a report record through its lifecycle: created in the
// generating state so the persistence subscriber folds scan activity into
// it, then finished completed with the generation time stamped. Templating
// lives with the report consumers; this produces the structured record.
func (f *Fabric) reportRunner(meta map[string]any) taskmgr.TaskFunc {
	return func(ctx context.Context, h *taskmgr.Handle) (any, error) {
		started := time.Now()

		rep := &types.Report{
			ScanID:   metaString(meta, "scan_id"),
			Title:    metaString(meta, "title"),
			Type:     metaString(meta, "report_type"),
			Status:   reportStatusGenerating,
			Metadata: map[string]any{"task_id": h.ID()},
		}
		if rep.Title == "" {
			rep.Title = "Scan report"
		}
		if rep.Type == "" {
			rep.Type = "summary"
		}
		if err := f.Store.Save(ctx, rep); err != nil {
			return nil, fmt.Errorf("create report: %w", err)
		}
		h.SetProgress(25)

		if err := ctx.Err(); err != nil {
			f.failReport(ctx, rep.ID, err)
			return nil, err
		}

		// Reread so metadata folded in while we worked survives the final
		// write.
		current, err := f.Store.Get(ctx, rep.ID)
		if err != nil {
			return nil, fmt.Errorf("reread report: %w", err)
		}
		h.SetProgress(75)

		if err := ctx.Err(); err != nil {
			f.failReport(ctx, rep.ID, err)
			return nil, err
		}

		observed := metaInt(current.Metadata[metaEventsObserved])
		current.Status = reportStatusCompleted
		current.Progress = 100
		current.GenerationTimeMS = time.Since(started).Milliseconds()
		current.ExecutiveSummary = fmt.Sprintf("Observed %d events for scan %s.", observed, orUnscoped(current.ScanID))
		current.Sections = append(current.Sections, types.ReportSection{
			Title:   "Overview",
			Content: fmt.Sprintf("Scan %s produced %d events during report generation.", orUnscoped(current.ScanID), observed),
			Order:   1,
		})
		if err := f.Store.Update(ctx, current); err != nil {
			return nil, fmt.Errorf("finish report: %w", err)
		}

		return map[string]any{
			"report_id":          current.ID,
			"scan_id":            current.ScanID,
			"events_observed":    observed,
			"generation_time_ms": current.GenerationTimeMS,
		}, nil
	}
}

// failReport marks a report failed on a detached context so a cancelled
// task can still record its outcome.
func (f *Fabric) failReport(ctx context.Context, id string, cause error) {
	detached := reqctx.Detach(ctx)
	rep, err := f.Store.Get(detached, id)
	if err != nil {
		return
	}
	rep.Status = reportStatusFailed
	rep.Message = cause.Error()
	if err := f.Store.Update(detached, rep); err != nil {
		f.logger.Warn().Err(err).Str("report_id", id).Msg("failed report not recorded")
	}
}

// exportRunner serializes an existing report and stamps the export onto its
// metadata. JSON is the only wire format the daemon renders itself.
func (f *Fabric) exportRunner(meta map[string]any) taskmgr.TaskFunc {
	return func(ctx context.Context, h *taskmgr.Handle) (any, error) {
		reportID := metaString(meta, "report_id")
		if reportID == "" {
			return nil, fmt.Errorf("export requires report_id metadata")
		}
		format := metaString(meta, "format")
		if format == "" {
			format = "json"
		}
		if format != "json" {
			return nil, fmt.Errorf("unsupported export format %q", format)
		}

		rep, err := f.Store.Get(ctx, reportID)
		if err != nil {
			return nil, fmt.Errorf("load report: %w", err)
		}
		h.SetProgress(50)

		blob, err := json.Marshal(rep)
		if err != nil {
			return nil, fmt.Errorf("encode report: %w", err)
		}

		if rep.Metadata == nil {
			rep.Metadata = make(map[string]any, 3)
		}
		rep.Metadata["exported_at"] = time.Now().UTC().Format(time.RFC3339)
		rep.Metadata["export_format"] = format
		rep.Metadata["export_size_bytes"] = len(blob)
		if err := f.Store.Update(ctx, rep); err != nil {
			return nil, fmt.Errorf("record export: %w", err)
		}

		return map[string]any{
			"report_id":  reportID,
			"format":     format,
			"size_bytes": len(blob),
		}, nil
	}
}

// genericRunner completes immediately. Generic tasks exist so callers can
// push arbitrary one-shot jobs through the lifecycle and its callbacks.
func genericRunner(meta map[string]any) taskmgr.TaskFunc {
	return func(_ context.Context, h *taskmgr.Handle) (any, error) {
		h.SetProgress(100)
		return map[string]any{"metadata_keys": len(meta)}, nil
	}
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func orUnscoped(scanID string) string {
	if scanID == "" {
		return "(unscoped)"
	}
	return scanID
}
