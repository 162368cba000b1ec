package fabric

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiderfoot/fabric/pkg/alerts"
	"github.com/spiderfoot/fabric/pkg/bus"
	"github.com/spiderfoot/fabric/pkg/config"
	"github.com/spiderfoot/fabric/pkg/store"
	"github.com/spiderfoot/fabric/pkg/types"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	cfg := config.Default()
	cfg.Tasks.Workers = 2
	cfg.Tasks.QueueSize = 16
	f, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { _ = f.Stop(context.Background()) })
	return f
}

func waitForTask(t *testing.T, f *Fabric, id string, want types.TaskState) *types.TaskRecord {
	t.Helper()
	var rec *types.TaskRecord
	require.Eventually(t, func() bool {
		got, err := f.Tasks.Get(id)
		if err != nil {
			return false
		}
		rec = got
		return got.State == want
	}, 2*time.Second, 10*time.Millisecond)
	return rec
}

func TestNewWiresComponents(t *testing.T) {
	f := newTestFabric(t)

	assert.Equal(t, bus.BackendMemory, f.Bus.Backend())
	assert.True(t, f.Bus.Connected())
	assert.NotNil(t, f.Tasks)
	assert.NotNil(t, f.Alerts)
	assert.NotNil(t, f.Notify)
	assert.NotNil(t, f.Store)
	assert.NotNil(t, f.Limiter)
	assert.NotNil(t, f.Monitor)

	runners := f.Runners()
	assert.Contains(t, runners, types.TaskTypeReport)
	assert.Contains(t, runners, types.TaskTypeExport)
	assert.Contains(t, runners, types.TaskTypeGeneric)
	// Scans run in external scanner processes.
	assert.NotContains(t, runners, types.TaskTypeScan)
}

func TestStartIsIdempotentAndStopIsFinal(t *testing.T) {
	cfg := config.Default()
	f, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Start(ctx))
	require.NoError(t, f.Start(ctx))

	require.NoError(t, f.Stop(ctx))
	require.NoError(t, f.Stop(ctx))

	err = f.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already stopped")
}

func TestStopWithoutStart(t *testing.T) {
	f, err := New(config.Default())
	require.NoError(t, err)
	require.NoError(t, f.Stop(context.Background()))
	require.Error(t, f.Start(context.Background()))
}

func TestPublishedEventsReachAlertEngine(t *testing.T) {
	f := newTestFabric(t)

	require.NoError(t, f.Alerts.AddRule(&alerts.Rule{
		Name:    "risky",
		Message: "risk {risk} on {event_type}",
		Enabled: true,
		Conditions: []alerts.Condition{
			{Kind: alerts.KindSeverity, Operator: alerts.OpGTE, Value: 80},
		},
	}))

	env := types.NewEnvelope("spiderfoot", "scan-9", "IP_ADDRESS", "sfp_portscan", "203.0.113.7")
	env.Risk = 90
	delivered, err := f.Bus.Publish(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, delivered)

	require.Eventually(t, func() bool {
		return len(f.Alerts.History(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "risky", f.Alerts.History(0)[0].RuleName)
}

func TestFoldScanEventIntoOpenReports(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	open := &types.Report{ScanID: "scan-9", Title: "recon", Status: reportStatusGenerating}
	require.NoError(t, f.Store.Save(ctx, open))
	done := &types.Report{ScanID: "scan-9", Title: "earlier run", Status: reportStatusCompleted}
	require.NoError(t, f.Store.Save(ctx, done))

	for _, et := range []string{"IP_ADDRESS", "DOMAIN_NAME"} {
		_, err := f.Bus.Publish(ctx, types.NewEnvelope("spiderfoot", "scan-9", et, "sfp_dns", "x"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		got, err := f.Store.Get(ctx, open.ID)
		if err != nil {
			return false
		}
		return metaInt(got.Metadata[metaEventsObserved]) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.Store.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, "DOMAIN_NAME", got.Metadata[metaLastEventType])
	assert.Equal(t, "sfp_dns", got.Metadata[metaLastEventModule])

	// Terminal reports stay untouched.
	finished, err := f.Store.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Nil(t, finished.Metadata)

	// Events without a scan id have nothing to fold into.
	require.NoError(t, f.foldScanEvent(ctx, &types.Envelope{EventType: "PING"}))
}

func TestReportRunnerLifecycle(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	meta := map[string]any{"scan_id": "scan-1", "title": "Recon findings"}
	fn := f.Runners()[types.TaskTypeReport](meta)
	id, err := f.Tasks.Submit(types.TaskTypeReport, fn, meta)
	require.NoError(t, err)

	rec := waitForTask(t, f, id, types.TaskCompleted)
	result, ok := rec.Result.(map[string]any)
	require.True(t, ok, "report result should be a map, got %T", rec.Result)
	reportID, _ := result["report_id"].(string)
	require.NotEmpty(t, reportID)

	rep, err := f.Store.Get(ctx, reportID)
	require.NoError(t, err)
	assert.Equal(t, "Recon findings", rep.Title)
	assert.Equal(t, "scan-1", rep.ScanID)
	assert.Equal(t, "summary", rep.Type)
	assert.Equal(t, reportStatusCompleted, rep.Status)
	assert.Equal(t, 100, rep.Progress)
	assert.Equal(t, id, rep.Metadata["task_id"])
	assert.Contains(t, rep.ExecutiveSummary, "scan-1")
	require.Len(t, rep.Sections, 1)
	assert.Equal(t, "Overview", rep.Sections[0].Title)
}

func TestReportRunnerDefaultsTitleAndType(t *testing.T) {
	f := newTestFabric(t)

	fn := f.Runners()[types.TaskTypeReport](nil)
	id, err := f.Tasks.Submit(types.TaskTypeReport, fn, nil)
	require.NoError(t, err)

	rec := waitForTask(t, f, id, types.TaskCompleted)
	result := rec.Result.(map[string]any)
	rep, err := f.Store.Get(context.Background(), result["report_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Scan report", rep.Title)
	assert.Equal(t, "summary", rep.Type)
	assert.Contains(t, rep.ExecutiveSummary, "(unscoped)")
}

func TestExportRunner(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	rep := &types.Report{ScanID: "scan-2", Title: "to export", Status: reportStatusCompleted}
	require.NoError(t, f.Store.Save(ctx, rep))

	meta := map[string]any{"report_id": rep.ID}
	id, err := f.Tasks.Submit(types.TaskTypeExport, f.Runners()[types.TaskTypeExport](meta), meta)
	require.NoError(t, err)

	rec := waitForTask(t, f, id, types.TaskCompleted)
	result := rec.Result.(map[string]any)
	assert.Equal(t, rep.ID, result["report_id"])
	assert.Equal(t, "json", result["format"])
	size, _ := result["size_bytes"].(int)
	assert.Greater(t, size, 0)

	got, err := f.Store.Get(ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, "json", got.Metadata["export_format"])
	assert.Equal(t, size, metaInt(got.Metadata["export_size_bytes"]))
	exportedAt, _ := got.Metadata["exported_at"].(string)
	_, err = time.Parse(time.RFC3339, exportedAt)
	assert.NoError(t, err)
}

func TestExportRunnerRejectsBadInput(t *testing.T) {
	f := newTestFabric(t)

	noTarget := f.Runners()[types.TaskTypeExport](nil)
	id, err := f.Tasks.Submit(types.TaskTypeExport, noTarget, nil)
	require.NoError(t, err)
	rec := waitForTask(t, f, id, types.TaskFailed)
	assert.Contains(t, rec.Error, "report_id")

	meta := map[string]any{"report_id": "ghost", "format": "xml"}
	id, err = f.Tasks.Submit(types.TaskTypeExport, f.Runners()[types.TaskTypeExport](meta), meta)
	require.NoError(t, err)
	rec = waitForTask(t, f, id, types.TaskFailed)
	assert.Contains(t, rec.Error, "unsupported export format")
}

func TestGenericRunnerCompletes(t *testing.T) {
	f := newTestFabric(t)

	meta := map[string]any{"a": 1, "b": 2}
	id, err := f.Tasks.Submit(types.TaskTypeGeneric, f.Runners()[types.TaskTypeGeneric](meta), meta)
	require.NoError(t, err)

	rec := waitForTask(t, f, id, types.TaskCompleted)
	assert.Equal(t, 100, rec.Progress)
	result := rec.Result.(map[string]any)
	assert.Equal(t, 2, result["metadata_keys"])
}

func TestOpenStoreBackends(t *testing.T) {
	mem, err := openStore(config.StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	_, isMemory := mem.(*store.MemoryStore)
	assert.True(t, isMemory)
	require.NoError(t, mem.Close())

	cached, err := openStore(config.StoreConfig{
		Backend:   "bolt",
		BoltPath:  filepath.Join(t.TempDir(), "fabric.db"),
		CacheSize: 8,
		CacheTTL:  config.Duration(time.Minute),
	})
	require.NoError(t, err)
	_, isCached := cached.(*store.Cached)
	assert.True(t, isCached)

	rep := &types.Report{Title: "bolted"}
	require.NoError(t, cached.Save(context.Background(), rep))
	got, err := cached.Get(context.Background(), rep.ID)
	require.NoError(t, err)
	assert.Equal(t, "bolted", got.Title)
	require.NoError(t, cached.Close())
}
