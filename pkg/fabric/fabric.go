package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/alerts"
	"github.com/spiderfoot/fabric/pkg/bus"
	"github.com/spiderfoot/fabric/pkg/config"
	"github.com/spiderfoot/fabric/pkg/health"
	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/notify"
	"github.com/spiderfoot/fabric/pkg/ratelimit"
	"github.com/spiderfoot/fabric/pkg/resilient"
	"github.com/spiderfoot/fabric/pkg/store"
	"github.com/spiderfoot/fabric/pkg/taskmgr"
	"github.com/spiderfoot/fabric/pkg/types"
)

// Report statuses the fabric's own subscribers and runners agree on. The
// store treats status as an opaque string; these are the values the daemon
// writes.
const (
	reportStatusGenerating = "generating"
	reportStatusCompleted  = "completed"
	reportStatusFailed     = "failed"
)

// Metadata keys the persistence subscriber folds into open reports.
const (
	metaEventsObserved  = "events_observed"
	metaLastEventType   = "last_event_type"
	metaLastEventModule = "last_event_module"
)

// Fabric owns every long-lived component and the wiring between them. Build
// one with New, then Start it; the HTTP layer borrows the exported fields.
type Fabric struct {
	Bus     *resilient.Bus
	Tasks   *taskmgr.Manager
	Alerts  *alerts.Engine
	Notify  *notify.Manager
	Store   store.Store
	Limiter *ratelimit.Limiter
	Monitor *health.Monitor

	cfg    *config.Config
	logger zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	subIDs  []string
}

// New assembles the components from configuration and wires them together.
// Nothing is connected or scheduled yet; that happens in Start.
func New(cfg *config.Config) (*Fabric, error) {
	inner, err := bus.New(bus.Config{
		Backend:        bus.BackendKind(cfg.Bus.Backend),
		ChannelPrefix:  cfg.Bus.ChannelPrefix,
		QueueSize:      cfg.Bus.QueueSize,
		PublishRetries: cfg.Bus.PublishRetries,
		RetryBase:      cfg.Bus.RetryBase.Std(),
		RedisURL:       cfg.Bus.RedisURL,
		StreamMaxLen:   cfg.Bus.StreamMaxLen,
		NATSURL:        cfg.Bus.NATSURL,
		NATSStream:     cfg.Bus.NATSStream,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s bus: %w", cfg.Bus.Backend, err)
	}

	rb := resilient.Wrap(inner, resilient.Config{
		FailureThreshold:   cfg.Resilience.FailureThreshold,
		RecoveryTimeout:    cfg.Resilience.RecoveryTimeout.Std(),
		HalfOpenMax:        cfg.Resilience.HalfOpenMax,
		MaxPublishRetries:  cfg.Resilience.MaxPublishRetries,
		RetryBase:          cfg.Resilience.RetryBase.Std(),
		DLQSize:            cfg.Resilience.DLQSize,
		HealthInterval:     cfg.Resilience.HealthInterval.Std(),
		DegradedDLQEntries: cfg.Resilience.DegradedDLQEntries,
	})

	tm := taskmgr.New(taskmgr.Config{
		Workers:    cfg.Tasks.Workers,
		QueueSize:  cfg.Tasks.QueueSize,
		MaxHistory: cfg.Tasks.MaxHistory,
	})

	eng := alerts.New(alerts.Config{MaxHistory: cfg.Alerts.MaxHistory})

	nm := notify.NewManager(notify.NewDispatcher(notify.DispatcherConfig{
		DefaultTimeout:    cfg.Notify.DefaultTimeout.Std(),
		DefaultMaxRetries: cfg.Notify.DefaultMaxRetries,
		HistorySize:       cfg.Notify.HistorySize,
	}))

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	limiter := ratelimit.New(cfg.RateLimit.Enabled, ratelimit.Limit{
		Requests: cfg.RateLimit.DefaultRequests,
		Window:   cfg.RateLimit.DefaultWindow.Std(),
		Burst:    cfg.RateLimit.DefaultBurst,
	})

	mon := health.NewMonitor(health.Config{})
	mon.Register(health.NewBusChecker(rb))
	mon.Register(health.NewStoreChecker(st))
	mon.Register(health.NewTaskChecker(tm))

	// Terminal task transitions and fired alerts become webhook events.
	nm.WireTaskManager(tm)
	nm.WireAlertEngine(eng)

	return &Fabric{
		Bus:     rb,
		Tasks:   tm,
		Alerts:  eng,
		Notify:  nm,
		Store:   st,
		Limiter: limiter,
		Monitor: mon,
		cfg:     cfg,
		logger:  log.WithComponent("fabric"),
	}, nil
}

// openStore builds the configured report store, wrapped in the LRU cache
// when one is sized.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	var (
		base store.Store
		err  error
	)
	switch cfg.Backend {
	case "bolt":
		base, err = store.NewBolt(cfg.BoltPath)
	case "sql":
		db, derr := sqlx.Open(cfg.SQLDriver, cfg.SQLDSN)
		if derr != nil {
			return nil, fmt.Errorf("open %s pool: %w", cfg.SQLDriver, derr)
		}
		base, err = store.NewSQL(db)
	default:
		base = store.NewMemory()
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return store.WithCache(base, cfg.CacheSize, cfg.CacheTTL.Std())
	}
	return base, nil
}

// Start connects the bus, attaches the fabric's own subscribers, and kicks
// off the background loops. Calling Start on a started fabric is a no-op.
func (f *Fabric) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	if f.stopped {
		return fmt.Errorf("fabric: already stopped")
	}

	if err := f.Bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	// Alert evaluation sees every event; the persistence fold only cares
	// about the fabric's own channel prefix.
	for _, sub := range []struct {
		pattern string
		handler bus.Handler
	}{
		{">", f.evaluateAlerts},
		{f.cfg.Bus.ChannelPrefix + ".>", f.foldScanEvent},
	} {
		id, err := f.Bus.Subscribe(sub.pattern, sub.handler)
		if err != nil {
			_ = f.Bus.Disconnect(ctx)
			return fmt.Errorf("subscribe %q: %w", sub.pattern, err)
		}
		f.subIDs = append(f.subIDs, id)
	}

	f.Limiter.StartJanitor(f.cfg.RateLimit.CleanupInterval.Std(), f.cfg.RateLimit.MaxIdle.Std())
	f.Monitor.Start()

	f.started = true
	f.logger.Info().
		Str("bus_backend", string(f.Bus.Backend())).
		Str("store_backend", f.cfg.Store.Backend).
		Msg("fabric started")
	return nil
}

// Stop tears the fabric down in reverse dependency order: background loops
// first, then subscribers, the task pool, the bus, and finally the store.
// Safe to call more than once.
func (f *Fabric) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || !f.started {
		f.stopped = true
		return nil
	}

	f.Monitor.Stop()
	f.Limiter.StopJanitor()

	for _, id := range f.subIDs {
		if err := f.Bus.Unsubscribe(id); err != nil {
			f.logger.Warn().Err(err).Str("subscription", id).Msg("unsubscribe failed")
		}
	}
	f.subIDs = nil

	// Wait for in-flight tasks so their final store writes land before the
	// store closes.
	f.Tasks.Shutdown(true)

	var firstErr error
	if err := f.Bus.Disconnect(ctx); err != nil {
		firstErr = fmt.Errorf("disconnect bus: %w", err)
	}
	if err := f.Store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}

	f.started = false
	f.stopped = true
	f.logger.Info().Msg("fabric stopped")
	return firstErr
}

// evaluateAlerts runs every published envelope through the rule engine.
// Fired alerts reach webhooks through the notify wiring; evaluation itself
// never fails the delivery.
func (f *Fabric) evaluateAlerts(_ context.Context, env *types.Envelope) error {
	f.Alerts.EvaluateEnvelope(env)
	return nil
}

// foldScanEvent mirrors bus activity onto reports still generating for the
// same scan, so report consumers can watch ingest progress without holding
// their own subscription.
func (f *Fabric) foldScanEvent(ctx context.Context, env *types.Envelope) error {
	if env.ScanID == "" {
		return nil
	}
	open, err := f.Store.List(ctx, store.Filter{ScanID: env.ScanID, Status: reportStatusGenerating})
	if err != nil || len(open) == 0 {
		return err
	}
	for _, rep := range open {
		if rep.Metadata == nil {
			rep.Metadata = make(map[string]any, 3)
		}
		rep.Metadata[metaEventsObserved] = metaInt(rep.Metadata[metaEventsObserved]) + 1
		rep.Metadata[metaLastEventType] = env.EventType
		rep.Metadata[metaLastEventModule] = env.Module
		if err := f.Store.Update(ctx, rep); err != nil {
			return fmt.Errorf("fold event into report %s: %w", rep.ID, err)
		}
	}
	return nil
}

// metaInt reads a counter out of report metadata. Values that round-tripped
// through JSON come back as float64.
func metaInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
