package api

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/alerts"
	"github.com/spiderfoot/fabric/pkg/config"
	"github.com/spiderfoot/fabric/pkg/health"
	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/notify"
	"github.com/spiderfoot/fabric/pkg/ratelimit"
	"github.com/spiderfoot/fabric/pkg/reqctx"
	"github.com/spiderfoot/fabric/pkg/resilient"
	"github.com/spiderfoot/fabric/pkg/store"
	"github.com/spiderfoot/fabric/pkg/taskmgr"
	"github.com/spiderfoot/fabric/pkg/types"
)

const (
	housekeepingInterval = 10 * time.Minute
	clientMaxIdle        = time.Hour
)

// RunnerFunc builds the work function for a submitted task from its request
// metadata. The assembly registers one per task type it knows how to run.
type RunnerFunc func(meta map[string]any) taskmgr.TaskFunc

// Deps bundles the components the HTTP surface exposes. The daemon wires
// all of them; tests may leave a field nil as long as its routes go
// unexercised.
type Deps struct {
	Config  config.APIConfig
	Bus     *resilient.Bus
	Tasks   *taskmgr.Manager
	Alerts  *alerts.Engine
	Notify  *notify.Manager
	Store   store.Store
	Limiter *ratelimit.Limiter
	Monitor *health.Monitor

	// Prefix is the channel prefix stamped onto published event topics.
	Prefix string

	// Runners maps task types to work-function factories for POST /api/tasks.
	Runners map[types.TaskType]RunnerFunc

	// Version and Commit identify the build in /health and /version.
	Version string
	Commit  string
}

// Server is the HTTP adapter over the fabric components.
type Server struct {
	deps    Deps
	cfg     config.APIConfig
	keyRole Role
	logger  zerolog.Logger

	tokens  *tokenStore
	clients *clientLimiter
	router  chi.Router
	srv     *http.Server

	started time.Time

	hkMu   sync.Mutex
	hkStop chan struct{}
	hkDone chan struct{}
}

// NewServer wires the router. Deps.Config supplies the listen address, auth
// material, and throttling parameters.
func NewServer(deps Deps) *Server {
	cfg := deps.Config
	keyRole, err := ParseRole(cfg.KeyRole)
	if err != nil {
		keyRole = RoleOperator
	}

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		keyRole: keyRole,
		logger:  log.WithComponent("api"),
		tokens:  newTokenStore(cfg.TokenSecret, cfg.TokenTTL.Std(), cfg.RefreshTTL.Std()),
		clients: newClientLimiter(cfg.RequestsPerSecond, cfg.Burst),
		started: time.Now().UTC(),
	}
	s.router = s.buildRouter()
	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(reqctx.Middleware(reqctx.MiddlewareConfig{SlowThreshold: s.cfg.SlowThreshold.Std()}))
	r.Use(metricsMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Probes and metrics stay outside auth and throttling so orchestrators
	// can always reach them.
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/ready", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/live", metrics.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/version", s.handleVersion)

	r.Route("/api", func(api chi.Router) {
		// Token endpoints authenticate inside their handlers: issue takes
		// the static key, refresh takes the refresh token itself.
		api.Group(func(g chi.Router) {
			g.Use(s.clients.middleware)
			g.Post("/auth/token", s.handleTokenIssue)
			g.Post("/auth/refresh", s.handleTokenRefresh)
		})

		api.Group(func(g chi.Router) {
			g.Use(s.requireAuth, s.clients.middleware)

			g.Post("/events", s.handlePublish)

			g.Route("/bus", func(b chi.Router) {
				b.Get("/stats", s.handleBusStats)
				b.Get("/dlq", s.handleDLQList)
				b.Delete("/dlq", s.handleDLQClear)
				b.Post("/dlq/replay", s.handleDLQReplay)
			})

			g.Route("/tasks", func(t chi.Router) {
				t.Get("/", s.handleTaskList)
				t.Post("/", s.handleTaskSubmit)
				t.Delete("/completed", s.handleTaskClearCompleted)
				t.Get("/{id}", s.handleTaskGet)
				t.Post("/{id}/cancel", s.handleTaskCancel)
				t.Post("/{id}/progress", s.handleTaskProgress)
			})

			g.Route("/webhooks", func(wh chi.Router) {
				wh.Get("/", s.handleWebhookList)
				wh.Post("/", s.handleWebhookAdd)
				wh.Delete("/{id}", s.handleWebhookRemove)
				wh.Post("/{id}/enable", s.handleWebhookEnable)
				wh.Post("/{id}/disable", s.handleWebhookDisable)
			})
			g.Get("/deliveries", s.handleDeliveryHistory)

			g.Route("/alerts", func(a chi.Router) {
				a.Get("/", s.handleAlertHistory)
				a.Post("/ack", s.handleAlertAckAll)
				a.Get("/rules", s.handleRuleList)
				a.Post("/rules", s.handleRuleAdd)
				a.Delete("/rules/{name}", s.handleRuleRemove)
				a.Post("/rules/{name}/enable", s.handleRuleEnable)
				a.Post("/rules/{name}/disable", s.handleRuleDisable)
				a.Post("/{id}/ack", s.handleAlertAck)
			})

			// Rate-limit keys carry colons and slashes, so the key routes
			// use a catch-all rather than a single segment parameter.
			g.Route("/ratelimit", func(rl chi.Router) {
				rl.Post("/check", s.handleRateCheck)
				rl.Get("/*", s.handleRateStatus)
				rl.Put("/*", s.handleRateSetLimit)
				rl.Delete("/*", s.handleRateReset)
			})

			g.Route("/reports", func(rp chi.Router) {
				rp.Get("/", s.handleReportList)
				rp.Post("/", s.handleReportCreate)
				rp.Get("/{id}", s.handleReportGet)
				rp.Put("/{id}", s.handleReportUpdate)
				rp.Delete("/{id}", s.handleReportDelete)
			})
		})
	})

	return r
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving on the configured listen address. It blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.startHousekeeping()
	metrics.UpdateComponent("api", metrics.StatusHealthy, "listening on "+s.cfg.Listen)
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("api server starting")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops background housekeeping.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopHousekeeping()
	metrics.UpdateComponent("api", metrics.StatusUnhealthy, "shutting down")
	err := s.srv.Shutdown(ctx)
	s.logger.Info().Msg("api server stopped")
	return err
}

// startHousekeeping launches the loop that drops expired tokens and idle
// client limiters. Starting twice is a no-op.
func (s *Server) startHousekeeping() {
	s.hkMu.Lock()
	defer s.hkMu.Unlock()
	if s.hkStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.hkStop = stop
	s.hkDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(housekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := s.tokens.Cleanup(); n > 0 {
					s.logger.Debug().Int("tokens", n).Msg("expired tokens dropped")
				}
				if n := s.clients.cleanup(clientMaxIdle); n > 0 {
					s.logger.Debug().Int("clients", n).Msg("idle client limiters dropped")
				}
			}
		}
	}()
}

// stopHousekeeping halts the loop and waits for it to exit. Stopping twice
// or before start is safe.
func (s *Server) stopHousekeeping() {
	s.hkMu.Lock()
	stop, done := s.hkStop, s.hkDone
	s.hkStop, s.hkDone = nil, nil
	s.hkMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

type healthResponse struct {
	Status     string                   `json:"status"`
	Version    string                   `json:"version,omitempty"`
	Uptime     string                   `json:"uptime"`
	Timestamp  time.Time                `json:"timestamp"`
	Components map[string]health.Result `json:"components,omitempty"`
}

// handleHealth aggregates the monitor's cached results. Degraded still
// serves traffic; only unhealthy flips the status code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := health.StatusHealthy
	var components map[string]health.Result
	if s.deps.Monitor != nil {
		components = s.deps.Monitor.Results()
		overall = s.deps.Monitor.Overall()
	}

	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{
		Status:     string(overall),
		Version:    s.deps.Version,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Timestamp:  time.Now().UTC(),
		Components: components,
	})
}

type versionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit,omitempty"`
	GoVersion string    `json:"go_version"`
	Started   time.Time `json:"started"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	version := s.deps.Version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, http.StatusOK, versionResponse{
		Version:   version,
		Commit:    s.deps.Commit,
		GoVersion: runtime.Version(),
		Started:   s.started,
	})
}
