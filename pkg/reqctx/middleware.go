package reqctx

import (
	"net/http"
	"time"

	"github.com/spiderfoot/fabric/pkg/log"
)

// MiddlewareConfig tunes the correlation middleware.
type MiddlewareConfig struct {
	// SlowThreshold is the request duration beyond which the completion log
	// escalates to warning level.
	SlowThreshold time.Duration
}

// Middleware returns an HTTP middleware that establishes the correlation
// scope for each request: it accepts or replaces the inbound X-Request-ID,
// binds Info and a request-scoped logger into the context, echoes the id on
// the response, and logs request start and end.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = 5 * time.Second
	}
	base := log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if !ValidID(id) {
				id = NewID()
			}

			info := Info{RequestID: id, Method: r.Method, Path: r.URL.Path}
			logger := base.With().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			ctx := With(r.Context(), info)
			ctx = logger.WithContext(ctx)

			w.Header().Set(HeaderRequestID, id)
			logger.Debug().Msg("request started")

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))
			elapsed := time.Since(start)

			evt := logger.Info()
			if elapsed > slow {
				evt = logger.Warn().Bool("slow", true)
			}
			evt.Int("status", rec.status).
				Int("bytes", rec.bytes).
				Dur("duration", elapsed).
				Msg("request completed")
		})
	}
}

// statusRecorder captures the status code and body size written by the
// handler chain.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}
