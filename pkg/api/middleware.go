package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/reqctx"
)

// rateLimitedBody is the 429 payload: the limit that applied, its window,
// and how long to wait before retrying, in seconds.
type rateLimitedBody struct {
	Error      string  `json:"error"`
	Limit      int     `json:"limit"`
	Window     string  `json:"window"`
	RetryAfter float64 `json:"retry_after"`
	RequestID  string  `json:"request_id,omitempty"`
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, limit int, window, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	writeJSON(w, http.StatusTooManyRequests, rateLimitedBody{
		Error:      "rate limit exceeded",
		Limit:      limit,
		Window:     window.String(),
		RetryAfter: math.Round(retryAfter.Seconds()*1000) / 1000,
		RequestID:  reqctx.RequestID(r.Context()),
	})
}

// clientEntry pairs a token bucket with its last use so idle clients can be
// evicted.
type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// clientLimiter applies a per-client request budget in front of the API
// routes. Clients are keyed by originating IP.
type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientEntry
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientEntry),
	}
}

// get returns the client's limiter, creating it on first sight.
func (cl *clientLimiter) get(client string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	e, ok := cl.clients[client]
	if !ok {
		e = &clientEntry{lim: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[client] = e
	}
	e.lastSeen = time.Now()
	return e.lim
}

// cleanup evicts clients idle longer than maxIdle and returns how many were
// dropped.
func (cl *clientLimiter) cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for client, e := range cl.clients {
		if e.lastSeen.Before(cutoff) {
			delete(cl.clients, client)
			removed++
		}
	}
	return removed
}

// middleware rejects requests over budget with 429. The retry-after comes
// from the reservation delay, so it is exactly how long the client must wait.
func (cl *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cl.rps <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		res := cl.get(getClientIP(r)).Reserve()
		if !res.OK() {
			writeRateLimited(w, r, int(cl.rps), time.Second, time.Second)
			return
		}
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			writeRateLimited(w, r, int(cl.rps), time.Second, delay)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the originating client address, preferring proxy
// headers over the socket peer.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// metricsMiddleware records request counts and latency per method.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
