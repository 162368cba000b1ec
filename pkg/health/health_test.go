package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiderfoot/fabric/pkg/resilient"
	"github.com/spiderfoot/fabric/pkg/store"
	"github.com/spiderfoot/fabric/pkg/taskmgr"
	"github.com/spiderfoot/fabric/pkg/types"
)

func TestHTTPCheckerHealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	res := NewHTTPChecker("probe", server.URL).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Contains(t, res.Message, "HTTP 200")
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestHTTPCheckerUnhealthyStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	res := NewHTTPChecker("probe", server.URL).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "expected 200-399")
}

func TestHTTPCheckerCustomStatusRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	checker := NewHTTPChecker("probe", server.URL).WithStatusRange(200, 299)
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
}

func TestHTTPCheckerSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker("probe", server.URL).WithHeader("X-Probe-Token", "tok")
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
}

func TestHTTPCheckerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker("probe", server.URL).WithTimeout(50 * time.Millisecond)
	res := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "request failed")
}

func TestTCPCheckerConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	res := NewTCPChecker("redis", ln.Addr().String()).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Contains(t, res.Message, ln.Addr().String())
}

func TestTCPCheckerConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	res := NewTCPChecker("redis", addr).WithTimeout(time.Second).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "connection failed")
}

type fakeBus struct {
	health resilient.Health
}

func (f fakeBus) Health() resilient.Health { return f.health }

func TestBusCheckerTranslatesSnapshot(t *testing.T) {
	healthy := NewBusChecker(fakeBus{health: resilient.Health{
		Status:       "healthy",
		CircuitState: "closed",
		Connected:    true,
	}})
	assert.Equal(t, "bus", healthy.Name())
	res := healthy.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Contains(t, res.Message, "circuit closed")

	open := NewBusChecker(fakeBus{health: resilient.Health{
		Status:       "unhealthy",
		Reason:       "circuit open",
		CircuitState: "open",
		Connected:    true,
	}})
	res = open.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "circuit open", res.Message)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Save(ctx context.Context, r *types.Report) error {
	return errors.New("disk gone")
}

func TestStoreCheckerRoundTrip(t *testing.T) {
	st := store.NewMemory()
	checker := NewStoreChecker(st)
	assert.Equal(t, "store", checker.Name())

	res := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	// The probe cleans up after itself.
	n, err := st.Count(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreCheckerReportsFailure(t *testing.T) {
	res := NewStoreChecker(brokenStore{}).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "save failed")
	assert.Contains(t, res.Message, "disk gone")
}

type fakeTasks struct {
	stats taskmgr.Stats
}

func (f fakeTasks) Stats() taskmgr.Stats { return f.stats }

func TestTaskCheckerGradesSaturation(t *testing.T) {
	cases := []struct {
		name  string
		stats taskmgr.Stats
		want  Status
	}{
		{"idle", taskmgr.Stats{Workers: 4, QueueCap: 128}, StatusHealthy},
		{"busy with headroom", taskmgr.Stats{Running: 2, Workers: 4, QueueDepth: 3, QueueCap: 128, Queued: 3}, StatusHealthy},
		{"saturated", taskmgr.Stats{Running: 4, Workers: 4, QueueDepth: 10, QueueCap: 128, Queued: 10}, StatusDegraded},
		{"queue full", taskmgr.Stats{Running: 4, Workers: 4, QueueDepth: 128, QueueCap: 128, Queued: 128}, StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := NewTaskChecker(fakeTasks{stats: tc.stats}).Check(context.Background())
			assert.Equal(t, tc.want, res.Status, res.Message)
		})
	}
}

func staticChecker(name string, status Status) Checker {
	return Func(name, func(ctx context.Context) Result {
		return Result{Status: status, CheckedAt: time.Now(), Message: string(status)}
	})
}

func TestMonitorRunOnceCachesResults(t *testing.T) {
	mon := NewMonitor(Config{})
	mon.Register(staticChecker("a", StatusHealthy))
	mon.Register(staticChecker("b", StatusDegraded))

	out := mon.RunOnce(context.Background())
	require.Len(t, out, 2)
	assert.Equal(t, StatusHealthy, out["a"].Status)
	assert.Equal(t, StatusDegraded, out["b"].Status)

	cached := mon.Results()
	assert.Equal(t, out["a"].Status, cached["a"].Status)
	assert.Equal(t, out["b"].Status, cached["b"].Status)
}

func TestMonitorOverallAggregation(t *testing.T) {
	mon := NewMonitor(Config{})
	assert.Equal(t, StatusHealthy, mon.Overall(), "no results yet")

	mon.Register(staticChecker("a", StatusHealthy))
	mon.RunOnce(context.Background())
	assert.Equal(t, StatusHealthy, mon.Overall())

	mon.Register(staticChecker("b", StatusDegraded))
	mon.RunOnce(context.Background())
	assert.Equal(t, StatusDegraded, mon.Overall())

	mon.Register(staticChecker("c", StatusUnhealthy))
	mon.RunOnce(context.Background())
	assert.Equal(t, StatusUnhealthy, mon.Overall())
}

func TestMonitorIsolatesPanickingChecker(t *testing.T) {
	mon := NewMonitor(Config{})
	mon.Register(Func("boom", func(ctx context.Context) Result {
		panic("kaput")
	}))
	mon.Register(staticChecker("fine", StatusHealthy))

	out := mon.RunOnce(context.Background())
	assert.Equal(t, StatusUnhealthy, out["boom"].Status)
	assert.Contains(t, out["boom"].Message, "kaput")
	assert.Equal(t, StatusHealthy, out["fine"].Status)
}

func TestMonitorBoundsSlowChecker(t *testing.T) {
	mon := NewMonitor(Config{Timeout: 30 * time.Millisecond})
	mon.Register(Func("slow", func(ctx context.Context) Result {
		<-ctx.Done()
		return Result{Status: StatusUnhealthy, Message: ctx.Err().Error(), CheckedAt: time.Now()}
	}))

	start := time.Now()
	out := mon.RunOnce(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusUnhealthy, out["slow"].Status)
	assert.Contains(t, out["slow"].Message, "deadline exceeded")
}

func TestMonitorBackgroundLoop(t *testing.T) {
	var passes atomic.Int64
	mon := NewMonitor(Config{Interval: 20 * time.Millisecond})
	mon.Register(Func("count", func(ctx context.Context) Result {
		passes.Add(1)
		return Result{Status: StatusHealthy, CheckedAt: time.Now()}
	}))

	mon.Start()
	mon.Start() // second start is a no-op

	assert.Eventually(t, func() bool { return passes.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	mon.Stop()
	settled := passes.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, passes.Load(), "no passes after stop")

	mon.Stop() // second stop is safe
}
