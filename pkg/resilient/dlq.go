package resilient

import (
	"sync"
	"time"

	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/types"
)

// DLQ entry reasons.
const (
	ReasonCircuitOpen   = "circuit_open"
	ReasonPublishFailed = "publish_failed"
)

// DeadLetterEntry is one envelope the publish path gave up on, with enough
// context to diagnose and replay it.
type DeadLetterEntry struct {
	Envelope  *types.Envelope `json:"envelope"`
	Reason    string          `json:"reason"`
	LastError string          `json:"last_error,omitempty"`
	Attempts  int             `json:"attempts"`
	FailedAt  time.Time       `json:"failed_at"`
}

// deadLetterQueue is a bounded FIFO. When full, the oldest entry is dropped
// to admit the newest: recent failures are worth more than stale ones.
type deadLetterQueue struct {
	mu      sync.Mutex
	entries []*DeadLetterEntry
	max     int
}

func newDeadLetterQueue(max int) *deadLetterQueue {
	return &deadLetterQueue{max: max}
}

func (q *deadLetterQueue) Push(entry *DeadLetterEntry) {
	q.mu.Lock()
	if len(q.entries) >= q.max {
		dropped := len(q.entries) - q.max + 1
		q.entries = append([]*DeadLetterEntry(nil), q.entries[dropped:]...)
		metrics.EventsDropped.WithLabelValues("dlq_overflow").Add(float64(dropped))
	}
	q.entries = append(q.entries, entry)
	size := len(q.entries)
	q.mu.Unlock()

	metrics.DLQAdded.Inc()
	metrics.DLQSize.Set(float64(size))
}

func (q *deadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot, oldest first.
func (q *deadLetterQueue) Entries() []*DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*DeadLetterEntry(nil), q.entries...)
}

// Clear empties the queue and returns how many entries were removed.
func (q *deadLetterQueue) Clear() int {
	q.mu.Lock()
	n := len(q.entries)
	q.entries = nil
	q.mu.Unlock()

	metrics.DLQSize.Set(0)
	return n
}

// takeOldest pops up to n entries from the head.
func (q *deadLetterQueue) takeOldest(n int) []*DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := q.entries[:n]
	q.entries = append([]*DeadLetterEntry(nil), q.entries[n:]...)
	return out
}

// requeue pushes a failed replay to the end without counting it as a new
// dead letter.
func (q *deadLetterQueue) requeue(entry *DeadLetterEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
}
