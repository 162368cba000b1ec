package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes a TCP endpoint by opening a connection. It suits
// backends without an HTTP surface, such as a Redis or NATS port.
type TCPChecker struct {
	name string

	// Address is the host:port to dial.
	Address string

	// Timeout bounds the dial (default 5 seconds).
	Timeout time.Duration
}

// NewTCPChecker builds a TCP checker reporting under the given name.
func NewTCPChecker(name, address string) *TCPChecker {
	return &TCPChecker{
		name:    name,
		Address: address,
		Timeout: 5 * time.Second,
	}
}

func (t *TCPChecker) Name() string { return t.name }

// Check dials the address and reports on connectivity.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	_ = conn.Close()

	return Result{
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("connected to %s", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WithTimeout sets the dial timeout.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
