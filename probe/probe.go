// Package probe determines when a dev server is ready to serve traffic.
//
// Readiness means the server accepts a TCP connection on its allocated port.
// The prober polls rather than watching a fixed delay, so fast servers are
// reported ready fast and slow ones get the full timeout.
package probe

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialTimeout bounds a single connection attempt.
const dialTimeout = 500 * time.Millisecond

// ErrTimeout is returned when the port never accepted a connection within the
// overall timeout.
var ErrTimeout = fmt.Errorf("server did not become ready before timeout")

// WaitReady polls the loopback port until it accepts a TCP connection.
// It returns nil once a connection succeeds, ErrTimeout if the timeout
// elapses first, and ctx.Err() if the context is cancelled — cancellation
// wins over the timeout.
func WaitReady(ctx context.Context, port int, interval, timeout time.Duration) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if tryConnect(addr) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// tryConnect reports whether the address currently accepts connections.
func tryConnect(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
