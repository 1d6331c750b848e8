// Package ports allocates loopback TCP ports for dev servers.
//
// Allocation asks the kernel for an ephemeral port by binding 127.0.0.1:0 and
// closing the listener. The port is then attributed to the requesting project
// so status queries can report it and release can forget it. The window
// between close and the dev server binding is inherently racy, but ephemeral
// allocation keeps collisions rare and each project gets a distinct port.
package ports

import (
	"fmt"
	"net"
	"sync"

	"github.com/zhubert/preview-core/logger"
)

// Allocator hands out loopback ports and tracks which project holds which.
type Allocator struct {
	mu      sync.Mutex
	byPort  map[int]string // port → projectID
	byProj  map[string]int // projectID → port
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		byPort: make(map[int]string),
		byProj: make(map[string]int),
	}
}

// Acquire reserves a fresh ephemeral port for the project.
// A project that already holds a port gets the same port back.
func (a *Allocator) Acquire(projectID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byProj[projectID]; ok {
		return port, nil
	}

	port, err := ephemeralPort()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}

	// The kernel should not hand out a port we still track, but a stale
	// entry from a crashed release path must not alias two projects.
	if holder, ok := a.byPort[port]; ok && holder != projectID {
		return 0, fmt.Errorf("port %d already attributed to project %s", port, holder)
	}

	a.byPort[port] = projectID
	a.byProj[projectID] = port

	logger.WithComponent("ports").Debug("port acquired", "port", port, "projectID", projectID)
	return port, nil
}

// Release forgets the attribution for the port. Unknown ports are a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	projectID, ok := a.byPort[port]
	if !ok {
		return
	}
	delete(a.byPort, port)
	delete(a.byProj, projectID)

	logger.WithComponent("ports").Debug("port released", "port", port, "projectID", projectID)
}

// Port returns the port attributed to the project, or 0 if none.
func (a *Allocator) Port(projectID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byProj[projectID]
}

// Holder returns the project holding the port, or "" if unattributed.
func (a *Allocator) Holder(port int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byPort[port]
}

// ephemeralPort asks the kernel for a free loopback port.
func ephemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
