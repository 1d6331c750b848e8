// Package supervisor owns the lifecycle of per-project dev servers.
//
// Each project has a devServer record holding its state machine; the
// Supervisor is the process-wide registry of those records. Operations on
// different projects never contend on a shared lock: the registry map is
// guarded by an RWMutex held only for lookup, and everything else happens
// under the per-project locks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zhubert/preview-core/launcher"
	"github.com/zhubert/preview-core/logger"
	"github.com/zhubert/preview-core/ports"
	"github.com/zhubert/preview-core/probe"
	"github.com/zhubert/preview-core/stream"
)

// State is a dev server's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

var (
	// ErrBusy is returned when a start arrives while a stop is in flight.
	ErrBusy = errors.New("dev server is stopping, retry shortly")
	// ErrProjectNotFound is returned for operations on unknown projects.
	ErrProjectNotFound = errors.New("project not found")
)

// Workspaces is what the supervisor needs to know about projects.
// Satisfied by the store; mocked in tests.
type Workspaces interface {
	ProjectExists(id string) bool
	WorkingDir(id string) (string, error)
}

// Options tunes the supervisor's timing and the command it runs.
type Options struct {
	Command       []string      // dev-server command, e.g. ["npm", "run", "dev"]
	ReadyTimeout  time.Duration // how long a starting server may take to accept connections
	ProbeInterval time.Duration // delay between readiness probes
	StopGrace     time.Duration // SIGTERM-to-SIGKILL window
}

// Snapshot is a point-in-time view of one dev server. Its JSON form is the
// control API's status shape.
type Snapshot struct {
	ProjectID string     `json:"project_id"`
	State     State      `json:"status"`
	Port      int        `json:"port,omitempty"`
	Pid       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Error     string     `json:"error_message,omitempty"`
}

// StreamStatus converts the snapshot to its broadcast form.
func (s Snapshot) StreamStatus() stream.Status {
	return stream.Status{
		State:     string(s.State),
		Port:      s.Port,
		Pid:       s.Pid,
		StartedAt: s.StartedAt,
		Error:     s.Error,
	}
}

// devServer holds all per-project supervision state.
//
// Two locks with distinct roles: opMu serializes operations (Start/Stop) on
// this project, and may be held across blocking work like waiting for a
// process to die; mu protects the fields and is only ever held briefly.
// Status takes mu alone, so it never waits behind a slow stop.
type devServer struct {
	projectID string

	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	port        int
	launcher    *launcher.Launcher
	startedAt   time.Time
	lastError   string
	startCancel context.CancelFunc
	stopDone    chan struct{} // closed when the current teardown finishes
	gen         int           // spawn generation; stale callbacks are ignored
}

// Supervisor is the registry of dev servers.
type Supervisor struct {
	mu      sync.RWMutex
	servers map[string]*devServer

	ports      *ports.Allocator
	hub        *stream.Hub
	workspaces Workspaces
	opts       Options
}

// New creates a supervisor.
func New(allocator *ports.Allocator, hub *stream.Hub, workspaces Workspaces, opts Options) *Supervisor {
	return &Supervisor{
		servers:    make(map[string]*devServer),
		ports:      allocator,
		hub:        hub,
		workspaces: workspaces,
		opts:       opts,
	}
}

// getOrCreate returns the project's record, creating it atomically.
func (s *Supervisor) getOrCreate(projectID string) *devServer {
	s.mu.RLock()
	ds, ok := s.servers[projectID]
	s.mu.RUnlock()
	if ok {
		return ds
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: another goroutine may have created it between locks
	if ds, ok := s.servers[projectID]; ok {
		return ds
	}
	ds = &devServer{projectID: projectID, state: StateStopped}
	s.servers[projectID] = ds
	return ds
}

// Start launches the project's dev server. It returns once the server has
// reached the starting state; readiness is driven asynchronously and reported
// through the status stream. Starting an already starting or running server
// is a no-op returning the current snapshot. Starting while a stop is in
// flight returns ErrBusy.
func (s *Supervisor) Start(projectID string) (Snapshot, error) {
	if !s.workspaces.ProjectExists(projectID) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	ds := s.getOrCreate(projectID)

	// Report busy without queueing behind an in-flight stop
	ds.mu.Lock()
	if ds.state == StateStopping {
		ds.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	ds.mu.Unlock()

	ds.opMu.Lock()
	defer ds.opMu.Unlock()

	ds.mu.Lock()
	switch ds.state {
	case StateStarting, StateRunning:
		snap := ds.snapshotLocked()
		ds.mu.Unlock()
		return snap, nil
	case StateStopping:
		ds.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	ds.mu.Unlock()

	workDir, err := s.workspaces.WorkingDir(projectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	// Enter starting before any allocation or spawn, so even a failed
	// attempt is observed as stopped→starting→error on the stream
	ds.mu.Lock()
	ds.gen++
	gen := ds.gen
	ds.state = StateStarting
	ds.lastError = ""
	ds.startedAt = time.Time{}
	startingSnap := ds.snapshotLocked()
	ds.mu.Unlock()
	s.hub.PublishStatus(projectID, startingSnap.StreamStatus())

	port, err := s.ports.Acquire(projectID)
	if err != nil {
		return s.failLocked(ds, fmt.Sprintf("failed to allocate port: %v", err)), err
	}

	log := logger.WithProject(projectID).With("component", "supervisor")
	log.Info("starting dev server", "port", port, "dir", workDir)

	l := launcher.New(launcher.Config{
		ProjectID: projectID,
		Command:   s.opts.Command,
		Dir:       workDir,
		Port:      port,
	}, launcher.Callbacks{
		OnLine: func(line string, stderr bool) {
			name := "stdout"
			if stderr {
				name = "stderr"
			}
			s.hub.Append(projectID, name, line)
		},
		OnExit: func(err error, stderrTail string) {
			s.handleExit(ds, gen, err, stderrTail)
		},
	})

	if err := l.Start(); err != nil {
		s.ports.Release(port)
		msg := fmt.Sprintf("failed to start dev server: %v", err)
		return s.failLocked(ds, msg), err
	}

	ctx, cancel := context.WithCancel(context.Background())

	ds.mu.Lock()
	if ds.state != StateStarting {
		// The process exited instantly and the exit callback already moved
		// us to error; don't resurrect the dead attempt
		snap := ds.snapshotLocked()
		ds.mu.Unlock()
		cancel()
		s.ports.Release(port)
		return snap, nil
	}
	ds.port = port
	ds.launcher = l
	ds.startCancel = cancel
	snap := ds.snapshotLocked()
	ds.mu.Unlock()

	go s.awaitReady(ds, gen, ctx, port)

	return snap, nil
}

// awaitReady drives the starting→running transition.
func (s *Supervisor) awaitReady(ds *devServer, gen int, ctx context.Context, port int) {
	err := probe.WaitReady(ctx, port, s.opts.ProbeInterval, s.opts.ReadyTimeout)

	ds.mu.Lock()
	if ds.gen != gen || ds.state != StateStarting {
		ds.mu.Unlock()
		return
	}

	if err == nil {
		now := time.Now()
		ds.state = StateRunning
		ds.startedAt = now
		snap := ds.snapshotLocked()
		ds.mu.Unlock()

		logger.WithProject(ds.projectID).Info("dev server ready", "port", port)
		s.hub.PublishStatus(ds.projectID, snap.StreamStatus())
		return
	}

	if errors.Is(err, context.Canceled) {
		// A stop is in flight; it owns the transition
		ds.mu.Unlock()
		return
	}

	// Readiness timeout: the process is up but never accepted connections.
	// Move to error before killing so the exit callback sees a terminal
	// state and does not report the kill as a crash.
	msg := fmt.Sprintf("dev server did not become ready within %s", s.opts.ReadyTimeout)
	ds.state = StateError
	ds.lastError = msg
	l := ds.launcher
	ds.launcher = nil
	ds.startCancel = nil
	port = ds.port
	ds.port = 0
	snap := ds.snapshotLocked()
	ds.mu.Unlock()

	if l != nil {
		l.Stop(s.opts.StopGrace)
	}
	s.ports.Release(port)
	logger.WithProject(ds.projectID).Warn("dev server readiness timeout", "timeout", s.opts.ReadyTimeout)
	s.hub.PublishError(ds.projectID, msg)
	s.hub.PublishStatus(ds.projectID, snap.StreamStatus())
}

// handleExit processes a process exit reported by the launcher.
func (s *Supervisor) handleExit(ds *devServer, gen int, err error, stderrTail string) {
	ds.mu.Lock()
	if ds.gen != gen {
		ds.mu.Unlock()
		return
	}

	switch ds.state {
	case StateStopping:
		// Deliberate stop completing
		ds.state = StateStopped
		ds.launcher = nil
		ds.startedAt = time.Time{}
		port := ds.port
		ds.port = 0
		snap := ds.snapshotLocked()
		ds.mu.Unlock()

		s.ports.Release(port)
		logger.WithProject(ds.projectID).Info("dev server stopped")
		s.hub.PublishStatus(ds.projectID, snap.StreamStatus())

	case StateStarting:
		// Died before ever becoming ready
		if cancel := ds.startCancel; cancel != nil {
			cancel()
			ds.startCancel = nil
		}
		msg := fmt.Sprintf("dev server exited before becoming ready (exit code %d)", launcher.ExitCode(err))
		if stderrTail != "" {
			msg = fmt.Sprintf("%s: %s", msg, stderrTail)
		}
		s.failExitLocked(ds, msg)

	case StateRunning:
		// Crash
		msg := fmt.Sprintf("dev server exited unexpectedly (exit code %d)", launcher.ExitCode(err))
		if stderrTail != "" {
			msg = fmt.Sprintf("%s: %s", msg, stderrTail)
		}
		s.failExitLocked(ds, msg)

	default:
		ds.mu.Unlock()
	}
}

// failExitLocked moves a server whose process died into the error state.
// Caller must hold ds.mu; it is released before returning.
func (s *Supervisor) failExitLocked(ds *devServer, msg string) {
	ds.state = StateError
	ds.lastError = msg
	ds.launcher = nil
	ds.startedAt = time.Time{}
	port := ds.port
	ds.port = 0
	snap := ds.snapshotLocked()
	ds.mu.Unlock()

	if port != 0 {
		s.ports.Release(port)
	}
	logger.WithProject(ds.projectID).Warn("dev server failed", "error", msg)
	s.hub.PublishError(ds.projectID, msg)
	s.hub.PublishStatus(ds.projectID, snap.StreamStatus())
}

// failLocked records a pre-spawn failure (allocation, exec) as error state.
func (s *Supervisor) failLocked(ds *devServer, msg string) Snapshot {
	ds.mu.Lock()
	ds.state = StateError
	ds.lastError = msg
	snap := ds.snapshotLocked()
	ds.mu.Unlock()

	logger.WithProject(ds.projectID).Warn("dev server failed to start", "error", msg)
	s.hub.PublishError(ds.projectID, msg)
	s.hub.PublishStatus(ds.projectID, snap.StreamStatus())
	return snap
}

// Stop terminates the project's dev server. Stopping an already stopped (or
// errored) server is an idempotent no-op. Stop returns as soon as the server
// has entered the stopping state; termination and port release complete
// asynchronously and are observed via Status or the stream.
func (s *Supervisor) Stop(projectID string) (Snapshot, error) {
	if !s.workspaces.ProjectExists(projectID) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	ds := s.getOrCreate(projectID)
	ds.opMu.Lock()
	defer ds.opMu.Unlock()

	ds.mu.Lock()
	switch ds.state {
	case StateStopped, StateStopping:
		snap := ds.snapshotLocked()
		ds.mu.Unlock()
		return snap, nil
	case StateError:
		// Clearing an error is a state reset, not a process operation
		ds.state = StateStopped
		ds.lastError = ""
		snap := ds.snapshotLocked()
		ds.mu.Unlock()
		s.hub.PublishStatus(projectID, snap.StreamStatus())
		return snap, nil
	}

	// starting or running: interrupt any readiness wait and tear down
	if cancel := ds.startCancel; cancel != nil {
		cancel()
		ds.startCancel = nil
	}
	ds.state = StateStopping
	done := make(chan struct{})
	ds.stopDone = done
	l := ds.launcher
	snap := ds.snapshotLocked()
	ds.mu.Unlock()

	logger.WithProject(projectID).Info("stopping dev server")
	s.hub.PublishStatus(projectID, snap.StreamStatus())

	go s.terminate(ds, l, done)

	return snap, nil
}

// terminate finishes an in-flight stop: it waits out the process (SIGTERM,
// grace, SIGKILL) and guarantees the stopping→stopped transition even when
// the exit callback was skipped.
func (s *Supervisor) terminate(ds *devServer, l *launcher.Launcher, done chan struct{}) {
	defer close(done)

	if l != nil {
		// Blocks until the process is gone; the launcher's exit callback
		// runs first and normally performs the stopped transition
		l.Stop(s.opts.StopGrace)
	}

	ds.mu.Lock()
	if ds.state != StateStopping {
		ds.mu.Unlock()
		return
	}
	ds.state = StateStopped
	ds.launcher = nil
	ds.startedAt = time.Time{}
	port := ds.port
	ds.port = 0
	snap := ds.snapshotLocked()
	ds.mu.Unlock()

	if port != 0 {
		s.ports.Release(port)
	}
	s.hub.PublishStatus(ds.projectID, snap.StreamStatus())
}

// Status reports the project's current state. It creates the tracking record
// lazily, so unknown-but-existing projects report stopped.
func (s *Supervisor) Status(projectID string) (Snapshot, error) {
	if !s.workspaces.ProjectExists(projectID) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	ds := s.getOrCreate(projectID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.snapshotLocked(), nil
}

// Shutdown stops every tracked dev server. Used on daemon exit so no child
// processes are orphaned.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(projectID string) {
			defer wg.Done()
			snap, err := s.Stop(projectID)
			if err != nil {
				logger.WithProject(projectID).Warn("shutdown stop failed", "error", err)
				return
			}
			if snap.State == StateStopped {
				return
			}
			// Stop returns at stopping; wait for the teardown to finish so
			// no child process outlives the supervisor
			ds := s.getOrCreate(projectID)
			ds.mu.Lock()
			done := ds.stopDone
			ds.mu.Unlock()
			if done != nil {
				<-done
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.WithComponent("supervisor").Info("all dev servers stopped")
	case <-ctx.Done():
		logger.WithComponent("supervisor").Warn("shutdown interrupted", "error", ctx.Err())
	}
}

// snapshotLocked builds a snapshot. Caller must hold ds.mu.
func (ds *devServer) snapshotLocked() Snapshot {
	snap := Snapshot{
		ProjectID: ds.projectID,
		State:     ds.state,
		Port:      ds.port,
		Error:     ds.lastError,
	}
	if ds.launcher != nil {
		snap.Pid = ds.launcher.Pid()
	}
	if !ds.startedAt.IsZero() {
		t := ds.startedAt
		snap.StartedAt = &t
	}
	return snap
}
