package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/preview-core/ports"
	"github.com/zhubert/preview-core/stream"
)

// fakeWorkspaces is a Workspaces backed by a map of project dirs.
type fakeWorkspaces struct {
	dirs map[string]string
}

func (f *fakeWorkspaces) ProjectExists(id string) bool {
	_, ok := f.dirs[id]
	return ok
}

func (f *fakeWorkspaces) WorkingDir(id string) (string, error) {
	dir, ok := f.dirs[id]
	if !ok {
		return "", fmt.Errorf("no workspace for %s", id)
	}
	return dir, nil
}

type testRig struct {
	sup   *Supervisor
	hub   *stream.Hub
	alloc *ports.Allocator
	ws    *fakeWorkspaces
}

// newRig builds a supervisor with fast timings around the given command.
func newRig(t *testing.T, command []string) *testRig {
	t.Helper()
	ws := &fakeWorkspaces{dirs: map[string]string{
		"proj-a": t.TempDir(),
		"proj-b": t.TempDir(),
	}}
	hub := stream.NewHub(100)
	alloc := ports.NewAllocator()
	sup := New(alloc, hub, ws, Options{
		Command:       command,
		ReadyTimeout:  5 * time.Second,
		ProbeInterval: 20 * time.Millisecond,
		StopGrace:     2 * time.Second,
	})
	return &testRig{sup: sup, hub: hub, alloc: alloc, ws: ws}
}

// waitForState polls Status until the project reaches the wanted state.
func waitForState(t *testing.T, sup *Supervisor, projectID string, want State, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		snap, err := sup.Status(projectID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("project %s stuck in %s (error %q), want %s", projectID, snap.State, snap.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// stopAndWait stops the project and waits for the teardown to finish.
func stopAndWait(t *testing.T, rig *testRig, projectID string) {
	t.Helper()
	if _, err := rig.sup.Stop(projectID); err != nil {
		t.Fatalf("Stop %s: %v", projectID, err)
	}
	waitForState(t, rig.sup, projectID, StateStopped, 5*time.Second)
}

// listenOn binds the port so the readiness probe succeeds.
func listenOn(t *testing.T, port int) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("failed to bind port %d: %v", port, err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestStartTransitionsToRunning(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 30"})

	snap, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.State != StateStarting {
		t.Errorf("state after Start = %s, want starting", snap.State)
	}
	if snap.Port == 0 {
		t.Fatal("Start should have allocated a port")
	}

	// Make the probe succeed
	listenOn(t, snap.Port)

	running := waitForState(t, rig.sup, "proj-a", StateRunning, 5*time.Second)
	if running.Port != snap.Port {
		t.Errorf("running port = %d, want %d", running.Port, snap.Port)
	}
	if running.Pid <= 0 {
		t.Errorf("running pid = %d, want positive", running.Pid)
	}
	if running.StartedAt == nil {
		t.Error("running snapshot should carry StartedAt")
	}
	if running.Error != "" {
		t.Errorf("running snapshot has error %q", running.Error)
	}

	stopping, err := rig.sup.Stop("proj-a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopping.State != StateStopping {
		t.Errorf("state returned by Stop = %s, want stopping", stopping.State)
	}

	waitForState(t, rig.sup, "proj-a", StateStopped, 5*time.Second)
	if rig.alloc.Port("proj-a") != 0 {
		t.Error("port should be released after stop")
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 30"})

	first, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	listenOn(t, first.Port)
	running := waitForState(t, rig.sup, "proj-a", StateRunning, 5*time.Second)

	again, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again.State != StateRunning {
		t.Errorf("second Start state = %s, want running", again.State)
	}
	if again.Port != running.Port || again.Pid != running.Pid {
		t.Errorf("second Start changed port/pid: %d/%d vs %d/%d",
			again.Port, again.Pid, running.Port, running.Pid)
	}

	stopAndWait(t, rig, "proj-a")
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 30"})

	const callers = 8
	snaps := make([]Snapshot, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = rig.sup.Start("proj-a")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}

	port, pid := snaps[0].Port, snaps[0].Pid
	if port == 0 || pid <= 0 {
		t.Fatalf("first snapshot port/pid = %d/%d, want both set", port, pid)
	}
	// One spawn means every caller saw the same process
	for i, snap := range snaps {
		if snap.Port != port || snap.Pid != pid {
			t.Errorf("caller %d got port/pid %d/%d, want %d/%d", i, snap.Port, snap.Pid, port, pid)
		}
	}

	status, err := rig.sup.Status("proj-a")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Pid != pid {
		t.Errorf("status pid = %d, want %d", status.Pid, pid)
	}

	stopAndWait(t, rig, "proj-a")
}

func TestStartUnknownProject(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 1"})

	if _, err := rig.sup.Start("no-such"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Start unknown = %v, want ErrProjectNotFound", err)
	}
	if _, err := rig.sup.Stop("no-such"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Stop unknown = %v, want ErrProjectNotFound", err)
	}
	if _, err := rig.sup.Status("no-such"); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Status unknown = %v, want ErrProjectNotFound", err)
	}
}

func TestStatusDefaultsToStopped(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 1"})

	snap, err := rig.sup.Status("proj-a")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != StateStopped {
		t.Errorf("fresh project state = %s, want stopped", snap.State)
	}
}

func TestStopWhileStoppedIsNoOp(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 1"})

	snap, err := rig.sup.Stop("proj-a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap.State != StateStopped {
		t.Errorf("state = %s, want stopped", snap.State)
	}
}

func TestSpawnFailure(t *testing.T) {
	rig := newRig(t, []string{"/nonexistent/not-a-binary"})

	_, err := rig.sup.Start("proj-a")
	if err == nil {
		t.Fatal("Start should fail for a missing binary")
	}

	snap, _ := rig.sup.Status("proj-a")
	if snap.State != StateError {
		t.Errorf("state after spawn failure = %s, want error", snap.State)
	}
	if !strings.Contains(snap.Error, "failed to start dev server") {
		t.Errorf("error = %q, should mention start failure", snap.Error)
	}
	if rig.alloc.Port("proj-a") != 0 {
		t.Error("port should be released after spawn failure")
	}
}

func TestExitBeforeReady(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "echo build broke >&2; exit 2"})

	if _, err := rig.sup.Start("proj-a"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := waitForState(t, rig.sup, "proj-a", StateError, 5*time.Second)
	if !strings.Contains(snap.Error, "before becoming ready") {
		t.Errorf("error = %q, should say the server died before becoming ready", snap.Error)
	}
	if !strings.Contains(snap.Error, "exit code 2") {
		t.Errorf("error = %q, should carry the exit code", snap.Error)
	}
	if !strings.Contains(snap.Error, "build broke") {
		t.Errorf("error = %q, should carry the stderr tail", snap.Error)
	}
	if rig.alloc.Port("proj-a") != 0 {
		t.Error("port should be released after startup failure")
	}
}

func TestCrashWhileRunning(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "echo segfault >&2; sleep 0.7; exit 7"})

	snap, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	listenOn(t, snap.Port)
	waitForState(t, rig.sup, "proj-a", StateRunning, 5*time.Second)

	failed := waitForState(t, rig.sup, "proj-a", StateError, 5*time.Second)
	if !strings.Contains(failed.Error, "unexpectedly") {
		t.Errorf("error = %q, should say the server exited unexpectedly", failed.Error)
	}
	if !strings.Contains(failed.Error, "exit code 7") {
		t.Errorf("error = %q, should carry exit code 7", failed.Error)
	}
	if rig.alloc.Port("proj-a") != 0 {
		t.Error("port should be released after a crash")
	}
}

func TestReadinessTimeout(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 30"})
	rig.sup.opts.ReadyTimeout = 300 * time.Millisecond

	if _, err := rig.sup.Start("proj-a"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := waitForState(t, rig.sup, "proj-a", StateError, 5*time.Second)
	if !strings.Contains(snap.Error, "did not become ready") {
		t.Errorf("error = %q, should report a readiness timeout", snap.Error)
	}
	if rig.alloc.Port("proj-a") != 0 {
		t.Error("port should be released after a readiness timeout")
	}
}

func TestStopDuringStarting(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 30"})

	snap, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.State != StateStarting {
		t.Fatalf("state = %s, want starting", snap.State)
	}

	stopping, err := rig.sup.Stop("proj-a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopping.State != StateStopping {
		t.Errorf("state after mid-start stop = %s, want stopping", stopping.State)
	}

	waitForState(t, rig.sup, "proj-a", StateStopped, 5*time.Second)
	if rig.alloc.Port("proj-a") != 0 {
		t.Error("port should be released after a mid-start stop")
	}
}

func TestStartWhileStoppingIsBusy(t *testing.T) {
	// TERM is ignored so the stop spends the whole grace period in stopping
	rig := newRig(t, []string{"/bin/sh", "-c", "trap '' TERM; sleep 30"})
	rig.sup.opts.StopGrace = time.Second

	snap, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	listenOn(t, snap.Port)
	waitForState(t, rig.sup, "proj-a", StateRunning, 5*time.Second)

	stopping, err := rig.sup.Stop("proj-a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopping.State != StateStopping {
		t.Fatalf("state after Stop = %s, want stopping", stopping.State)
	}

	if _, err := rig.sup.Start("proj-a"); !errors.Is(err, ErrBusy) {
		t.Errorf("Start while stopping = %v, want ErrBusy", err)
	}

	waitForState(t, rig.sup, "proj-a", StateStopped, 5*time.Second)
}

func TestStopReturnsBeforeTeardownCompletes(t *testing.T) {
	// TERM is ignored, so the full teardown takes the whole grace period;
	// Stop itself must return as soon as the state is stopping
	rig := newRig(t, []string{"/bin/sh", "-c", "trap '' TERM; sleep 30"})
	rig.sup.opts.StopGrace = time.Second

	snap, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	listenOn(t, snap.Port)
	waitForState(t, rig.sup, "proj-a", StateRunning, 5*time.Second)

	begin := time.Now()
	stopping, err := rig.sup.Stop("proj-a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Errorf("Stop blocked for %v, should return once stopping is entered", elapsed)
	}
	if stopping.State != StateStopping {
		t.Errorf("state returned by Stop = %s, want stopping", stopping.State)
	}

	waitForState(t, rig.sup, "proj-a", StateStopped, 5*time.Second)
	if rig.alloc.Port("proj-a") != 0 {
		t.Error("port should be released once teardown completes")
	}
}

func TestStopClearsErrorState(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "exit 1"})

	rig.sup.Start("proj-a")
	waitForState(t, rig.sup, "proj-a", StateError, 5*time.Second)

	snap, err := rig.sup.Stop("proj-a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap.State != StateStopped {
		t.Errorf("state = %s, want stopped", snap.State)
	}
	if snap.Error != "" {
		t.Errorf("error should be cleared, got %q", snap.Error)
	}
}

func TestRestartAfterError(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "exit 1"})

	rig.sup.Start("proj-a")
	waitForState(t, rig.sup, "proj-a", StateError, 5*time.Second)

	// A new start from error is allowed and clears the previous failure
	rig.sup.opts.Command = []string{"/bin/sh", "-c", "sleep 30"}
	snap, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start from error: %v", err)
	}
	if snap.State != StateStarting {
		t.Errorf("state = %s, want starting", snap.State)
	}
	if snap.Error != "" {
		t.Errorf("stale error carried into new start: %q", snap.Error)
	}

	stopAndWait(t, rig, "proj-a")
}

func TestProjectsFailIndependently(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 30"})

	snapA, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start proj-a: %v", err)
	}
	listenOn(t, snapA.Port)
	waitForState(t, rig.sup, "proj-a", StateRunning, 5*time.Second)

	// proj-b crashes immediately
	rig.sup.opts.Command = []string{"/bin/sh", "-c", "exit 9"}
	rig.sup.Start("proj-b")
	waitForState(t, rig.sup, "proj-b", StateError, 5*time.Second)

	// proj-a is untouched
	snap, _ := rig.sup.Status("proj-a")
	if snap.State != StateRunning {
		t.Errorf("proj-a state = %s after proj-b crash, want running", snap.State)
	}

	stopAndWait(t, rig, "proj-a")
}

func TestOutputReachesHub(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "echo hello-out; echo hello-err >&2; exit 0"})

	rig.sup.Start("proj-a")
	waitForState(t, rig.sup, "proj-a", StateError, 5*time.Second)

	history := rig.hub.History("proj-a")
	var sawOut, sawErr bool
	for _, line := range history {
		if line.Text == "hello-out" && line.Stream == "stdout" {
			sawOut = true
		}
		if line.Text == "hello-err" && line.Stream == "stderr" {
			sawErr = true
		}
	}
	if !sawOut {
		t.Error("stdout line missing from hub history")
	}
	if !sawErr {
		t.Error("stderr line missing from hub history")
	}
}

func TestStatusStreamPublishes(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 30"})

	_, ch, cancel := rig.hub.Subscribe("proj-a")
	defer cancel()

	snap, err := rig.sup.Start("proj-a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	listenOn(t, snap.Port)

	var states []string
	deadline := time.After(5 * time.Second)
	for len(states) < 2 {
		select {
		case ev := <-ch:
			if ev.Type == stream.EventStatus {
				states = append(states, ev.Status.State)
			}
		case <-deadline:
			t.Fatalf("timed out; saw status events %v", states)
		}
	}

	if states[0] != "starting" || states[1] != "running" {
		t.Errorf("status sequence = %v, want [starting running]", states)
	}

	stopAndWait(t, rig, "proj-a")
}

func TestFailedStartPublishesStarting(t *testing.T) {
	rig := newRig(t, []string{"/nonexistent/not-a-binary"})

	_, ch, cancel := rig.hub.Subscribe("proj-a")
	defer cancel()

	rig.sup.Start("proj-a")

	// Even a spawn that never gets off the ground is observed as
	// stopped→starting→error, not a silent jump to error
	var states []string
	deadline := time.After(2 * time.Second)
	for len(states) < 2 {
		select {
		case ev := <-ch:
			if ev.Type == stream.EventStatus {
				states = append(states, ev.Status.State)
			}
		case <-deadline:
			t.Fatalf("timed out; saw status events %v", states)
		}
	}

	if states[0] != "starting" || states[1] != "error" {
		t.Errorf("status sequence = %v, want [starting error]", states)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	rig := newRig(t, []string{"/bin/sh", "-c", "sleep 30"})

	a, _ := rig.sup.Start("proj-a")
	b, _ := rig.sup.Start("proj-b")
	if a.Port == 0 || b.Port == 0 {
		t.Fatal("both projects should have ports")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rig.sup.Shutdown(ctx)

	for _, id := range []string{"proj-a", "proj-b"} {
		snap, _ := rig.sup.Status(id)
		if snap.State != StateStopped {
			t.Errorf("%s state after Shutdown = %s, want stopped", id, snap.State)
		}
		if rig.alloc.Port(id) != 0 {
			t.Errorf("%s port not released after Shutdown", id)
		}
	}
}
