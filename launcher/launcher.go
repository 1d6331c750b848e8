// Package launcher spawns and supervises a single dev-server process.
//
// A Launcher covers one spawn attempt: it starts the command with the
// allocated port in its environment, streams stdout and stderr line-by-line
// through callbacks, and reports exit exactly once. The supervisor creates a
// fresh Launcher for every start.
package launcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/zhubert/preview-core/logger"
)

// stderrTailLines is how many trailing stderr lines are kept for diagnostics.
const stderrTailLines = 50

// Config describes one spawn attempt.
type Config struct {
	ProjectID string
	Command   []string          // program and arguments, e.g. ["npm", "run", "dev"]
	Dir       string            // working directory
	Port      int               // exported as PORT in the child's environment
	Env       map[string]string // extra environment variables
}

// Callbacks are invoked from the launcher's reader goroutines.
// OnExit fires exactly once per started process, after both output pipes
// have drained.
type Callbacks struct {
	OnLine func(line string, stderr bool)
	OnExit func(err error, stderrTail string)
}

// Launcher manages the lifecycle of a single dev-server process.
type Launcher struct {
	config    Config
	callbacks Callbacks
	log       *slog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	running    bool
	stderrTail []string

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on it instead of calling cmd.Wait() itself, so Wait()
	// is only ever called once.
	waitDone   chan struct{}
	stderrDone chan struct{} // closed when stderr has been fully read

	wg sync.WaitGroup
}

// New creates a launcher for one spawn attempt.
func New(config Config, callbacks Callbacks) *Launcher {
	return &Launcher{
		config:    config,
		callbacks: callbacks,
		log:       logger.WithProject(config.ProjectID).With("component", "launcher"),
	}
}

// Start spawns the process and begins streaming its output.
// Returns an error if the command cannot be started; after a successful
// return, exit is reported through OnExit.
func (l *Launcher) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}
	if len(l.config.Command) == 0 {
		return fmt.Errorf("empty command")
	}

	l.log.Info("starting process", "command", strings.Join(l.config.Command, " "), "port", l.config.Port)
	startTime := time.Now()

	cmd := exec.Command(l.config.Command[0], l.config.Command[1:]...)
	cmd.Dir = l.config.Dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", l.config.Port))
	for k, v := range l.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Own process group so Stop can signal npm and the node processes it spawns
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		l.log.Error("failed to get stderr pipe", "error", err)
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		l.log.Error("failed to start process", "error", err)
		return fmt.Errorf("failed to start process: %w", err)
	}

	l.cmd = cmd
	l.running = true
	l.stderrTail = nil
	l.waitDone = make(chan struct{})
	l.stderrDone = make(chan struct{})

	l.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	l.wg.Add(3)
	go func() {
		defer l.wg.Done()
		l.readPipe(stdout, false)
	}()
	go func() {
		defer l.wg.Done()
		defer close(l.stderrDone)
		l.readPipe(stderr, true)
	}()
	go func() {
		defer l.wg.Done()
		l.monitorExit()
	}()

	return nil
}

// Stop terminates the process gracefully: SIGTERM, wait up to grace, then
// SIGKILL. It blocks until the process has exited and all reader goroutines
// have finished. Safe to call multiple times.
func (l *Launcher) Stop(grace time.Duration) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false

	cmd := l.cmd
	waitDone := l.waitDone
	l.mu.Unlock()

	if cmd == nil || cmd.Process == nil || waitDone == nil {
		return
	}

	l.log.Debug("stopping process", "pid", cmd.Process.Pid, "grace", grace)

	// Signal the whole process group; fall back to the process itself if the
	// group is already gone
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}

	// monitorExit is the sole caller of cmd.Wait() and closes waitDone when
	// it returns, so waiting here never races a second Wait()
	select {
	case <-waitDone:
		l.log.Debug("process exited gracefully")
	case <-time.After(grace):
		l.log.Warn("grace period expired, killing process")
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			cmd.Process.Kill()
		}
		<-waitDone
	}

	l.wg.Wait()
	l.log.Debug("all goroutines completed")
}

// Pid returns the process id, or 0 if not running.
func (l *Launcher) Pid() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// IsRunning returns whether the process is still considered running.
func (l *Launcher) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// readPipe streams one output pipe line-by-line until EOF.
// For stderr it also maintains the diagnostic tail.
func (l *Launcher) readPipe(pipe io.Reader, isStderr bool) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if isStderr {
			l.mu.Lock()
			l.stderrTail = append(l.stderrTail, line)
			if len(l.stderrTail) > stderrTailLines {
				l.stderrTail = l.stderrTail[1:]
			}
			l.mu.Unlock()
		}

		if l.callbacks.OnLine != nil {
			l.callbacks.OnLine(line, isStderr)
		}
	}

	if err := scanner.Err(); err != nil {
		l.log.Debug("error reading pipe", "stderr", isStderr, "error", err)
	}
}

// monitorExit waits for the process to exit and reports it.
// It is the sole caller of cmd.Wait() — Stop() coordinates via the waitDone
// channel instead of calling cmd.Wait() itself.
func (l *Launcher) monitorExit() {
	l.mu.Lock()
	cmd := l.cmd
	waitDone := l.waitDone
	stderrDone := l.stderrDone
	l.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	err := cmd.Wait()
	l.log.Debug("process exited", "error", err)
	close(waitDone)

	// Wait for stderr to be fully drained so the tail is complete before
	// OnExit observes it
	if stderrDone != nil {
		<-stderrDone
	}

	l.mu.Lock()
	l.running = false
	tail := strings.Join(l.stderrTail, "\n")
	l.mu.Unlock()

	if l.callbacks.OnExit != nil {
		l.callbacks.OnExit(err, tail)
	}
}

// ExitCode extracts the process exit code from a cmd.Wait() error.
// Returns -1 when the process was killed by a signal or the error carries no
// exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
