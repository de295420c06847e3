// Package supervisor launches and tracks the child process that executes a
// single task's flow, in its own process group so a cancellation can signal
// the whole tree at once. Domain I/O (prints, input_request/input_response)
// travels over the Stream Bus via environment-injected connection info;
// stdout/stderr captured here are diagnostics only.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"flowrunner/internal/apierr"
	"flowrunner/internal/telemetry"
)

// Spec describes the child process to launch for a task.
type Spec struct {
	TaskID  string
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Handle tracks a launched child process.
type Handle struct {
	taskID string
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	exitErr error
	exitCh  chan error

	stderrLines chan string
}

// Launch starts the child process described by spec in its own process
// group, wires stdout/stderr to diagnostic scanners, and begins waiting for
// exit in the background.
func Launch(ctx context.Context, spec Spec, logger *slog.Logger) (*Handle, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "start child process", err)
	}

	h := &Handle{
		taskID:      spec.TaskID,
		logger:      logger,
		cmd:         cmd,
		running:     true,
		exitCh:      make(chan error, 1),
		stderrLines: make(chan string, 100),
	}
	telemetry.SupervisorLaunches.Inc()

	go h.drainDiagnostics(stdout, "stdout")
	go h.drainStderr(stderr)
	go h.waitForExit()

	return h, nil
}

// Pid returns the child process id.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// IsRunning reports whether the process has not yet exited.
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// StderrLines exposes captured stderr output for diagnostics.
func (h *Handle) StderrLines() <-chan string { return h.stderrLines }

// Signal delivers sig to the whole process group, so children the task
// itself spawned are reached too.
func (h *Handle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	proc := h.cmd.Process
	h.mu.Unlock()
	if proc == nil {
		return apierr.New(apierr.InternalError, "process not started")
	}
	if err := syscall.Kill(-proc.Pid, sig); err != nil && err != syscall.ESRCH {
		return apierr.Wrap(apierr.InternalError, fmt.Sprintf("signal %v", sig), err)
	}
	telemetry.SupervisorKills.WithLabelValues(sig.String()).Inc()
	return nil
}

// Terminate sends SIGTERM, then SIGKILL if the process has not exited
// within grace.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	if !h.IsRunning() {
		return nil
	}
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-h.Done():
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}
	if !h.IsRunning() {
		return nil
	}
	return h.Signal(syscall.SIGKILL)
}

// Done returns a channel closed once the process has exited.
func (h *Handle) Done() <-chan error {
	return h.exitCh
}

// Wait blocks until the process exits and returns its exit error (nil on a
// zero exit code).
func (h *Handle) Wait() error {
	err, ok := <-h.exitCh
	if !ok {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitErr
	}
	return err
}

// ExitCode returns the process's exit code once it has exited, or -1 if it
// is still running or was killed by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

func (h *Handle) waitForExit() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.running = false
	h.exitErr = err
	h.mu.Unlock()

	h.exitCh <- err
	close(h.exitCh)

	if err != nil {
		h.logger.Warn("task process exited", "task_id", h.taskID, "error", err)
	} else {
		h.logger.Info("task process exited cleanly", "task_id", h.taskID)
	}
}

func (h *Handle) drainDiagnostics(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		h.logger.Debug("task process output", "task_id", h.taskID, "stream", stream, "line", scanner.Text())
	}
}

func (h *Handle) drainStderr(r io.Reader) {
	defer close(h.stderrLines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.logger.Debug("task process stderr", "task_id", h.taskID, "line", line)
		select {
		case h.stderrLines <- line:
		default:
			h.logger.Warn("stderr channel full, dropping line", "task_id", h.taskID)
		}
	}
}
