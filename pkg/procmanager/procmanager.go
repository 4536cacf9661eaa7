// Package procmanager implements the handler execution state machine (spec
// §4.7): forking, environment and credential setup, optional stdout/stderr
// capture, timeout-driven SIGTERM/SIGKILL escalation, and reaping of
// background ("nowait") children.
package procmanager

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/direvent-io/direvent/pkg/eventmask"
	"github.com/direvent-io/direvent/pkg/handler"
	"github.com/direvent-io/direvent/pkg/logging"
	"github.com/direvent-io/direvent/pkg/process"
)

// killGracePeriod is how long a handler gets to exit after SIGTERM before
// SIGKILL follows (spec §4.7: "send SIGTERM, then SIGKILL after a further
// grace period").
const killGracePeriod = 5 * time.Second

// Request describes one handler invocation, independent of pkg/dispatch so
// this package has no dependency on the dispatch engine's internals; the
// daemon orchestration layer maps a dispatch.Run onto a Request.
type Request struct {
	Handler     *handler.Handler
	Generic     eventmask.Generic
	GenericName string
	NativeCode  uint32
	NativeName  string
	Dir         string
	Name        string
}

// entry tracks one backgrounded ("nowait") child in the pid table (spec
// §4.7's state machine: forking -> running -> killing -> reaped).
type entry struct {
	id           uuid.UUID
	handler      *handler.Handler
	deadline     time.Time // zero means no timeout
	killDeadline time.Time // set once SIGTERM has been sent
	killing      bool
}

// Manager owns the pid table for backgrounded handlers and the logger
// handler stdout/stderr capture is written to.
type Manager struct {
	mu     sync.Mutex
	logger *logging.Logger
	table  map[int]*entry
}

// New constructs a Manager. A nil logger falls back to logging.RootLogger.
func New(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.RootLogger
	}
	return &Manager{logger: logger, table: make(map[int]*entry)}
}

// Run starts req's handler (spec §4.7's "On run(h, bits, dir, file)"). For
// a FlagNowait handler it records the pid and returns immediately; Reap
// and ScanTimeouts handle it from there. Otherwise it blocks until the
// process exits or is killed after timing out.
func (m *Manager) Run(req Request) error {
	id := uuid.New()
	cmd, pidHolder, stderrBuf := m.buildCmd(req, id)

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "procmanager: starting handler %q", req.Handler.Command())
	}
	*pidHolder = cmd.Process.Pid

	if req.Handler.Flags().Has(handler.FlagNowait) {
		m.mu.Lock()
		m.table[cmd.Process.Pid] = &entry{id: id, handler: req.Handler, deadline: deadlineFor(req.Handler)}
		m.mu.Unlock()
		m.logger.Debug("procmanager: started %q (pid %d, run %s) in background", req.Handler.Command(), cmd.Process.Pid, id)
		return nil
	}

	return m.waitSynchronously(cmd, req.Handler, id, stderrBuf)
}

// deadlineFor returns the absolute time a handler with a positive timeout
// must finish by, or the zero Time if it has none.
func deadlineFor(h *handler.Handler) time.Time {
	if h.Timeout() <= 0 {
		return time.Time{}
	}
	return time.Now().Add(h.Timeout())
}

// buildCmd constructs the exec.Cmd for req without starting it, wiring
// credentials, environment, and capture per spec §4.7 step 2. pidHolder is
// a cell the caller fills in with the real pid once Start succeeds, so
// capture callbacks registered before Start can still tag their output
// with it. When the handler doesn't request FlagStderrCapture and will be
// waited on synchronously, stderr is still buffered (mirroring
// os/exec.Cmd.Output's own behavior) so logExit can extract a diagnostic
// message from it on a nonzero exit; the returned buffer is nil when
// FlagStderrCapture already owns cmd.Stderr, or when the handler is
// FlagNowait, since nobody ever calls cmd.Wait() to let Go close that
// pipe's read end promptly (spec §4.7 step 3's background path reaps via
// syscall.Wait4 instead) — leaving the buffer nil there avoids holding an
// extra fd open until the next GC finalizer pass.
func (m *Manager) buildCmd(req Request, id uuid.UUID) (*exec.Cmd, *int, *bytes.Buffer) {
	h := req.Handler

	var cmd *exec.Cmd
	if h.Flags().Has(handler.FlagShell) {
		cmd = exec.Command("/bin/sh", "-c", h.Command())
	} else {
		fields := strings.Fields(h.Command())
		if len(fields) == 0 {
			fields = []string{h.Command()}
		}
		cmd = exec.Command(fields[0], fields[1:]...)
	}

	if h.HasCredentialChange() {
		cmd.SysProcAttr = process.CredentialAttributes(h.UID(), h.GIDs())
	} else {
		cmd.SysProcAttr = process.DetachedProcessAttributes()
	}

	cmd.Env = buildEnviron(req, id)

	pidHolder := new(int)
	if h.Flags().Has(handler.FlagStdoutCapture) {
		cmd.Stdout = logging.LineWriter(func(line string) {
			m.logger.Info("[%s pid=%d run=%s stdout] %s", h.Command(), *pidHolder, id, line)
		})
	}

	var stderrBuf *bytes.Buffer
	if h.Flags().Has(handler.FlagStderrCapture) {
		cmd.Stderr = logging.LineWriter(func(line string) {
			m.logger.Info("[%s pid=%d run=%s stderr] %s", h.Command(), *pidHolder, id, line)
		})
	} else if !h.Flags().Has(handler.FlagNowait) {
		stderrBuf = new(bytes.Buffer)
		cmd.Stderr = stderrBuf
	}

	return cmd, pidHolder, stderrBuf
}

// buildEnviron merges the daemon's own environment with the handler's
// overrides and the event-describing DIREVENT_* bindings (spec §4.7 step
// 2).
func buildEnviron(req Request, id uuid.UUID) []string {
	env := os.Environ()
	for k, v := range req.Handler.Environ() {
		env = append(env, k+"="+v)
	}
	env = append(env,
		fmt.Sprintf("DIREVENT_SYSEV_CODE=%d", req.NativeCode),
		fmt.Sprintf("DIREVENT_SYSEV_NAME=%s", req.NativeName),
		fmt.Sprintf("DIREVENT_GENEV_CODE=%d", req.Generic),
		fmt.Sprintf("DIREVENT_GENEV_NAME=%s", req.GenericName),
		fmt.Sprintf("DIREVENT_FILE=%s", req.Name),
		fmt.Sprintf("DIREVENT_SELF_TEST_PID=%d", os.Getpid()),
	)
	return env
}

// waitSynchronously blocks until cmd exits, escalating to SIGTERM then
// SIGKILL if h.Timeout elapses first (spec §4.7 step 3, "wait" mode).
func (m *Manager) waitSynchronously(cmd *exec.Cmd, h *handler.Handler, id uuid.UUID, stderrBuf *bytes.Buffer) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if h.Timeout() <= 0 {
		return m.logExit(h, id, cmd, <-done, stderrBuf)
	}

	select {
	case err := <-done:
		return m.logExit(h, id, cmd, err, stderrBuf)
	case <-time.After(h.Timeout()):
		m.logger.Notice("procmanager: handler %q (run %s, pid %d) exceeded its timeout, sending SIGTERM", h.Command(), id, cmd.Process.Pid)
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return m.logExit(h, id, cmd, err, stderrBuf)
		case <-time.After(killGracePeriod):
			m.logger.Notice("procmanager: handler %q (run %s, pid %d) ignored SIGTERM, sending SIGKILL", h.Command(), id, cmd.Process.Pid)
			_ = cmd.Process.Kill()
			return m.logExit(h, id, cmd, <-done, stderrBuf)
		}
	}
}

// logExit records a handler's completion and translates its exit status
// into an error the caller can inspect, using pkg/process's POSIX
// wait-status helpers. A nonzero exit is classified against the shell's
// reserved 126/127 exit codes via IsPOSIXShellInvalidCommand/
// IsPOSIXShellCommandNotFound; when stderrBuf was captured (the handler
// didn't request FlagStderrCapture and isn't FlagNowait), its text is
// included in the log line for extra context.
func (m *Manager) logExit(h *handler.Handler, id uuid.UUID, cmd *exec.Cmd, waitErr error, stderrBuf *bytes.Buffer) error {
	if waitErr == nil {
		m.logger.Debug("procmanager: handler %q (run %s, pid %d) exited successfully", h.Command(), id, cmd.Process.Pid)
		return nil
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		m.logger.Warn(errors.Wrapf(waitErr, "procmanager: handler %q (run %s) failed to run", h.Command(), id))
		return waitErr
	}

	if stderrBuf != nil {
		exitErr.Stderr = stderrBuf.Bytes()
	}
	message := process.ExtractExitErrorMessage(exitErr)

	switch state := exitErr.ProcessState; {
	case process.IsPOSIXShellCommandNotFound(state):
		m.logger.Warn(fmt.Errorf("procmanager: handler %q (run %s, pid %d) command not found: %s", h.Command(), id, cmd.Process.Pid, message))
	case process.IsPOSIXShellInvalidCommand(state):
		m.logger.Warn(fmt.Errorf("procmanager: handler %q (run %s, pid %d) not executable: %s", h.Command(), id, cmd.Process.Pid, message))
	default:
		code, _ := process.ExitCodeForProcessState(state)
		m.logger.Warn(fmt.Errorf("procmanager: handler %q (run %s, pid %d) exited with status %d: %s", h.Command(), id, cmd.Process.Pid, code, message))
	}
	return exitErr
}

// Reap drains every backgrounded child that has already exited,
// non-blockingly (spec §4.7's "reap_children() ... drains all finished
// pids non-blockingly"). It should be called once per main-loop wakeup.
func (m *Manager) Reap() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		m.mu.Lock()
		e, tracked := m.table[pid]
		delete(m.table, pid)
		m.mu.Unlock()

		if tracked {
			m.logger.Debug("procmanager: reaped %q (pid %d, run %s), exit status %d", e.handler.Command(), pid, e.id, status.ExitStatus())
		}
	}
}

// ScanTimeouts kills any backgrounded handler past its deadline, escalating
// from SIGTERM to SIGKILL after killGracePeriod (spec §4.7's
// "scan_timeouts() ... kills any pid past its deadline"). It should be
// called once per main-loop wakeup, after Reap.
func (m *Manager) ScanTimeouts() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for pid, e := range m.table {
		if e.killing {
			if now.After(e.killDeadline) {
				m.logger.Notice("procmanager: pid %d (run %s) ignored SIGTERM, sending SIGKILL", pid, e.id)
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
			continue
		}
		if e.deadline.IsZero() || now.Before(e.deadline) {
			continue
		}
		m.logger.Notice("procmanager: pid %d (run %s) exceeded its timeout, sending SIGTERM", pid, e.id)
		_ = syscall.Kill(pid, syscall.SIGTERM)
		e.killing = true
		e.killDeadline = now.Add(killGracePeriod)
	}
}

// Len returns the number of backgrounded handlers still being tracked,
// primarily for tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
