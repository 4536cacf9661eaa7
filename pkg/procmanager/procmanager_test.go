package procmanager

import (
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/direvent-io/direvent/pkg/eventmask"
	"github.com/direvent-io/direvent/pkg/handler"
)

func newTestHandler(t *testing.T, command string, flags handler.Flag, timeout time.Duration) *handler.Handler {
	t.Helper()
	return handler.Builder{Command: command, Flags: flags, Timeout: timeout}.Finalize()
}

// TestRunWaitsAndReportsSuccess verifies the default wait-mode path: Run
// blocks until the child exits and returns nil on success.
func TestRunWaitsAndReportsSuccess(t *testing.T) {
	m := New(nil)
	h := newTestHandler(t, "true", 0, 0)

	if err := m.Run(Request{Handler: h}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

// TestRunWaitsAndReportsFailure verifies a nonzero exit surfaces as an
// *exec.ExitError from Run.
func TestRunWaitsAndReportsFailure(t *testing.T) {
	m := New(nil)
	h := newTestHandler(t, "false", 0, 0)

	if err := m.Run(Request{Handler: h}); err == nil {
		t.Fatal("expected an error for a nonzero exit")
	}
}

// TestRunShellFlagInterpretsCommand verifies FlagShell routes the command
// through /bin/sh -c rather than exec'ing it as argv[0].
func TestRunShellFlagInterpretsCommand(t *testing.T) {
	m := New(nil)
	h := newTestHandler(t, "exit 0", handler.FlagShell, 0)

	if err := m.Run(Request{Handler: h}); err != nil {
		t.Fatalf("expected the shell-interpreted command to succeed, got %v", err)
	}
}

// TestRunNowaitReturnsImmediatelyAndIsReaped verifies the background path:
// Run returns before the child exits, Reap later removes it from the
// table once it has.
func TestRunNowaitReturnsImmediatelyAndIsReaped(t *testing.T) {
	m := New(nil)
	h := newTestHandler(t, "sleep 0.2", handler.FlagShell|handler.FlagNowait, 0)

	if err := m.Run(Request{Handler: h}); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 backgrounded handler, got %d", m.Len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 && time.Now().Before(deadline) {
		m.Reap()
		time.Sleep(20 * time.Millisecond)
	}
	if m.Len() != 0 {
		t.Fatal("expected the backgrounded handler to be reaped")
	}
}

// TestRunTimeoutSendsSIGTERM verifies that a handler exceeding its timeout
// is terminated rather than waited on indefinitely.
func TestRunTimeoutSendsSIGTERM(t *testing.T) {
	m := New(nil)
	h := newTestHandler(t, "sleep 5", handler.FlagShell, 50*time.Millisecond)

	start := time.Now()
	err := m.Run(Request{Handler: h})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected the timed-out handler to report an error")
	}
	if elapsed > killGracePeriod {
		t.Fatalf("expected termination well before the kill grace period, took %v", elapsed)
	}
}

// TestRunClassifiesCommandNotFound verifies that a shell-reported "command
// not found" failure (exit status 127, which logExit classifies by exit
// code) surfaces from Run as an *exec.ExitError.
func TestRunClassifiesCommandNotFound(t *testing.T) {
	m := New(nil)
	h := newTestHandler(t, "no-such-direvent-test-command-xyz", handler.FlagShell, 0)

	err := m.Run(Request{Handler: h})
	if err == nil {
		t.Fatal("expected an error for a nonexistent command")
	}
	if _, ok := err.(*exec.ExitError); !ok {
		t.Fatalf("expected an *exec.ExitError, got %T: %v", err, err)
	}
}

// TestBuildEnvironIncludesEventBindings verifies spec §4.7 step 2's
// DIREVENT_* environment bindings are present.
func TestBuildEnvironIncludesEventBindings(t *testing.T) {
	h := newTestHandler(t, "true", 0, 0)
	req := Request{
		Handler:     h,
		Generic:     eventmask.Create,
		GenericName: "create",
		NativeCode:  42,
		NativeName:  "IN_CREATE",
		Name:        "file.txt",
	}
	env := buildEnviron(req, uuid.New())

	join := strings.Join(env, "\n")
	for _, want := range []string{
		"DIREVENT_SYSEV_CODE=42",
		"DIREVENT_SYSEV_NAME=IN_CREATE",
		"DIREVENT_GENEV_CODE=1",
		"DIREVENT_GENEV_NAME=create",
		"DIREVENT_FILE=file.txt",
		"DIREVENT_SELF_TEST_PID=",
	} {
		if !strings.Contains(join, want) {
			t.Errorf("expected environment to contain %q", want)
		}
	}
}

