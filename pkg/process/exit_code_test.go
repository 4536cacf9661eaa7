package process

import (
	"os/exec"
	"testing"
)

// TestExitCodeForProcessState tests that ExitCodeForProcessState correctly
// extracts a zero exit code from a process that was run to completion.
func TestExitCodeForProcessState(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatal("command failed:", err)
	}
	code, err := ExitCodeForProcessState(cmd.ProcessState)
	if err != nil {
		t.Fatal("unable to extract exit code:", err)
	}
	if code != 0 {
		t.Errorf("unexpected exit code: %d != 0", code)
	}
}

// TestExitCodeForProcessStateNonZero tests that ExitCodeForProcessState
// correctly extracts a non-zero exit code.
func TestExitCodeForProcessStateNonZero(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected command to fail")
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatal("error was not an exec.ExitError")
	}
	code, err := ExitCodeForProcessState(exitErr.ProcessState)
	if err != nil {
		t.Fatal("unable to extract exit code:", err)
	}
	if code != 7 {
		t.Errorf("unexpected exit code: %d != 7", code)
	}
}

// TestIsPOSIXShellCommandNotFound tests that IsPOSIXShellCommandNotFound
// correctly identifies a shell's "command not found" exit code.
func TestIsPOSIXShellCommandNotFound(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 127")
	err := cmd.Run()
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatal("error was not an exec.ExitError")
	}
	if !IsPOSIXShellCommandNotFound(exitErr.ProcessState) {
		t.Error("exit code 127 not recognized as command-not-found")
	}
}
