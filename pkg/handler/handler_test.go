package handler

import (
	"testing"
	"time"

	"github.com/direvent-io/direvent/pkg/eventmask"
)

// TestFinalizeFillsEmptyMask verifies that an empty mask is filled to "all
// generic events" at finalization time, per spec §3.
func TestFinalizeFillsEmptyMask(t *testing.T) {
	h := Builder{Command: "true"}.Finalize()
	if h.Mask().Generic != eventmask.AllGeneric {
		t.Errorf("expected AllGeneric, got %v", h.Mask().Generic)
	}
}

// TestRefUnrefLifecycle verifies spec §8's refcount invariant: the count
// tracks attach/detach, and Unref frees when the count reaches zero.
func TestRefUnrefLifecycle(t *testing.T) {
	h := Builder{Command: "true"}.Finalize()
	if h.RefCount() != 0 {
		t.Fatalf("expected initial refcount 0, got %d", h.RefCount())
	}
	h.Ref()
	h.Ref()
	if h.RefCount() != 2 {
		t.Fatalf("expected refcount 2, got %d", h.RefCount())
	}
	h.Unref()
	if h.RefCount() != 1 {
		t.Fatalf("expected refcount 1, got %d", h.RefCount())
	}
	h.Unref()
	if h.RefCount() != 0 {
		t.Fatalf("expected refcount 0, got %d", h.RefCount())
	}
	if h.Patterns() != nil {
		t.Error("expected patterns to be released after refcount reached zero")
	}
}

// TestMatchesRequiresMaskIntersection verifies spec §4.6 step 5's mask test.
func TestMatchesRequiresMaskIntersection(t *testing.T) {
	h := Builder{Mask: eventmask.Mask{Generic: eventmask.Write}}.Finalize()
	if h.Matches(eventmask.Create, "") {
		t.Error("expected no match for disjoint generic bits")
	}
	if !h.Matches(eventmask.Write, "") {
		t.Error("expected match for intersecting generic bits")
	}
}

// TestMatchesDirectorySelfBypassesPatterns verifies that an empty name
// (directory-self event) bypasses pattern filtering entirely.
func TestMatchesDirectorySelfBypassesPatterns(t *testing.T) {
	set, err := newTestSet("*.go")
	if err != nil {
		t.Fatal(err)
	}
	h := Builder{
		Mask:     eventmask.Mask{Generic: eventmask.Create},
		Patterns: set,
	}.Finalize()

	if !h.Matches(eventmask.Create, "") {
		t.Error("expected directory-self event to bypass patterns")
	}
	if h.Matches(eventmask.Create, "main.py") {
		t.Error("expected non-matching name to be rejected")
	}
	if !h.Matches(eventmask.Create, "main.go") {
		t.Error("expected matching name to be accepted")
	}
}

// TestBuilderDefaults verifies that timeout and flags survive finalization.
func TestBuilderDefaults(t *testing.T) {
	h := Builder{Command: "true", Timeout: 5 * time.Second, Flags: FlagShell | FlagNowait}.Finalize()
	if h.Timeout() != 5*time.Second {
		t.Errorf("unexpected timeout: %v", h.Timeout())
	}
	if !h.Flags().Has(FlagShell) || !h.Flags().Has(FlagNowait) {
		t.Errorf("unexpected flags: %v", h.Flags())
	}
	if h.Flags().Has(FlagStdoutCapture) {
		t.Error("unexpected stdout capture flag")
	}
}
