// Package handler implements the immutable, reference-counted handler rule
// (spec §4.3): the combination of event mask, file-name pattern set,
// command, credentials, timeout, and flags that the dispatch engine
// (pkg/dispatch) matches events against and the process manager
// (pkg/procmanager) executes.
package handler

import (
	"sync/atomic"
	"time"

	"github.com/direvent-io/direvent/pkg/eventmask"
	"github.com/direvent-io/direvent/pkg/pattern"
)

// Flag is a bitmask of the handler option tokens from spec §3/§6
// ({nowait, wait, stdout, stderr, shell}).
type Flag uint8

const (
	// FlagNowait indicates that the process manager should not block
	// waiting for this handler to exit (spec §4.7 step 3).
	FlagNowait Flag = 1 << iota
	// FlagStdoutCapture indicates that the handler's standard output should
	// be piped to the daemon log.
	FlagStdoutCapture
	// FlagStderrCapture indicates that the handler's standard error should
	// be piped to the daemon log.
	FlagStderrCapture
	// FlagShell indicates that Command should be interpreted by a shell
	// (/bin/sh -c) rather than exec'd directly as argv[0].
	FlagShell
)

// Has reports whether every bit in want is set in f.
func (f Flag) Has(want Flag) bool {
	return f&want == want
}

// Handler is the immutable description of one configured rule (spec §3).
// It is constructed via Builder.Finalize and is safe for concurrent use
// once built; its only mutable field is the reference count.
type Handler struct {
	mask     eventmask.Mask
	patterns *pattern.Set
	command  string
	uid      uint32
	gids     []uint32
	timeout  time.Duration
	flags    Flag
	environ  map[string]string

	refcount atomic.Int32
}

// Builder accumulates handler fields during configuration parsing before
// being flushed to every path in its path-list (spec §4.3:
// "Construction is copy-on-finalize: the configuration collaborator
// accumulates fields in a scratch handler, then flushes it to every path in
// its path-list").
type Builder struct {
	Mask     eventmask.Mask
	Patterns *pattern.Set
	Command  string
	UID      uint32
	GIDs     []uint32
	Timeout  time.Duration
	Flags    Flag
	Environ  map[string]string
}

// Finalize produces an immutable Handler with a zero reference count. Each
// node that subsequently attaches this handler must call Ref exactly once
// (spec §4.4 install, §4.6 step 4's "copy the parent's handler list to it by
// reference-count bump").
func (b Builder) Finalize() *Handler {
	mask := b.Mask.FillEmpty()

	gids := append([]uint32(nil), b.GIDs...)

	environ := make(map[string]string, len(b.Environ))
	for k, v := range b.Environ {
		environ[k] = v
	}

	patterns := b.Patterns
	if patterns == nil {
		patterns, _ = pattern.NewSet(nil)
	}

	return &Handler{
		mask:     mask,
		patterns: patterns,
		command:  b.Command,
		uid:      b.UID,
		gids:     gids,
		timeout:  b.Timeout,
		flags:    b.Flags,
		environ:  environ,
	}
}

// Mask returns the handler's event mask.
func (h *Handler) Mask() eventmask.Mask { return h.mask }

// Patterns returns the handler's file-name pattern set.
func (h *Handler) Patterns() *pattern.Set { return h.patterns }

// Command returns the handler's command string.
func (h *Handler) Command() string { return h.command }

// UID returns the handler's target uid, or 0 for "no change" (spec §3).
func (h *Handler) UID() uint32 { return h.uid }

// GIDs returns the handler's supplementary gid vector, including the
// primary gid as its first element.
func (h *Handler) GIDs() []uint32 { return h.gids }

// Timeout returns the handler's execution timeout.
func (h *Handler) Timeout() time.Duration { return h.timeout }

// Flags returns the handler's flag set.
func (h *Handler) Flags() Flag { return h.flags }

// Environ returns the handler's environment variable overrides.
func (h *Handler) Environ() map[string]string { return h.environ }

// HasCredentialChange reports whether this handler should drop privileges
// before exec'ing (spec §3: "target uid (0 = no change)").
func (h *Handler) HasCredentialChange() bool { return h.uid != 0 }

// Matches reports whether this handler should fire for an event carrying
// the given generic bits and affected basename (spec §4.6 step 5). An
// empty name represents an event addressed to the directory itself, which
// bypasses pattern filtering entirely.
func (h *Handler) Matches(generic eventmask.Generic, name string) bool {
	if h.mask.Generic&generic == 0 {
		return false
	}
	if name == "" {
		return true
	}
	return h.patterns.Accept(name)
}

// Ref increments the handler's reference count, returning the handler
// itself for convenient chaining at attach sites. It must be called exactly
// once per node that attaches this handler to its handler list (spec §4.3,
// §8: "refcount(H) = |{N : H ∈ N.handlers}|").
func (h *Handler) Ref() *Handler {
	h.refcount.Add(1)
	return h
}

// Unref decrements the handler's reference count and frees its owned
// resources once the count reaches zero. Per spec §9's documented
// correction of the original implementation's off-by-one, freeing happens
// when the post-decrement count *reaches* zero, not merely when the
// pre-decrement count was nonzero.
func (h *Handler) Unref() {
	if h.refcount.Add(-1) == 0 {
		h.free()
	}
}

// free releases the handler's owned resources. Called exactly once, when
// Unref observes the reference count reaching zero.
func (h *Handler) free() {
	h.patterns = nil
	h.environ = nil
	h.gids = nil
}

// RefCount returns the current reference count, primarily for tests
// exercising spec §8's refcount invariant.
func (h *Handler) RefCount() int32 {
	return h.refcount.Load()
}
