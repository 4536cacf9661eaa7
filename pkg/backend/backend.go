// Package backend defines the abstraction that lets pkg/registry and
// pkg/dispatch stay ignorant of which kernel event-notification facility is
// in use (spec §4.5: "both backends are hidden behind one interface").
// Concrete implementations live in platform-tagged files in this same
// package: inotify_linux.go (level-triggered, spec §4.5.1) and
// kqueue_bsd.go (edge-triggered, spec §4.5.2).
package backend

import (
	"context"

	"github.com/direvent-io/direvent/pkg/eventmask"
)

// Backend is the kernel event-notification facility abstraction every
// platform implementation satisfies (spec §4.5).
type Backend interface {
	// Init acquires whatever kernel resource the backend needs (an inotify
	// fd, a kqueue fd) before any watch can be added.
	Init() error

	// AddWatch begins watching path, returning an opaque descriptor the
	// caller must keep to later call RemoveWatch or resolve delivered
	// events back to the watched path (spec §4.4: "dual-indexed ... by
	// backend descriptor"). mask's Backend field, if non-zero, is used
	// verbatim as the requested native bits; a zero mask watches
	// everything the backend can report.
	AddWatch(path string, mask eventmask.Mask) (descriptor int, err error)

	// RemoveWatch releases a descriptor previously returned by AddWatch.
	// Removing an already-removed or unknown descriptor is not an error,
	// matching both inotify's IN_IGNORED semantics and kqueue's automatic
	// close-on-remove behavior.
	RemoveWatch(descriptor int) error

	// Poll blocks until at least one event is available or ctx is
	// cancelled, returning the batch of raw events observed.
	Poll(ctx context.Context) ([]Event, error)

	// FileMask returns the S_IFMT bits (S_IFDIR, S_IFREG, ...) of the file
	// types this backend is able to watch directly. The registry and the
	// dispatch engine do not consult it: startup enumeration and recursive
	// expansion install directories only, skipping symlinks.
	FileMask() uint32

	// Translator returns the generic/native flag translator seeded for
	// this backend (spec §4.1).
	Translator() eventmask.Translator

	// Close releases the backend's kernel resource. After Close, no other
	// method may be called.
	Close() error
}

// Event is one raw observation delivered by Poll. Descriptor identifies
// which watched node it concerns; Name is the affected child's basename, or
// empty when the event addresses the watched directory itself (spec §4.6
// step 1: "resolve the node via the dual index").
type Event struct {
	Descriptor int
	Name       string
	Native     uint32
}
