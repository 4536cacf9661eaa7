//go:build linux

package backend

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/direvent-io/direvent/pkg/eventmask"
)

// inotifyFileMask is every S_IFMT bit inotify can report events for; device
// nodes, sockets, and FIFOs are excluded from recursive expansion and
// startup enumeration (spec §4.4: "regular subdirectories only").
const inotifyFileMask = uint32(unix.S_IFDIR | unix.S_IFREG | unix.S_IFLNK)

// inotifyTranslator implements eventmask.Translator over the native
// IN_* bits (spec §4.1), grounded on the flag table in the teacher's
// event_inotify.go (same bit constants, same map[bits]name idiom).
type inotifyTranslator struct{}

var inotifyNameToBits = map[string]uint32{
	"IN_ACCESS":        unix.IN_ACCESS,
	"IN_MODIFY":        unix.IN_MODIFY,
	"IN_ATTRIB":        unix.IN_ATTRIB,
	"IN_CLOSE_WRITE":   unix.IN_CLOSE_WRITE,
	"IN_CLOSE_NOWRITE": unix.IN_CLOSE_NOWRITE,
	"IN_OPEN":          unix.IN_OPEN,
	"IN_MOVED_FROM":    unix.IN_MOVED_FROM,
	"IN_MOVED_TO":      unix.IN_MOVED_TO,
	"IN_CREATE":        unix.IN_CREATE,
	"IN_DELETE":        unix.IN_DELETE,
	"IN_DELETE_SELF":   unix.IN_DELETE_SELF,
	"IN_MOVE_SELF":     unix.IN_MOVE_SELF,
}

// orderedInotifyNames lists the native names in declaration order, for
// stable DIREVENT_SYSEV_NAME formatting.
var orderedInotifyNames = []string{
	"IN_ACCESS", "IN_MODIFY", "IN_ATTRIB", "IN_CLOSE_WRITE", "IN_CLOSE_NOWRITE",
	"IN_OPEN", "IN_MOVED_FROM", "IN_MOVED_TO", "IN_CREATE", "IN_DELETE",
	"IN_DELETE_SELF", "IN_MOVE_SELF",
}

// genericToNative maps each single generic bit (spec §3) to the IN_* bits
// that, observed together, constitute that generic event (spec §4.1: "a
// per-backend translation vector mapping each generic code to its native
// bits").
var genericToNative = map[eventmask.Generic]uint32{
	eventmask.Create: unix.IN_CREATE | unix.IN_MOVED_TO,
	eventmask.Write:  unix.IN_MODIFY | unix.IN_CLOSE_WRITE,
	eventmask.Attrib: unix.IN_ATTRIB,
	eventmask.Delete: unix.IN_DELETE | unix.IN_DELETE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVE_SELF,
}

func (inotifyTranslator) NativeBitsForGeneric(g eventmask.Generic) uint32 {
	return genericToNative[g]
}

func (inotifyTranslator) GenericForNative(observed uint32) eventmask.Generic {
	var g eventmask.Generic
	for bit, native := range genericToNative {
		if observed&native != 0 {
			g |= bit
		}
	}
	return g
}

func (inotifyTranslator) NativeNameToBits(name string) (uint32, bool) {
	bits, ok := inotifyNameToBits[name]
	return bits, ok
}

func (inotifyTranslator) NativeNames(flags uint32) []string {
	var names []string
	for _, name := range orderedInotifyNames {
		if flags&inotifyNameToBits[name] != 0 {
			names = append(names, name)
		}
	}
	return names
}

// inotifyWatchMask is the fixed set of native bits requested for every
// watch: direvent always wants the full generic taxonomy, and per-handler
// mask filtering happens later in pkg/dispatch rather than at the kernel
// (spec §4.6 step 2 translates first, filters second).
const inotifyWatchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF |
	unix.IN_MOVE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_ATTRIB

// Inotify is the level-triggered Linux backend (spec §4.5.1): one watch
// descriptor per watched directory, raw events read directly off the
// inotify file descriptor.
type Inotify struct {
	mu sync.Mutex
	fd int
}

// NewInotify constructs an uninitialized Inotify backend; call Init before
// any other method.
func NewInotify() *Inotify {
	return &Inotify{fd: -1}
}

// Init acquires the inotify instance file descriptor.
func (b *Inotify) Init() error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("backend: inotify_init1: %w", err)
	}
	b.mu.Lock()
	b.fd = fd
	b.mu.Unlock()
	return nil
}

// AddWatch adds a watch on path, returning the kernel-assigned watch
// descriptor. A zero mask.Backend requests the full inotifyWatchMask; a
// non-zero one is used verbatim, letting callers narrow it for testing.
func (b *Inotify) AddWatch(path string, mask eventmask.Mask) (int, error) {
	native := mask.Backend
	if native == 0 {
		native = inotifyWatchMask
	}
	b.mu.Lock()
	fd := b.fd
	b.mu.Unlock()

	wd, err := unix.InotifyAddWatch(fd, path, native)
	if err != nil {
		return 0, fmt.Errorf("backend: inotify_add_watch %q: %w", path, err)
	}
	return wd, nil
}

// RemoveWatch releases a watch descriptor. An already-removed descriptor
// (the kernel may have auto-removed it and delivered IN_IGNORED) is not
// treated as an error.
func (b *Inotify) RemoveWatch(descriptor int) error {
	b.mu.Lock()
	fd := b.fd
	b.mu.Unlock()

	if _, err := unix.InotifyRmWatch(fd, uint32(descriptor)); err != nil && err != unix.EINVAL {
		return fmt.Errorf("backend: inotify_rm_watch: %w", err)
	}
	return nil
}

// Poll blocks reading the inotify fd until at least one event is available,
// parsing the kernel's raw struct inotify_event stream into Event values.
// There is no way to interrupt a blocking read(2) on an inotify fd other
// than closing it; Close does exactly that, which Poll observes as EBADF
// and reports as ctx.Err() when the caller is shutting down.
func (b *Inotify) Poll(ctx context.Context) ([]Event, error) {
	b.mu.Lock()
	fd := b.fd
	b.mu.Unlock()

	buffer := make([]byte, 64*1024)
	n, err := unix.Read(fd, buffer)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("backend: reading inotify fd: %w", err)
	}

	return parseInotifyEvents(buffer[:n]), nil
}

// inotifyEventHeaderSize is sizeof(struct inotify_event) without the
// variable-length name field.
const inotifyEventHeaderSize = 16

// parseInotifyEvents decodes a raw read buffer into a slice of Events,
// following the teacher's event_inotify.go's use of unix.InotifyEvent as
// the wire-layout struct.
func parseInotifyEvents(buffer []byte) []Event {
	var events []Event
	offset := 0
	for offset+inotifyEventHeaderSize <= len(buffer) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buffer[offset]))
		nameLen := int(raw.Len)
		nameStart := offset + inotifyEventHeaderSize
		name := ""
		if nameLen > 0 && nameStart+nameLen <= len(buffer) {
			name = cString(buffer[nameStart : nameStart+nameLen])
		}
		events = append(events, Event{
			Descriptor: int(raw.Wd),
			Name:       name,
			Native:     raw.Mask,
		})
		offset = nameStart + nameLen
	}
	return events
}

// cString trims a NUL-padded fixed-size byte slice down to its string
// content.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// FileMask returns the S_IFMT bits this backend can watch directly.
func (b *Inotify) FileMask() uint32 { return inotifyFileMask }

// Translator returns the inotify generic/native flag translator.
func (b *Inotify) Translator() eventmask.Translator { return inotifyTranslator{} }

// Close releases the inotify file descriptor.
func (b *Inotify) Close() error {
	b.mu.Lock()
	fd := b.fd
	b.fd = -1
	b.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
