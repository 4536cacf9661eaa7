//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/direvent-io/direvent/pkg/eventmask"
)

// kqueueFileMask is every S_IFMT bit the kqueue backend watches directly
// (spec §4.4: "regular subdirectories only").
const kqueueFileMask = uint32(unix.S_IFDIR | unix.S_IFREG | unix.S_IFLNK)

// kqueueWatchFlags is the fixed EVFILT_VNODE fflag set requested for every
// watch, grounded directly on dpaks-fsnotify/backend_kqueue.go's
// internalWatch: NOTE_WRITE catches directory content changes (which must
// then be diffed to synthesize create/delete, since kqueue has no native
// per-file create/delete event), NOTE_DELETE and NOTE_RENAME catch the
// watched entry itself vanishing or being renamed away, and NOTE_ATTRIB
// catches metadata changes.
const kqueueWatchFlags = unix.NOTE_WRITE | unix.NOTE_DELETE | unix.NOTE_RENAME | unix.NOTE_ATTRIB | unix.NOTE_EXTEND

// kqueueTranslator implements eventmask.Translator over the native
// NOTE_* bits, grounded on dpaks-fsnotify/backend_kqueue.go's newEvent.
type kqueueTranslator struct{}

var kqueueNameToBits = map[string]uint32{
	"NOTE_WRITE":  unix.NOTE_WRITE,
	"NOTE_DELETE": unix.NOTE_DELETE,
	"NOTE_RENAME": unix.NOTE_RENAME,
	"NOTE_ATTRIB": unix.NOTE_ATTRIB,
	"NOTE_EXTEND": unix.NOTE_EXTEND,
	// Synthetic bits this backend itself raises (see diffListing) rather
	// than ones the kernel ever sets; included so they format cleanly in
	// DIREVENT_SYSEV_NAME.
	"NOTE_CREATE_CHILD": noteCreateChild,
	"NOTE_DELETE_CHILD": noteDeleteChild,
}

var orderedKqueueNames = []string{
	"NOTE_WRITE", "NOTE_DELETE", "NOTE_RENAME", "NOTE_ATTRIB", "NOTE_EXTEND",
	"NOTE_CREATE_CHILD", "NOTE_DELETE_CHILD",
}

// noteCreateChild and noteDeleteChild are synthetic bits (outside the
// NOTE_* range the kernel assigns) this backend raises after diffing a
// directory listing against the snapshot it keeps per descriptor in
// Kqueue.listing, since kqueue reports only that a
// directory changed, never which child changed or how (spec §4.5.2).
const (
	noteCreateChild = uint32(1) << 30
	noteDeleteChild = uint32(1) << 31
)

var genericToNote = map[eventmask.Generic]uint32{
	eventmask.Create: noteCreateChild,
	eventmask.Write:  unix.NOTE_WRITE | unix.NOTE_EXTEND,
	eventmask.Attrib: unix.NOTE_ATTRIB,
	eventmask.Delete: unix.NOTE_DELETE | unix.NOTE_RENAME | noteDeleteChild,
}

func (kqueueTranslator) NativeBitsForGeneric(g eventmask.Generic) uint32 {
	return genericToNote[g]
}

func (kqueueTranslator) GenericForNative(observed uint32) eventmask.Generic {
	var g eventmask.Generic
	for bit, native := range genericToNote {
		if observed&native != 0 {
			g |= bit
		}
	}
	return g
}

func (kqueueTranslator) NativeNameToBits(name string) (uint32, bool) {
	bits, ok := kqueueNameToBits[name]
	return bits, ok
}

func (kqueueTranslator) NativeNames(flags uint32) []string {
	var names []string
	for _, name := range orderedKqueueNames {
		if flags&kqueueNameToBits[name] != 0 {
			names = append(names, name)
		}
	}
	return names
}

// Kqueue is the edge-triggered BSD/Darwin backend (spec §4.5.2): one open
// file descriptor per watched directory, registered with a single kqueue
// instance. Because EVFILT_VNODE's NOTE_WRITE only says "this directory's
// contents changed," a directory listing snapshot is diffed against the
// previous one to synthesize per-child create/delete, mirroring
// dpaks-fsnotify/backend_kqueue.go's sendDirectoryChangeEvents /
// sendFileCreatedEventIfNew pair.
type Kqueue struct {
	mu       sync.Mutex
	kq       int
	pathByFD map[int]string // fd -> watched path, needed to re-read the directory on NOTE_WRITE
	listing  map[int]map[string]uint64
}

// NewKqueue constructs an uninitialized Kqueue backend; call Init before
// any other method.
func NewKqueue() *Kqueue {
	return &Kqueue{
		kq:       -1,
		pathByFD: make(map[int]string),
		listing:  make(map[int]map[string]uint64),
	}
}

// Init creates the kqueue instance.
func (b *Kqueue) Init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("backend: kqueue: %w", err)
	}
	b.mu.Lock()
	b.kq = kq
	b.mu.Unlock()
	return nil
}

// AddWatch opens path and registers it with the kqueue instance,
// returning the open file descriptor as the watch descriptor (spec
// §4.5.2: "one fd per directory"). The descriptor's initial child listing
// is snapshotted immediately so the first NOTE_WRITE has a baseline to
// diff against.
func (b *Kqueue) AddWatch(path string, mask eventmask.Mask) (int, error) {
	flags := mask.Backend
	if flags == 0 {
		flags = kqueueWatchFlags
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("backend: opening %q: %w", path, err)
	}

	change := make([]unix.Kevent_t, 1)
	unix.SetKevent(&change[0], fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_CLEAR|unix.EV_ENABLE)
	change[0].Fflags = flags
	if _, err := unix.Kevent(b.kq, change, nil, nil); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("backend: registering kevent for %q: %w", path, err)
	}

	listing, _ := snapshotDir(path)

	b.mu.Lock()
	b.pathByFD[fd] = path
	b.listing[fd] = listing
	b.mu.Unlock()

	return fd, nil
}

// RemoveWatch closes the descriptor, which both deregisters it from the
// kqueue instance (kqueue drops registrations for closed fds automatically)
// and releases the open directory handle.
func (b *Kqueue) RemoveWatch(descriptor int) error {
	b.mu.Lock()
	delete(b.pathByFD, descriptor)
	delete(b.listing, descriptor)
	b.mu.Unlock()

	if err := unix.Close(descriptor); err != nil && err != unix.EBADF {
		return fmt.Errorf("backend: closing watch fd: %w", err)
	}
	return nil
}

// Poll blocks on kevent(2) until at least one change is reported, then for
// every NOTE_WRITE/NOTE_EXTEND re-reads the affected directory and diffs it
// against the last snapshot to synthesize create/delete events (spec
// §4.5.2).
func (b *Kqueue) Poll(ctx context.Context) ([]Event, error) {
	raw := make([]unix.Kevent_t, 32)
	n, err := unix.Kevent(b.kq, nil, raw, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("backend: kevent: %w", err)
	}

	var events []Event
	for _, kev := range raw[:n] {
		fd := int(kev.Ident)
		native := kev.Fflags

		if native&(unix.NOTE_WRITE|unix.NOTE_EXTEND) != 0 {
			events = append(events, b.diffListing(fd)...)
		}
		if native&^(unix.NOTE_WRITE|unix.NOTE_EXTEND) != 0 {
			events = append(events, Event{Descriptor: fd, Native: native & ^uint32(unix.NOTE_WRITE|unix.NOTE_EXTEND)})
		}
	}
	return events, nil
}

// diffListing re-reads the directory watched by fd and compares it against
// the last snapshot, returning a synthesized Create or Delete Event per
// child that appeared or vanished, then updating the stored snapshot.
// Grounded directly on dpaks-fsnotify/backend_kqueue.go's
// sendDirectoryChangeEvents / fileExists bookkeeping, adapted from a
// cross-watcher fileExists set to a per-node listing snapshot since this
// backend has one fd per directory rather than one per watched file.
func (b *Kqueue) diffListing(fd int) []Event {
	b.mu.Lock()
	path, ok := b.pathByFD[fd]
	previous := b.listing[fd]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	current, err := snapshotDir(path)
	if err != nil {
		return nil
	}

	var events []Event
	for name, inode := range current {
		if prevInode, existed := previous[name]; !existed || prevInode != inode {
			events = append(events, Event{Descriptor: fd, Name: name, Native: noteCreateChild})
		}
	}
	for name := range previous {
		if _, stillThere := current[name]; !stillThere {
			events = append(events, Event{Descriptor: fd, Name: name, Native: noteDeleteChild})
		}
	}

	b.mu.Lock()
	b.listing[fd] = current
	b.mu.Unlock()

	return events
}

// snapshotDir reads dir's immediate children into a name-to-inode map.
func snapshotDir(dir string) (map[string]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	listing := make(map[string]uint64, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			listing[e.Name()] = uint64(stat.Ino)
		} else {
			listing[e.Name()] = 0
		}
	}
	return listing, nil
}

// FileMask returns the S_IFMT bits this backend can watch directly.
func (b *Kqueue) FileMask() uint32 { return kqueueFileMask }

// Translator returns the kqueue generic/native flag translator.
func (b *Kqueue) Translator() eventmask.Translator { return kqueueTranslator{} }

// Close releases the kqueue instance. Any still-open per-directory watch
// descriptors are the caller's responsibility (the registry's teardown
// path calls RemoveWatch on each before Close).
func (b *Kqueue) Close() error {
	b.mu.Lock()
	kq := b.kq
	b.kq = -1
	b.mu.Unlock()
	if kq < 0 {
		return nil
	}
	return unix.Close(kq)
}
