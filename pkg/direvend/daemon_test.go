package direvend

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	backendpkg "github.com/direvent-io/direvent/pkg/backend"
	"github.com/direvent-io/direvent/pkg/config"
	"github.com/direvent-io/direvent/pkg/dispatch"
	"github.com/direvent-io/direvent/pkg/eventmask"
	"github.com/direvent-io/direvent/pkg/procmanager"
)

// identityTranslator maps each generic bit to the identical native bit, so
// tests can synthesize native event words directly from generic constants.
type identityTranslator struct{}

func (identityTranslator) NativeBitsForGeneric(g eventmask.Generic) uint32 { return uint32(g) }
func (identityTranslator) GenericForNative(observed uint32) eventmask.Generic {
	return eventmask.Generic(observed)
}
func (identityTranslator) NativeNameToBits(name string) (uint32, bool) { return 0, false }
func (identityTranslator) NativeNames(flags uint32) []string           { return nil }

// fakeBackend is a backend.Backend double whose Poll blocks on a channel of
// pre-scripted batches (or ctx cancellation), so Daemon.Run's loop can be
// exercised without a real kernel event source.
type fakeBackend struct {
	next   int
	events chan []backendpkg.Event
	closed chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan []backendpkg.Event, 4), closed: make(chan struct{})}
}

func (b *fakeBackend) Init() error { return nil }
func (b *fakeBackend) AddWatch(path string, mask eventmask.Mask) (int, error) {
	b.next++
	return b.next, nil
}
func (b *fakeBackend) RemoveWatch(descriptor int) error { return nil }
func (b *fakeBackend) Poll(ctx context.Context) ([]backendpkg.Event, error) {
	select {
	case evs := <-b.events:
		return evs, nil
	case <-b.closed:
		return nil, os.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (b *fakeBackend) FileMask() uint32                 { return 0 }
func (b *fakeBackend) Translator() eventmask.Translator { return identityTranslator{} }
func (b *fakeBackend) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

// TestLoadConfigInstallsRootsAndRunsHandler verifies that a loaded
// configuration document results in an installed registry root whose
// handler actually fires when a matching event is dispatched.
func TestLoadConfigInstallsRootsAndRunsHandler(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "fired")

	b := newFakeBackend()
	d := New(b, nil, "")

	doc := &config.Document{
		Rules: []config.Rule{
			{
				Paths:   []config.PathSpec{{Path: dir}},
				Events:  []string{"create"},
				Command: "touch " + marker,
				Options: []string{"shell"},
			},
		},
	}
	if err := d.LoadConfig(doc); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	node, ok := d.Registry().LookupByPath(dir)
	if !ok {
		t.Fatalf("expected %s to be installed as a root", dir)
	}
	if len(node.Handlers) != 1 {
		t.Fatalf("expected 1 handler installed, got %d", len(node.Handlers))
	}

	runs := d.dispatch.Dispatch([]backendpkg.Event{{Descriptor: node.Descriptor, Native: uint32(eventmask.Create)}})
	if len(runs) != 1 {
		t.Fatalf("expected 1 matching run, got %d", len(runs))
	}
	if err := d.procs.Run(toRequest(runs[0])); err != nil {
		t.Fatalf("procs.Run: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the handler's command to create the marker file")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestResolveUserIncludesSupplementaryGroups verifies spec §8 scenario 6:
// the returned gid vector carries the user's primary gid plus every
// supplementary group they belong to, not just the primary gid alone.
func TestResolveUserIncludesSupplementaryGroups(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skip("no current user available in this environment")
	}

	want, err := current.GroupIds()
	if err != nil {
		t.Skip("group enumeration unavailable in this environment")
	}

	_, gids, err := resolveUser(current.Username)
	if err != nil {
		t.Fatalf("resolveUser: %v", err)
	}
	if len(gids) == 0 {
		t.Fatal("expected at least the primary gid")
	}
	if len(want) > 1 && len(gids) == 1 {
		t.Fatalf("expected supplementary groups to be included, got only the primary gid %v (user belongs to %d groups)", gids, len(want))
	}
}

// TestRunStopsOnContextCancellation verifies the main loop exits cleanly
// once its context is cancelled, rather than hanging on a blocked Poll.
func TestRunStopsOnContextCancellation(t *testing.T) {
	b := newFakeBackend()
	d := New(b, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestRunWritesAndRemovesPIDFile verifies the pidfile is created while
// running and removed once Run returns.
func TestRunWritesAndRemovesPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "direvent.pid")

	b := newFakeBackend()
	d := New(b, nil, pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(pidFile); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the pid file to be created")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected a clean shutdown, got %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("expected the pid file to be removed, stat error: %v", err)
	}
}

// toRequest mirrors the mapping Daemon.Run performs between a dispatch.Run
// and a procmanager.Request, duplicated here to exercise procs.Run directly
// without going through the main loop.
func toRequest(run dispatch.Run) procmanager.Request {
	return procmanager.Request{
		Handler:     run.Handler,
		Generic:     run.Generic,
		GenericName: run.GenericName,
		NativeCode:  run.NativeCode,
		NativeName:  run.NativeName,
		Dir:         run.Dir,
		Name:        run.Name,
	}
}
