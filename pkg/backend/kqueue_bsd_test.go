//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/direvent-io/direvent/pkg/eventmask"
)

// TestKqueueTranslatorGenericRoundTrip mirrors the inotify translator test:
// native bits registered for a generic event translate back to it.
func TestKqueueTranslatorGenericRoundTrip(t *testing.T) {
	tr := kqueueTranslator{}
	for _, g := range []eventmask.Generic{eventmask.Create, eventmask.Write, eventmask.Attrib, eventmask.Delete} {
		native := tr.NativeBitsForGeneric(g)
		if native == 0 {
			t.Fatalf("expected non-zero native bits for %v", g)
		}
		if got := tr.GenericForNative(native); got&g == 0 {
			t.Errorf("expected %v to round-trip through native bits %#x, got %v", g, native, got)
		}
	}
}

// TestDiffListingSynthesizesCreateAndDelete verifies the core of the
// kqueue edge-backend adaptation: comparing two directory snapshots
// produces a synthetic create for an added name and a synthetic delete for
// a removed one, since EVFILT_VNODE's NOTE_WRITE carries no information
// about which child changed.
func TestDiffListingSynthesizesCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	initial, err := snapshotDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	const fakeFD = 99
	b := &Kqueue{
		pathByFD: map[int]string{fakeFD: dir},
		listing:  map[int]map[string]uint64{fakeFD: initial},
	}

	newFile := filepath.Join(dir, "created.txt")
	if err := os.WriteFile(newFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	created := b.diffListing(fakeFD)
	if len(created) != 1 || created[0].Name != "created.txt" || created[0].Native != noteCreateChild {
		t.Fatalf("expected one synthesized create event, got %+v", created)
	}

	if err := os.Remove(newFile); err != nil {
		t.Fatal(err)
	}

	deleted := b.diffListing(fakeFD)
	if len(deleted) != 1 || deleted[0].Name != "created.txt" || deleted[0].Native != noteDeleteChild {
		t.Fatalf("expected one synthesized delete event, got %+v", deleted)
	}
}
