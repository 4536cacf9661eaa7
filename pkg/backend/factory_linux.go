//go:build linux

package backend

// New constructs the platform-appropriate Backend implementation (spec
// §4.5: "select one at build time or runtime"). This build selects the
// level-triggered inotify backend.
func New() Backend {
	return NewInotify()
}
