// Package dispatch implements the five-step per-event pipeline (spec
// §4.6) that turns a batch of raw backend.Events into a set of handler
// invocations, resolving nodes, translating native flags to generic bits,
// retiring deleted directories, and expanding newly created subdirectories
// into the watch tree.
package dispatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/direvent-io/direvent/pkg/backend"
	"github.com/direvent-io/direvent/pkg/eventmask"
	"github.com/direvent-io/direvent/pkg/handler"
	"github.com/direvent-io/direvent/pkg/logging"
	"github.com/direvent-io/direvent/pkg/registry"
)

// Run is one handler invocation request produced by a Dispatch call, ready
// to be handed to pkg/procmanager. GenericName and NativeName are
// pre-formatted for the DIREVENT_GENEV_NAME/DIREVENT_SYSEV_NAME environment
// bindings (spec §4.7 step 2) since procmanager has no translator of its
// own to format NativeCode with.
type Run struct {
	Handler     *handler.Handler
	Generic     eventmask.Generic
	GenericName string
	NativeCode  uint32
	NativeName  string
	Dir         string
	Name        string
}

// Engine ties a Registry to the translator of whichever backend is in use
// and turns raw event batches into Runs.
type Engine struct {
	registry   *registry.Registry
	translator eventmask.Translator
	logger     *logging.Logger
}

// New constructs a dispatch Engine. A nil logger falls back to
// logging.RootLogger.
func New(reg *registry.Registry, translator eventmask.Translator, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.RootLogger
	}
	return &Engine{registry: reg, translator: translator, logger: logger}
}

// Dispatch runs the five-step pipeline over one poll() batch (spec §4.6),
// returning the Runs it produced. Node destruction triggered by step 3 is
// deferred until the whole batch has been processed; later events in the
// same batch for a node already scheduled for destruction are skipped.
func (e *Engine) Dispatch(events []backend.Event) []Run {
	var runs []Run
	var condemned []*registry.Node
	destroying := make(map[string]bool)

	for _, ev := range events {
		node, ok := e.registry.LookupByDescriptor(ev.Descriptor)
		if !ok {
			e.logger.Debug("dispatch: event for unresolved descriptor %d (name=%q), skipping", ev.Descriptor, ev.Name)
			continue
		}
		if destroying[node.Path] {
			continue
		}

		generic := eventmask.Observe(ev.Native, e.translator).Generic

		if generic&eventmask.Delete != 0 && ev.Name == "" {
			condemned = append(condemned, node)
			destroying[node.Path] = true
		}

		if generic&eventmask.Create != 0 && ev.Name != "" && node.Depth != 0 && isDirectory(filepath.Join(node.Path, ev.Name)) {
			if _, _, err := e.registry.InstallChild(node, ev.Name); err != nil {
				e.logger.Warn(fmt.Errorf("dispatch: expanding %s/%s: %w", node.Path, ev.Name, err))
			}
		}

		if matched := e.matchingHandlers(node, generic, ev.Name); len(matched) > 0 {
			genericName := generic.String()
			nativeName := eventmask.FormatNativeNames(ev.Native, e.translator)
			for _, h := range matched {
				runs = append(runs, Run{
					Handler:     h,
					Generic:     generic,
					GenericName: genericName,
					NativeCode:  ev.Native,
					NativeName:  nativeName,
					Dir:         node.Path,
					Name:        ev.Name,
				})
			}
		}
	}

	for _, node := range condemned {
		e.registry.Destroy(node)
	}

	return runs
}

// matchingHandlers returns the subset of node's handlers that accept this
// event (spec §4.6 step 5).
func (e *Engine) matchingHandlers(node *registry.Node, generic eventmask.Generic, name string) []*handler.Handler {
	var matched []*handler.Handler
	for _, h := range node.Handlers {
		if h.Matches(generic, name) {
			matched = append(matched, h)
		}
	}
	return matched
}

// isDirectory reports whether path currently names a directory, used by
// step 4 to decide whether a CREATE name needs its own watch (spec §4.6
// step 4: "the node's depth is nonzero and n is a directory").
func isDirectory(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}
