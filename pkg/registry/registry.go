package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/direvent-io/direvent/pkg/backend"
	"github.com/direvent-io/direvent/pkg/eventmask"
	"github.com/direvent-io/direvent/pkg/handler"
	"github.com/direvent-io/direvent/pkg/logging"
)

// Registry is the dual-indexed collection of watched Nodes (spec §4.4:
// "dual-indexed ... by path ... by backend descriptor"). It owns the
// backend watches its nodes hold and is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	backend  backend.Backend
	logger   *logging.Logger
	byPath   map[string]*Node
	byDesc   map[int]*Node
	children map[string]map[string]bool // parent path -> set of child paths
}

// New constructs an empty Registry backed by b. logger receives warnings
// about startup-enumeration failures (a directory that disappears, or that
// cannot be read, between listing and stat); a nil logger falls back to
// logging.RootLogger.
func New(b backend.Backend, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.RootLogger
	}
	return &Registry{
		backend:  b,
		logger:   logger,
		byPath:   make(map[string]*Node),
		byDesc:   make(map[int]*Node),
		children: make(map[string]map[string]bool),
	}
}

// LookupByPath returns the node watching path, if any.
func (r *Registry) LookupByPath(path string) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byPath[filepath.Clean(path)]
	return n, ok
}

// LookupByDescriptor returns the node whose backend watch is descriptor, if
// any (spec §4.6 step 1: "resolve the node via the dual index").
func (r *Registry) LookupByDescriptor(descriptor int) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byDesc[descriptor]
	return n, ok
}

// Install adds a watch on path at the given depth, attaching handlers to
// it, or merges handlers into an already-installed node at the same path
// (spec §9's resolved open question): a path re-declared at the same depth
// appends the new handlers; a path re-declared at a different depth is a
// configuration error. created reports whether a new backend watch was
// added.
func (r *Registry) Install(path, parentPath string, depth int, handlers []*handler.Handler) (node *Node, created bool, err error) {
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPath[path]; ok {
		if existing.Depth != depth {
			return nil, false, fmt.Errorf("registry: %q already watched at depth %d, cannot re-declare at depth %d", path, existing.Depth, depth)
		}
		for _, h := range handlers {
			existing.Handlers = append(existing.Handlers, h.Ref())
		}
		return existing, false, nil
	}

	descriptor, err := r.backend.AddWatch(path, eventmask.Mask{})
	if err != nil {
		return nil, false, fmt.Errorf("registry: watching %q: %w", path, err)
	}

	refed := make([]*handler.Handler, len(handlers))
	for i, h := range handlers {
		refed[i] = h.Ref()
	}

	node = &Node{
		Path:       path,
		ParentPath: parentPath,
		Descriptor: descriptor,
		Depth:      depth,
		Handlers:   refed,
	}
	r.byPath[path] = node
	r.byDesc[descriptor] = node
	if parentPath != "" {
		set := r.children[parentPath]
		if set == nil {
			set = make(map[string]bool)
			r.children[parentPath] = set
		}
		set[path] = true
	}
	return node, true, nil
}

// InstallChild installs a watch on name, a direct child of parent, copying
// parent's handler list onto it by reference-count bump (spec §4.6 step 4:
// "copy the parent's handler list to it by reference-count bump"). Its
// depth is derived from parent's per childDepth's rule.
func (r *Registry) InstallChild(parent *Node, name string) (*Node, bool, error) {
	return r.Install(filepath.Join(parent.Path, name), parent.Path, parent.childDepth(), parent.Handlers)
}

// InstallRoot installs path and, if depth is non-zero, recursively installs
// every regular subdirectory beneath it, skipping symlinks (spec §4.4's
// startup enumeration). A failure to enumerate or install a particular
// descendant is logged and skipped rather than aborting the whole subtree.
func (r *Registry) InstallRoot(path string, depth int, handlers []*handler.Handler) (*Node, error) {
	return r.installSubtree(path, "", depth, handlers)
}

func (r *Registry) installSubtree(path, parentPath string, depth int, handlers []*handler.Handler) (*Node, error) {
	node, _, err := r.Install(path, parentPath, depth, handlers)
	if err != nil {
		return nil, err
	}
	if depth == 0 {
		return node, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		r.logger.Warn(fmt.Errorf("registry: enumerating %s: %w", path, err))
		return node, nil
	}

	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())
		info, err := os.Lstat(childPath)
		if err != nil {
			r.logger.Warn(fmt.Errorf("registry: stat %s: %w", childPath, err))
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
			continue
		}
		if _, err := r.installSubtree(childPath, path, node.childDepth(), handlers); err != nil {
			r.logger.Warn(fmt.Errorf("registry: installing %s: %w", childPath, err))
		}
	}
	return node, nil
}

// Destroy removes node and every descendant it caused to be installed,
// releasing the backend watch and the nodes' handler references for each
// one, depth-first (spec §4.6 step 3: "recursively destroy descendants,
// releasing handler references").
func (r *Registry) Destroy(node *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyLocked(node)
}

func (r *Registry) destroyLocked(node *Node) {
	for childPath := range r.children[node.Path] {
		if child, ok := r.byPath[childPath]; ok {
			r.destroyLocked(child)
		}
	}
	delete(r.children, node.Path)
	if node.ParentPath != "" {
		if siblings, ok := r.children[node.ParentPath]; ok {
			delete(siblings, node.Path)
		}
	}

	if err := r.backend.RemoveWatch(node.Descriptor); err != nil {
		r.logger.Debug("registry: removing watch on %s: %v", node.Path, err)
	}
	for _, h := range node.Handlers {
		h.Unref()
	}

	delete(r.byPath, node.Path)
	delete(r.byDesc, node.Descriptor)
}

// Len returns the number of watched nodes, primarily for tests exercising
// the round-trip property (spec §8: "Installing a path P and removing it
// returns the registry to its prior state").
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPath)
}
