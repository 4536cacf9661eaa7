// Package registry implements the directory watcher node forest and its
// dual-indexed registry (spec §3, §4.4): every watched directory is a Node
// reachable both by its path and by the backend descriptor that delivers
// events for it.
package registry

import "github.com/direvent-io/direvent/pkg/handler"

// Unlimited is the depth sentinel meaning "descend without bound" (spec
// §3: "recursion depth (-1 = unlimited)").
const Unlimited = -1

// Node is one watched directory (spec §3: "Watched directory node"). It is
// owned by exactly one Registry; callers obtain pointers to it via
// Registry.Install, Registry.LookupByPath, or Registry.LookupByDescriptor
// and must not mutate it directly.
type Node struct {
	// Path is the node's cleaned directory path, absolute or relative as
	// it was given to Install.
	Path string
	// ParentPath is the path of the node that caused this one to be
	// installed (the empty string for a configured root). The forest is
	// represented as a flat path-keyed map plus this back-reference,
	// rather than owning child pointers, so a node can be looked up
	// directly by path without walking from a root (spec §4.4).
	ParentPath string
	// Descriptor is the backend-specific watch handle returned by
	// Backend.AddWatch.
	Descriptor int
	// Depth is this node's remaining recursion depth; Unlimited never
	// decrements.
	Depth int
	// Handlers is the list of handler rules attached to this node. Every
	// entry has been Ref'd on this node's behalf; Registry.Destroy Unrefs
	// each one exactly once.
	Handlers []*handler.Handler

	// Listing is a slot for a directory's last-observed child set (name to
	// inode number). No code in this repository reads or writes it: the
	// kqueue backend keeps its own per-descriptor snapshot for diffing
	// (Kqueue.listing), and the registry leaves this field nil.
	Listing map[string]uint64
}

// childDepth returns the Depth a child of this node should be installed
// with (spec §4.4's startup enumeration and §4.6 step 4's recursive
// subtree expansion both decrement depth the same way, unless it is
// unlimited).
func (n *Node) childDepth() int {
	if n.Depth == Unlimited {
		return Unlimited
	}
	return n.Depth - 1
}
