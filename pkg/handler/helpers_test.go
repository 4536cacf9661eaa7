package handler

import "github.com/direvent-io/direvent/pkg/pattern"

// newTestSet is a small convenience wrapper for building a pattern.Set from
// inline specs in tests.
func newTestSet(specs ...string) (*pattern.Set, error) {
	return pattern.NewSet(specs)
}
