// Package config defines the data model the dispatch core is configured
// from (spec §3's "watcher" rule, as consumed rather than as parsed) and a
// YAML convenience loader. Spec.md treats the original direvent grammar as
// an external collaborator and deliberately leaves it unimplemented; this
// package gives the daemon a loadable, testable configuration surface that
// produces the same rule set, grounded on the teacher's own YAML
// configuration loading (pkg/configuration/configuration.go).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PathSpec is one `(path, recursive[, depth])` entry from a rule's path
// list (spec §6).
type PathSpec struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"`
	// Depth is the recursion depth; -1 means unlimited. It is only
	// meaningful when Recursive is true.
	Depth int `yaml:"depth"`
}

// Rule is one `watcher { ... }` block (spec §3, §6): the paths to watch,
// the events and file-name patterns that select which ones matter, and the
// command to run when they do.
type Rule struct {
	Paths    []PathSpec        `yaml:"paths"`
	Events   []string          `yaml:"events"`
	Files    []string          `yaml:"files"`
	Command  string            `yaml:"command"`
	User     string            `yaml:"user"`
	Timeout  int               `yaml:"timeout"`
	Options  []string          `yaml:"options"`
	Environ  map[string]string `yaml:"environ"`
}

// Document is the top-level YAML configuration file shape.
type Document struct {
	Rules []Rule `yaml:"watchers"`
}

// Errors collects every validation or parse failure found while loading a
// Document, so a misconfigured file can be reported in full rather than
// one error at a time (spec §7: configuration errors should be collected,
// not fail-fast, per the supplemental feature recovered from
// original_source/ — see SPEC_FULL.md §6.1).
type Errors []error

func (e Errors) Error() string {
	if len(e) == 0 {
		return "no configuration errors"
	}
	msg := fmt.Sprintf("%d configuration error(s):", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Load reads and parses a YAML configuration document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if errs := doc.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return doc, nil
}

// Validate checks every rule for the structural invariants spec §3
// requires before a rule can be turned into a handler.Builder, returning
// every violation found rather than stopping at the first.
func (d *Document) Validate() Errors {
	var errs Errors
	for i, r := range d.Rules {
		if len(r.Paths) == 0 {
			errs = append(errs, fmt.Errorf("watcher[%d]: at least one path is required", i))
		}
		if r.Command == "" {
			errs = append(errs, fmt.Errorf("watcher[%d]: command is required", i))
		}
		for _, p := range r.Paths {
			if p.Path == "" {
				errs = append(errs, fmt.Errorf("watcher[%d]: empty path in path list", i))
			}
			if !p.Recursive && p.Depth != 0 {
				errs = append(errs, fmt.Errorf("watcher[%d]: path %q: depth is only meaningful when recursive", i, p.Path))
			}
		}
	}
	return errs
}
