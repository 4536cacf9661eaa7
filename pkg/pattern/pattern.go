// Package pattern implements the per-handler file-name pattern set (spec
// §4.2): a tagged variant of compiled extended regex or glob, each carrying
// a negation bit, matched against a file's basename.
//
// Glob matching is grounded on the teacher's own ignore-pattern matcher
// (mutagen's pkg/synchronization/core/ignore.go), which validates a pattern
// by trial-matching it and uses github.com/bmatcuk/doublestar/v4 for the
// actual glob semantics. No POSIX extended-regex library appears anywhere
// in the example corpus, so the regex half is built on the standard
// library's regexp package (documented stdlib justification: there is
// nothing to reach for).
package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// kind distinguishes the two pattern forms a spec string can compile to.
type kind int

const (
	kindGlob kind = iota
	kindRegex
)

// Pattern is a single compiled filter: either a glob or a regex, with an
// optional negation bit (spec §3: "Pattern. Tagged variant...").
type Pattern struct {
	negated bool
	kind    kind
	glob    string
	re      *regexp.Regexp
	source  string
}

// Negated reports whether this pattern is a negated pattern.
func (p *Pattern) Negated() bool {
	return p.negated
}

// String returns the original, uncompiled pattern specification.
func (p *Pattern) String() string {
	return p.source
}

// Compile parses and compiles a single pattern specification: an optional
// leading "!" (negation), then either "/REGEX/FLAGS" (FLAGS ⊆ {b, i}) or a
// literal glob (spec §4.2).
func Compile(spec string) (*Pattern, error) {
	original := spec
	negated := false
	if strings.HasPrefix(spec, "!") {
		negated = true
		spec = spec[1:]
	}

	if strings.HasPrefix(spec, "/") {
		return compileRegex(spec, negated, original)
	}

	// Validate the glob by a trial match against a non-empty name; an
	// invalid pattern fails here rather than silently matching nothing,
	// matching the teacher's own ignore-pattern validation approach.
	if _, err := doublestar.Match(spec, "a"); err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", original, err)
	}

	return &Pattern{negated: negated, kind: kindGlob, glob: spec, source: original}, nil
}

// compileRegex handles the "/REGEX/FLAGS" form.
func compileRegex(spec string, negated bool, original string) (*Pattern, error) {
	// spec[0] == '/'; find the closing delimiter.
	closing := strings.IndexByte(spec[1:], '/')
	if closing == -1 {
		return nil, fmt.Errorf("unterminated regex pattern: %q", original)
	}
	closing++ // account for the offset introduced by spec[1:]

	source := spec[1:closing]
	flags := spec[closing+1:]

	basic := false
	caseFold := false
	for _, f := range flags {
		switch f {
		case 'b':
			basic = true
		case 'i':
			caseFold = true
		default:
			return nil, fmt.Errorf("invalid regex flag %q in pattern %q", string(f), original)
		}
	}

	expr := source
	if caseFold {
		expr = "(?i)" + expr
	}

	var re *regexp.Regexp
	var err error
	if basic {
		// "b" disables extended syntax. Go's regexp package has no true
		// POSIX Basic Regular Expression mode; regexp.CompilePOSIX gives
		// POSIX leftmost-longest semantics over the same syntax, which is
		// the closest stdlib equivalent and what this repository uses as
		// its documented stand-in (see DESIGN.md).
		re, err = regexp.CompilePOSIX(expr)
	} else {
		re, err = regexp.Compile(expr)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", original, err)
	}

	return &Pattern{negated: negated, kind: kindRegex, re: re, source: original}, nil
}

// Match reports whether name (a basename, not a full path) matches this
// pattern, ignoring its negation bit.
func (p *Pattern) Match(name string) bool {
	if p.kind == kindRegex {
		return p.re.MatchString(name)
	}
	ok, _ := doublestar.Match(p.glob, name)
	return ok
}

// Set is the ordered collection of patterns filtering a handler's events by
// file basename (spec §3, §4.2).
type Set struct {
	patterns []*Pattern
}

// NewSet compiles a list of pattern specifications into a Set.
func NewSet(specs []string) (*Set, error) {
	patterns := make([]*Pattern, 0, len(specs))
	for _, spec := range specs {
		p, err := Compile(spec)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return &Set{patterns: patterns}, nil
}

// Empty reports whether the set has no patterns at all (spec §3: "pattern
// set (may be empty = accept all names)").
func (s *Set) Empty() bool {
	return s == nil || len(s.patterns) == 0
}

// Accept reports whether name matches this pattern set: it must match at
// least one positive pattern and no negative pattern; if the set has no
// positive patterns, it is accepted unless a negative pattern matches
// (spec §3).
func (s *Set) Accept(name string) bool {
	if s.Empty() {
		return true
	}

	hasPositive := false
	positiveMatch := false
	for _, p := range s.patterns {
		if p.negated {
			if p.Match(name) {
				return false
			}
			continue
		}
		hasPositive = true
		if p.Match(name) {
			positiveMatch = true
		}
	}

	if !hasPositive {
		return true
	}
	return positiveMatch
}
