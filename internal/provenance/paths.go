package provenance

import (
	"fmt"
	"regexp"
	"strings"
)

// PathSet is a compiled list of slash-delimited path patterns. Each
// segment of a pattern is an anchored regular expression, so
// "workflow/nodes/.*/version" selects the version leaf of every node
// subtree. A pattern selects the whole subtree rooted at the path it
// names.
type PathSet struct {
	patterns [][]*regexp.Regexp
	raw      []string
}

// CompilePaths builds a PathSet from raw patterns. Invalid regexp segments
// are reported with the offending pattern.
func CompilePaths(patterns []string) (PathSet, error) {
	ps := PathSet{raw: append([]string(nil), patterns...)}
	for _, pat := range patterns {
		var segs []*regexp.Regexp
		for _, s := range strings.Split(pat, "/") {
			re, err := regexp.Compile("^" + s + "$")
			if err != nil {
				return PathSet{}, fmt.Errorf("invalid path pattern %q: %w", pat, err)
			}
			segs = append(segs, re)
		}
		ps.patterns = append(ps.patterns, segs)
	}
	return ps, nil
}

// MustCompilePaths is CompilePaths for statically known patterns.
func MustCompilePaths(patterns []string) PathSet {
	ps, err := CompilePaths(patterns)
	if err != nil {
		panic(err)
	}
	return ps
}

// Empty reports whether the set contains no patterns.
func (ps PathSet) Empty() bool {
	return len(ps.patterns) == 0
}

// Patterns returns the raw patterns the set was compiled from.
func (ps PathSet) Patterns() []string {
	return append([]string(nil), ps.raw...)
}

// Matches reports whether the leaf path, given as segments, falls inside
// any subtree named by the set. A pattern matches when all of its segments
// match the leading segments of the path.
func (ps PathSet) Matches(path []string) bool {
	for _, pat := range ps.patterns {
		if len(pat) > len(path) {
			continue
		}
		ok := true
		for i, re := range pat {
			if !re.MatchString(path[i]) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
