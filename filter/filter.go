// Package filter compiles include/exclude glob pattern lists into a runtime
// path filter.
package filter

import "github.com/gobwas/glob"

// Filter is a compiled include/exclude glob set. An empty include list
// means "include everything". Individual pattern compile errors are
// swallowed - the offending pattern is skipped and the rest still apply,
// matching the original's tolerance for a single bad glob.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// New compiles include and exclude pattern lists into a Filter.
func New(include, exclude []string) *Filter {
	return &Filter{
		include: compileAll(include),
		exclude: compileAll(exclude),
	}
}

func compileAll(patterns []string) []glob.Glob {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		compiled = append(compiled, g)
	}
	return compiled
}

// Check reports whether path should be synced: (include empty OR any
// include pattern matches) AND NOT any exclude pattern matches.
func (f *Filter) Check(path string) bool {
	included := len(f.include) == 0 || anyMatch(f.include, path)
	if !included {
		return false
	}
	return !anyMatch(f.exclude, path)
}

func anyMatch(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
