package destination

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/tapline/mutation"
)

// Filter decides whether a mutation is forwarded by a sink
type Filter interface {
	Accept(m mutation.Mutation) bool
}

// GlobFilter matches row mutations by database and table glob patterns.
// Mutations that do not carry a row entity are always accepted.
type GlobFilter struct {
	tables    []glob.Glob
	databases []glob.Glob
}

// NewGlobFilter compiles the patterns. An empty pattern list matches everything.
func NewGlobFilter(tablePatterns, databasePatterns []string) (*GlobFilter, error) {
	tables, err := compileGlobs("table", tablePatterns)
	if err != nil {
		return nil, err
	}
	databases, err := compileGlobs("database", databasePatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{tables: tables, databases: databases}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match reports whether database and table both satisfy their patterns
func (f *GlobFilter) Match(database, table string) bool {
	return matchAny(f.databases, database) && matchAny(f.tables, table)
}

func (f *GlobFilter) Accept(m mutation.Mutation) bool {
	switch e := m.Entity.(type) {
	case mutation.Row:
		return f.Match(e.Database, e.Table)
	case mutation.RowChange:
		return f.Match(e.After.Database, e.After.Table)
	default:
		return true
	}
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
