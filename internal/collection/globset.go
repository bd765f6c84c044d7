package collection

import (
	"path/filepath"
	"strings"

	"github.com/ryanuber/go-glob"
)

// globSet is a pre-parsed view of a collection's include/ignore glob lists,
// split into the fast-path shapes the indexer recognises (extension or
// exact-basename patterns, and ignored directory names) plus a fallback
// list matched at scan time for anything unusual.
type globSet struct {
	includeExt      map[string]bool
	includeNames    map[string]bool
	includeFallback []string

	ignoreExt      map[string]bool
	ignoreNames    map[string]bool
	ignoreDirNames map[string]bool
	ignoreFallback []string
}

func newGlobSet(includeGlobs, ignoreGlobs []string) *globSet {
	g := &globSet{
		includeExt:     map[string]bool{},
		includeNames:   map[string]bool{},
		ignoreExt:      map[string]bool{},
		ignoreNames:    map[string]bool{},
		ignoreDirNames: map[string]bool{},
	}

	for _, p := range includeGlobs {
		switch {
		case strings.HasPrefix(p, "**/*") && !strings.Contains(p[4:], "/"):
			g.includeExt[p[4:]] = true
		case strings.HasPrefix(p, "**/") && !strings.ContainsAny(p[3:], "/*"):
			g.includeNames[p[3:]] = true
		default:
			g.includeFallback = append(g.includeFallback, p)
		}
	}

	for _, p := range ignoreGlobs {
		switch {
		case strings.HasPrefix(p, "**/") && strings.HasSuffix(p, "/**") && !strings.Contains(p[3:len(p)-3], "/"):
			g.ignoreDirNames[p[3:len(p)-3]] = true
		case strings.HasPrefix(p, "**/*") && !strings.Contains(p[4:], "/"):
			g.ignoreExt[p[4:]] = true
		case strings.HasPrefix(p, "**/") && !strings.ContainsAny(p[3:], "/*"):
			g.ignoreNames[p[3:]] = true
		default:
			g.ignoreFallback = append(g.ignoreFallback, p)
		}
	}

	return g
}

// allowed reports whether relPath matches an include pattern.
func (g *globSet) allowed(relPath string) bool {
	if g.includeExt[filepath.Ext(relPath)] {
		return true
	}
	if g.includeNames[filepath.Base(relPath)] {
		return true
	}
	for _, pattern := range g.includeFallback {
		if glob.Glob(pattern, relPath) {
			return true
		}
	}
	return false
}

// ignoredDir reports whether a directory basename is excluded from
// traversal entirely.
func (g *globSet) ignoredDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	return g.ignoreDirNames[name]
}

// ignoredFile reports whether relPath matches an ignore pattern.
func (g *globSet) ignoredFile(relPath string) bool {
	if g.ignoreExt[filepath.Ext(relPath)] {
		return true
	}
	if g.ignoreNames[filepath.Base(relPath)] {
		return true
	}
	for _, pattern := range g.ignoreFallback {
		if glob.Glob(pattern, relPath) {
			return true
		}
	}
	return false
}
