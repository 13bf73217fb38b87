package discovery

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flanksource/commons/logger"
	"github.com/samber/lo"
)

// DefaultPattern matches any file whose name ends in "test.ts", at any depth.
const DefaultPattern = "**/*test.ts"

var DefaultExcludes = []string{"node_modules/**"}

// TestFile is a discovered test source file.
type TestFile struct {
	// Path is the absolute path on disk.
	Path string `json:"path"`
	// Rel is the slash separated path relative to the search root.
	Rel string `json:"rel"`
}

func (f TestFile) String() string {
	return f.Rel
}

// Paths returns the relative paths of files, in order.
func Paths(files []TestFile) []string {
	return lo.Map(files, func(f TestFile, _ int) string { return f.Rel })
}

// Locator recursively enumerates test files under a root directory.
type Locator struct {
	Patterns []string
	Excludes []string
}

func NewLocator(patterns, excludes []string) *Locator {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}
	return &Locator{Patterns: patterns, Excludes: excludes}
}

// Locate walks root in lexical order and returns every file matching one of the
// patterns. Filesystem errors are returned as-is.
func (l *Locator) Locate(root string) ([]TestFile, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []TestFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if l.excluded(rel) {
				logger.V(4).Infof("skipping %s", rel)
				return filepath.SkipDir
			}
			return nil
		}

		if l.matches(rel) && !l.excluded(rel) {
			files = append(files, TestFile{Path: path, Rel: rel})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (l *Locator) matches(rel string) bool {
	for _, p := range l.Patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// excluded reports whether rel matches an exclude pattern. A pattern ending in
// "/**" also excludes the directory it names.
func (l *Locator) excluded(rel string) bool {
	for _, p := range l.Excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if dir, found := strings.CutSuffix(p, "/**"); found {
			if ok, _ := doublestar.Match(dir, rel); ok {
				return true
			}
		}
	}
	return false
}
