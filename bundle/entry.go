package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flanksource/headless-mocha/discovery"
)

const (
	EntryFile  = "entry.ts"
	BundleFile = "bundle.js"
)

// EntrySource renders one import statement per test file, in order, with each
// path rewritten to be relative to dir.
func EntrySource(dir string, files []discovery.TestFile) (string, error) {
	var sb strings.Builder
	for _, f := range files {
		rel, err := filepath.Rel(dir, f.Path)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s from %s: %w", f.Path, dir, err)
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, "../") && !strings.HasPrefix(rel, "./") {
			rel = "./" + rel
		}
		quoted, err := json.Marshal(rel)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "import %s;\n", quoted)
	}
	return sb.String(), nil
}

// WriteEntry writes the entry module into dir, creating it if needed, and returns its path.
func WriteEntry(dir string, files []discovery.TestFile) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	src, err := EntrySource(dir, files)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, EntryFile)
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		return "", fmt.Errorf("failed to write entry module: %w", err)
	}
	return path, nil
}
