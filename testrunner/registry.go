package testrunner

import (
	"path/filepath"
	"strings"

	"github.com/flanksource/headless-mocha/serve"
)

// DefaultRegistry registers the embedded and dev-server strategies configured by opts.
func DefaultRegistry(opts RunOptions) *serve.Registry {
	embedded := serve.NewEmbedded(opts.Port)

	dev := serve.NewDevServer(strings.Fields(opts.DevServerCmd), opts.DevServerURL, opts.WorkDir)
	if opts.ReadyText != "" {
		dev.ReadyText = opts.ReadyText
	}

	return serve.NewRegistry(embedded, dev)
}

func (opts RunOptions) scratchDir() string {
	if filepath.IsAbs(opts.ScratchDir) {
		return opts.ScratchDir
	}
	return filepath.Join(opts.WorkDir, opts.ScratchDir)
}

// excludes adds the scratch directory to the configured excludes so generated
// files are never discovered.
func (opts RunOptions) excludes() []string {
	excludes := append([]string{}, opts.Excludes...)
	rel, err := filepath.Rel(opts.WorkDir, opts.scratchDir())
	if err == nil && !strings.HasPrefix(rel, "..") {
		excludes = append(excludes, filepath.ToSlash(rel)+"/**")
	}
	return excludes
}
