package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/headless-mocha/discovery"
)

// Bundler turns an entry module into a single self-contained script.
type Bundler interface {
	Bundle(ctx context.Context, entry, outfile string) error
}

// BuildError is returned when the bundler rejects the sources.
type BuildError struct {
	Messages []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed with %d error(s):\n%s", len(e.Messages), strings.Join(e.Messages, "\n"))
}

// ESBuild bundles for the browser with esbuild, emitting inline source maps.
type ESBuild struct {
	WorkDir string
	Define  map[string]string
}

func (e ESBuild) Bundle(ctx context.Context, entry, outfile string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result := api.Build(api.BuildOptions{
		AbsWorkingDir: e.WorkDir,
		EntryPoints:   []string{entry},
		Outfile:       outfile,
		Bundle:        true,
		Write:         true,
		Sourcemap:     api.SourceMapInline,
		Platform:      api.PlatformBrowser,
		Format:        api.FormatIIFE,
		Define:        e.Define,
		LogLevel:      api.LogLevelSilent,
	})
	for _, w := range api.FormatMessages(result.Warnings, api.FormatMessagesOptions{Kind: api.WarningMessage}) {
		logger.V(2).Infof("%s", strings.TrimSpace(w))
	}
	if len(result.Errors) > 0 {
		return &BuildError{Messages: api.FormatMessages(result.Errors, api.FormatMessagesOptions{Kind: api.ErrorMessage})}
	}
	return nil
}

// Artifact is the output of one build.
type Artifact struct {
	Entry string
	Path  string
}

// Read returns the compiled script.
func (a Artifact) Read() (string, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Builder writes the entry module into ScratchDir and bundles it to ScratchDir/bundle.js.
type Builder struct {
	ScratchDir string
	Bundler    Bundler
}

func NewBuilder(workDir, scratchDir string) *Builder {
	if !filepath.IsAbs(scratchDir) {
		scratchDir = filepath.Join(workDir, scratchDir)
	}
	return &Builder{
		ScratchDir: scratchDir,
		Bundler: ESBuild{
			WorkDir: workDir,
			Define:  map[string]string{"process.env.NODE_ENV": `"test"`},
		},
	}
}

func (b *Builder) Build(ctx context.Context, files []discovery.TestFile) (*Artifact, error) {
	start := time.Now()
	entry, err := WriteEntry(b.ScratchDir, files)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(b.ScratchDir, BundleFile)
	if err := b.Bundler.Bundle(ctx, entry, out); err != nil {
		return nil, err
	}
	logger.Infof("Bundled %d test files into %s in %s", len(files), out, time.Since(start).Round(time.Millisecond))
	return &Artifact{Entry: entry, Path: out}, nil
}
