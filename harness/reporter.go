package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/flanksource/commons/logger"
	"github.com/samber/oops"
)

// DefaultReporterDir is where the reporter package is installed, relative to the work dir.
const DefaultReporterDir = "node_modules/mocha"

// MinReporterVersion is the oldest reporter release known to work in the page.
var MinReporterVersion = semver.MustParse("4.0.0")

// Reporter locates the in-browser test reporter's assets.
type Reporter struct {
	Dir     string
	Script  string
	Style   string
	Version *semver.Version
}

// ResolveReporter finds mocha.js and mocha.css under dir (relative to workDir
// unless absolute). A missing asset is an error; an old or unreadable version is only logged.
func ResolveReporter(workDir, dir string) (*Reporter, error) {
	if dir == "" {
		dir = DefaultReporterDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workDir, dir)
	}
	r := &Reporter{
		Dir:    dir,
		Script: filepath.Join(dir, "mocha.js"),
		Style:  filepath.Join(dir, "mocha.css"),
	}
	for _, asset := range []string{r.Script, r.Style} {
		if _, err := os.Stat(asset); err != nil {
			return nil, oops.Wrapf(err, "reporter asset %s not found (is mocha installed?)", asset)
		}
	}

	version, err := readVersion(filepath.Join(dir, "package.json"))
	if err != nil {
		logger.Debugf("unable to determine reporter version: %v", err)
		return r, nil
	}
	r.Version = version
	if version.LessThan(MinReporterVersion) {
		logger.Warnf("mocha %s is older than %s, the browser run may not work", version, MinReporterVersion)
	} else {
		logger.V(2).Infof("using mocha %s from %s", version, dir)
	}
	return r, nil
}

func readVersion(path string) (*semver.Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pkg struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return semver.NewVersion(pkg.Version)
}
