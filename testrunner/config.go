package testrunner

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/headless-mocha/browser"
	"github.com/flanksource/headless-mocha/discovery"
	"github.com/flanksource/headless-mocha/harness"
	"github.com/flanksource/headless-mocha/serve"
	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/samber/oops"
)

const (
	ConfigFile       = ".headless-mocha.yaml"
	DefaultScratch   = ".headless-mocha"
	DefaultReporter  = "spec"
	EnvExecPath      = "PUPPETEER_EXEC_PATH"
	EnvLoadTimeout   = "PUPPETEER_LOAD_TIMEOUT_MILLIS"
	EnvServeStrategy = "HEADLESS_MOCHA_SERVE"
)

// DefaultRunOptions returns the options used when nothing is configured.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Patterns:     []string{discovery.DefaultPattern},
		Excludes:     append(append([]string{}, discovery.DefaultExcludes...), DefaultScratch+"/**"),
		ScratchDir:   DefaultScratch,
		Serve:        serve.EmbeddedName,
		Port:         serve.DefaultPort,
		Reporter:     DefaultReporter,
		ReporterDir:  harness.DefaultReporterDir,
		LoadTimeout:  int(browser.DefaultLoadTimeout.Milliseconds()),
		DevServerCmd: serve.DefaultDevCommand,
		DevServerURL: "http://localhost:" + strconv.Itoa(serve.DefaultPort),
		ReadyText:    serve.DefaultReadyText,
	}
}

// LoadConfig resolves the effective options for workDir. Later sources win:
// defaults, $HOME/.headless-mocha.yaml, <workDir>/.headless-mocha.yaml,
// <workDir>/.env, the environment, then flags that differ from their defaults.
func LoadConfig(workDir string, flags RunOptions) (RunOptions, error) {
	cfg := DefaultRunOptions()

	var err error
	if home, herr := os.UserHomeDir(); herr == nil && filepath.Clean(home) != filepath.Clean(workDir) {
		if cfg, err = mergeFromFile(cfg, filepath.Join(home, ConfigFile)); err != nil {
			return cfg, err
		}
	}
	if cfg, err = mergeFromFile(cfg, filepath.Join(workDir, ConfigFile)); err != nil {
		return cfg, err
	}

	if err := loadDotEnv(filepath.Join(workDir, ".env")); err != nil {
		return cfg, err
	}
	if cfg, err = mergeFromEnv(cfg); err != nil {
		return cfg, err
	}

	cfg = MergeRunOptions(cfg, flags)
	cfg.WorkDir = workDir
	return cfg, nil
}

func mergeFromFile(base RunOptions, path string) (RunOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, nil
	}
	merged := base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return base, oops.Wrapf(err, "invalid config file %s", path)
	}
	logger.V(2).Infof("loaded config from %s", path)
	return merged, nil
}

// loadDotEnv loads path into the environment without overriding variables that are already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return oops.Wrapf(err, "failed to load %s", path)
	}
	logger.V(2).Infof("loaded environment from %s", path)
	return nil
}

func mergeFromEnv(base RunOptions) (RunOptions, error) {
	if v := os.Getenv(EnvExecPath); v != "" {
		logger.Infof("Using browser executable from %s: %s", EnvExecPath, v)
		base.ExecPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLoadTimeout)); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return base, oops.Errorf("%s must be a positive integer number of milliseconds, got %q", EnvLoadTimeout, v)
		}
		logger.Infof("Using navigation timeout from %s: %dms", EnvLoadTimeout, ms)
		base.LoadTimeout = ms
	}
	if v := os.Getenv(EnvServeStrategy); v != "" {
		base.Serve = v
	}
	return base, nil
}

// MergeRunOptions overlays the fields of over that are set and differ from
// their defaults onto base.
func MergeRunOptions(base, over RunOptions) RunOptions {
	d := DefaultRunOptions()
	base.WorkDir = pick(base.WorkDir, over.WorkDir, d.WorkDir)
	if len(over.Patterns) > 0 && !slices.Equal(over.Patterns, d.Patterns) {
		base.Patterns = over.Patterns
	}
	if len(over.Excludes) > 0 && !slices.Equal(over.Excludes, d.Excludes) {
		base.Excludes = over.Excludes
	}
	base.ScratchDir = pick(base.ScratchDir, over.ScratchDir, d.ScratchDir)
	base.Serve = pick(base.Serve, over.Serve, d.Serve)
	base.Port = pick(base.Port, over.Port, d.Port)
	// a false bool flag cannot be told apart from an absent one, so bools only switch on
	base.Linked = base.Linked || over.Linked
	base.Reporter = pick(base.Reporter, over.Reporter, d.Reporter)
	base.ReporterDir = pick(base.ReporterDir, over.ReporterDir, d.ReporterDir)
	base.ExecPath = pick(base.ExecPath, over.ExecPath, d.ExecPath)
	base.LoadTimeout = pick(base.LoadTimeout, over.LoadTimeout, d.LoadTimeout)
	base.DevServerCmd = pick(base.DevServerCmd, over.DevServerCmd, d.DevServerCmd)
	base.DevServerURL = pick(base.DevServerURL, over.DevServerURL, d.DevServerURL)
	base.ReadyText = pick(base.ReadyText, over.ReadyText, d.ReadyText)
	base.Headful = base.Headful || over.Headful
	base.DryRun = base.DryRun || over.DryRun
	return base
}

func pick[T comparable](base, over, def T) T {
	var zero T
	if over == zero || over == def {
		return base
	}
	return over
}

// Validate rejects options the run cannot start with.
func (opts RunOptions) Validate() error {
	var errs []error
	if opts.LoadTimeout <= 0 {
		errs = append(errs, oops.Errorf("load timeout must be positive, got %d", opts.LoadTimeout))
	}
	if len(lo.Compact(opts.Patterns)) == 0 {
		errs = append(errs, oops.Errorf("at least one test file pattern is required"))
	}
	if opts.Serve == serve.DevServerName && len(strings.Fields(opts.DevServerCmd)) == 0 {
		errs = append(errs, oops.Errorf("the %s strategy requires a dev server command", serve.DevServerName))
	}
	return errors.Join(errs...)
}
