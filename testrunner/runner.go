package testrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/flanksource/clicky"
	"github.com/flanksource/clicky/api"
	"github.com/flanksource/clicky/api/icons"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/headless-mocha/browser"
	"github.com/flanksource/headless-mocha/bundle"
	"github.com/flanksource/headless-mocha/discovery"
	"github.com/flanksource/headless-mocha/harness"
	"github.com/flanksource/headless-mocha/serve"
	"golang.org/x/sync/errgroup"
)

// RunOptions configures a run. Unset fields fall back to the config files, the
// environment and then the defaults, see LoadConfig.
type RunOptions struct {
	WorkDir      string   `json:"work_dir,omitempty" flag:"work-dir" help:"Directory to search for tests and write the scratch directory into"`
	Patterns     []string `json:"patterns,omitempty" flag:"pattern" help:"Test file glob, relative to the work dir (default **/*test.ts)"`
	Excludes     []string `json:"excludes,omitempty" flag:"exclude" help:"Globs to skip (default node_modules/**, .headless-mocha/**)"`
	ScratchDir   string   `json:"scratch_dir,omitempty" flag:"scratch-dir" help:"Directory for the entry module, bundle and harness document" default:".headless-mocha"`
	Serve        string   `json:"serve,omitempty" flag:"serve" help:"Serving strategy: embedded or devserver" default:"embedded"`
	Port         int      `json:"port,omitempty" flag:"port" help:"Port for the embedded server" default:"1234"`
	Linked       bool     `json:"linked,omitempty" flag:"linked" help:"Link the bundle and reporter assets instead of inlining them"`
	Reporter     string   `json:"reporter,omitempty" flag:"reporter" help:"Mocha reporter used for output" default:"spec"`
	ReporterDir  string   `json:"reporter_dir,omitempty" flag:"reporter-dir" help:"Directory containing mocha.js and mocha.css" default:"node_modules/mocha"`
	ExecPath     string   `json:"exec_path,omitempty" flag:"exec-path" help:"Browser executable (default from PUPPETEER_EXEC_PATH)"`
	Headful      bool     `json:"headful,omitempty" flag:"headful" help:"Show the browser window"`
	LoadTimeout  int      `json:"load_timeout,omitempty" flag:"load-timeout" help:"Navigation timeout in milliseconds (default from PUPPETEER_LOAD_TIMEOUT_MILLIS)" default:"20000"`
	DevServerCmd string   `json:"dev_server_cmd,omitempty" flag:"dev-server-cmd" help:"Dev server command, the harness document path is appended" default:"parcel serve"`
	DevServerURL string   `json:"dev_server_url,omitempty" flag:"dev-server-url" help:"URL the dev server serves the harness at" default:"http://localhost:1234"`
	ReadyText    string   `json:"ready_text,omitempty" flag:"ready-text" help:"Dev server output that signals readiness" default:"Server running at "`
	DryRun       bool     `json:"dry_run,omitempty" flag:"dry-run" help:"Discover and check test files, then print the plan without running"`
}

func (opts RunOptions) Pretty() api.Text {
	text := clicky.Text("")
	if opts.WorkDir != "" {
		text = text.Append("WorkDir: ", "text-muted").Append(opts.WorkDir, "text-blue-500")
	}
	if len(opts.Patterns) > 0 {
		text = text.Space().Append("Patterns: ", "text-muted").Append(clicky.CompactList(opts.Patterns), "text-blue-500")
	}
	text = text.Space().Append("Serve: ", "text-muted").Append(opts.Serve, "text-blue-500")
	switch opts.Serve {
	case serve.DevServerName:
		text = text.Space().Append("Command: ", "text-muted").Append(opts.DevServerCmd, "text-blue-500")
	default:
		text = text.Space().Append("Port: ", "text-muted").Append(strconv.Itoa(opts.Port), "text-blue-500")
		if opts.Linked {
			text = text.Space().Append("Linked: ", "text-muted").Add(icons.Check)
		}
	}
	text = text.Space().Append("Reporter: ", "text-muted").Append(opts.Reporter, "text-blue-500")
	if opts.ExecPath != "" {
		text = text.Space().Append("Browser: ", "text-muted").Append(opts.ExecPath, "text-blue-500")
	}
	text = text.Space().Append("LoadTimeout: ", "text-muted").Append(opts.loadTimeout().String(), "text-blue-500")
	if opts.DryRun {
		text = text.NewLine().Append("DryRun: ", "text-muted").Add(icons.Check)
	}
	return text
}

func (opts RunOptions) Help() string {
	return `Run the browser test suite in headless Chrome with mocha.

Finds every *test.ts file under the work directory, bundles them into a single
script, renders a mocha harness page around it, serves the page and runs the
suite in a headless browser. Browser console output is mirrored to stdout and
stderr. Exits 0 when every test passes and 1 on any failure.

Configuration is read from ~/.headless-mocha.yaml, ./.headless-mocha.yaml,
./.env and the environment (PUPPETEER_EXEC_PATH, PUPPETEER_LOAD_TIMEOUT_MILLIS,
HEADLESS_MOCHA_SERVE); flags take precedence.

Examples:
  headless-mocha
  headless-mocha run --reporter dot
  headless-mocha run --serve devserver --dev-server-cmd "parcel serve"
  headless-mocha run --dry-run`
}

func (opts RunOptions) loadTimeout() time.Duration {
	return time.Duration(opts.LoadTimeout) * time.Millisecond
}

// TestOrchestrator runs the suite once: discover, check imports, then build and
// serve the harness while the browser launches, navigate, run and tear down.
type TestOrchestrator struct {
	RunOptions
	Locator  *discovery.Locator
	Guard    *discovery.Guard
	Builder  *bundle.Builder
	Registry *serve.Registry
	Launch   Launcher
}

func NewTestOrchestrator(opts RunOptions) *TestOrchestrator {
	return &TestOrchestrator{
		RunOptions: opts,
		Locator:    discovery.NewLocator(opts.Patterns, opts.excludes()),
		Guard:      discovery.NewGuard(discovery.DefaultReporterModule),
		Builder:    bundle.NewBuilder(opts.WorkDir, opts.scratchDir()),
		Registry:   DefaultRegistry(opts),
		Launch:     ChromeLauncher(opts),
	}
}

// Run resolves the configuration for opts.WorkDir and runs the suite. The
// returned error is nil only when every test passed.
func Run(opts RunOptions) (any, error) {
	if opts.WorkDir == "" {
		opts.WorkDir, _ = os.Getwd()
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, &RunError{Kind: KindConfiguration, Err: err}
	}
	opts, err = LoadConfig(workDir, opts)
	if err != nil {
		return nil, &RunError{Kind: KindConfiguration, Err: err}
	}
	if err := opts.Validate(); err != nil {
		return nil, &RunError{Kind: KindConfiguration, Err: err}
	}
	logger.Infof("Running tests %s", opts.Pretty().ANSI())

	result, err := NewTestOrchestrator(opts).Run(context.Background())
	logger.Infof("%s", result.Pretty().ANSI())
	return result, err
}

// Run executes the pipeline. Both the server and the browser are released
// before Run returns, on every path.
func (o *TestOrchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{Strategy: o.Serve, DryRun: o.DryRun}
	err := o.run(ctx, result)
	result.Duration = time.Since(start)
	result.Err = err
	return result, err
}

func (o *TestOrchestrator) run(ctx context.Context, result *RunResult) error {
	strategy, err := o.Registry.Get(o.Serve)
	if err != nil {
		return wrap(KindConfiguration, err)
	}

	files, err := o.Locator.Locate(o.WorkDir)
	if err != nil {
		return wrap(KindDiscovery, err)
	}
	result.Files = files
	if len(files) == 0 {
		logger.Warnf("No test files matching %v found in %s", o.Patterns, o.WorkDir)
	} else {
		logger.Infof("Found %d test files: %s", len(files), clicky.CompactList(discovery.Paths(files)).ANSI())
	}

	if err := o.Guard.Check(files); err != nil {
		return wrap(KindConfigurationViolation, err)
	}

	if o.DryRun {
		o.displayDryRun(strategy, result)
		return nil
	}

	res := newResources()
	defer res.release()

	browserCtx, cancelBrowser := context.WithCancel(ctx)
	defer cancelBrowser()

	// the branch that fails first is reported; the other one usually fails on its cancellation
	var (
		firstOnce sync.Once
		firstErr  error
	)
	fail := func(err error) error {
		firstOnce.Do(func() { firstErr = err })
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := o.buildAndServe(gctx, strategy, files, result)
		if err != nil {
			fail(err)
			cancelBrowser()
			return err
		}
		res.setServer(h)
		return nil
	})
	g.Go(func() error {
		launchStart := time.Now()
		// the session outlives the group, so it is bound to browserCtx rather than gctx
		session, err := o.Launch(browserCtx)
		if err != nil {
			return fail(wrap(KindStructural, fmt.Errorf("failed to launch browser: %w", err)))
		}
		res.setSession(session)
		result.Phases.Launch = time.Since(launchStart)
		logger.Infof("Browser launched in %s", result.Phases.Launch.Round(time.Millisecond))
		return nil
	})
	if err := g.Wait(); err != nil {
		if firstErr != nil {
			return firstErr
		}
		return err
	}

	server, session := res.acquired()
	if server == nil || session == nil {
		return wrap(KindStructural, errors.New("run interrupted"))
	}
	result.URL = server.URL()
	logger.Infof("Navigating to %s", result.URL)
	if err := session.Navigate(ctx, result.URL, o.loadTimeout()); err != nil {
		if errors.Is(err, browser.ErrNavigationTimeout) {
			return wrap(KindNavigationTimeout, err)
		}
		return wrap(KindStructural, err)
	}

	runStart := time.Now()
	failures, err := session.RunReporter(ctx, o.Reporter)
	result.Phases.Run = time.Since(runStart)
	logger.Infof("Suite finished in %s", result.Phases.Run.Round(time.Millisecond))
	if err != nil {
		return wrap(KindStructural, err)
	}
	result.Failures = failures
	if failures > 0 {
		return &RunError{Kind: KindTestFailure, Err: &FailureError{Failures: failures}}
	}
	return nil
}

func (o *TestOrchestrator) buildAndServe(ctx context.Context, strategy serve.Strategy, files []discovery.TestFile, result *RunResult) (serve.Handle, error) {
	scratch := o.scratchDir()

	var script harness.Script
	if strategy.Bundles() {
		entry, err := bundle.WriteEntry(scratch, files)
		if err != nil {
			return nil, wrap(KindBuild, err)
		}
		script = harness.Script{Path: entry, Module: true}
	} else {
		bundleStart := time.Now()
		artifact, err := o.Builder.Build(ctx, files)
		if err != nil {
			return nil, wrap(KindBuild, err)
		}
		result.Phases.Bundle = time.Since(bundleStart)
		script = harness.Script{Path: artifact.Path}
	}

	reporter, err := harness.ResolveReporter(o.WorkDir, o.ReporterDir)
	if err != nil {
		return nil, wrap(KindStructural, err)
	}
	doc, err := harness.NewBuilder(reporter, scratch, !o.Linked).Render(script)
	if err != nil {
		return nil, wrap(KindStructural, err)
	}
	docPath, err := doc.WriteFile(scratch)
	if err != nil {
		return nil, wrap(KindStructural, err)
	}
	logger.V(1).Infof("Wrote harness document to %s", docPath)

	h, err := strategy.Serve(ctx, doc, docPath)
	if err != nil {
		return nil, wrap(KindServing, err)
	}
	return h, nil
}

func (o *TestOrchestrator) displayDryRun(strategy serve.Strategy, result *RunResult) {
	logger.Infof("Dry-run mode: showing what would be executed")
	logger.Infof("Scratch directory: %s", o.scratchDir())
	if strategy.Bundles() {
		logger.Infof("Serve: %s (%s) at %s", strategy.Name(), o.DevServerCmd, o.DevServerURL)
		result.URL = o.DevServerURL
	} else {
		logger.Infof("Bundle: %s", filepath.Join(o.scratchDir(), bundle.BundleFile))
		result.URL = fmt.Sprintf("http://localhost:%d/", o.Port)
		logger.Infof("Serve: %s at %s", strategy.Name(), result.URL)
	}
	logger.Infof("Reporter: %s from %s", o.Reporter, o.ReporterDir)
}
