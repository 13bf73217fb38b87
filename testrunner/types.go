package testrunner

import (
	"context"
	"strconv"
	"time"

	"github.com/flanksource/clicky"
	"github.com/flanksource/clicky/api"
	"github.com/flanksource/clicky/api/icons"
	"github.com/flanksource/headless-mocha/browser"
	"github.com/flanksource/headless-mocha/discovery"
)

// BrowserSession is the page the suite runs in.
type BrowserSession interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	RunReporter(ctx context.Context, reporter string) (int, error)
	Close() error
}

// Launcher starts a browser session. The session must outlive ctx's caller only
// until Close is called.
type Launcher func(ctx context.Context) (BrowserSession, error)

// ChromeLauncher launches headless Chrome, relaying the page console to the process streams.
func ChromeLauncher(opts RunOptions) Launcher {
	return func(ctx context.Context) (BrowserSession, error) {
		s, err := browser.Launch(ctx, browser.Options{
			ExecPath: opts.ExecPath,
			Headful:  opts.Headful,
			Sink:     browser.NewProcessConsole(),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Phases records how long each major step took.
type Phases struct {
	Launch time.Duration `json:"launch,omitempty"`
	Bundle time.Duration `json:"bundle,omitempty"`
	Run    time.Duration `json:"run,omitempty"`
}

// RunResult is the outcome of one run.
type RunResult struct {
	Files    []discovery.TestFile `json:"files,omitempty"`
	Strategy string               `json:"strategy,omitempty"`
	URL      string               `json:"url,omitempty"`
	Failures int                  `json:"failures"`
	Phases   Phases               `json:"phases"`
	Duration time.Duration        `json:"duration"`
	DryRun   bool                 `json:"dry_run,omitempty"`
	Err      error                `json:"-"`
}

// Passed reports whether the suite ran and nothing failed.
func (r RunResult) Passed() bool {
	return r.Err == nil && r.Failures == 0
}

func (r RunResult) Pretty() api.Text {
	text := clicky.Text("")
	switch {
	case r.DryRun:
		text = text.Append("dry run", "text-muted")
	case r.Passed():
		text = text.Add(icons.Check).Append(" passed", "text-green-500")
	case r.Failures > 0:
		text = text.Add(icons.Fail).Append(" "+(&FailureError{Failures: r.Failures}).Error(), "text-red-600")
	default:
		text = text.Add(icons.Fail).Append(" "+string(KindOf(r.Err)), "text-red-600")
	}
	text = text.Space().Append("files: ", "text-muted").Append(strconv.Itoa(len(r.Files)))
	if r.Strategy != "" {
		text = text.Space().Append("serve: ", "text-muted").Append(r.Strategy, "text-blue-500")
	}
	if r.URL != "" {
		text = text.Space().Append("url: ", "text-muted").Append(r.URL, "text-blue-500")
	}
	if r.Phases.Launch > 0 {
		text = text.Space().Append("launch: ", "text-muted").Append(r.Phases.Launch.Round(time.Millisecond).String())
	}
	if r.Phases.Bundle > 0 {
		text = text.Space().Append("bundle: ", "text-muted").Append(r.Phases.Bundle.Round(time.Millisecond).String())
	}
	if r.Phases.Run > 0 {
		text = text.Space().Append("run: ", "text-muted").Append(r.Phases.Run.Round(time.Millisecond).String())
	}
	return text.Space().Append("total: ", "text-muted").Append(r.Duration.Round(time.Millisecond).String())
}
