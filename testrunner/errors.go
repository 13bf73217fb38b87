package testrunner

import (
	"errors"
	"fmt"

	"github.com/flanksource/headless-mocha/browser"
	"github.com/flanksource/headless-mocha/bundle"
	"github.com/flanksource/headless-mocha/discovery"
	"github.com/flanksource/headless-mocha/serve"
)

// Kind classifies why a run failed. Every kind maps to exit code 1.
type Kind string

const (
	KindDiscovery              Kind = "Discovery"
	KindConfiguration          Kind = "Configuration"
	KindConfigurationViolation Kind = "ConfigurationViolation"
	KindBuild                  Kind = "Build"
	KindServing                Kind = "Serving"
	KindNavigationTimeout      Kind = "NavigationTimeout"
	KindTestFailure            Kind = "TestFailure"
	KindStructural             Kind = "Structural"
)

// RunError is a failed run.
type RunError struct {
	Kind Kind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var runErr *RunError
	if errors.As(err, &runErr) {
		return err
	}
	return &RunError{Kind: kind, Err: err}
}

// KindOf returns the kind of err, inferring it from the package errors when err
// is not a RunError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		runErr    *RunError
		violation *discovery.ImportViolation
		buildErr  *bundle.BuildError
		serveErr  *serve.Error
	)
	switch {
	case errors.As(err, &runErr):
		return runErr.Kind
	case errors.As(err, &violation):
		return KindConfigurationViolation
	case errors.As(err, &buildErr):
		return KindBuild
	case errors.As(err, &serveErr):
		return KindServing
	case errors.Is(err, browser.ErrNavigationTimeout):
		return KindNavigationTimeout
	}
	return KindStructural
}

// ExitCode is 0 for a successful run and 1 for any failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// FailureError is returned when the reporter finished with failing tests.
type FailureError struct {
	Failures int
}

func (e *FailureError) Error() string {
	if e.Failures == 1 {
		return "1 test failed"
	}
	return fmt.Sprintf("%d tests failed", e.Failures)
}
