package main

import (
	"github.com/flanksource/clicky"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/headless-mocha/testrunner"
)

const runCommand = "run"

func init() {
	clicky.AddNamedCommand(runCommand, rootCmd, testrunner.RunOptions{}, run)
}

// run reports failures through the exit code rather than as a command error,
// so the result summary is still printed.
func run(opts testrunner.RunOptions) (any, error) {
	result, err := testrunner.Run(opts)
	if err != nil {
		logger.Errorf("%v", err)
		exitCode = testrunner.ExitCode(err)
	}
	return result, nil
}
