package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/flanksource/clicky"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/headless-mocha/shutdown"
	"github.com/spf13/cobra"
)

var (
	version  = "dev"
	commit   = "unknown"
	date     = "unknown"
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "headless-mocha",
	Short: "Run mocha browser tests in headless Chrome",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		clicky.Flags.UseFlags()
	},
}

func init() {
	clicky.BindAllFlags(rootCmd.PersistentFlags(), "format")
	logger.Configure(logger.Flags{LogToStderr: true, Color: true})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("headless-mocha %s (commit: %s, built: %s, go: %s)\n",
				version, commit, date, runtime.Version())
		},
	})
}

// withDefaultCommand runs "run" when no subcommand is given, so the binary can
// be used as a plain no-argument test command.
func withDefaultCommand(args []string) []string {
	if len(args) == 0 {
		return []string{runCommand}
	}
	if cmd, _, err := rootCmd.Find(args); err == nil && cmd != rootCmd {
		return args
	}
	switch args[0] {
	case "help", "--help", "-h", "completion", "__complete":
		return args
	}
	return append([]string{runCommand}, args...)
}

func main() {
	defer shutdown.RecoverAndShutdown()
	go shutdown.WaitForSignal()

	rootCmd.SetArgs(withDefaultCommand(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		shutdown.Shutdown()
		os.Exit(1)
	}
	if exitCode != 0 {
		shutdown.Shutdown()
		os.Exit(exitCode)
	}
}
