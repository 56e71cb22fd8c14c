// Package main provides the courier CLI entrypoint.
//
// `run` is the only command that changes state; status, runs and version
// are read-only. login stores the destination token.
//
// Usage:
//
//	courier <command> [options]
//
// Exit codes for `run`:
//   - 0: delivered, or nothing new to deliver
//   - 1: transient failure, retry on the next schedule
//   - 2: operator action required
//   - 3: invalid configuration
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/courier/cli/cmd"
	"github.com/pithecene-io/courier/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "courier",
		Usage:          "Fetch the latest Zeit issue and deliver it to the Tolino cloud",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.StatusCommand(),
			cmd.RunsCommand(),
			cmd.LoginCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for everything it recognizes.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit so schedulers can
// tell transient failures from ones that need an operator.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus returns the process exit code for err and the message worth
// printing, if any.
func exitStatus(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N) carries no message of its own.
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}
