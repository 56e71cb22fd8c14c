// Package cmd provides the CLI commands for the courier binary.
package cmd

import (
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// stdout is where read-only commands render. Tests swap it.
var stdout io.Writer = os.Stdout

var (
	// ConfigFlag locates courier.yaml.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the configuration file",
		Value:   "courier.yaml",
		EnvVars: []string{"COURIER_CONFIG"},
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (status, runs only)",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
// --tui is always accepted so unsupported commands fail with a clear
// message instead of "flag provided but not defined".
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}
