package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/courier/cli/config"
	"github.com/pithecene-io/courier/cli/reader"
	"github.com/pithecene-io/courier/runtime"
)

// RunsCommand returns the runs command, which lists journaled runs.
func RunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List journaled runs, most recent first",
		Flags: append([]cli.Flag{
			ConfigFlag,
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs to show (0 for all)",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Show aggregate statistics instead of individual runs",
			},
		}, ReadOnlyFlags()...),
		Action: runsAction,
	}
}

func runsAction(c *cli.Context) error {
	r, err := newRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := config.LoadState(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}
	if !cfg.Journal.Enabled {
		return cli.Exit("journal is not enabled (set journal.enabled in the config)", runtime.ExitCodeConfig)
	}
	journal, err := buildJournal(c.Context, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	if c.Bool("stats") {
		stats, err := reader.Stats(c.Context, journal)
		if err != nil {
			return err
		}
		if c.Bool("tui") {
			return r.RenderTUI("stats", stats)
		}
		return r.Render(stats)
	}

	items, err := reader.Runs(c.Context, journal, c.Int("limit"))
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("runs", items)
	}
	return r.Render(items)
}
