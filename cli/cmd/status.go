package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/courier/cli/config"
	"github.com/pithecene-io/courier/cli/reader"
	"github.com/pithecene-io/courier/cli/render"
	"github.com/pithecene-io/courier/runtime"
	"github.com/pithecene-io/courier/types"
)

// StatusCommand returns the status command. It only reads state and is
// safe to run next to an active run.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show ledger, staging, session and lock state",
		Flags:  append([]cli.Flag{ConfigFlag}, ReadOnlyFlags()...),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	r, err := newRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := config.LoadState(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}
	st := openState(cfg)

	resp := reader.Status(reader.Sources{
		Ledger:   st.ledger,
		Staging:  st.staging,
		Sessions: st.sessions,
		LockPath: st.lockPath,
	})

	if c.Bool("tui") {
		return r.RenderTUI("status", resp)
	}
	if err := r.Render(resp); err != nil {
		return err
	}
	if len(resp.Attention) > 0 {
		return cli.Exit("", runtime.ExitCode(&types.RunOutcome{
			Status: types.OutcomeFailed,
			Reason: attentionReason(resp),
		}))
	}
	return nil
}

// attentionReason maps the first blocking condition to its reason code.
func attentionReason(resp *reader.StatusResponse) types.Reason {
	if resp.Ledger.Error != "" {
		return types.ReasonLedgerUnreadable
	}
	if resp.Staging.Error != "" {
		return types.ReasonStagingMultiple
	}
	return types.ReasonSessionStoreFailed
}

func newRenderer(c *cli.Context) (*render.Renderer, error) {
	r, err := render.NewRenderer(c)
	if err != nil {
		return nil, err
	}
	return r.WithWriter(stdout), nil
}
