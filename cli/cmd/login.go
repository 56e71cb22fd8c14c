package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/courier/cli/config"
	"github.com/pithecene-io/courier/deliver"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/runtime"
	"github.com/pithecene-io/courier/types"
)

// LoginCommand returns the login command. It runs the destination's OAuth
// authorization once, interactively, and stores the refresh token so
// unattended runs can deliver through the api strategy.
func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Authorize the api delivery strategy interactively",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.BoolFlag{
				Name:  "print-url",
				Usage: "Only print the authorization URL",
			},
		},
		Action: loginAction,
	}
}

func loginAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}
	if cfg.Destination.Strategy != config.StrategyAPI {
		return cli.Exit(fmt.Sprintf("login applies to destination.strategy %q only (configured: %q)",
			config.StrategyAPI, cfg.Destination.Strategy), runtime.ExitCodeConfig)
	}

	logger, closeLog, err := log.New("login", log.Options{Level: cfg.Log.Level, File: cfg.Resolve(cfg.Log.File)})
	if err != nil {
		return cli.Exit(fmt.Sprintf("logging: %v", err), runtime.ExitCodeConfig)
	}
	defer func() { _ = closeLog() }()

	st := openState(cfg)
	api, err := newAPI(cfg, st.sessions, logger.Named("deliver"), nil, nil, deliver.NewTerminalCodeSource())
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}

	if c.Bool("print-url") {
		fmt.Fprintln(stdout, api.AuthCodeURL())
		return nil
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := api.Login(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("login failed: %v", err), loginExitCode(ctx, err))
	}
	fmt.Fprintln(stdout, "Login succeeded; token stored.")
	return nil
}

func loginExitCode(ctx context.Context, err error) int {
	reason := types.ReasonOf(err)
	if ctx.Err() != nil {
		reason = types.ReasonCanceled
	}
	return runtime.ExitCode(&types.RunOutcome{Status: types.OutcomeFailed, Reason: reason})
}
