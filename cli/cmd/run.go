package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/courier/cli/config"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/runtime"
	"github.com/pithecene-io/courier/types"
)

// RunCommand returns the run command, the only command that acquires or
// delivers anything.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Acquire the latest issue and deliver it",
		Description: "Resumes a staged artifact when one is present, otherwise fetches the latest " +
			"issue from the portal. Exit codes: 0 delivered or skipped, 1 transient failure, " +
			"2 operator action required, 3 invalid configuration.",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Fetch even when the latest issue was already delivered",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run ID (default: random UUID)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress result output",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write a JSON run report to this path (- for stderr)",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeConfig)
	}

	runID := c.String("run-id")
	if runID == "" {
		runID = uuid.NewString()
	}

	logger, closeLog, err := log.New(runID, log.Options{Level: cfg.Log.Level, File: cfg.Resolve(cfg.Log.File)})
	if err != nil {
		return cli.Exit(fmt.Sprintf("logging: %v", err), runtime.ExitCodeConfig)
	}
	defer func() {
		logger.Sync()
		_ = closeLog()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn("signal received, canceling run", map[string]any{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	result, code, err := execute(ctx, cfg, buildOptions{
		runID:  runID,
		force:  c.Bool("force"),
		logger: logger,
	}, c.String("report"))
	if err != nil {
		return cli.Exit(err.Error(), code)
	}

	if !c.Bool("quiet") {
		printRunResult(stdout, result)
	}
	return cli.Exit("", code)
}

// execute builds the pipeline, runs it once and writes the optional report.
// err is only set when the run could not start; the outcome of a started
// run is always in result.
func execute(ctx context.Context, cfg *config.Config, opts buildOptions, reportPath string) (*runtime.RunResult, int, error) {
	if opts.logger == nil {
		opts.logger = log.Nop()
	}
	p, err := buildPipeline(ctx, cfg, opts)
	if err != nil {
		code := runtime.ExitCodeTransient
		if types.ReasonOf(err) == types.ReasonConfigInvalid {
			code = runtime.ExitCodeConfig
		}
		return nil, code, err
	}
	defer func() { _ = p.Close() }()

	rc := &runtime.RunConfig{
		RunID:     opts.runID,
		Acquirer:  p.acquirer,
		Deliverer: p.deliverer,
		Ledger:    p.state.ledger,
		Staging:   p.state.staging,
		LockPath:  p.state.lockPath,
		Archive:   cfg.Journal.Archive,
		Adapter:   p.adapter,
		Logger:    opts.logger,
		Collector: p.collector,
	}
	if p.journal != nil {
		rc.Journal = p.journal
	}

	orchestrator, err := runtime.NewRunOrchestrator(rc)
	if err != nil {
		return nil, runtime.ExitCodeTransient, err
	}
	result, err := orchestrator.Execute(ctx)
	if err != nil {
		return nil, runtime.ExitCodeTransient, err
	}

	code := runtime.ExitCode(result.Outcome)
	if reportPath != "" {
		report := runtime.BuildRunReport(result, p.collector.Snapshot(), code)
		if err := runtime.WriteRunReport(report, reportPath); err != nil {
			opts.logger.Warn("run report not written", map[string]any{"error": err.Error()})
		}
	}
	return result, code, nil
}

func printRunResult(w io.Writer, result *runtime.RunResult) {
	o := result.Outcome
	fmt.Fprintf(w, "run_id=%s, outcome=%s, duration=%s\n",
		result.RunID, o.Status, result.Duration.Round(time.Millisecond))

	fmt.Fprintf(w, "\n=== Run Result ===\n")
	fmt.Fprintf(w, "Outcome:      %s\n", o.Status)
	if o.Stage != "" {
		fmt.Fprintf(w, "Stage:        %s\n", o.Stage)
	}
	if o.Reason != "" {
		fmt.Fprintf(w, "Reason:       %s\n", o.Reason)
	}
	fmt.Fprintf(w, "Message:      %s\n", o.Message)
	if result.Resumed {
		fmt.Fprintf(w, "Resumed:      yes\n")
	}

	if art := result.Artifact; art != nil {
		fmt.Fprintf(w, "\n=== Artifact ===\n")
		fmt.Fprintf(w, "Name:         %s\n", art.Name)
		fmt.Fprintf(w, "Issue:        %s\n", art.ID)
		fmt.Fprintf(w, "Size:         %d\n", art.Size)
		if result.ArchivePath != "" {
			fmt.Fprintf(w, "Archived:     %s\n", result.ArchivePath)
		}
	}

	if r := result.Receipt; r != nil {
		fmt.Fprintf(w, "\n=== Delivery ===\n")
		fmt.Fprintf(w, "Strategy:     %s\n", r.Strategy)
		if r.Detail != "" {
			fmt.Fprintf(w, "Detail:       %s\n", r.Detail)
		}
		fmt.Fprintf(w, "Confirmed:    %s\n", r.ConfirmedAt.Format(time.RFC3339))
	}

	if o.NeedsOperator() {
		fmt.Fprintf(w, "\nOperator action required: %s\n", o.Reason)
	}
}
