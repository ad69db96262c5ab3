package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldops/reconcile-cli/internal/backfill"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

var (
	runDryRun      bool
	runLimit       int
	runTenant      string
	runConcurrency int
	runFormat      string
)

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run a backfill job",
	Long:  "Reconciles one registered job and prints its summary. See `reconcile-cli jobs` for names.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, ok := backfill.Lookup(args[0])
		if !ok {
			return eris.Errorf("unknown job %q (see reconcile-cli jobs)", args[0])
		}
		if err := checkFormat(runFormat); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gw, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close() //nolint:errcheck

		env := backfill.Env{
			Gateway: gw,
			Options: engineOptions(cfg, runDryRun, runLimit, runConcurrency),
		}
		return runJob(ctx, os.Stdout, job, env, reconcile.Filter{TenantID: runTenant, Limit: runLimit}, runFormat)
	},
}

// runJob runs job and renders its summary. A cancelled run still prints
// what it finished before returning the cancellation.
func runJob(ctx context.Context, w io.Writer, job backfill.Job, env backfill.Env, f reconcile.Filter, format string) error {
	res, err := job.Run(ctx, env, f)
	if res == nil {
		if reconcile.IsSourceUnavailable(err) {
			zap.L().Error("source unavailable, nothing written", zap.String("job", job.Name), zap.Error(err))
		}
		return eris.Wrapf(err, "run %s", job.Name)
	}
	return finish(w, res, format, err)
}

// finish renders res and passes through the run error, if any.
func finish(w io.Writer, res *reconcile.Result, format string, runErr error) error {
	if err := reconcile.Render(w, res, format); err != nil {
		return err
	}
	if runErr != nil {
		return eris.Wrapf(runErr, "%s interrupted with %d candidates remaining", res.Job, res.Remaining())
	}
	if !res.Converged() {
		zap.L().Warn("run finished with rejected candidates", zap.String("job", res.Job), zap.Int("errored", res.Errored))
	}
	return nil
}

func checkFormat(format string) error {
	switch format {
	case reconcile.FormatText, reconcile.FormatJSON, reconcile.FormatYAML:
		return nil
	default:
		return eris.Errorf("unknown format %q (text, json, yaml)", format)
	}
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "report what would be created without writing")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "maximum candidates to process (0 = all)")
	runCmd.Flags().StringVar(&runTenant, "tenant", "", "restrict the run to one tenant ID")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "parallel candidates (0 = reconcile.concurrency from config)")
	runCmd.Flags().StringVar(&runFormat, "format", "text", "summary format: text, json, yaml")
	rootCmd.AddCommand(runCmd)
}
