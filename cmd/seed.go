package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldops/reconcile-cli/internal/backfill"
)

var (
	seedDryRun bool
	seedFormat string
)

var seedCmd = &cobra.Command{
	Use:   "seed <fixtures.yaml>",
	Short: "Idempotently load fixture rows",
	Long: `Loads tables from a YAML fixture file in order. Rows whose natural key
already exists are skipped, and rows whose references do not resolve are
reported, so the command can be rerun safely against a partly seeded store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(seedFormat); err != nil {
			return err
		}
		fx, err := backfill.LoadFixtures(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gw, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close() //nolint:errcheck

		env := backfill.Env{Gateway: gw, Options: engineOptions(cfg, seedDryRun, 0, 1)}
		return seedFixtures(ctx, os.Stdout, env, fx, seedFormat)
	},
}

func seedFixtures(ctx context.Context, w io.Writer, env backfill.Env, fx *backfill.Fixtures, format string) error {
	res, err := backfill.Seed(ctx, env, fx)
	if res == nil {
		return err
	}
	return finish(w, res, format, err)
}

func init() {
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "report what would be created without writing")
	seedCmd.Flags().StringVar(&seedFormat, "format", "text", "summary format: text, json, yaml")
	rootCmd.AddCommand(seedCmd)
}
