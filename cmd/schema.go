package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldops/reconcile-cli/internal/gateway"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the rehearsal schema in a SQLite store",
	Long:  "Applies the local rehearsal tables and natural-key constraints. Only valid with store.driver=sqlite; production schemas are managed elsewhere.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if cfg.Store.Driver != gateway.DriverSQLite {
			return eris.Errorf("schema: store.driver is %q, want %q", cfg.Store.Driver, gateway.DriverSQLite)
		}

		gw, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close() //nolint:errcheck

		lite, ok := gw.(*gateway.SQLite)
		if !ok {
			return eris.Errorf("schema: unexpected gateway %T", gw)
		}
		if err := lite.Migrate(ctx); err != nil {
			return err
		}

		zap.L().Info("rehearsal schema applied", zap.String("database", cfg.Store.DatabaseURL))
		fmt.Fprintln(os.Stderr, "Schema applied.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
