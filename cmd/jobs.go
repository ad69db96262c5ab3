package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fieldops/reconcile-cli/internal/backfill"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List registered backfill jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatJobs(os.Stdout, backfill.Jobs())
		return nil
	},
}

func formatJobs(w io.Writer, jobs []backfill.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\n", j.Name, j.Description)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
