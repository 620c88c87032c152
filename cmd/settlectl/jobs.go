package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger scheduled jobs",
	}
	cmd.AddCommand(deadLettersCmd())
	cmd.AddCommand(jobsRunCmd())
	return cmd
}

func deadLettersCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List jobs that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			dls, err := a.Store.ListDeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), dls)
			}
			if len(dls) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FAILED AT\tJOB\tKEY\tATTEMPTS\tREASON")
			for _, dl := range dls {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					dl.FailedAt.UTC().Format(time.RFC3339), dl.JobName, dl.IdempotencyKey, dl.Attempts, dl.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func jobsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job]",
		Short: "Run a scheduled job now under its current idempotency key",
		Long: `Run a scheduled job now (fee_sweep, payout_batch, payout_dispatch, tax_report).

The run takes the same lease as the worker: if the current key already
completed, or another process holds it, nothing runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			sched, err := a.Scheduler()
			if err != nil {
				return err
			}
			ran, err := sched.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ran {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: already completed or running elsewhere\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: completed\n", args[0])
			return nil
		},
	}
}
