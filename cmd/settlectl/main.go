// Command settlectl is the operator CLI for the settlement backend: schema
// migration, manual fee sweeps and payout runs, tax reports and dead-letter
// inspection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/orquesta/settlement/internal/app"
	"github.com/orquesta/settlement/internal/config"
	"github.com/orquesta/settlement/internal/report"
)

var Version = "dev"

var configPath string

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the settlement backend",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(payoutsCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(taxReportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadApp builds the application from the config file and environment.
func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Postgres == nil {
				return fmt.Errorf("migrate requires DATABASE_URL")
			}
			if err := a.Postgres.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var projectID, sellerID string
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Sweep pending fee obligations into revenue and tax accounts",
		Long: `Sweep pending fee obligations.

Without --project every project is swept, up to --limit sellers. Postings are
keyed per seller, currency and UTC hour, so running this next to the worker
never sweeps an obligation twice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sellerID != "" && projectID == "" {
				return fmt.Errorf("--seller requires --project")
			}
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if projectID != "" {
				res, err := a.Sweeper.Sweep(cmd.Context(), projectID, sellerID)
				if res != nil {
					printJSON(cmd.OutOrStdout(), res)
				}
				return err
			}
			res, err := a.Sweeper.SweepAll(cmd.Context(), limit)
			if res != nil {
				printJSON(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project to sweep")
	cmd.Flags().StringVarP(&sellerID, "seller", "s", "", "only sweep this seller")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum sellers across all projects (0 = no limit)")
	return cmd
}

func taxReportCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "tax-report [project] [YYYY-MM]",
		Short: "Write the monthly ITBMS report as CSV",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := report.Generate(cmd.Context(), a.Store, args[0], args[1])
			if err != nil {
				return err
			}
			return report.WriteCSV(cmd.OutOrStdout(), rep, lang)
		},
	}
	cmd.Flags().StringVarP(&lang, "language", "l", "es", "header language (es, en)")
	return cmd
}
