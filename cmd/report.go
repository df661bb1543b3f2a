// cmd/report.go
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/H4tholdir/archibaldblackant-sub014/internal/config"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/observability"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/store"
)

func newReportCmd() *cobra.Command {
	var jobID string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print the operation report for a finished job",
		Long:  `Loads the operation report for a job from the report database and prints it as JSON: step-by-step outcomes, the extracted record id, and pointers to any captured failure artifacts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Get the configuration initialized by the root command.
			cfg := config.Get()
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("reports require postgres.url (hint: ARCHIBALD_POSTGRES_URL)")
			}

			pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			storeService, err := store.New(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize report store: %w", err)
			}

			report, err := storeService.GetReport(ctx, jobID)
			if err != nil {
				return err
			}
			if report == nil {
				return fmt.Errorf("no report recorded for job %s", jobID)
			}

			reportJSON, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize report to JSON: %w", err)
			}

			// Print the final report to standard output.
			fmt.Println(string(reportJSON))
			return nil
		},
	}

	reportCmd.Flags().StringVar(&jobID, "job-id", "", "The ID of the job to print the report for (required)")
	_ = reportCmd.MarkFlagRequired("job-id")

	return reportCmd
}
