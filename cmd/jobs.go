// File: cmd/jobs.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/H4tholdir/archibaldblackant-sub014/internal/config"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/observability"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/store"
)

func newJobsCmd() *cobra.Command {
	var limit int

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recently submitted jobs",
		Long:  `Lists the most recent jobs from the report database, newest first. Requires postgres.url; in-memory deployments have no history to query.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := config.Get()

			if cfg.Postgres.URL == "" {
				return fmt.Errorf("job history requires postgres.url (hint: ARCHIBALD_POSTGRES_URL)")
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

			jobs, err := storeService.ListJobs(ctx, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tSTATE\tKIND\tOPERATOR\tENQUEUED\tLABEL")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.State, j.Kind, j.UserID,
					j.EnqueuedAt.Local().Format("2006-01-02 15:04:05"), j.Label)
			}
			return w.Flush()
		},
	}

	jobsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to list")
	return jobsCmd
}
