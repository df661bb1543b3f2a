// File: cmd/run.go
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/config"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/observability"
)

// orderSpec is the YAML shape of one order in a batch file. It mirrors
// schemas.OrderPayload plus the operator the order is submitted as.
type orderSpec struct {
	UserID        string     `yaml:"user_id"`
	CustomerQuery string     `yaml:"customer_query"`
	Customer      string     `yaml:"customer"`
	Reference     string     `yaml:"reference"`
	DiscountPct   float64    `yaml:"discount_pct"`
	Lines         []lineSpec `yaml:"lines"`
}

type lineSpec struct {
	ArticleCode string  `yaml:"article_code"`
	Pattern     string  `yaml:"pattern"`
	Quantity    int     `yaml:"quantity"`
	DiscountPct float64 `yaml:"discount_pct"`
}

type orderBatch struct {
	Orders []orderSpec `yaml:"orders"`
}

func (s *orderSpec) payload() *schemas.OrderPayload {
	p := &schemas.OrderPayload{
		CustomerQuery: s.CustomerQuery,
		Customer:      s.Customer,
		Reference:     s.Reference,
		DiscountPct:   s.DiscountPct,
	}
	for _, l := range s.Lines {
		p.Lines = append(p.Lines, schemas.OrderLine{
			ArticleCode: l.ArticleCode,
			Pattern:     l.Pattern,
			Quantity:    l.Quantity,
			DiscountPct: l.DiscountPct,
		})
	}
	return p
}

// newRunCmd creates the command that starts the engine. With an orders file
// it submits the batch and waits for every job to finish; without one it runs
// as a daemon so the background catalog sync can do its rounds.
func newRunCmd() *cobra.Command {
	var ordersFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and process orders",
		Long: `Run starts the browser engine. Orders read from --orders are submitted
in file order and executed strictly in that order. Without --orders the
process stays up for the background catalog sync, which must then be
enabled in the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := config.Get()

			if ordersFile == "" && !cfg.Engine.Sync.Enabled {
				return fmt.Errorf("nothing to do: pass --orders or enable engine.sync in the config")
			}

			var batch *orderBatch
			if ordersFile != "" {
				loaded, err := loadOrderBatch(ordersFile)
				if err != nil {
					return err
				}
				batch = loaded
				logger.Info("Order batch loaded",
					zap.String("file", ordersFile),
					zap.Int("orders", len(batch.Orders)))
			}

			components, err := NewComponentFactory().Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			components.Engine.Start(ctx)

			if batch == nil {
				logger.Info("No orders file given, running until interrupted.",
					zap.Duration("sync_interval", cfg.Engine.Sync.Interval))
				<-ctx.Done()
				return nil
			}

			// Subscribe before submitting so no early event is missed.
			eventCh, unsubscribe := components.Engine.Events()
			defer unsubscribe()

			jobIDs := make([]string, 0, len(batch.Orders))
			for i, spec := range batch.Orders {
				jobID, err := components.Engine.SubmitJob(ctx, spec.UserID, schemas.JobKindWrite, spec.payload())
				if err != nil {
					return fmt.Errorf("submitting order %d: %w", i+1, err)
				}
				jobIDs = append(jobIDs, jobID)
			}
			logger.Info("Batch submitted", zap.Int("jobs", len(jobIDs)))

			failed, err := followJobs(cmd, components.Engine, jobIDs, eventCh)
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", failed, len(jobIDs))
			}
			logger.Info("Batch finished", zap.Int("jobs", len(jobIDs)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&ordersFile, "orders", "f", "", "YAML file with orders to submit")
	return cmd
}

// loadOrderBatch parses and sanity-checks a batch file. Deep validation stays
// with the engine; this only rejects entries that could never be submitted.
func loadOrderBatch(path string) (*orderBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading orders file: %w", err)
	}
	var batch orderBatch
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parsing orders file %s: %w", path, err)
	}
	if len(batch.Orders) == 0 {
		return nil, fmt.Errorf("orders file %s contains no orders", path)
	}
	for i, spec := range batch.Orders {
		if spec.UserID == "" {
			return nil, fmt.Errorf("order %d: user_id is required", i+1)
		}
		if spec.CustomerQuery == "" {
			return nil, fmt.Errorf("order %d: customer_query is required", i+1)
		}
		if len(spec.Lines) == 0 {
			return nil, fmt.Errorf("order %d: at least one line is required", i+1)
		}
	}
	return &batch, nil
}

// followJobs logs progress events and blocks until every submitted job is in
// a final state. It returns the number of failed jobs.
func followJobs(cmd *cobra.Command, eng jobWatcher, jobIDs []string, eventCh <-chan schemas.ProgressEvent) (int, error) {
	logger := observability.GetLogger()
	submitted := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		submitted[id] = true
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return 0, cmd.Context().Err()

		case ev, ok := <-eventCh:
			if !ok {
				eventCh = nil
				continue
			}
			if submitted[ev.JobID] {
				logger.Info("Progress",
					zap.String("job_id", ev.JobID),
					zap.String("step", ev.StepLabel),
					zap.Int("percent", ev.PercentComplete))
			}

		case <-ticker.C:
			failed, done := tallyJobs(eng, jobIDs)
			if !done {
				continue
			}
			for _, id := range jobIDs {
				st, ok := eng.JobStatus(id)
				if !ok {
					continue
				}
				if st.State == schemas.JobStateFailed {
					logger.Error("Job failed",
						zap.String("job_id", id),
						zap.String("label", st.Label),
						zap.String("error", st.Error))
				} else {
					logger.Info("Job succeeded",
						zap.String("job_id", id),
						zap.String("label", st.Label),
						zap.String("record_id", st.RecordID))
				}
			}
			return failed, nil
		}
	}
}

// jobWatcher is the slice of the engine followJobs needs, so tests can drive
// it without a browser.
type jobWatcher interface {
	JobStatus(jobID string) (schemas.JobStatus, bool)
}

func tallyJobs(eng jobWatcher, jobIDs []string) (failed int, done bool) {
	done = true
	for _, id := range jobIDs {
		st, ok := eng.JobStatus(id)
		if !ok || !st.State.Final() {
			done = false
			continue
		}
		if st.State == schemas.JobStateFailed {
			failed++
		}
	}
	if !done {
		return 0, false
	}
	return failed, true
}
