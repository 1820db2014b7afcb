package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/voucherd/internal/app"
	"github.com/timmy/voucherd/internal/batch"
	"github.com/timmy/voucherd/internal/config"
	"github.com/timmy/voucherd/internal/domain"
	"github.com/timmy/voucherd/internal/logger"
	"github.com/timmy/voucherd/internal/source"
)

// summary is printed to stdout when the operation ends.
type summary struct {
	OperationID       string                 `json:"operation_id"`
	OperationType     domain.OperationType   `json:"operation_type"`
	Status            domain.OperationStatus `json:"status"`
	TotalRecords      int                    `json:"total_records"`
	SuccessfulRecords int                    `json:"successful_records"`
	FailedRecords     int                    `json:"failed_records"`
	DurationMs        int64                  `json:"duration_ms"`
	Failures          []domain.ItemResult    `json:"failures,omitempty"`
	Errors            []string               `json:"errors,omitempty"`
	ResultsURL        string                 `json:"results_url,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	opType := flag.String("type", "", "Operation type: mint-vouchers, register-merchants, import-recipients, send-notifications")
	file := flag.String("file", "", "Path to the items: a JSON array or a CSV file with a header row")
	format := flag.String("format", "", "Input format: json or csv (inferred from the extension when empty)")
	batchSize := flag.Int("batch-size", 0, "Items per chunk (0 uses the configured default)")
	priority := flag.String("priority", "medium", "Queue priority: high, medium, low")
	parallel := flag.Bool("parallel", false, "Process items of a chunk concurrently")
	submitter := flag.String("user", "bulkload", "Submitter id recorded on the operation")
	timeout := flag.Duration("timeout", 0, "Give up waiting after this long (0 waits forever)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *opType == "" || *file == "" {
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// No automatic retries from the CLI, and only the submitted operation runs here:
	// unfinished work in a shared database belongs to the API server.
	cfg.Batch.RetryInterval = 0
	cfg.Batch.SkipRehydrate = true

	appLogger := app.NewLogger(&cfg.Log, "voucherd-bulkload")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *timeout)
		defer cancelTimeout()
	}

	items, err := readItems(ctx, *file, source.Format(*format))
	if err != nil {
		appLogger.WithError(err).Error("Failed to read items")
		return 1
	}

	a, err := app.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Error("Failed to initialize application")
		return 1
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		if err := a.Close(stopCtx); err != nil {
			appLogger.WithError(err).Error("Batch engine did not stop cleanly")
		}
	}()

	created, err := a.Engine.Create(ctx, domain.OperationType(*opType), items, batch.CreateOptions{
		BatchSize:   *batchSize,
		Priority:    domain.Priority(*priority),
		Parallel:    *parallel,
		SubmitterID: *submitter,
	})
	if err != nil {
		appLogger.WithError(err).Error("Operation rejected")
		return 1
	}

	appLogger.WithFields(logger.Fields{
		logger.FieldOperationID: created.OperationID,
		logger.FieldCount:       created.TotalRecords,
		"estimated_seconds":     created.EstimatedSeconds,
	}).Info("Operation submitted")

	if err := a.Engine.Start(ctx); err != nil {
		appLogger.WithError(err).Error("Failed to start batch engine")
		return 1
	}

	op, err := a.Engine.WaitForTerminal(ctx, created.OperationID, 250*time.Millisecond)
	if err != nil {
		// The record stays queued and the next engine start picks it up.
		appLogger.WithError(err).WithField(logger.FieldOperationID, created.OperationID).
			Warn("Stopped waiting for operation")
		return 1
	}

	out := buildSummary(op)
	if a.Archive != nil {
		out.ResultsURL = a.Archive.ResultsURL(op.ID)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		appLogger.WithError(err).Error("Failed to write summary")
	}

	if op.Status != domain.OperationCompleted || op.FailedRecords > 0 {
		return 1
	}
	return 0
}

func readItems(ctx context.Context, path string, format source.Format) ([]json.RawMessage, error) {
	src, err := source.Open(path, format)
	if err != nil {
		return nil, err
	}
	return source.ReadAll(ctx, src, 1000)
}

func buildSummary(op *domain.Operation) summary {
	s := summary{
		OperationID:       op.ID,
		OperationType:     op.OperationType,
		Status:            op.Status,
		TotalRecords:      op.TotalRecords,
		SuccessfulRecords: op.SuccessfulRecords,
		FailedRecords:     op.FailedRecords,
	}
	if op.StartTime != nil && op.EndTime != nil {
		s.DurationMs = op.EndTime.Sub(*op.StartTime).Milliseconds()
	}
	for _, r := range op.Results {
		if r.Status == domain.ItemFailed {
			s.Failures = append(s.Failures, r)
		}
	}
	for _, e := range op.Errors {
		s.Errors = append(s.Errors, e.Message)
	}
	return s
}
