package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/temple-erp/temple-erp/internal/ap"
	jobmetrics "github.com/temple-erp/temple-erp/internal/jobs"
	"github.com/temple-erp/temple-erp/internal/shared"
)

// TaskMigrationRetry re-sends unmigrated posted invoices to accounting.
const TaskMigrationRetry = "ap:migration-retry"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// MigrationRetryPayload carries scheduling metadata.
type MigrationRetryPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewMigrationRetryTask builds the retry task. The task is unique per hour so
// overlapping schedules do not stack up.
func NewMigrationRetryTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(MigrationRetryPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMigrationRetry, body, asynq.Queue(QueueDefault), asynq.Unique(time.Hour)), nil
}

// MigrationRunner is implemented by *ap.Service.
type MigrationRunner interface {
	RetryFailedMigrations(ctx context.Context, actor shared.Actor) (ap.MigrationSummary, error)
}

// MigrationRetryJob runs RetryFailedMigrations as the system actor.
type MigrationRetryJob struct {
	Runner  MigrationRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMigrationRetryJob wires the handler.
func NewMigrationRetryJob(runner MigrationRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *MigrationRetryJob {
	return &MigrationRetryJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle processes TaskMigrationRetry. Individual invoice failures are part of
// the summary and do not fail the task; they are picked up by the next run.
func (j *MigrationRetryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Runner == nil {
		return errors.New("migration retry: runner not configured")
	}
	var payload MigrationRetryPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.metrics().Track(TaskMigrationRetry)
	logger := j.log()

	summary, err := j.Runner.RetryFailedMigrations(ctx, shared.System)
	if err != nil {
		logger.Error("retry failed migrations", slog.Any("error", err))
		return tracker.End(err)
	}
	attrs := []any{slog.Int("total", summary.Total), slog.Int("success", summary.Success), slog.Int("failed", summary.Failed)}
	if summary.Failed > 0 {
		for _, f := range summary.Failures {
			logger.Warn("invoice migration failed", slog.Int64("invoice_id", f.InvoiceID), slog.String("number", f.Number), slog.String("error", f.Error))
		}
		logger.Warn("migration retry finished with failures", attrs...)
	} else {
		logger.Info("migration retry finished", attrs...)
	}
	return tracker.End(nil)
}

func (j *MigrationRetryJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *MigrationRetryJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMigrationRetry))
	}
	return slog.Default().With(slog.String("job", TaskMigrationRetry))
}
