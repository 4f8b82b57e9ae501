// Package tasks implements the asynchronous anomaly detection pipeline:
// classification, batch fan-out, stream processing, pattern analysis,
// alerting and retention.
package tasks

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/classifier"
	"github.com/log-zero/sentinel/internal/metrics"
	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/notify"
	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/redact"
	"github.com/log-zero/sentinel/pkg/errors"
)

// Task names.
const (
	TaskAnalyzeLog       = "logs.analyze_log"
	TaskProcessLogEntry  = "logs.process_log_entry"
	TaskProcessLogBatch  = "logs.process_log_batch"
	TaskAnomalyStream    = "logs.real_time_anomaly_stream"
	TaskDetectPatterns   = "logs.detect_anomaly_patterns"
	TaskSendPatternAlert = "logs.send_pattern_alert"
	TaskSendNotification = "logs.send_notification"
	TaskCleanupResults   = "logs.cleanup_old_results"
)

// Result statuses.
const (
	StatusSuccess        = "success"
	StatusError          = "error"
	StatusCompleted      = "completed"
	StatusAlertSent      = "alert_sent"
	StatusNoAlertsNeeded = "no_alerts_needed"
)

// Store is the persistence the pipeline reads and writes.
type Store interface {
	GetLogEntry(ctx context.Context, id int64) (*models.LogEntry, error)
	GetLogEntries(ctx context.Context, ids []int64) ([]models.LogEntry, error)
	ListLogEntriesSince(ctx context.Context, since time.Time) ([]models.LogEntry, error)
	ListAnomalyTimestamps(ctx context.Context, from, to time.Time) ([]time.Time, error)
	CreateAnomalyReport(ctx context.Context, report *models.AnomalyReport) error
	DeleteAnomalyReportsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ingester validates, persists and schedules analysis of one raw log payload.
type Ingester interface {
	Ingest(ctx context.Context, body []byte, signature string) (*models.LogEntry, string, error)
}

// Archiver mirrors anomaly reports to long-term analytics storage.
type Archiver interface {
	ArchiveReport(ctx context.Context, report models.AnomalyReport, entry models.LogEntry, source string) error
}

// Config holds pipeline settings.
type Config struct {
	Recipients []string
	Retention  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retention: 30 * 24 * time.Hour,
	}
}

// Deps are the collaborators of a Service. Archiver and Redactor are optional.
type Deps struct {
	Store      Store
	Classifier classifier.Classifier
	Submitter  queue.Submitter
	Ingester   Ingester
	Notifier   notify.Notifier
	Archiver   Archiver
	Redactor   *redact.Redactor
}

// Service executes pipeline tasks.
type Service struct {
	store      Store
	classifier classifier.Classifier
	submitter  queue.Submitter
	ingester   Ingester
	notifier   notify.Notifier
	archiver   Archiver
	redactor   *redact.Redactor
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a Service.
func NewService(deps Deps, config Config, logger *zap.Logger) *Service {
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	return &Service{
		store:      deps.Store,
		classifier: deps.Classifier,
		submitter:  deps.Submitter,
		ingester:   deps.Ingester,
		notifier:   deps.Notifier,
		archiver:   deps.Archiver,
		redactor:   deps.Redactor,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// Register adds every pipeline task with its retry policy to q.
func (s *Service) Register(q *queue.Queue) {
	q.Register(queue.Task{Name: TaskAnalyzeLog, Handler: handle(s.AnalyzeLog), Retry: queue.Linear(3, 60*time.Second)})
	q.Register(queue.Task{Name: TaskProcessLogEntry, Handler: handle(s.ProcessLogEntry), Retry: queue.NoRetry})
	q.Register(queue.Task{Name: TaskProcessLogBatch, Handler: handle(s.ProcessLogBatch), Retry: queue.NoRetry})
	q.Register(queue.Task{Name: TaskAnomalyStream, Handler: handle(s.AnomalyStream), Retry: queue.NoRetry})
	q.Register(queue.Task{Name: TaskDetectPatterns, Handler: handle(s.DetectPatterns), Retry: queue.Fixed(2, 300*time.Second)})
	q.Register(queue.Task{Name: TaskSendPatternAlert, Handler: handle(s.SendPatternAlert), Retry: queue.Fixed(3, 60*time.Second)})
	q.Register(queue.Task{Name: TaskSendNotification, Handler: handle(s.SendNotification), Retry: queue.Linear(3, 30*time.Second)})
	q.Register(queue.Task{Name: TaskCleanupResults, Handler: handle(s.CleanupOldResults), Retry: queue.NoRetry})
}

// handle decodes the JSON payload into A and marks caller errors permanent.
func handle[A any, R any](fn func(context.Context, A) (R, error)) queue.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args A
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, queue.Permanent(errors.InvalidInput("invalid task arguments").WithCause(err))
			}
		}
		result, err := fn(ctx, args)
		if err != nil {
			if errors.IsCode(err, errors.CodeInvalidInput) || errors.IsCode(err, errors.CodeForbidden) {
				return nil, queue.Permanent(err)
			}
			return nil, err
		}
		return result, nil
	}
}

// classify runs the shared classifier and records metrics.
func (s *Service) classify(ctx context.Context, text string) (classifier.Label, time.Duration, error) {
	start := time.Now()
	label, err := s.classifier.Classify(ctx, text)
	elapsed := time.Since(start)
	if err != nil {
		return classifier.Normal, elapsed, errors.Wrap(err, errors.CodeUnavailable, "classification failed")
	}
	metrics.ClassificationDuration.Observe(elapsed.Seconds())
	metrics.Classifications.WithLabelValues(label.String()).Inc()
	return label, elapsed, nil
}

func (s *Service) createReport(ctx context.Context, entry *models.LogEntry, score float64, summary, source string) (*models.AnomalyReport, error) {
	report := &models.AnomalyReport{
		LogEntryID:   entry.ID,
		AnomalyScore: score,
		Summary:      summary,
	}
	if err := s.store.CreateAnomalyReport(ctx, report); err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to create anomaly report")
	}
	metrics.AnomaliesCreated.WithLabelValues(source).Inc()

	if s.archiver != nil {
		if err := s.archiver.ArchiveReport(ctx, *report, *entry, source); err != nil {
			s.logger.Warn("Failed to archive anomaly report",
				zap.Int64("report_id", report.ID),
				zap.Error(err),
			)
		}
	}
	return report, nil
}

// send redacts body and delivers it to recipients.
func (s *Service) send(ctx context.Context, subject, body string, recipients []string) error {
	if s.redactor != nil {
		body = s.redactor.Redact(body)
	}
	return s.notifier.Send(ctx, subject, body, recipients)
}
