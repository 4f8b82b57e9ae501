package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/classifier"
	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/pkg/errors"
)

const (
	summaryPrefix       = "Anomaly detected in log message: "
	streamSummaryPrefix = "Real-time anomaly detected: "
	summaryMessageRunes = 100
)

// AnalyzeArgs are the arguments of logs.analyze_log.
type AnalyzeArgs struct {
	Message    string `json:"message"`
	LogEntryID *int64 `json:"log_entry_id,omitempty"`
}

// AnalyzeResult is the outcome of one classification.
type AnalyzeResult struct {
	LogEntryID     *int64    `json:"log_entry_id"`
	AnomalyScore   float64   `json:"anomaly_score"`
	ProcessingTime float64   `json:"processing_time"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
	IsAnomaly      bool      `json:"is_anomaly"`
}

func summarize(prefix, message string) string {
	return prefix + models.Prefix(message, summaryMessageRunes) + "..."
}

// AnalyzeLog classifies a message and records an anomaly report against the
// referenced log entry on a positive label. A missing entry is logged and
// skipped.
func (s *Service) AnalyzeLog(ctx context.Context, args AnalyzeArgs) (*AnalyzeResult, error) {
	label, elapsed, err := s.classify(ctx, args.Message)
	if err != nil {
		return nil, err
	}

	if label == classifier.Anomalous && args.LogEntryID != nil {
		entry, err := s.store.GetLogEntry(ctx, *args.LogEntryID)
		switch {
		case errors.IsNotFound(err):
			s.logger.Warn("Log entry not found, skipping anomaly report",
				zap.Int64("log_entry_id", *args.LogEntryID),
			)
		case err != nil:
			return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load log entry")
		default:
			if _, err := s.createReport(ctx, entry, label.Score(), summarize(summaryPrefix, args.Message), "task"); err != nil {
				return nil, err
			}
		}
	}

	return &AnalyzeResult{
		LogEntryID:     args.LogEntryID,
		AnomalyScore:   label.Score(),
		ProcessingTime: elapsed.Seconds(),
		AnalyzedAt:     s.now().UTC(),
		IsAnomaly:      label == classifier.Anomalous,
	}, nil
}
