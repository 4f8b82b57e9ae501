package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/classifier"
	"github.com/log-zero/sentinel/internal/models"
)

// StreamArgs are the arguments of logs.real_time_anomaly_stream.
type StreamArgs struct {
	LogEntryIDs []int64 `json:"log_entry_ids"`
}

// StreamEntry is the per-entry outcome of a stream run. Failed entries carry
// only the id and the error.
type StreamEntry struct {
	LogEntryID     int64    `json:"log_entry_id"`
	AnomalyScore   *float64 `json:"anomaly_score,omitempty"`
	ProcessingTime *float64 `json:"processing_time,omitempty"`
	IsAnomaly      *bool    `json:"is_anomaly,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// StreamResult is the outcome of logs.real_time_anomaly_stream.
type StreamResult struct {
	Status            string        `json:"status"`
	Message           string        `json:"message,omitempty"`
	ProcessedCount    int           `json:"processed_count"`
	AnomaliesDetected int           `json:"anomalies_detected"`
	FailedCount       int           `json:"failed_count"`
	Results           []StreamEntry `json:"results"`
	ProcessedAt       time.Time     `json:"processed_at"`
}

// NotificationArgs are the arguments of logs.send_notification.
type NotificationArgs struct {
	Subject       string   `json:"subject"`
	Message       string   `json:"message"`
	RecipientList []string `json:"recipient_list"`
}

// AnomalyStream classifies existing entries inline. Each positive entry gets a
// report, and high-severity positives queue a critical notification. A
// failure on one entry is recorded and does not stop the others.
func (s *Service) AnomalyStream(ctx context.Context, args StreamArgs) (*StreamResult, error) {
	entries, err := s.store.GetLogEntries(ctx, args.LogEntryIDs)
	if err != nil {
		s.logger.Error("Stream lookup failed", zap.Error(err))
		return &StreamResult{
			Status:      StatusError,
			Message:     err.Error(),
			Results:     []StreamEntry{},
			ProcessedAt: s.now().UTC(),
		}, nil
	}

	result := &StreamResult{
		Status:         StatusCompleted,
		ProcessedCount: len(args.LogEntryIDs),
		Results:        make([]StreamEntry, 0, len(entries)),
	}

	for i := range entries {
		entry := &entries[i]
		out, err := s.streamEntry(ctx, entry)
		if err != nil {
			s.logger.Warn("Stream entry failed",
				zap.Int64("log_entry_id", entry.ID),
				zap.Error(err),
			)
			result.FailedCount++
			result.Results = append(result.Results, StreamEntry{LogEntryID: entry.ID, Error: err.Error()})
			continue
		}
		if *out.IsAnomaly {
			result.AnomaliesDetected++
		}
		result.Results = append(result.Results, *out)
	}

	result.ProcessedAt = s.now().UTC()
	return result, nil
}

func (s *Service) streamEntry(ctx context.Context, entry *models.LogEntry) (*StreamEntry, error) {
	label, elapsed, err := s.classify(ctx, entry.Message)
	if err != nil {
		return nil, err
	}

	score := label.Score()
	seconds := elapsed.Seconds()
	anomalous := label == classifier.Anomalous
	out := &StreamEntry{
		LogEntryID:     entry.ID,
		AnomalyScore:   &score,
		ProcessingTime: &seconds,
		IsAnomaly:      &anomalous,
	}
	if !anomalous {
		return out, nil
	}

	if _, err := s.createReport(ctx, entry, score, summarize(streamSummaryPrefix, entry.Message), "stream"); err != nil {
		return nil, err
	}

	if entry.IsHighSeverity() {
		notification := NotificationArgs{
			Subject:       fmt.Sprintf("🚨 CRITICAL Anomaly Detected - %s", entry.Severity),
			Message:       criticalBody(entry, score),
			RecipientList: s.config.Recipients,
		}
		if _, err := s.submitter.Submit(ctx, TaskSendNotification, notification); err != nil {
			return nil, fmt.Errorf("failed to queue notification: %w", err)
		}
	}
	return out, nil
}

func criticalBody(entry *models.LogEntry, score float64) string {
	return fmt.Sprintf("Critical anomaly detected in real-time:\n\nTimestamp: %s\nSeverity: %s\nMessage: %s\nAnomaly Score: %.1f",
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.Severity,
		entry.Message,
		score,
	)
}
