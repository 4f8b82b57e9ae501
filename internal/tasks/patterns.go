package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/analysis"
	"github.com/log-zero/sentinel/pkg/errors"
)

// DefaultWindowHours is the pattern analysis window when none is given.
const DefaultWindowHours = 24

// MaxWindowHours caps any look-back window, keeping it a valid time.Duration.
const MaxWindowHours = 100 * 365 * 24

// WindowMessage is the validation error for an out-of-range window.
var WindowMessage = fmt.Sprintf("time_window_hours must be a positive integer no greater than %d", MaxWindowHours)

// PatternArgs are the arguments of logs.detect_anomaly_patterns.
type PatternArgs struct {
	TimeWindowHours int `json:"time_window_hours"`
}

// PatternResult is the outcome of a pattern analysis. It is also the payload
// of logs.send_pattern_alert.
type PatternResult struct {
	AnalysisWindow       string             `json:"analysis_window"`
	TotalLogs            int                `json:"total_logs"`
	SeverityDistribution map[string]int     `json:"severity_distribution"`
	AnomalyClusters      []analysis.Cluster `json:"anomaly_clusters"`
	UnusualPatterns      []analysis.Pattern `json:"unusual_patterns"`
	AnalyzedAt           time.Time          `json:"analyzed_at"`
	AlertTaskID          string             `json:"alert_task_id,omitempty"`
}

// NeedsAlert reports whether the analysis found anything worth sending.
func (r *PatternResult) NeedsAlert() bool {
	return len(r.AnomalyClusters) > 0 || len(r.UnusualPatterns) > 0
}

// DetectPatterns analyzes the trailing window and queues a pattern alert when
// clusters or unusual patterns are found.
func (s *Service) DetectPatterns(ctx context.Context, args PatternArgs) (*PatternResult, error) {
	window := args.TimeWindowHours
	if window == 0 {
		window = DefaultWindowHours
	}
	if window < 0 || window > MaxWindowHours {
		return nil, errors.InvalidInput(WindowMessage)
	}

	now := s.now().UTC()
	cutoff := now.Add(-time.Duration(window) * time.Hour)

	entries, err := s.store.ListLogEntriesSince(ctx, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load log entries")
	}
	anomalyTimes, err := s.store.ListAnomalyTimestamps(ctx, cutoff.Add(-analysis.ClusterRadius), now.Add(analysis.ClusterRadius))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load anomaly timestamps")
	}

	counts := analysis.Histogram(entries)
	result := &PatternResult{
		AnalysisWindow:       fmt.Sprintf("%d hours", window),
		TotalLogs:            len(entries),
		SeverityDistribution: counts,
		AnomalyClusters:      analysis.Clusters(entries, anomalyTimes),
		UnusualPatterns:      analysis.Flags(counts, window),
		AnalyzedAt:           now,
	}

	if result.NeedsAlert() {
		taskID, err := s.submitter.Submit(ctx, TaskSendPatternAlert, result)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to queue pattern alert")
		}
		result.AlertTaskID = taskID
	}

	s.logger.Info("Pattern analysis completed",
		zap.Int("window_hours", window),
		zap.Int("total_logs", result.TotalLogs),
		zap.Int("clusters", len(result.AnomalyClusters)),
		zap.Int("patterns", len(result.UnusualPatterns)),
	)
	return result, nil
}
