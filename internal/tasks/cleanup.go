package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/metrics"
	"github.com/log-zero/sentinel/pkg/errors"
)

// CleanupArgs are the arguments of logs.cleanup_old_results. It takes none.
type CleanupArgs struct{}

// CleanupResult is the outcome of logs.cleanup_old_results.
type CleanupResult struct {
	Status         string    `json:"status"`
	DeletedReports int64     `json:"deleted_reports"`
	CleanedAt      time.Time `json:"cleaned_at"`
}

// CleanupOldResults deletes anomaly reports whose log entry is older than the
// retention period. Log entries are kept.
func (s *Service) CleanupOldResults(ctx context.Context, _ CleanupArgs) (*CleanupResult, error) {
	now := s.now().UTC()
	deleted, err := s.store.DeleteAnomalyReportsBefore(ctx, now.Add(-s.config.Retention))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to delete old reports")
	}
	metrics.ReportsDeleted.Add(float64(deleted))

	s.logger.Info("Old anomaly reports cleaned", zap.Int64("deleted", deleted))
	return &CleanupResult{
		Status:         StatusSuccess,
		DeletedReports: deleted,
		CleanedAt:      now,
	}, nil
}
