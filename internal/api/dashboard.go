package api

import (
	"context"
	"time"

	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/pkg/errors"
)

const (
	recentAnomalyLimit  = 10
	dashboardMessageMax = 100
)

// dashboard gathers the monitoring summary shared by REST, GraphQL and admin.
func (s *Server) dashboard(ctx context.Context) (*models.Dashboard, error) {
	now := s.now().UTC()
	last24h := now.Add(-24 * time.Hour)
	last7d := now.Add(-7 * 24 * time.Hour)

	anomalies24h, err := s.deps.Store.CountAnomalyReports(ctx, last24h)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "Error retrieving dashboard data")
	}
	anomalies7d, err := s.deps.Store.CountAnomalyReports(ctx, last7d)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "Error retrieving dashboard data")
	}
	total, err := s.deps.Store.CountLogEntries(ctx, time.Time{})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "Error retrieving dashboard data")
	}
	distribution, err := s.deps.Store.SeverityDistribution(ctx, last24h)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "Error retrieving dashboard data")
	}
	reports, err := s.deps.Store.ListAnomalyReports(ctx, models.AnomalyFilter{Since: last24h, Limit: recentAnomalyLimit})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "Error retrieving dashboard data")
	}

	recent := make([]models.RecentAnomaly, 0, len(reports))
	for _, r := range reports {
		row := models.RecentAnomaly{
			ID:           r.ID,
			AnomalyScore: r.AnomalyScore,
			Summary:      r.Summary,
		}
		if r.LogEntry != nil {
			row.Timestamp = r.LogEntry.Timestamp
			row.Severity = r.LogEntry.Severity
			row.Message = models.Truncate(r.LogEntry.Message, dashboardMessageMax)
		}
		recent = append(recent, row)
	}

	return &models.Dashboard{
		AnomaliesLast24h:     anomalies24h,
		AnomaliesLast7d:      anomalies7d,
		TotalLogs:            total,
		SeverityDistribution: distribution,
		RecentAnomalies:      recent,
		LastUpdated:          now,
	}, nil
}
