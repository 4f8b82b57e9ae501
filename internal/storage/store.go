// Package storage defines the persistence contract shared by the SQL backends.
package storage

import (
	"context"
	"time"

	"github.com/log-zero/sentinel/internal/models"
)

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// Store persists log entries and their anomaly reports.
//
// Anomaly reports are owned by their log entry: DeleteLogEntry removes the
// entry's reports in the same transaction. Time filters on reports apply to
// the parent entry's timestamp.
type Store interface {
	CreateLogEntry(ctx context.Context, entry *models.LogEntry) error
	// GetLogEntry returns a NOT_FOUND error for unknown ids.
	GetLogEntry(ctx context.Context, id int64) (*models.LogEntry, error)
	// GetLogEntries returns the entries that exist among ids, in id order.
	GetLogEntries(ctx context.Context, ids []int64) ([]models.LogEntry, error)
	ListLogEntriesSince(ctx context.Context, since time.Time) ([]models.LogEntry, error)
	// ListLogEntries returns entries newest first.
	ListLogEntries(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error)
	// CountLogEntries counts entries at or after since; a zero since counts all.
	CountLogEntries(ctx context.Context, since time.Time) (int, error)
	SeverityDistribution(ctx context.Context, since time.Time) (map[string]int, error)
	DeleteLogEntry(ctx context.Context, id int64) error

	CreateAnomalyReport(ctx context.Context, report *models.AnomalyReport) error
	// GetAnomalyReport returns the report with its log entry attached.
	GetAnomalyReport(ctx context.Context, id int64) (*models.AnomalyReport, error)
	// ListAnomalyReports returns reports with entries attached, newest entry first.
	ListAnomalyReports(ctx context.Context, filter models.AnomalyFilter) ([]models.AnomalyReport, error)
	CountAnomalyReports(ctx context.Context, since time.Time) (int, error)
	// CountAnomaliesByEntry returns report counts keyed by log entry id.
	CountAnomaliesByEntry(ctx context.Context, ids []int64) (map[int64]int, error)
	// ListAnomalyTimestamps returns one parent timestamp per report whose
	// parent lies in [from, to].
	ListAnomalyTimestamps(ctx context.Context, from, to time.Time) ([]time.Time, error)
	// DeleteAnomalyReportsBefore deletes reports whose parent is older than cutoff.
	DeleteAnomalyReportsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Limit returns limit, or DefaultListLimit when it is not positive.
func Limit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
