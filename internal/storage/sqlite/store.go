// Package sqlite provides an embedded SQLite store for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/storage"
	apperrors "github.com/log-zero/sentinel/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS log_entries (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	logged_at INTEGER NOT NULL,
	severity  TEXT    NOT NULL DEFAULT 'INFO',
	message   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_entries_logged_at ON log_entries(logged_at);
CREATE INDEX IF NOT EXISTS idx_log_entries_severity ON log_entries(severity);

CREATE TABLE IF NOT EXISTS anomaly_reports (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	log_entry_id  INTEGER NOT NULL REFERENCES log_entries(id) ON DELETE CASCADE,
	anomaly_score REAL    NOT NULL,
	summary       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomaly_reports_log_entry_id ON anomaly_reports(log_entry_id);
`

// Config holds SQLite configuration.
type Config struct {
	Path string // file path or ":memory:"
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{Path: "./sentinel.db"}
}

// Store implements storage.Store on SQLite. Timestamps are stored as UTC unix
// nanoseconds so range filters compare integers.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore opens the database and applies the schema.
func NewStore(config Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	// One connection: SQLite serializes writers, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("SQLite store ready", zap.String("path", config.Path))
	return &Store{db: db, logger: logger}, nil
}

type logRow struct {
	ID       int64  `db:"id"`
	LoggedAt int64  `db:"logged_at"`
	Severity string `db:"severity"`
	Message  string `db:"message"`
}

func (r logRow) model() models.LogEntry {
	return models.LogEntry{
		ID:        r.ID,
		Timestamp: time.Unix(0, r.LoggedAt).UTC(),
		Severity:  r.Severity,
		Message:   r.Message,
	}
}

type reportRow struct {
	ID           int64   `db:"id"`
	LogEntryID   int64   `db:"log_entry_id"`
	AnomalyScore float64 `db:"anomaly_score"`
	Summary      string  `db:"summary"`
	LoggedAt     int64   `db:"logged_at"`
	Severity     string  `db:"severity"`
	Message      string  `db:"message"`
}

func (r reportRow) model() models.AnomalyReport {
	entry := logRow{ID: r.LogEntryID, LoggedAt: r.LoggedAt, Severity: r.Severity, Message: r.Message}.model()
	return models.AnomalyReport{
		ID:           r.ID,
		LogEntryID:   r.LogEntryID,
		AnomalyScore: r.AnomalyScore,
		Summary:      r.Summary,
		LogEntry:     &entry,
	}
}

const reportSelect = `
	SELECT r.id, r.log_entry_id, r.anomaly_score, r.summary, l.logged_at, l.severity, l.message
	FROM anomaly_reports r
	JOIN log_entries l ON l.id = r.log_entry_id
`

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func toEntries(rows []logRow) []models.LogEntry {
	out := make([]models.LogEntry, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out
}

// CreateLogEntry inserts entry and sets its ID.
func (s *Store) CreateLogEntry(ctx context.Context, entry *models.LogEntry) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO log_entries (logged_at, severity, message) VALUES (?, ?, ?)`,
		nanos(entry.Timestamp), entry.Severity, entry.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	return err
}

// GetLogEntry retrieves a log entry by ID.
func (s *Store) GetLogEntry(ctx context.Context, id int64) (*models.LogEntry, error) {
	var row logRow
	err := s.db.GetContext(ctx, &row, `SELECT id, logged_at, severity, message FROM log_entries WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("log entry %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get log entry: %w", err)
	}
	entry := row.model()
	return &entry, nil
}

// GetLogEntries retrieves the existing entries among ids.
func (s *Store) GetLogEntries(ctx context.Context, ids []int64) ([]models.LogEntry, error) {
	if len(ids) == 0 {
		return []models.LogEntry{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, logged_at, severity, message FROM log_entries WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get log entries: %w", err)
	}
	return toEntries(rows), nil
}

// ListLogEntriesSince returns every entry at or after since, oldest first.
func (s *Store) ListLogEntriesSince(ctx context.Context, since time.Time) ([]models.LogEntry, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, logged_at, severity, message FROM log_entries WHERE logged_at >= ? ORDER BY logged_at, id`,
		nanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	return toEntries(rows), nil
}

// ListLogEntries returns filtered entries, newest first.
func (s *Store) ListLogEntries(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Query != "" {
		where = append(where, "(LOWER(message) LIKE ? OR LOWER(severity) LIKE ?)")
		pattern := "%" + strings.ToLower(filter.Query) + "%"
		args = append(args, pattern, pattern)
	}
	if !filter.Since.IsZero() {
		where = append(where, "logged_at >= ?")
		args = append(args, nanos(filter.Since))
	}

	query := `SELECT id, logged_at, severity, message FROM log_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY logged_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, storage.Limit(filter.Limit), filter.Offset)

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	return toEntries(rows), nil
}

// CountLogEntries counts entries at or after since.
func (s *Store) CountLogEntries(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM log_entries WHERE logged_at >= ?`, sinceNanos(since))
	if err != nil {
		return 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	return n, nil
}

// SeverityDistribution counts entries per severity at or after since.
func (s *Store) SeverityDistribution(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []struct {
		Severity string `db:"severity"`
		Count    int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT severity, COUNT(*) AS count FROM log_entries WHERE logged_at >= ? GROUP BY severity`,
		sinceNanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute severity distribution: %w", err)
	}
	dist := make(map[string]int, len(rows))
	for _, r := range rows {
		dist[r.Severity] = r.Count
	}
	return dist, nil
}

// DeleteLogEntry removes an entry and its reports in one transaction.
func (s *Store) DeleteLogEntry(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM anomaly_reports WHERE log_entry_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete anomaly reports: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete log entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound(fmt.Sprintf("log entry %d", id))
	}
	return tx.Commit()
}

// CreateAnomalyReport inserts report and sets its ID.
func (s *Store) CreateAnomalyReport(ctx context.Context, report *models.AnomalyReport) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO anomaly_reports (log_entry_id, anomaly_score, summary) VALUES (?, ?, ?)`,
		report.LogEntryID, report.AnomalyScore, report.Summary,
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly report: %w", err)
	}
	report.ID, err = res.LastInsertId()
	return err
}

// GetAnomalyReport retrieves a report with its log entry.
func (s *Store) GetAnomalyReport(ctx context.Context, id int64) (*models.AnomalyReport, error) {
	var row reportRow
	err := s.db.GetContext(ctx, &row, reportSelect+` WHERE r.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("anomaly report %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly report: %w", err)
	}
	report := row.model()
	return &report, nil
}

// ListAnomalyReports returns reports newest entry first.
func (s *Store) ListAnomalyReports(ctx context.Context, filter models.AnomalyFilter) ([]models.AnomalyReport, error) {
	var rows []reportRow
	err := s.db.SelectContext(ctx, &rows,
		reportSelect+` WHERE l.logged_at >= ? ORDER BY l.logged_at DESC, r.id DESC LIMIT ? OFFSET ?`,
		sinceNanos(filter.Since), storage.Limit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomaly reports: %w", err)
	}
	out := make([]models.AnomalyReport, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// CountAnomalyReports counts reports whose entry is at or after since.
func (s *Store) CountAnomalyReports(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM anomaly_reports r
		JOIN log_entries l ON l.id = r.log_entry_id
		WHERE l.logged_at >= ?`, sinceNanos(since))
	if err != nil {
		return 0, fmt.Errorf("failed to count anomaly reports: %w", err)
	}
	return n, nil
}

// CountAnomaliesByEntry returns report counts for the given entries.
func (s *Store) CountAnomaliesByEntry(ctx context.Context, ids []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	query, args, err := sqlx.In(`
		SELECT log_entry_id, COUNT(*) AS count FROM anomaly_reports
		WHERE log_entry_id IN (?) GROUP BY log_entry_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var rows []struct {
		LogEntryID int64 `db:"log_entry_id"`
		Count      int   `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}
	for _, r := range rows {
		counts[r.LogEntryID] = r.Count
	}
	return counts, nil
}

// ListAnomalyTimestamps returns parent timestamps of reports in [from, to].
func (s *Store) ListAnomalyTimestamps(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	var raw []int64
	err := s.db.SelectContext(ctx, &raw, `
		SELECT l.logged_at FROM anomaly_reports r
		JOIN log_entries l ON l.id = r.log_entry_id
		WHERE l.logged_at BETWEEN ? AND ?`, nanos(from), nanos(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list anomaly timestamps: %w", err)
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i] < raw[j] })
	out := make([]time.Time, len(raw))
	for i, n := range raw {
		out[i] = time.Unix(0, n).UTC()
	}
	return out, nil
}

// DeleteAnomalyReportsBefore deletes reports whose entry is older than cutoff.
func (s *Store) DeleteAnomalyReportsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM anomaly_reports
		WHERE log_entry_id IN (SELECT id FROM log_entries WHERE logged_at < ?)`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete anomaly reports: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func sinceNanos(since time.Time) int64 {
	if since.IsZero() {
		return 0
	}
	return nanos(since)
}
