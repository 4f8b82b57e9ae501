// Package postgres provides a PostgreSQL store for log entries and anomaly reports.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/storage"
	apperrors "github.com/log-zero/sentinel/pkg/errors"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	MaxConns int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		Database: "sentinel",
		Username: "postgres",
		Password: "postgres",
		MaxConns: 10,
	}
}

// Client wraps PostgreSQL connection pool.
type Client struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
}

var _ storage.Store = (*Client)(nil)

// NewClient creates a new PostgreSQL client.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d",
		config.Host, config.Port, config.Database, config.Username, config.Password, config.MaxConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	poolConfig.MaxConns = int32(config.MaxConns)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &Client{
		pool:   pool,
		config: config,
		logger: logger,
	}, nil
}

// InitSchema creates the required tables.
func (c *Client) InitSchema(ctx context.Context) error {
	logEntriesTable := `
		CREATE TABLE IF NOT EXISTS log_entries (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			severity VARCHAR(10) NOT NULL DEFAULT 'INFO',
			message TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp ON log_entries(timestamp);
		CREATE INDEX IF NOT EXISTS idx_log_entries_severity ON log_entries(severity);
	`
	if _, err := c.pool.Exec(ctx, logEntriesTable); err != nil {
		return fmt.Errorf("failed to create log_entries table: %w", err)
	}

	reportsTable := `
		CREATE TABLE IF NOT EXISTS anomaly_reports (
			id BIGSERIAL PRIMARY KEY,
			log_entry_id BIGINT NOT NULL REFERENCES log_entries(id) ON DELETE CASCADE,
			anomaly_score DOUBLE PRECISION NOT NULL,
			summary TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_anomaly_reports_log_entry_id ON anomaly_reports(log_entry_id);
	`
	if _, err := c.pool.Exec(ctx, reportsTable); err != nil {
		return fmt.Errorf("failed to create anomaly_reports table: %w", err)
	}

	c.logger.Info("PostgreSQL schema initialized")
	return nil
}

const logColumns = `id, timestamp, severity, message`

const reportSelect = `
	SELECT r.id, r.log_entry_id, r.anomaly_score, r.summary, l.timestamp, l.severity, l.message
	FROM anomaly_reports r
	JOIN log_entries l ON l.id = r.log_entry_id
`

func scanEntry(row pgx.Row) (models.LogEntry, error) {
	var e models.LogEntry
	err := row.Scan(&e.ID, &e.Timestamp, &e.Severity, &e.Message)
	e.Timestamp = e.Timestamp.UTC()
	return e, err
}

func scanReport(row pgx.Row) (models.AnomalyReport, error) {
	var (
		r models.AnomalyReport
		e models.LogEntry
	)
	err := row.Scan(&r.ID, &r.LogEntryID, &r.AnomalyScore, &r.Summary, &e.Timestamp, &e.Severity, &e.Message)
	e.ID = r.LogEntryID
	e.Timestamp = e.Timestamp.UTC()
	r.LogEntry = &e
	return r, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CreateLogEntry stores a new log entry.
func (c *Client) CreateLogEntry(ctx context.Context, entry *models.LogEntry) error {
	query := `
		INSERT INTO log_entries (timestamp, severity, message)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := c.pool.QueryRow(ctx, query, entry.Timestamp, entry.Severity, entry.Message).Scan(&entry.ID); err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// GetLogEntry retrieves a log entry by ID.
func (c *Client) GetLogEntry(ctx context.Context, id int64) (*models.LogEntry, error) {
	e, err := scanEntry(c.pool.QueryRow(ctx, `SELECT `+logColumns+` FROM log_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("log entry %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get log entry: %w", err)
	}
	return &e, nil
}

// GetLogEntries retrieves the existing entries among ids.
func (c *Client) GetLogEntries(ctx context.Context, ids []int64) ([]models.LogEntry, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+logColumns+` FROM log_entries WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get log entries: %w", err)
	}
	return collect(rows, scanEntry)
}

// ListLogEntriesSince returns every entry at or after since, oldest first.
func (c *Client) ListLogEntriesSince(ctx context.Context, since time.Time) ([]models.LogEntry, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+logColumns+` FROM log_entries WHERE timestamp >= $1 ORDER BY timestamp, id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	return collect(rows, scanEntry)
}

// ListLogEntries returns filtered entries, newest first.
func (c *Client) ListLogEntries(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Severity != "" {
		where = append(where, "severity = "+arg(filter.Severity))
	}
	if filter.Query != "" {
		p := arg("%" + filter.Query + "%")
		where = append(where, fmt.Sprintf("(message ILIKE %s OR severity ILIKE %s)", p, p))
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= "+arg(filter.Since))
	}

	query := `SELECT ` + logColumns + ` FROM log_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT %s OFFSET %s", arg(storage.Limit(filter.Limit)), arg(filter.Offset))

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	return collect(rows, scanEntry)
}

// CountLogEntries counts entries at or after since.
func (c *Client) CountLogEntries(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM log_entries WHERE ($1::timestamptz IS NULL OR timestamp >= $1)`, nullTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count log entries: %w", err)
	}
	return n, nil
}

// SeverityDistribution counts entries per severity at or after since.
func (c *Client) SeverityDistribution(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT severity, COUNT(*) FROM log_entries
		WHERE ($1::timestamptz IS NULL OR timestamp >= $1)
		GROUP BY severity`, nullTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to compute severity distribution: %w", err)
	}
	defer rows.Close()

	dist := make(map[string]int)
	for rows.Next() {
		var (
			severity string
			count    int
		)
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		dist[severity] = count
	}
	return dist, rows.Err()
}

// DeleteLogEntry removes an entry and its reports in one transaction.
func (c *Client) DeleteLogEntry(ctx context.Context, id int64) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM anomaly_reports WHERE log_entry_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete anomaly reports: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM log_entries WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete log entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound(fmt.Sprintf("log entry %d", id))
		}
		return nil
	})
}

// CreateAnomalyReport stores a new anomaly report.
func (c *Client) CreateAnomalyReport(ctx context.Context, report *models.AnomalyReport) error {
	query := `
		INSERT INTO anomaly_reports (log_entry_id, anomaly_score, summary)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := c.pool.QueryRow(ctx, query, report.LogEntryID, report.AnomalyScore, report.Summary).Scan(&report.ID); err != nil {
		return fmt.Errorf("failed to insert anomaly report: %w", err)
	}
	return nil
}

// GetAnomalyReport retrieves a report with its log entry.
func (c *Client) GetAnomalyReport(ctx context.Context, id int64) (*models.AnomalyReport, error) {
	r, err := scanReport(c.pool.QueryRow(ctx, reportSelect+` WHERE r.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("anomaly report %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly report: %w", err)
	}
	return &r, nil
}

// ListAnomalyReports returns reports newest entry first.
func (c *Client) ListAnomalyReports(ctx context.Context, filter models.AnomalyFilter) ([]models.AnomalyReport, error) {
	rows, err := c.pool.Query(ctx, reportSelect+`
		WHERE ($1::timestamptz IS NULL OR l.timestamp >= $1)
		ORDER BY l.timestamp DESC, r.id DESC
		LIMIT $2 OFFSET $3`,
		nullTime(filter.Since), storage.Limit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomaly reports: %w", err)
	}
	return collect(rows, scanReport)
}

// CountAnomalyReports counts reports whose entry is at or after since.
func (c *Client) CountAnomalyReports(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM anomaly_reports r
		JOIN log_entries l ON l.id = r.log_entry_id
		WHERE ($1::timestamptz IS NULL OR l.timestamp >= $1)`, nullTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count anomaly reports: %w", err)
	}
	return n, nil
}

// CountAnomaliesByEntry returns report counts for the given entries.
func (c *Client) CountAnomaliesByEntry(ctx context.Context, ids []int64) (map[int64]int, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT log_entry_id, COUNT(*) FROM anomaly_reports
		WHERE log_entry_id = ANY($1)
		GROUP BY log_entry_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int, len(ids))
	for rows.Next() {
		var (
			id    int64
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly count: %w", err)
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// ListAnomalyTimestamps returns parent timestamps of reports in [from, to].
func (c *Client) ListAnomalyTimestamps(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT l.timestamp FROM anomaly_reports r
		JOIN log_entries l ON l.id = r.log_entry_id
		WHERE l.timestamp BETWEEN $1 AND $2
		ORDER BY l.timestamp`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomaly timestamps: %w", err)
	}
	return collect(rows, func(row pgx.Row) (time.Time, error) {
		var ts time.Time
		err := row.Scan(&ts)
		return ts.UTC(), err
	})
}

// DeleteAnomalyReportsBefore deletes reports whose entry is older than cutoff.
func (c *Client) DeleteAnomalyReportsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx, `
		DELETE FROM anomaly_reports r
		USING log_entries l
		WHERE l.id = r.log_entry_id AND l.timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete anomaly reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close closes the connection pool.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
