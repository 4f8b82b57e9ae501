// Package clickhouse archives log entries and anomaly reports for long-range analytics.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/models"
)

// Config holds ClickHouse connection configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     9000,
		Database: "sentinel",
		Username: "default",
		Password: "",
	}
}

// Client wraps ClickHouse connection.
type Client struct {
	conn   driver.Conn
	config Config
	logger *zap.Logger
}

// NewClient creates a new ClickHouse client.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Debug:           config.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Client{
		conn:   conn,
		config: config,
		logger: logger,
	}, nil
}

// InitSchema creates the archive tables and the hourly rollup.
func (c *Client) InitSchema(ctx context.Context) error {
	logsTable := `
		CREATE TABLE IF NOT EXISTS log_archive (
			log_entry_id Int64,
			timestamp DateTime64(3),
			severity LowCardinality(String),
			message String,
			archived_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (severity, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 365 DAY
	`
	if err := c.conn.Exec(ctx, logsTable); err != nil {
		return fmt.Errorf("failed to create log_archive table: %w", err)
	}

	anomaliesTable := `
		CREATE TABLE IF NOT EXISTS anomaly_archive (
			report_id Int64,
			log_entry_id Int64,
			timestamp DateTime64(3),
			severity LowCardinality(String),
			anomaly_score Float64,
			summary String,
			source LowCardinality(String),
			archived_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (severity, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 365 DAY
	`
	if err := c.conn.Exec(ctx, anomaliesTable); err != nil {
		return fmt.Errorf("failed to create anomaly_archive table: %w", err)
	}

	hourlyView := `
		CREATE MATERIALIZED VIEW IF NOT EXISTS anomalies_by_hour_mv
		ENGINE = SummingMergeTree()
		ORDER BY (severity, hour)
		AS SELECT
			severity,
			toStartOfHour(timestamp) as hour,
			count() as anomaly_count
		FROM anomaly_archive
		GROUP BY severity, hour
	`
	if err := c.conn.Exec(ctx, hourlyView); err != nil {
		c.logger.Warn("Failed to create materialized view (may already exist)", zap.Error(err))
	}

	c.logger.Info("ClickHouse schema initialized")
	return nil
}

// ArchiveLogs appends log entries in one batch.
func (c *Client) ArchiveLogs(ctx context.Context, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO log_archive (log_entry_id, timestamp, severity, message)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(e.ID, e.Timestamp, e.Severity, e.Message); err != nil {
			return fmt.Errorf("failed to append log: %w", err)
		}
	}
	return batch.Send()
}

// ArchiveReport appends one anomaly report. source names the producer
// (task or stream).
func (c *Client) ArchiveReport(ctx context.Context, report models.AnomalyReport, entry models.LogEntry, source string) error {
	query := `
		INSERT INTO anomaly_archive (report_id, log_entry_id, timestamp, severity, anomaly_score, summary, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	return c.conn.Exec(ctx, query,
		report.ID,
		report.LogEntryID,
		entry.Timestamp,
		entry.Severity,
		report.AnomalyScore,
		report.Summary,
		source,
	)
}

// HourlyCount is one bucket of the anomaly trend.
type HourlyCount struct {
	Hour     time.Time `json:"hour"`
	Severity string    `json:"severity"`
	Count    uint64    `json:"count"`
}

// AnomalyTrend returns hourly anomaly counts per severity since the given time.
func (c *Client) AnomalyTrend(ctx context.Context, since time.Time) ([]HourlyCount, error) {
	query := `
		SELECT hour, severity, sum(anomaly_count)
		FROM anomalies_by_hour_mv
		WHERE hour >= ?
		GROUP BY hour, severity
		ORDER BY hour, severity
	`
	rows, err := c.conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	trend := []HourlyCount{}
	for rows.Next() {
		var h HourlyCount
		if err := rows.Scan(&h.Hour, &h.Severity, &h.Count); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		trend = append(trend, h)
	}
	return trend, rows.Err()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}
