// Package models provides shared data models with validation.
package models

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Well-known severity levels. The set is open: any short string is accepted.
const (
	SeverityDebug    = "DEBUG"
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"

	// MaxSeverityLength is the width of the severity column.
	MaxSeverityLength = 10
)

// Timestamps are stored as unix nanoseconds, which bounds the accepted range.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// LogEntry is an ingested application log line. It is never updated.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
}

// Validate validates the log entry.
func (l *LogEntry) Validate() error {
	if l.Severity == "" {
		return fmt.Errorf("severity is required")
	}
	if utf8.RuneCountInString(l.Severity) > MaxSeverityLength {
		return fmt.Errorf("severity must be at most %d characters", MaxSeverityLength)
	}
	if l.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if l.Timestamp.Before(MinTimestamp) || l.Timestamp.After(MaxTimestamp) {
		return fmt.Errorf("timestamp must be between %s and %s",
			MinTimestamp.Format(time.RFC3339), MaxTimestamp.Format(time.RFC3339))
	}
	return nil
}

// IsHighSeverity reports whether the entry warrants an immediate notification
// when it is classified as anomalous.
func (l *LogEntry) IsHighSeverity() bool {
	return l.Severity == SeverityError || l.Severity == SeverityCritical
}

// AnomalyReport is created for every positive classification of a LogEntry.
type AnomalyReport struct {
	ID           int64     `json:"id"`
	LogEntryID   int64     `json:"log_entry_id"`
	AnomalyScore float64   `json:"anomaly_score"`
	Summary      string    `json:"summary"`
	LogEntry     *LogEntry `json:"log_entry,omitempty"`
}

// Validate validates the anomaly report.
func (a *AnomalyReport) Validate() error {
	if a.LogEntryID <= 0 {
		return fmt.Errorf("log_entry_id is required")
	}
	if a.AnomalyScore < 0 || a.AnomalyScore > 1 {
		return fmt.Errorf("anomaly_score must be between 0 and 1")
	}
	return nil
}

// LogFilter selects log entries for listing and search.
type LogFilter struct {
	Severity string
	Query    string // case-insensitive match on message or severity
	Since    time.Time
	Limit    int
	Offset   int
}

// AnomalyFilter selects anomaly reports for listing.
type AnomalyFilter struct {
	Since  time.Time
	Limit  int
	Offset int
}

// SeverityCount is one bucket of a severity distribution.
type SeverityCount struct {
	Severity string `json:"severity"`
	Count    int    `json:"count"`
}

// Dashboard is the monitoring summary served to the UI.
type Dashboard struct {
	AnomaliesLast24h     int             `json:"anomalies_last_24h"`
	AnomaliesLast7d      int             `json:"anomalies_last_7d"`
	TotalLogs            int             `json:"total_logs"`
	SeverityDistribution map[string]int  `json:"severity_distribution_24h"`
	RecentAnomalies      []RecentAnomaly `json:"recent_anomalies"`
	LastUpdated          time.Time       `json:"last_updated"`
}

// RecentAnomaly is a dashboard row.
type RecentAnomaly struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	AnomalyScore float64   `json:"anomaly_score"`
	Summary      string    `json:"summary"`
}

// Truncate returns the first n runes of s followed by "..." when s is longer.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// Prefix returns at most the first n runes of s.
func Prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// NormalizeSeverity trims a severity, defaulting to INFO.
func NormalizeSeverity(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return SeverityInfo
	}
	return s
}

// IsValidEmail checks if an email is valid.
func IsValidEmail(email string) bool {
	pattern := `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`
	matched, _ := regexp.MatchString(pattern, email)
	return matched
}
