package clickhouse

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "sentinel", cfg.Database)
	assert.Equal(t, 9000, cfg.Port)
}

// TestArchive_Integration needs a reachable ClickHouse server.
func TestArchive_Integration(t *testing.T) {
	host := os.Getenv("SENTINEL_TEST_CLICKHOUSE_HOST")
	if host == "" {
		t.Skip("SENTINEL_TEST_CLICKHOUSE_HOST not set")
	}

	cfg := DefaultConfig()
	cfg.Host = host
	if port, err := strconv.Atoi(os.Getenv("SENTINEL_TEST_CLICKHOUSE_PORT")); err == nil {
		cfg.Port = port
	}

	client, err := NewClient(cfg, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.InitSchema(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := models.LogEntry{ID: 1, Timestamp: now, Severity: "ERROR", Message: "Database connection failed"}
	require.NoError(t, client.ArchiveLogs(ctx, []models.LogEntry{entry}))

	report := models.AnomalyReport{ID: 1, LogEntryID: 1, AnomalyScore: 1, Summary: "Anomaly detected in log message: Database connection failed..."}
	require.NoError(t, client.ArchiveReport(ctx, report, entry, "task"))

	trend, err := client.AnomalyTrend(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, trend)
}
