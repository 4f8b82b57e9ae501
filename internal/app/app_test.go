package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/config"
	"github.com/log-zero/sentinel/internal/models"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNew_EagerSQLite(t *testing.T) {
	cfg := loadConfig(t, `
database:
  driver: sqlite
  path: ":memory:"
queue:
  eager: true
`)
	ctx := context.Background()

	a, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.SharedBroker())
	require.NoError(t, a.Health(ctx))

	srv, err := a.Server()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/logs",
		strings.NewReader(`{"severity":"CRITICAL","message":"kernel panic"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	reports, err := a.Store.ListAnomalyReports(ctx, models.AnomalyFilter{})
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	assert.NotNil(t, a.Runner())
	assert.NotNil(t, a.Scheduler())
}

func TestNew_UnknownAlertChannel(t *testing.T) {
	cfg := loadConfig(t, `
database:
  driver: sqlite
  path: ":memory:"
alerts:
  channels: [pager]
`)

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, `unknown alert channel "pager"`)
}

func TestNew_RedisChannelRequiresRedis(t *testing.T) {
	cfg := loadConfig(t, `
database:
  driver: sqlite
  path: ":memory:"
alerts:
  channels: [redis]
`)

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
