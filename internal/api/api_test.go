package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/log-zero/sentinel/internal/auth"
	"github.com/log-zero/sentinel/internal/classifier"
	"github.com/log-zero/sentinel/internal/ingest"
	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/notify"
	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/redact"
	"github.com/log-zero/sentinel/internal/storage/sqlite"
	"github.com/log-zero/sentinel/internal/tasks"
)

const (
	testSecret   = "s3cret"
	testPassword = "hunter2"
)

type fakeAlerts struct{}

func (fakeAlerts) SubscribeAlerts(ctx context.Context) (<-chan *redis.Message, func() error, error) {
	ch := make(chan *redis.Message)
	return ch, func() error { return nil }, nil
}

type testServer struct {
	server *Server
	store  *sqlite.Store
	queue  *queue.Queue
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(queue.NewMemoryBroker(), queue.Config{Eager: true, ResultTTL: time.Hour}, zap.NewNop())
	ing := ingest.NewService(store, q, ingest.Config{HMACSecret: testSecret}, zap.NewNop())
	svc := tasks.NewService(tasks.Deps{
		Store:      store,
		Classifier: classifier.NewKeyword(nil),
		Submitter:  q,
		Ingester:   ing,
		Notifier:   &notify.Recorder{},
		Redactor:   redact.New(redact.DefaultConfig()),
	}, tasks.Config{Recipients: []string{"ops@example.com"}}, zap.NewNop())
	svc.Register(q)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	config := DefaultConfig()
	config.RequestLogging = false
	config.AdminPasswordHash = string(hash)
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(Deps{
		Store:    store,
		Ingester: ing,
		Queue:    q,
		Alerts:   fakeAlerts{},
		Health:   store.Ping,
	}, config, zap.NewNop())
	require.NoError(t, err)

	return &testServer{server: srv, store: store, queue: q}
}

func (ts *testServer) do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := ts.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (ts *testServer) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	code, body := ts.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return code, out
}

func (ts *testServer) post(t *testing.T, path, body string, headers ...string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	code, raw := ts.do(t, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return code, out
}

func (ts *testServer) addEntry(t *testing.T, severity, message string) *models.LogEntry {
	t.Helper()
	e := &models.LogEntry{Timestamp: time.Now().UTC(), Severity: severity, Message: message}
	require.NoError(t, ts.store.CreateLogEntry(context.Background(), e))
	return e
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "sentinel", body["service"])
}

func TestIndex(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.get(t, "/api/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "All systems operational", body["status"])
}

func TestCreateLog(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.post(t, "/api/logs", `{"severity":"ERROR","message":"Database connection failed"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "processing", body["status"])
	assert.NotEmpty(t, body["analysis_task_id"])

	entry := body["log_entry"].(map[string]any)
	assert.Equal(t, "ERROR", entry["severity"])

	// The eager queue has already classified the entry.
	code, raw := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/anomalies", nil))
	require.Equal(t, http.StatusOK, code)
	var reports []models.AnomalyReport
	require.NoError(t, json.Unmarshal(raw, &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, 1.0, reports[0].AnomalyScore)
}

func TestCreateLog_Signature(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := `{"message":"user logged in"}`

	code, body := ts.post(t, "/api/logs", payload, auth.HeaderSignature, "bogus")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Invalid HMAC signature", body["error"])

	n, err := ts.store.CountLogEntries(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	sig := auth.Sign([]byte(testSecret), []byte(payload))
	code, _ = ts.post(t, "/api/logs", payload, auth.HeaderSignature, sig)
	assert.Equal(t, http.StatusCreated, code)
}

func TestCreateLog_InvalidPayload(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.post(t, "/api/logs", `{"severity":"INFO"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "message is required", body["error"])

	code, _ = ts.post(t, "/api/logs", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	for _, bad := range []string{
		`{"message":"x","timestamp":"2300-01-01T00:00:00Z"}`,
		`{"message":"x","timestamp":"1600-01-01T00:00:00Z"}`,
		`{"message":"x","timestamp":1e13}`,
	} {
		code, _ = ts.post(t, "/api/logs", bad)
		assert.Equal(t, http.StatusBadRequest, code, bad)
	}
	code, _ = ts.get(t, "/api/logs")
	assert.Equal(t, http.StatusOK, code)
}

func TestGetLog(t *testing.T) {
	ts := newTestServer(t, nil)
	e := ts.addEntry(t, "INFO", "service started")

	code, body := ts.get(t, "/api/logs/"+itoa(e.ID))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "service started", body["message"])

	code, _ = ts.get(t, "/api/logs/999")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.get(t, "/api/logs/abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListLogs_Filters(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.addEntry(t, "INFO", "service started")
	ts.addEntry(t, "ERROR", "disk full")
	ts.addEntry(t, "ERROR", "Disk quota exceeded")

	list := func(path string) []models.LogEntry {
		code, raw := ts.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, code, string(raw))
		var out []models.LogEntry
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	}

	assert.Len(t, list("/api/logs"), 3)
	assert.Len(t, list("/api/logs?severity=ERROR"), 2)
	assert.Len(t, list("/api/logs?search=disk"), 2)
	assert.Len(t, list("/api/logs?limit=1"), 1)

	code, _ := ts.get(t, "/api/logs?limit=-1")
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Len(t, list(fmt.Sprintf("/api/logs?hours=%d", tasks.MaxWindowHours)), 3)
	code, _ = ts.get(t, "/api/logs?hours=3000000")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBatchAnalysis(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.post(t, "/api/batch-analysis", `{"log_entries":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "No log entries provided", body["error"])

	code, body = ts.post(t, "/api/batch-analysis",
		`{"log_entries":[{"message":"a"},{"message":"b"}]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Batch analysis started for 2 entries", body["message"])
	assert.EqualValues(t, 2, body["batch_size"])

	code, status := ts.get(t, "/api/task-status/"+body["task_id"].(string))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SUCCESS", status["status"])
	assert.Equal(t, true, status["ready"])
	assert.Equal(t, true, status["successful"])
	assert.NotNil(t, status["result"])
}

func TestPatternAnalysis(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.post(t, "/api/pattern-analysis", `{}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 24, body["time_window_hours"])
	assert.Equal(t, "Pattern analysis started for 24 hour window", body["message"])

	code, body = ts.post(t, "/api/pattern-analysis", `{"time_window_hours":6}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 6, body["time_window_hours"])

	code, body = ts.post(t, "/api/pattern-analysis", fmt.Sprintf(`{"time_window_hours":%d}`, tasks.MaxWindowHours))
	require.Equal(t, http.StatusOK, code)

	for _, bad := range []string{
		`{"time_window_hours":0}`, `{"time_window_hours":-3}`, `{"time_window_hours":"x"}`, `{"time_window_hours":1.5}`,
		`{"time_window_hours":876001}`, `{"time_window_hours":3000000}`,
	} {
		code, body = ts.post(t, "/api/pattern-analysis", bad)
		assert.Equal(t, http.StatusBadRequest, code, bad)
		assert.Equal(t, tasks.WindowMessage, body["error"], bad)
	}
}

func TestRealTimeAnalysis(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.addEntry(t, "INFO", "ok")
	b := ts.addEntry(t, "ERROR", "payment failed")

	code, body := ts.post(t, "/api/real-time-analysis", `{"log_entry_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "log_entry_ids must be a non-empty list", body["error"])

	code, body = ts.post(t, "/api/real-time-analysis", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "log_entry_ids must be a non-empty list", body["error"])

	code, body = ts.post(t, "/api/real-time-analysis", `{"log_entry_ids":[1,"abc"]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "All log_entry_ids must be valid integers", body["error"])

	code, body = ts.post(t, "/api/real-time-analysis",
		`{"log_entry_ids":[`+itoa(a.ID)+`,"`+itoa(b.ID)+`"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["log_entries_count"])
	assert.Equal(t, "Real-time stream analysis started for 2 entries", body["message"])
}

func TestTaskStatus_Unknown(t *testing.T) {
	ts := newTestServer(t, nil)

	code, body := ts.get(t, "/api/task-status/does-not-exist")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, false, body["ready"])
	assert.Nil(t, body["successful"])
	assert.Nil(t, body["failed"])
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.addEntry(t, "INFO", "ok")
	e := ts.addEntry(t, "ERROR", strings.Repeat("x", 150))
	require.NoError(t, ts.store.CreateAnomalyReport(context.Background(), &models.AnomalyReport{
		LogEntryID: e.ID, AnomalyScore: 1, Summary: "Anomaly detected",
	}))

	code, body := ts.get(t, "/api/dashboard")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["anomalies_last_24h"])
	assert.EqualValues(t, 1, body["anomalies_last_7d"])
	assert.EqualValues(t, 2, body["total_logs"])
	assert.Equal(t, map[string]any{"INFO": 1.0, "ERROR": 1.0}, body["severity_distribution_24h"])

	recent := body["recent_anomalies"].([]any)
	require.Len(t, recent, 1)
	row := recent[0].(map[string]any)
	assert.Equal(t, strings.Repeat("x", 100)+"...", row["message"])
	assert.Equal(t, "ERROR", row["severity"])
}

func TestAnomalyTrend_Unavailable(t *testing.T) {
	ts := newTestServer(t, nil)

	code, _ := ts.get(t, "/api/anomaly-trend")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestGraphQL(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.addEntry(t, "WARNING", "cache miss ratio high")

	gql := func(query string) map[string]any {
		payload, err := json.Marshal(map[string]any{"query": query})
		require.NoError(t, err)
		code, body := ts.post(t, "/graphql", string(payload))
		require.Equal(t, http.StatusOK, code)
		require.Nil(t, body["errors"], body)
		return body["data"].(map[string]any)
	}

	data := gql(`{ allLogs { id severity message } }`)
	logs := data["allLogs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "WARNING", logs[0].(map[string]any)["severity"])

	data = gql(`{ searchLogs(query: "CACHE") { message } }`)
	assert.Len(t, data["searchLogs"].([]any), 1)

	data = gql(`mutation { createLogEntry(severity: "ERROR", message: "request timeout") { success taskId logEntry { id severity } } }`)
	created := data["createLogEntry"].(map[string]any)
	assert.Equal(t, true, created["success"])
	assert.NotEmpty(t, created["taskId"])

	data = gql(`{ dashboardStats { totalLogs anomaliesLast24h severityDistribution { severity count } } }`)
	stats := data["dashboardStats"].(map[string]any)
	assert.EqualValues(t, 2, stats["totalLogs"])
	assert.EqualValues(t, 1, stats["anomaliesLast24h"])

	data = gql(`mutation { triggerPatternAnalysis(timeWindowHours: 0) { success message } }`)
	trigger := data["triggerPatternAnalysis"].(map[string]any)
	assert.Equal(t, false, trigger["success"])

	data = gql(`mutation { triggerPatternAnalysis(timeWindowHours: 3000000) { success message } }`)
	trigger = data["triggerPatternAnalysis"].(map[string]any)
	assert.Equal(t, false, trigger["success"])
	assert.Equal(t, tasks.WindowMessage, trigger["message"])

	data = gql(`{ recentLogs(hours: 3000000) { id } }`)
	assert.Len(t, data["recentLogs"].([]any), 2)

	data = gql(`{ taskStatus(taskId: "nope") { status ready successful } }`)
	status := data["taskStatus"].(map[string]any)
	assert.Equal(t, "PENDING", status["status"])
	assert.Nil(t, status["successful"])

	data = gql(`{ logById(id: "999") { id } }`)
	assert.Nil(t, data["logById"])
}

func TestAdmin(t *testing.T) {
	ts := newTestServer(t, nil)
	e := ts.addEntry(t, "ERROR", "disk failure")
	require.NoError(t, ts.store.CreateAnomalyReport(context.Background(), &models.AnomalyReport{
		LogEntryID: e.ID, AnomalyScore: 0.9, Summary: "Anomaly detected",
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/logs", nil)
	code, _ := ts.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)

	req = httptest.NewRequest(http.MethodGet, "/admin/logs", nil)
	req.SetBasicAuth("admin", "wrong")
	code, _ = ts.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)

	req = httptest.NewRequest(http.MethodGet, "/admin/logs", nil)
	req.SetBasicAuth("admin", testPassword)
	code, page := ts.do(t, req)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(page), "⚠️ 1 anomaly")
	assert.Contains(t, string(page), adminTitle)

	req = httptest.NewRequest(http.MethodGet, "/admin/anomalies", nil)
	req.SetBasicAuth("admin", testPassword)
	code, page = ts.do(t, req)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(page), "🚨 0.90")

	req = httptest.NewRequest(http.MethodPost, "/admin/logs/"+itoa(e.ID)+"/delete", bytes.NewReader(nil))
	req.SetBasicAuth("admin", testPassword)
	code, _ = ts.do(t, req)
	assert.Equal(t, http.StatusSeeOther, code)

	n, err := ts.store.CountAnomalyReports(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAdmin_DisabledWithoutHash(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.AdminPasswordHash = "" })

	code, _ := ts.do(t, httptest.NewRequest(http.MethodGet, "/admin/logs", nil))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAlertsSocket_RequiresUpgrade(t *testing.T) {
	ts := newTestServer(t, nil)

	code, _ := ts.do(t, httptest.NewRequest(http.MethodGet, "/ws/alerts", nil))
	assert.Equal(t, http.StatusUpgradeRequired, code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		code, _ := ts.get(t, "/api/")
		assert.Equal(t, http.StatusOK, code)
	}
	code, body := ts.get(t, "/api/")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.NotEmpty(t, body["error"])
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
