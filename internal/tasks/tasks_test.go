package tasks_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/analysis"
	"github.com/log-zero/sentinel/internal/auth"
	"github.com/log-zero/sentinel/internal/classifier"
	"github.com/log-zero/sentinel/internal/ingest"
	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/notify"
	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/redact"
	"github.com/log-zero/sentinel/internal/storage/sqlite"
	"github.com/log-zero/sentinel/internal/tasks"
	"github.com/log-zero/sentinel/pkg/errors"
)

const testSecret = "s3cret"

// spySubmitter records task names before handing them to the queue.
type spySubmitter struct {
	next  queue.Submitter
	names []string
}

func (s *spySubmitter) Submit(ctx context.Context, name string, args any) (string, error) {
	s.names = append(s.names, name)
	return s.next.Submit(ctx, name, args)
}

func (s *spySubmitter) count(name string) int {
	n := 0
	for _, got := range s.names {
		if got == name {
			n++
		}
	}
	return n
}

type fixture struct {
	svc      *tasks.Service
	queue    *queue.Queue
	store    *sqlite.Store
	notifier *notify.Recorder
	spy      *spySubmitter
}

func newFixture(t *testing.T, clf classifier.Classifier) *fixture {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if clf == nil {
		clf = classifier.NewKeyword(nil)
	}

	q := queue.New(queue.NewMemoryBroker(), queue.Config{Eager: true, ResultTTL: time.Hour}, zap.NewNop())
	spy := &spySubmitter{next: q}
	rec := &notify.Recorder{}

	svc := tasks.NewService(tasks.Deps{
		Store:      store,
		Classifier: clf,
		Submitter:  spy,
		Ingester:   ingest.NewService(store, spy, ingest.Config{HMACSecret: testSecret}, zap.NewNop()),
		Notifier:   rec,
		Redactor:   redact.New(redact.DefaultConfig()),
	}, tasks.Config{Recipients: []string{"ops@example.com"}}, zap.NewNop())
	svc.Register(q)

	return &fixture{svc: svc, queue: q, store: store, notifier: rec, spy: spy}
}

func (f *fixture) addEntry(t *testing.T, ts time.Time, severity, message string) *models.LogEntry {
	t.Helper()
	e := &models.LogEntry{Timestamp: ts, Severity: severity, Message: message}
	require.NoError(t, f.store.CreateLogEntry(context.Background(), e))
	return e
}

func (f *fixture) reports(t *testing.T) []models.AnomalyReport {
	t.Helper()
	reports, err := f.store.ListAnomalyReports(context.Background(), models.AnomalyFilter{})
	require.NoError(t, err)
	return reports
}

func (f *fixture) status(t *testing.T, taskID string) *queue.TaskHandle {
	t.Helper()
	h, err := f.queue.Status(context.Background(), taskID)
	require.NoError(t, err)
	return h
}

func TestAnalyzeLog_EagerDatabaseFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry := f.addEntry(t, time.Now().UTC(), "ERROR", "Database connection failed")

	taskID, err := f.queue.Submit(ctx, tasks.TaskAnalyzeLog, tasks.AnalyzeArgs{Message: entry.Message, LogEntryID: &entry.ID})
	require.NoError(t, err)

	h := f.status(t, taskID)
	require.Equal(t, queue.StatusSuccess, h.Status)

	var result tasks.AnalyzeResult
	require.NoError(t, json.Unmarshal(h.Result, &result))
	assert.True(t, result.IsAnomaly)
	assert.Equal(t, 1.0, result.AnomalyScore)
	require.NotNil(t, result.LogEntryID)
	assert.Equal(t, entry.ID, *result.LogEntryID)

	reports := f.reports(t)
	require.Len(t, reports, 1)
	assert.Equal(t, 1.0, reports[0].AnomalyScore)
	assert.Equal(t, "Anomaly detected in log message: Database connection failed...", reports[0].Summary)

	stored, err := f.store.GetLogEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry, stored)
}

func TestAnalyzeLog_TwiceCreatesTwoReports(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry := f.addEntry(t, time.Now().UTC(), "ERROR", "Connection refused by upstream")

	for i := 0; i < 2; i++ {
		_, err := f.svc.AnalyzeLog(ctx, tasks.AnalyzeArgs{Message: entry.Message, LogEntryID: &entry.ID})
		require.NoError(t, err)
	}
	assert.Len(t, f.reports(t), 2)
}

func TestAnalyzeLog_SummaryTruncated(t *testing.T) {
	f := newFixture(t, nil)
	msg := "fatal " + strings.Repeat("x", 200)
	entry := f.addEntry(t, time.Now().UTC(), "ERROR", msg)

	_, err := f.svc.AnalyzeLog(context.Background(), tasks.AnalyzeArgs{Message: msg, LogEntryID: &entry.ID})
	require.NoError(t, err)

	reports := f.reports(t)
	require.Len(t, reports, 1)
	assert.Equal(t, "Anomaly detected in log message: "+msg[:100]+"...", reports[0].Summary)
}

func TestAnalyzeLog_NormalMessage(t *testing.T) {
	f := newFixture(t, nil)
	entry := f.addEntry(t, time.Now().UTC(), "INFO", "User logged in")

	result, err := f.svc.AnalyzeLog(context.Background(), tasks.AnalyzeArgs{Message: entry.Message, LogEntryID: &entry.ID})
	require.NoError(t, err)
	assert.False(t, result.IsAnomaly)
	assert.Equal(t, 0.0, result.AnomalyScore)
	assert.Empty(t, f.reports(t))
}

func TestAnalyzeLog_MissingEntryIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	missing := int64(424242)

	result, err := f.svc.AnalyzeLog(context.Background(), tasks.AnalyzeArgs{Message: "kernel panic", LogEntryID: &missing})
	require.NoError(t, err)
	assert.True(t, result.IsAnomaly)
	assert.Empty(t, f.reports(t))
}

func TestAnalyzeLog_ClassifierFailureExhaustsRetries(t *testing.T) {
	f := newFixture(t, classifier.Func(func(context.Context, string) (classifier.Label, error) {
		return classifier.Normal, io.ErrUnexpectedEOF
	}))

	taskID, err := f.queue.Submit(context.Background(), tasks.TaskAnalyzeLog, tasks.AnalyzeArgs{Message: "x"})
	require.NoError(t, err)

	h := f.status(t, taskID)
	assert.Equal(t, queue.StatusFailure, h.Status)
	assert.Equal(t, 3, h.Retries)
	assert.Contains(t, h.Error, "classification failed")
}

func TestProcessLogEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := json.RawMessage(`{"message":"Disk quota exceeded","severity":"WARNING"}`)

	t.Run("signed", func(t *testing.T) {
		result, err := f.svc.ProcessLogEntry(ctx, tasks.ProcessEntryArgs{
			LogData:   data,
			Signature: auth.Sign([]byte(testSecret), data),
		})
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusSuccess, result.Status)
		assert.Positive(t, result.LogEntryID)
		assert.NotEmpty(t, result.AnalysisTaskID)
		assert.NotNil(t, result.ProcessedAt)
	})

	t.Run("bad signature writes nothing", func(t *testing.T) {
		before, err := f.store.CountLogEntries(ctx, time.Time{})
		require.NoError(t, err)

		result, err := f.svc.ProcessLogEntry(ctx, tasks.ProcessEntryArgs{LogData: data, Signature: "bm9wZQ=="})
		require.NoError(t, err)
		assert.Equal(t, tasks.StatusError, result.Status)
		assert.Equal(t, "Invalid HMAC signature", result.Message)

		after, err := f.store.CountLogEntries(ctx, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("invalid payload fails permanently", func(t *testing.T) {
		taskID, err := f.queue.Submit(ctx, tasks.TaskProcessLogEntry, tasks.ProcessEntryArgs{LogData: json.RawMessage(`{"severity":"INFO"}`)})
		require.NoError(t, err)
		h := f.status(t, taskID)
		assert.Equal(t, queue.StatusFailure, h.Status)
		assert.Equal(t, 0, h.Retries)
	})
}

func TestProcessLogBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	logs := []json.RawMessage{
		json.RawMessage(`{"message":"first","severity":"INFO"}`),
		json.RawMessage(`{"message":"second failed","severity":"ERROR"}`),
	}
	result, err := f.svc.ProcessLogBatch(ctx, tasks.BatchArgs{Logs: logs})
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusSuccess, result.Status)
	assert.Equal(t, 2, result.BatchSize)
	require.Len(t, result.Tasks, 2)
	for i, task := range result.Tasks {
		assert.JSONEq(t, string(logs[i]), string(task.LogData))
		h := f.status(t, task.TaskID)
		assert.Equal(t, queue.StatusSuccess, h.Status)
	}

	assert.Equal(t, 2, f.spy.count(tasks.TaskProcessLogEntry))
	assert.Equal(t, 2, f.spy.count(tasks.TaskAnalyzeLog))

	total, err := f.store.CountLogEntries(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, f.reports(t), 1)
}

func TestAnomalyStream_NotifiesOnlyCriticalPositive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	critical := f.addEntry(t, now, "CRITICAL", "Kernel panic on node-7")
	normal := f.addEntry(t, now, "INFO", "Health check ok")
	warning := f.addEntry(t, now, "WARNING", "Retrying after timeout")

	result, err := f.svc.AnomalyStream(ctx, tasks.StreamArgs{LogEntryIDs: []int64{critical.ID, normal.ID, warning.ID}})
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusCompleted, result.Status)
	assert.Equal(t, 3, result.ProcessedCount)
	assert.Equal(t, 2, result.AnomaliesDetected)
	assert.Equal(t, 0, result.FailedCount)
	assert.Len(t, result.Results, 3)

	assert.Equal(t, 1, f.spy.count(tasks.TaskSendNotification))
	sent := f.notifier.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "🚨 CRITICAL Anomaly Detected - CRITICAL", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "Message: Kernel panic on node-7")
	assert.Contains(t, sent[0].Body, "Anomaly Score: 1.0")
	assert.Equal(t, []string{"ops@example.com"}, sent[0].Recipients)

	reports := f.reports(t)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.True(t, strings.HasPrefix(r.Summary, "Real-time anomaly detected: "))
	}
}

func TestAnomalyStream_IsolatesEntryFailures(t *testing.T) {
	f := newFixture(t, classifier.Func(func(_ context.Context, text string) (classifier.Label, error) {
		if strings.Contains(text, "boom") {
			return classifier.Normal, io.ErrClosedPipe
		}
		return classifier.Anomalous, nil
	}))
	now := time.Now().UTC()
	bad := f.addEntry(t, now, "INFO", "boom")
	good := f.addEntry(t, now, "WARNING", "odd")

	result, err := f.svc.AnomalyStream(context.Background(), tasks.StreamArgs{LogEntryIDs: []int64{bad.ID, good.ID, 9999}})
	require.NoError(t, err)

	assert.Equal(t, 3, result.ProcessedCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.Equal(t, 1, result.AnomaliesDetected)
	require.Len(t, result.Results, 2)
	assert.Equal(t, bad.ID, result.Results[0].LogEntryID)
	assert.NotEmpty(t, result.Results[0].Error)
	assert.Nil(t, result.Results[0].IsAnomaly)
	assert.Empty(t, f.spy.names)
}

func TestDetectPatterns_EmptyWindow(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.svc.DetectPatterns(context.Background(), tasks.PatternArgs{TimeWindowHours: 24})
	require.NoError(t, err)

	assert.Equal(t, "24 hours", result.AnalysisWindow)
	assert.Equal(t, 0, result.TotalLogs)
	assert.Empty(t, result.SeverityDistribution)
	assert.Empty(t, result.AnomalyClusters)
	assert.Empty(t, result.UnusualPatterns)
	assert.Empty(t, result.AlertTaskID)
	assert.Zero(t, f.spy.count(tasks.TaskSendPatternAlert))

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity_distribution":{}`)
	assert.Contains(t, string(data), `"anomaly_clusters":[]`)
	assert.Contains(t, string(data), `"unusual_patterns":[]`)
}

func TestDetectPatterns_ErrorSpike(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()
	for i := 0; i < 12; i++ {
		f.addEntry(t, now.Add(-time.Duration(i)*time.Hour), "ERROR", "upstream returned 502")
	}

	result, err := f.svc.DetectPatterns(context.Background(), tasks.PatternArgs{})
	require.NoError(t, err)

	assert.Equal(t, "24 hours", result.AnalysisWindow)
	assert.Equal(t, 12, result.TotalLogs)
	assert.Equal(t, map[string]int{"ERROR": 12}, result.SeverityDistribution)

	var spike *analysis.Pattern
	for i := range result.UnusualPatterns {
		if result.UnusualPatterns[i].Type == analysis.PatternErrorSpike {
			spike = &result.UnusualPatterns[i]
		}
	}
	require.NotNil(t, spike)
	assert.Equal(t, 12, spike.Count)

	assert.NotEmpty(t, result.AlertTaskID)
	assert.Equal(t, 1, f.spy.count(tasks.TaskSendPatternAlert))
	h := f.status(t, result.AlertTaskID)
	assert.Equal(t, queue.StatusSuccess, h.Status)

	sent := f.notifier.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "🚨 Anomaly Pattern Alert - System Monitoring", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "Unusual spike in ERROR logs: 12 errors in 24h")
}

func TestDetectPatterns_Cluster(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		e := f.addEntry(t, base.Add(time.Duration(i)*time.Minute), "ERROR", "write failed")
		require.NoError(t, f.store.CreateAnomalyReport(ctx, &models.AnomalyReport{LogEntryID: e.ID, AnomalyScore: 1, Summary: "s"}))
	}
	for i := 0; i < 5; i++ {
		f.addEntry(t, base.Add(-3*time.Hour), "INFO", "heartbeat")
	}

	result, err := f.svc.DetectPatterns(ctx, tasks.PatternArgs{TimeWindowHours: 24})
	require.NoError(t, err)

	require.Len(t, result.AnomalyClusters, 1)
	assert.Equal(t, 3, result.AnomalyClusters[0].ClusterSize)
	assert.Equal(t, "ERROR", result.AnomalyClusters[0].Severity)
	assert.Empty(t, result.UnusualPatterns)
	assert.NotEmpty(t, result.AlertTaskID)
}

func TestDetectPatterns_RejectsNegativeWindow(t *testing.T) {
	f := newFixture(t, nil)

	taskID, err := f.queue.Submit(context.Background(), tasks.TaskDetectPatterns, tasks.PatternArgs{TimeWindowHours: -1})
	require.NoError(t, err)
	h := f.status(t, taskID)
	assert.Equal(t, queue.StatusFailure, h.Status)
	assert.Equal(t, 0, h.Retries)
}

func TestDetectPatterns_RejectsOversizedWindow(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.DetectPatterns(context.Background(), tasks.PatternArgs{TimeWindowHours: tasks.MaxWindowHours + 1})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))

	_, err = f.svc.DetectPatterns(context.Background(), tasks.PatternArgs{TimeWindowHours: tasks.MaxWindowHours})
	assert.NoError(t, err)
}

func TestSendPatternAlert_Body(t *testing.T) {
	f := newFixture(t, nil)
	analyzed := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	result, err := f.svc.SendPatternAlert(context.Background(), tasks.PatternResult{
		AnalysisWindow:       "24 hours",
		TotalLogs:            14,
		SeverityDistribution: map[string]int{"INFO": 2, "ERROR": 12},
		AnomalyClusters: []analysis.Cluster{
			{Timestamp: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC), ClusterSize: 3, Severity: "ERROR"},
		},
		UnusualPatterns: []analysis.Pattern{
			{Type: analysis.PatternErrorSpike, Count: 12, Description: "Unusual spike in ERROR logs: 12 errors in 24h"},
		},
		AnalyzedAt: analyzed,
	})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusAlertSent, result.Status)
	require.NotNil(t, result.ClustersCount)
	assert.Equal(t, 1, *result.ClustersCount)
	assert.Equal(t, 1, *result.PatternsCount)

	want := "Anomaly pattern analysis completed at 2026-10-19T10:00:00Z\n" +
		"Analysis window: 24 hours\n" +
		"Total logs analyzed: 14\n" +
		"\n" +
		"SEVERITY DISTRIBUTION:\n" +
		"  ERROR: 12\n" +
		"  INFO: 2\n" +
		"\n" +
		"🔴 ANOMALY CLUSTERS DETECTED:\n" +
		"  - 3 anomalies at 2026-10-19T09:00:00Z (Severity: ERROR)\n" +
		"\n" +
		"⚠️ UNUSUAL PATTERNS DETECTED:\n" +
		"  - Unusual spike in ERROR logs: 12 errors in 24h\n" +
		"\n" +
		"Please investigate these patterns immediately.\n" +
		"\n" +
		"This is an automated alert from the Anomaly Detection System."

	sent := f.notifier.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, want, sent[0].Body)
}

func TestSendPatternAlert_NothingToReport(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.svc.SendPatternAlert(context.Background(), tasks.PatternResult{})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusNoAlertsNeeded, result.Status)
	assert.Empty(t, f.notifier.Messages())

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"no_alerts_needed"}`, string(data))
}

func TestSendNotification(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.svc.SendNotification(context.Background(), tasks.NotificationArgs{
		Subject:       "Disk",
		Message:       "Page bob@example.com about /dev/sda",
		RecipientList: []string{"ops@example.com", "sre@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSuccess, result.Status)
	assert.Equal(t, 2, result.RecipientsCount)

	sent := f.notifier.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Page [EMAIL_REDACTED] about /dev/sda", sent[0].Body)
}

func TestSendNotification_TransportFailureRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.Err = io.ErrClosedPipe

	taskID, err := f.queue.Submit(context.Background(), tasks.TaskSendNotification, tasks.NotificationArgs{
		Subject:       "s",
		Message:       "m",
		RecipientList: []string{"ops@example.com"},
	})
	require.NoError(t, err)

	h := f.status(t, taskID)
	assert.Equal(t, queue.StatusFailure, h.Status)
	assert.Equal(t, 3, h.Retries)
}

func TestCleanupOldResults_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	old := f.addEntry(t, now.Add(-40*24*time.Hour), "ERROR", "old failure")
	recent := f.addEntry(t, now.Add(-time.Hour), "ERROR", "new failure")
	for _, e := range []*models.LogEntry{old, recent} {
		require.NoError(t, f.store.CreateAnomalyReport(ctx, &models.AnomalyReport{LogEntryID: e.ID, AnomalyScore: 1, Summary: "s"}))
	}

	first, err := f.svc.CleanupOldResults(ctx, tasks.CleanupArgs{})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSuccess, first.Status)
	assert.Equal(t, int64(1), first.DeletedReports)

	second, err := f.svc.CleanupOldResults(ctx, tasks.CleanupArgs{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.DeletedReports)

	_, err = f.store.GetLogEntry(ctx, old.ID)
	assert.NoError(t, err)
	assert.Len(t, f.reports(t), 1)
}
