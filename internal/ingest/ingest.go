// Package ingest accepts raw log submissions, verifies their signature,
// persists them and schedules their classification.
package ingest

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/auth"
	"github.com/log-zero/sentinel/internal/metrics"
	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/tasks"
	"github.com/log-zero/sentinel/pkg/errors"
)

// StatusProcessing is reported for accepted entries whose analysis is queued.
const StatusProcessing = "processing"

// Store persists accepted entries.
type Store interface {
	CreateLogEntry(ctx context.Context, entry *models.LogEntry) error
}

// Archiver mirrors accepted entries to analytics storage.
type Archiver interface {
	ArchiveLogs(ctx context.Context, entries []models.LogEntry) error
}

// Config holds ingestion settings.
type Config struct {
	HMACSecret string
}

// Service is the ingestion handler shared by the HTTP API and the batch task.
type Service struct {
	store     Store
	submitter queue.Submitter
	archiver  Archiver
	secret    []byte
	logger    *zap.Logger
	now       func() time.Time
	parsers   fastjson.ParserPool
}

// NewService creates an ingestion Service.
func NewService(store Store, submitter queue.Submitter, config Config, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		submitter: submitter,
		secret:    []byte(config.HMACSecret),
		logger:    logger,
		now:       time.Now,
	}
}

// WithArchiver mirrors every accepted entry to a.
func (s *Service) WithArchiver(a Archiver) *Service {
	s.archiver = a
	return s
}

// Ingest verifies the optional signature over body, stores the entry and
// submits its classification. It returns the stored entry and the analysis
// task id. Nothing is written when verification or decoding fails.
func (s *Service) Ingest(ctx context.Context, body []byte, signature string) (*models.LogEntry, string, error) {
	if signature != "" && !auth.Verify(s.secret, body, signature) {
		metrics.LogsIngested.WithLabelValues("forbidden").Inc()
		return nil, "", errors.Forbidden("Invalid HMAC signature")
	}

	entry, err := s.parse(body)
	if err != nil {
		metrics.LogsIngested.WithLabelValues("invalid").Inc()
		return nil, "", err
	}

	if err := s.store.CreateLogEntry(ctx, entry); err != nil {
		metrics.LogsIngested.WithLabelValues("error").Inc()
		return nil, "", errors.Wrap(err, errors.CodeUnavailable, "failed to store log entry")
	}

	if s.archiver != nil {
		if err := s.archiver.ArchiveLogs(ctx, []models.LogEntry{*entry}); err != nil {
			s.logger.Warn("Failed to archive log entry", zap.Int64("log_entry_id", entry.ID), zap.Error(err))
		}
	}

	id := entry.ID
	taskID, err := s.submitter.Submit(ctx, tasks.TaskAnalyzeLog, tasks.AnalyzeArgs{
		Message:    entry.Message,
		LogEntryID: &id,
	})
	if err != nil {
		metrics.LogsIngested.WithLabelValues("error").Inc()
		return nil, "", errors.Wrap(err, errors.CodeUnavailable, "failed to queue analysis")
	}

	metrics.LogsIngested.WithLabelValues("accepted").Inc()
	s.logger.Debug("Log entry accepted",
		zap.Int64("log_entry_id", entry.ID),
		zap.String("severity", entry.Severity),
		zap.String("analysis_task_id", taskID),
	)
	return entry, taskID, nil
}

func (s *Service) parse(body []byte) (*models.LogEntry, error) {
	p := s.parsers.Get()
	defer s.parsers.Put(p)
	return Parse(p, body, s.now())
}

// Parse decodes a submission: an object with a required string message, an
// optional string severity (default INFO) and an optional timestamp given as
// an RFC 3339 string or unix seconds (default now).
func Parse(p *fastjson.Parser, body []byte, now time.Time) (*models.LogEntry, error) {
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, errors.InvalidInput("invalid JSON").WithCause(err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, errors.InvalidInput("payload must be a JSON object")
	}

	entry := &models.LogEntry{Severity: models.SeverityInfo, Timestamp: now.UTC()}

	msg := v.Get("message")
	if msg == nil || msg.Type() == fastjson.TypeNull {
		return nil, errors.InvalidInput("message is required")
	}
	if msg.Type() != fastjson.TypeString {
		return nil, errors.InvalidInput("message must be a string")
	}
	entry.Message = string(msg.GetStringBytes())
	if strings.TrimSpace(entry.Message) == "" {
		return nil, errors.InvalidInput("message is required")
	}

	if sev := v.Get("severity"); sev != nil && sev.Type() != fastjson.TypeNull {
		if sev.Type() != fastjson.TypeString {
			return nil, errors.InvalidInput("severity must be a string")
		}
		entry.Severity = models.NormalizeSeverity(string(sev.GetStringBytes()))
		if utf8.RuneCountInString(entry.Severity) > models.MaxSeverityLength {
			return nil, errors.InvalidInput("severity is too long")
		}
	}

	if ts := v.Get("timestamp"); ts != nil && ts.Type() != fastjson.TypeNull {
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		entry.Timestamp = t
	}

	if err := entry.Validate(); err != nil {
		return nil, errors.InvalidInput(err.Error())
	}
	return entry, nil
}

func parseTimestamp(v *fastjson.Value) (time.Time, error) {
	switch v.Type() {
	case fastjson.TypeString:
		t, err := time.Parse(time.RFC3339Nano, string(v.GetStringBytes()))
		if err != nil {
			return time.Time{}, errors.InvalidInput("timestamp must be RFC 3339").WithCause(err)
		}
		return t.UTC(), nil
	case fastjson.TypeNumber:
		f := v.GetFloat64()
		if f < float64(models.MinTimestamp.Unix()) || f > float64(models.MaxTimestamp.Unix()) {
			return time.Time{}, errors.InvalidInput("timestamp is out of range")
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, errors.InvalidInput("timestamp must be a string or a number")
}
