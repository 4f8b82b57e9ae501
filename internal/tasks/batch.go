package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/pkg/errors"
)

// ProcessEntryArgs are the arguments of logs.process_log_entry. The optional
// signature covers the compact JSON encoding of LogData.
type ProcessEntryArgs struct {
	LogData   json.RawMessage `json:"log_data"`
	Signature string          `json:"signature,omitempty"`
}

// ProcessEntryResult is the outcome of logs.process_log_entry.
type ProcessEntryResult struct {
	Status         string     `json:"status"`
	Message        string     `json:"message,omitempty"`
	LogEntryID     int64      `json:"log_entry_id,omitempty"`
	AnalysisTaskID string     `json:"analysis_task_id,omitempty"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// ProcessLogEntry ingests one payload the way the HTTP endpoint does. An
// invalid signature is reported in the result rather than as a task failure.
func (s *Service) ProcessLogEntry(ctx context.Context, args ProcessEntryArgs) (*ProcessEntryResult, error) {
	entry, taskID, err := s.ingester.Ingest(ctx, args.LogData, args.Signature)
	if errors.IsCode(err, errors.CodeForbidden) {
		s.logger.Warn("Rejected log entry with invalid signature")
		return &ProcessEntryResult{Status: StatusError, Message: "Invalid HMAC signature"}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	return &ProcessEntryResult{
		Status:         StatusSuccess,
		LogEntryID:     entry.ID,
		AnalysisTaskID: taskID,
		ProcessedAt:    &now,
	}, nil
}

// BatchArgs are the arguments of logs.process_log_batch.
type BatchArgs struct {
	Logs []json.RawMessage `json:"logs"`
}

// BatchTask pairs a submitted payload with its task id.
type BatchTask struct {
	LogData json.RawMessage `json:"log_data"`
	TaskID  string          `json:"task_id"`
}

// BatchResult is the outcome of logs.process_log_batch.
type BatchResult struct {
	Status    string      `json:"status"`
	BatchSize int         `json:"batch_size"`
	Tasks     []BatchTask `json:"tasks"`
	StartedAt time.Time   `json:"started_at"`
}

// ProcessLogBatch submits one logs.process_log_entry per payload, in order,
// without waiting for any of them. A failed submission fails the batch.
func (s *Service) ProcessLogBatch(ctx context.Context, args BatchArgs) (*BatchResult, error) {
	result := &BatchResult{
		Status:    StatusSuccess,
		BatchSize: len(args.Logs),
		Tasks:     make([]BatchTask, 0, len(args.Logs)),
		StartedAt: s.now().UTC(),
	}

	for i, data := range args.Logs {
		taskID, err := s.submitter.Submit(ctx, TaskProcessLogEntry, ProcessEntryArgs{LogData: data})
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeUnavailable, fmt.Sprintf("failed to submit log %d of batch", i))
		}
		result.Tasks = append(result.Tasks, BatchTask{LogData: data, TaskID: taskID})
	}

	s.logger.Info("Batch submitted", zap.Int("batch_size", result.BatchSize))
	return result, nil
}
