// Package queue runs named tasks asynchronously with per-task retry policies
// and a pollable result backend.
package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a submitted task.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusRetry   Status = "RETRY"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Job is the unit moved through a broker. Attempt counts retries already
// scheduled, so the first execution runs with Attempt 0.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt time.Time       `json:"next_retry_at,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// TaskHandle is the pollable state of a task.
type TaskHandle struct {
	TaskID    string          `json:"task_id"`
	Name      string          `json:"name,omitempty"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retries   int             `json:"retries"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Ready reports whether the task reached a terminal state.
func (h *TaskHandle) Ready() bool {
	return h.Status == StatusSuccess || h.Status == StatusFailure
}

// Successful reports whether the task finished without error.
func (h *TaskHandle) Successful() bool {
	return h.Status == StatusSuccess
}

// Failed reports whether the task exhausted its retries or failed permanently.
func (h *TaskHandle) Failed() bool {
	return h.Status == StatusFailure
}
