package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/log-zero/sentinel/internal/auth"
	"github.com/log-zero/sentinel/internal/ingest"
	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/tasks"
	"github.com/log-zero/sentinel/pkg/errors"
)

// bind decodes the JSON body into v and validates it. Any failure is
// reported to the client as msg.
func (s *Server) bind(c *fiber.Ctx, v any, msg string) error {
	if err := json.Unmarshal(c.Body(), v); err != nil {
		return errors.InvalidInput(msg).WithCause(err)
	}
	if err := s.validate.Struct(v); err != nil {
		return errors.InvalidInput(msg).WithCause(err)
	}
	return nil
}

func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.InvalidInput(fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}

func paramID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.InvalidInput("id must be a positive integer")
	}
	return id, nil
}

// since returns the cutoff for an hours query parameter; zero means no cutoff.
func (s *Server) since(c *fiber.Ctx) (time.Time, error) {
	hours, err := queryInt(c, "hours", 0)
	if err != nil || hours == 0 {
		return time.Time{}, err
	}
	if hours > tasks.MaxWindowHours {
		return time.Time{}, errors.InvalidInput(fmt.Sprintf("hours must be at most %d", tasks.MaxWindowHours))
	}
	return s.now().UTC().Add(-time.Duration(hours) * time.Hour), nil
}

// Logs handlers

type createLogResponse struct {
	LogEntry       *models.LogEntry `json:"log_entry"`
	AnalysisTaskID string           `json:"analysis_task_id"`
	Status         string           `json:"status"`
}

func (s *Server) handleCreateLog(c *fiber.Ctx) error {
	entry, taskID, err := s.deps.Ingester.Ingest(c.UserContext(), c.Body(), c.Get(auth.HeaderSignature))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(createLogResponse{
		LogEntry:       entry,
		AnalysisTaskID: taskID,
		Status:         ingest.StatusProcessing,
	})
}

func (s *Server) handleListLogs(c *fiber.Ctx) error {
	since, err := s.since(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return err
	}

	entries, err := s.deps.Store.ListLogEntries(c.UserContext(), models.LogFilter{
		Severity: strings.TrimSpace(c.Query("severity")),
		Query:    strings.TrimSpace(c.Query("search")),
		Since:    since,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(entries)
}

func (s *Server) handleGetLog(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	entry, err := s.deps.Store.GetLogEntry(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

func (s *Server) handleListAnomalies(c *fiber.Ctx) error {
	since, err := s.since(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return err
	}

	reports, err := s.deps.Store.ListAnomalyReports(c.UserContext(), models.AnomalyFilter{
		Since:  since,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(reports)
}

func (s *Server) handleGetAnomaly(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	report, err := s.deps.Store.GetAnomalyReport(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (s *Server) handleAnomalyTrend(c *fiber.Ctx) error {
	if s.deps.Trends == nil {
		return errors.Unavailable("analytics archive")
	}
	hours, err := queryInt(c, "hours", 24)
	if err != nil {
		return err
	}
	trend, err := s.deps.Trends.AnomalyTrend(c.UserContext(), s.now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "analytics query failed")
	}
	return c.JSON(fiber.Map{"hours": hours, "trend": trend})
}

// Task handlers

type taskStatusResponse struct {
	TaskID     string          `json:"task_id"`
	Status     queue.Status    `json:"status"`
	Ready      bool            `json:"ready"`
	Successful *bool           `json:"successful"`
	Failed     *bool           `json:"failed"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Retries    int             `json:"retries"`
}

func newTaskStatus(h *queue.TaskHandle) taskStatusResponse {
	resp := taskStatusResponse{
		TaskID:  h.TaskID,
		Status:  h.Status,
		Ready:   h.Ready(),
		Retries: h.Retries,
	}
	if h.Ready() {
		successful, failed := h.Successful(), h.Failed()
		resp.Successful = &successful
		resp.Failed = &failed
		if successful {
			resp.Result = h.Result
		} else {
			resp.Error = h.Error
		}
	}
	return resp
}

func (s *Server) handleTaskStatus(c *fiber.Ctx) error {
	h, err := s.deps.Queue.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "Error retrieving task status")
	}
	return c.JSON(newTaskStatus(h))
}

type batchRequest struct {
	LogEntries []json.RawMessage `json:"log_entries" validate:"required,min=1"`
}

func (s *Server) handleBatchAnalysis(c *fiber.Ctx) error {
	var req batchRequest
	if err := s.bind(c, &req, "No log entries provided"); err != nil {
		return err
	}

	taskID, err := s.deps.Queue.Submit(c.UserContext(), tasks.TaskProcessLogBatch, tasks.BatchArgs{Logs: req.LogEntries})
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "Error starting batch analysis")
	}
	return c.JSON(fiber.Map{
		"message":    fmt.Sprintf("Batch analysis started for %d entries", len(req.LogEntries)),
		"task_id":    taskID,
		"batch_size": len(req.LogEntries),
	})
}

type patternRequest struct {
	// max is tasks.MaxWindowHours.
	TimeWindowHours *int `json:"time_window_hours" validate:"omitempty,min=1,max=876000"`
}

func (s *Server) handlePatternAnalysis(c *fiber.Ctx) error {
	var req patternRequest
	if len(c.Body()) > 0 {
		if err := s.bind(c, &req, tasks.WindowMessage); err != nil {
			return err
		}
	}
	window := tasks.DefaultWindowHours
	if req.TimeWindowHours != nil {
		window = *req.TimeWindowHours
	}

	taskID, err := s.deps.Queue.Submit(c.UserContext(), tasks.TaskDetectPatterns, tasks.PatternArgs{TimeWindowHours: window})
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "Error starting pattern analysis")
	}
	return c.JSON(fiber.Map{
		"message":           fmt.Sprintf("Pattern analysis started for %d hour window", window),
		"task_id":           taskID,
		"time_window_hours": window,
	})
}

// entryID accepts an integer or a string holding one.
type entryID int64

func (id *entryID) UnmarshalJSON(b []byte) error {
	n, err := strconv.ParseInt(strings.Trim(string(b), `"`), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid log entry id %s", b)
	}
	*id = entryID(n)
	return nil
}

type streamRequest struct {
	LogEntryIDs []entryID `json:"log_entry_ids" validate:"required,min=1"`
}

func (s *Server) handleRealTimeAnalysis(c *fiber.Ctx) error {
	var req streamRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return errors.InvalidInput("All log_entry_ids must be valid integers").WithCause(err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errors.InvalidInput("log_entry_ids must be a non-empty list")
	}

	ids := make([]int64, len(req.LogEntryIDs))
	for i, id := range req.LogEntryIDs {
		ids[i] = int64(id)
	}

	taskID, err := s.deps.Queue.Submit(c.UserContext(), tasks.TaskAnomalyStream, tasks.StreamArgs{LogEntryIDs: ids})
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "Error starting real-time analysis")
	}
	return c.JSON(fiber.Map{
		"message":           fmt.Sprintf("Real-time stream analysis started for %d entries", len(ids)),
		"task_id":           taskID,
		"log_entries_count": len(ids),
	})
}

func (s *Server) handleDashboard(c *fiber.Ctx) error {
	d, err := s.dashboard(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(d)
}
