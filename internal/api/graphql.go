package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/tasks"
	"github.com/log-zero/sentinel/pkg/errors"
)

type graphQLRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName"`
}

func (s *Server) handleGraphQL(c *fiber.Ctx) error {
	var req graphQLRequest
	if c.Method() == fiber.MethodGet {
		req.Query = c.Query("query")
		req.OperationName = c.Query("operationName")
		if raw := c.Query("variables"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
				return errors.InvalidInput("variables must be a JSON object").WithCause(err)
			}
		}
	} else if err := json.Unmarshal(c.Body(), &req); err != nil {
		return errors.InvalidInput("invalid GraphQL request").WithCause(err)
	}
	if req.Query == "" {
		return errors.InvalidInput("query is required")
	}

	result := graphql.Do(graphql.Params{
		Schema:         s.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        c.UserContext(),
	})
	return c.JSON(result)
}

// GraphQL field names are camelCase, so models are exposed as maps.

func logMap(e *models.LogEntry) map[string]any {
	return map[string]any{
		"id":        strconv.FormatInt(e.ID, 10),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"severity":  e.Severity,
		"message":   e.Message,
	}
}

func logMaps(entries []models.LogEntry) []map[string]any {
	out := make([]map[string]any, len(entries))
	for i := range entries {
		out[i] = logMap(&entries[i])
	}
	return out
}

func anomalyMap(r *models.AnomalyReport) map[string]any {
	m := map[string]any{
		"id":           strconv.FormatInt(r.ID, 10),
		"logEntryId":   strconv.FormatInt(r.LogEntryID, 10),
		"logEntry":     nil,
		"anomalyScore": r.AnomalyScore,
		"summary":      r.Summary,
	}
	if r.LogEntry != nil {
		m["logEntry"] = logMap(r.LogEntry)
	}
	return m
}

func anomalyMaps(reports []models.AnomalyReport) []map[string]any {
	out := make([]map[string]any, len(reports))
	for i := range reports {
		out[i] = anomalyMap(&reports[i])
	}
	return out
}

// distribution flattens a severity histogram, largest bucket first.
func distribution(counts map[string]int) []map[string]any {
	buckets := make([]models.SeverityCount, 0, len(counts))
	for sev, n := range counts {
		buckets = append(buckets, models.SeverityCount{Severity: sev, Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Severity < buckets[j].Severity
	})
	out := make([]map[string]any, len(buckets))
	for i, b := range buckets {
		out[i] = map[string]any{"severity": b.Severity, "count": b.Count}
	}
	return out
}

func taskMap(h *queue.TaskHandle) map[string]any {
	m := map[string]any{
		"taskId":     h.TaskID,
		"status":     string(h.Status),
		"ready":      h.Ready(),
		"successful": nil,
		"failed":     nil,
		"result":     nil,
		"error":      nil,
	}
	if h.Ready() {
		m["successful"] = h.Successful()
		m["failed"] = h.Failed()
		if h.Successful() && len(h.Result) > 0 {
			m["result"] = string(h.Result)
		}
		if h.Failed() {
			m["error"] = h.Error
		}
	}
	return m
}

func argID(p graphql.ResolveParams) (int64, error) {
	raw, _ := p.Args["id"].(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func (s *Server) hoursAgo(hours int) time.Time {
	hours = min(hours, tasks.MaxWindowHours)
	return s.now().UTC().Add(-time.Duration(hours) * time.Hour)
}

func (s *Server) buildSchema() (graphql.Schema, error) {
	logEntryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "LogEntry",
		Fields: graphql.Fields{
			"id":        &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
			"timestamp": &graphql.Field{Type: graphql.String},
			"severity":  &graphql.Field{Type: graphql.String},
			"message":   &graphql.Field{Type: graphql.String},
		},
	})

	anomalyType := graphql.NewObject(graphql.ObjectConfig{
		Name: "AnomalyReport",
		Fields: graphql.Fields{
			"id":           &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
			"logEntryId":   &graphql.Field{Type: graphql.ID},
			"logEntry":     &graphql.Field{Type: logEntryType},
			"anomalyScore": &graphql.Field{Type: graphql.Float},
			"summary":      &graphql.Field{Type: graphql.String},
		},
	})

	severityCountType := graphql.NewObject(graphql.ObjectConfig{
		Name: "SeverityCount",
		Fields: graphql.Fields{
			"severity": &graphql.Field{Type: graphql.String},
			"count":    &graphql.Field{Type: graphql.Int},
		},
	})

	dashboardType := graphql.NewObject(graphql.ObjectConfig{
		Name: "DashboardStats",
		Fields: graphql.Fields{
			"anomaliesLast24h":     &graphql.Field{Type: graphql.Int},
			"anomaliesLast7d":      &graphql.Field{Type: graphql.Int},
			"totalLogs":            &graphql.Field{Type: graphql.Int},
			"severityDistribution": &graphql.Field{Type: graphql.NewList(severityCountType)},
			"lastUpdated":          &graphql.Field{Type: graphql.String},
		},
	})

	taskStatusType := graphql.NewObject(graphql.ObjectConfig{
		Name: "TaskStatus",
		Fields: graphql.Fields{
			"taskId":     &graphql.Field{Type: graphql.String},
			"status":     &graphql.Field{Type: graphql.String},
			"ready":      &graphql.Field{Type: graphql.Boolean},
			"successful": &graphql.Field{Type: graphql.Boolean},
			"failed":     &graphql.Field{Type: graphql.Boolean},
			"result":     &graphql.Field{Type: graphql.String},
			"error":      &graphql.Field{Type: graphql.String},
		},
	})

	createLogPayload := graphql.NewObject(graphql.ObjectConfig{
		Name: "CreateLogEntryPayload",
		Fields: graphql.Fields{
			"logEntry": &graphql.Field{Type: logEntryType},
			"taskId":   &graphql.Field{Type: graphql.String},
			"success":  &graphql.Field{Type: graphql.Boolean},
		},
	})

	patternPayload := graphql.NewObject(graphql.ObjectConfig{
		Name: "TriggerPatternAnalysisPayload",
		Fields: graphql.Fields{
			"taskId":  &graphql.Field{Type: graphql.String},
			"success": &graphql.Field{Type: graphql.Boolean},
			"message": &graphql.Field{Type: graphql.String},
		},
	})

	hoursArg := &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 24}
	idArg := graphql.FieldConfigArgument{"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)}}

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"allLogs": &graphql.Field{
				Type: graphql.NewList(logEntryType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					entries, err := s.deps.Store.ListLogEntries(p.Context, models.LogFilter{})
					return logMaps(entries), err
				},
			},
			"logById": &graphql.Field{
				Type: logEntryType,
				Args: idArg,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					id, err := argID(p)
					if err != nil {
						return nil, err
					}
					entry, err := s.deps.Store.GetLogEntry(p.Context, id)
					if errors.IsNotFound(err) {
						return nil, nil
					}
					if err != nil {
						return nil, err
					}
					return logMap(entry), nil
				},
			},
			"logsBySeverity": &graphql.Field{
				Type: graphql.NewList(logEntryType),
				Args: graphql.FieldConfigArgument{
					"severity": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					sev, _ := p.Args["severity"].(string)
					entries, err := s.deps.Store.ListLogEntries(p.Context, models.LogFilter{Severity: sev})
					return logMaps(entries), err
				},
			},
			"allAnomalies": &graphql.Field{
				Type: graphql.NewList(anomalyType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					reports, err := s.deps.Store.ListAnomalyReports(p.Context, models.AnomalyFilter{})
					return anomalyMaps(reports), err
				},
			},
			"anomalyById": &graphql.Field{
				Type: anomalyType,
				Args: idArg,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					id, err := argID(p)
					if err != nil {
						return nil, err
					}
					report, err := s.deps.Store.GetAnomalyReport(p.Context, id)
					if errors.IsNotFound(err) {
						return nil, nil
					}
					if err != nil {
						return nil, err
					}
					return anomalyMap(report), nil
				},
			},
			"recentLogs": &graphql.Field{
				Type: graphql.NewList(logEntryType),
				Args: graphql.FieldConfigArgument{
					"hours": hoursArg,
					"limit": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 50},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					hours, _ := p.Args["hours"].(int)
					limit, _ := p.Args["limit"].(int)
					entries, err := s.deps.Store.ListLogEntries(p.Context, models.LogFilter{
						Since: s.hoursAgo(hours),
						Limit: limit,
					})
					return logMaps(entries), err
				},
			},
			"recentAnomalies": &graphql.Field{
				Type: graphql.NewList(anomalyType),
				Args: graphql.FieldConfigArgument{
					"hours": hoursArg,
					"limit": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 10},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					hours, _ := p.Args["hours"].(int)
					limit, _ := p.Args["limit"].(int)
					reports, err := s.deps.Store.ListAnomalyReports(p.Context, models.AnomalyFilter{
						Since: s.hoursAgo(hours),
						Limit: limit,
					})
					return anomalyMaps(reports), err
				},
			},
			"dashboardStats": &graphql.Field{
				Type: dashboardType,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					d, err := s.dashboard(p.Context)
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"anomaliesLast24h":     d.AnomaliesLast24h,
						"anomaliesLast7d":      d.AnomaliesLast7d,
						"totalLogs":            d.TotalLogs,
						"severityDistribution": distribution(d.SeverityDistribution),
						"lastUpdated":          d.LastUpdated.Format(time.RFC3339),
					}, nil
				},
			},
			"severityDistribution": &graphql.Field{
				Type: graphql.NewList(severityCountType),
				Args: graphql.FieldConfigArgument{"hours": hoursArg},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					hours, _ := p.Args["hours"].(int)
					counts, err := s.deps.Store.SeverityDistribution(p.Context, s.hoursAgo(hours))
					if err != nil {
						return nil, err
					}
					return distribution(counts), nil
				},
			},
			"taskStatus": &graphql.Field{
				Type: taskStatusType,
				Args: graphql.FieldConfigArgument{
					"taskId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					taskID, _ := p.Args["taskId"].(string)
					h, err := s.deps.Queue.Status(p.Context, taskID)
					if err != nil {
						return nil, err
					}
					return taskMap(h), nil
				},
			},
			"searchLogs": &graphql.Field{
				Type: graphql.NewList(logEntryType),
				Args: graphql.FieldConfigArgument{
					"query": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"limit": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 20},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					q, _ := p.Args["query"].(string)
					limit, _ := p.Args["limit"].(int)
					entries, err := s.deps.Store.ListLogEntries(p.Context, models.LogFilter{Query: q, Limit: limit})
					return logMaps(entries), err
				},
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"createLogEntry": &graphql.Field{
				Type: createLogPayload,
				Args: graphql.FieldConfigArgument{
					"severity": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"message":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return s.createLogEntry(p.Context, p.Args["severity"], p.Args["message"]), nil
				},
			},
			"triggerPatternAnalysis": &graphql.Field{
				Type: patternPayload,
				Args: graphql.FieldConfigArgument{"timeWindowHours": hoursArg},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					hours, _ := p.Args["timeWindowHours"].(int)
					return s.triggerPatternAnalysis(p.Context, hours), nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: query, Mutation: mutation})
}

func (s *Server) createLogEntry(ctx context.Context, severity, message any) map[string]any {
	body, err := json.Marshal(map[string]any{"severity": severity, "message": message})
	if err == nil {
		var entry *models.LogEntry
		var taskID string
		entry, taskID, err = s.deps.Ingester.Ingest(ctx, body, "")
		if err == nil {
			return map[string]any{"logEntry": logMap(entry), "taskId": taskID, "success": true}
		}
	}
	s.logger.Warn("GraphQL createLogEntry failed", zap.Error(err))
	return map[string]any{"logEntry": nil, "taskId": nil, "success": false}
}

func (s *Server) triggerPatternAnalysis(ctx context.Context, hours int) map[string]any {
	if hours < 1 || hours > tasks.MaxWindowHours {
		return map[string]any{"taskId": nil, "success": false, "message": tasks.WindowMessage}
	}
	taskID, err := s.deps.Queue.Submit(ctx, tasks.TaskDetectPatterns, tasks.PatternArgs{TimeWindowHours: hours})
	if err != nil {
		s.logger.Warn("GraphQL triggerPatternAnalysis failed", zap.Error(err))
		return map[string]any{"taskId": nil, "success": false, "message": "Error starting pattern analysis"}
	}
	return map[string]any{
		"taskId":  taskID,
		"success": true,
		"message": fmt.Sprintf("Pattern analysis started for %d hour window", hours),
	}
}
