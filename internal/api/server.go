// Package api serves the REST, GraphQL, WebSocket and admin surfaces.
package api

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/graphql-go/graphql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/models"
	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/storage/clickhouse"
	"github.com/log-zero/sentinel/pkg/errors"
)

// Store is the read side of persistence plus administrative deletion.
type Store interface {
	GetLogEntry(ctx context.Context, id int64) (*models.LogEntry, error)
	ListLogEntries(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error)
	CountLogEntries(ctx context.Context, since time.Time) (int, error)
	SeverityDistribution(ctx context.Context, since time.Time) (map[string]int, error)
	DeleteLogEntry(ctx context.Context, id int64) error
	GetAnomalyReport(ctx context.Context, id int64) (*models.AnomalyReport, error)
	ListAnomalyReports(ctx context.Context, filter models.AnomalyFilter) ([]models.AnomalyReport, error)
	CountAnomalyReports(ctx context.Context, since time.Time) (int, error)
	CountAnomaliesByEntry(ctx context.Context, ids []int64) (map[int64]int, error)
}

// Ingester accepts raw log submissions.
type Ingester interface {
	Ingest(ctx context.Context, body []byte, signature string) (*models.LogEntry, string, error)
}

// TaskQueue submits tasks and reports their state.
type TaskQueue interface {
	queue.Submitter
	Status(ctx context.Context, taskID string) (*queue.TaskHandle, error)
}

// RateLimiter counts requests per key in a fixed window.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// AlertSubscriber streams published alerts.
type AlertSubscriber interface {
	SubscribeAlerts(ctx context.Context) (<-chan *redis.Message, func() error, error)
}

// TrendSource reports hourly anomaly counts from the analytics archive.
type TrendSource interface {
	AnomalyTrend(ctx context.Context, since time.Time) ([]clickhouse.HourlyCount, error)
}

// Deps are the collaborators of a Server. Limiter, Alerts, Trends and Health
// are optional.
type Deps struct {
	Store    Store
	Ingester Ingester
	Queue    TaskQueue
	Limiter  RateLimiter
	Alerts   AlertSubscriber
	Trends   TrendSource
	Health   func(ctx context.Context) error
}

// Config holds HTTP settings.
type Config struct {
	AllowedOrigins    string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RateLimit         int
	RateLimitWindow   time.Duration
	AdminUsername     string
	AdminPasswordHash string
	RequestLogging    bool
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:  "*",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		RateLimitWindow: time.Minute,
		AdminUsername:   "admin",
		RequestLogging:  true,
	}
}

// Server is the HTTP surface of the pipeline.
type Server struct {
	app      *fiber.App
	deps     Deps
	config   Config
	logger   *zap.Logger
	validate *validator.Validate
	schema   graphql.Schema
	now      func() time.Time
}

// NewServer creates a Server with every route registered.
func NewServer(deps Deps, config Config, log *zap.Logger) (*Server, error) {
	s := &Server{
		deps:     deps,
		config:   config,
		logger:   log,
		validate: validator.New(),
		now:      time.Now,
	}

	schema, err := s.buildSchema()
	if err != nil {
		return nil, err
	}
	s.schema = schema

	app := fiber.New(fiber.Config{
		ServerHeader:          "Sentinel",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           120 * time.Second,
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.AllowedOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-HMAC-Signature",
	}))
	if config.RequestLogging {
		app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}

	s.app = app
	s.setupRoutes()
	return s, nil
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.app.Group("/api", s.rateLimit())
	api.Get("/", s.handleIndex)

	api.Get("/logs", s.handleListLogs)
	api.Post("/logs", s.handleCreateLog)
	api.Get("/logs/:id", s.handleGetLog)
	api.Get("/anomalies", s.handleListAnomalies)
	api.Get("/anomalies/:id", s.handleGetAnomaly)
	api.Get("/anomaly-trend", s.handleAnomalyTrend)

	api.Get("/task-status/:id", s.handleTaskStatus)
	api.Post("/batch-analysis", s.handleBatchAnalysis)
	api.Post("/pattern-analysis", s.handlePatternAnalysis)
	api.Post("/real-time-analysis", s.handleRealTimeAnalysis)
	api.Get("/dashboard", s.handleDashboard)

	s.app.Post("/graphql", s.handleGraphQL)
	s.app.Get("/graphql", s.handleGraphQL)

	if s.deps.Alerts != nil {
		s.app.Use("/ws", requireUpgrade)
		s.app.Get("/ws/alerts", s.alertsSocket())
	}

	if s.config.AdminPasswordHash != "" {
		s.setupAdmin()
	} else {
		s.logger.Info("Admin UI disabled: no admin password hash configured")
	}
}

// rateLimit uses the shared Redis counter when available and fiber's
// in-process limiter otherwise.
func (s *Server) rateLimit() fiber.Handler {
	if s.config.RateLimit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	window := s.config.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	if s.deps.Limiter == nil {
		return limiter.New(limiter.Config{
			Max:        s.config.RateLimit,
			Expiration: window,
			LimitReached: func(c *fiber.Ctx) error {
				return errors.RateLimited()
			},
		})
	}

	return func(c *fiber.Ctx) error {
		ok, err := s.deps.Limiter.CheckRateLimit(c.UserContext(), c.IP(), s.config.RateLimit, window)
		if err != nil {
			s.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
			return c.Next()
		}
		if !ok {
			return errors.RateLimited()
		}
		return c.Next()
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if stderrors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	status := errors.HTTPStatus(err)
	msg := err.Error()
	var ae *errors.Error
	if stderrors.As(err, &ae) {
		msg = ae.Message
		if ae.Details != "" {
			msg += ": " + ae.Details
		}
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := "healthy"
	code := fiber.StatusOK
	if s.deps.Health != nil {
		if err := s.deps.Health(c.UserContext()); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			status = "unhealthy"
			code = fiber.StatusServiceUnavailable
		}
	}
	return c.Status(code).JSON(fiber.Map{
		"status":  status,
		"service": "sentinel",
		"time":    s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleIndex(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "Anomaly Detection API",
		"version": "1.0.0",
		"available_endpoints": fiber.Map{
			"logs":               fiber.Map{"url": "/api/logs/", "methods": []string{"GET", "POST"}},
			"anomalies":          fiber.Map{"url": "/api/anomalies/", "methods": []string{"GET"}},
			"dashboard":          fiber.Map{"url": "/api/dashboard/", "methods": []string{"GET"}},
			"pattern_analysis":   fiber.Map{"url": "/api/pattern-analysis/", "methods": []string{"POST"}},
			"batch_analysis":     fiber.Map{"url": "/api/batch-analysis/", "methods": []string{"POST"}},
			"real_time_analysis": fiber.Map{"url": "/api/real-time-analysis/", "methods": []string{"POST"}},
			"task_status":        fiber.Map{"url": "/api/task-status/{task_id}/", "methods": []string{"GET"}},
			"graphql":            fiber.Map{"url": "/graphql", "methods": []string{"GET", "POST"}},
			"alerts":             fiber.Map{"url": "/ws/alerts", "methods": []string{"GET"}},
		},
		"status": "All systems operational",
	})
}
