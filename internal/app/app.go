// Package app assembles the pipeline from configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/api"
	"github.com/log-zero/sentinel/internal/classifier"
	"github.com/log-zero/sentinel/internal/config"
	"github.com/log-zero/sentinel/internal/ingest"
	"github.com/log-zero/sentinel/internal/notify"
	"github.com/log-zero/sentinel/internal/pipeline"
	"github.com/log-zero/sentinel/internal/queue"
	"github.com/log-zero/sentinel/internal/redact"
	"github.com/log-zero/sentinel/internal/scheduler"
	"github.com/log-zero/sentinel/internal/storage"
	"github.com/log-zero/sentinel/internal/storage/clickhouse"
	"github.com/log-zero/sentinel/internal/storage/postgres"
	redisstore "github.com/log-zero/sentinel/internal/storage/redis"
	"github.com/log-zero/sentinel/internal/storage/sqlite"
	"github.com/log-zero/sentinel/internal/tasks"
	"github.com/log-zero/sentinel/pkg/logger"
)

// App holds the wired components shared by the server and worker binaries.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Store  storage.Store
	Queue  *queue.Queue
	Ingest *ingest.Service
	Tasks  *tasks.Service

	redis   *redisstore.Client
	archive *clickhouse.Client
	closers []func() error
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	lc := logger.DefaultConfig()
	lc.Level = cfg.Level
	lc.File = cfg.File
	if cfg.Dev {
		lc.Development = true
		lc.Encoding = "console"
	}
	return logger.FromEnv(lc)
}

// New connects every backend named in cfg and registers the tasks. Close
// releases what was opened, also after a partial failure.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var broker queue.Broker = queue.NewMemoryBroker()
	var publisher notify.Publisher
	if cfg.Redis.Enabled {
		rc, err := redisstore.NewClient(redisstore.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log.Named("redis"))
		if err != nil {
			return nil, err
		}
		a.redis = rc
		a.closers = append(a.closers, rc.Close)
		broker = rc
		publisher = rc
	} else if !cfg.Queue.Eager {
		log.Info("Redis disabled; tasks stay in process memory")
	}

	if cfg.ClickHouse.Enabled {
		ch, err := clickhouse.NewClient(clickhouse.Config{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		}, log.Named("clickhouse"))
		if err != nil {
			return nil, err
		}
		a.archive = ch
		a.closers = append(a.closers, ch.Close)
		if err := ch.InitSchema(ctx); err != nil {
			return nil, err
		}
	}

	clf, closeClf, err := classifier.New(classifier.Config{
		Backend:   cfg.Classifier.Backend,
		Keywords:  cfg.Classifier.Keywords,
		ModelPath: cfg.Classifier.ModelPath,
		VocabPath: cfg.Classifier.VocabPath,
		APIKey:    cfg.Classifier.OpenAIKey,
		Model:     cfg.Classifier.Model,
		BaseURL:   cfg.Classifier.BaseURL,
		Timeout:   cfg.Classifier.Timeout,
	}, log.Named("classifier"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeClf)

	notifier, err := notify.New(cfg.Alerts.Channels, notify.Options{
		SMTP: notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		},
		Publisher: publisher,
		Logger:    log.Named("notify"),
	})
	if err != nil {
		return nil, err
	}

	a.Queue = queue.New(broker, queue.Config{
		Eager:       cfg.Queue.Eager,
		TaskTimeout: cfg.Queue.TaskTimeout,
		ResultTTL:   cfg.Queue.ResultTTL,
	}, log.Named("queue"))

	a.Ingest = ingest.NewService(a.Store, a.Queue, ingest.Config{HMACSecret: cfg.Server.HMACSecret}, log.Named("ingest"))
	if cfg.Server.HMACSecret == "" {
		log.Warn("No HMAC secret configured")
	}

	deps := tasks.Deps{
		Store:      a.Store,
		Classifier: clf,
		Submitter:  a.Queue,
		Ingester:   a.Ingest,
		Notifier:   notify.Counted(notifier, "alert"),
		Redactor:   redact.New(redact.DefaultConfig()),
	}
	if a.archive != nil {
		a.Ingest.WithArchiver(a.archive)
		deps.Archiver = a.archive
	}

	a.Tasks = tasks.NewService(deps, tasks.Config{
		Recipients: cfg.Alerts.Recipients,
		Retention:  cfg.Alerts.Retention,
	}, log.Named("tasks"))
	a.Tasks.Register(a.Queue)

	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	db := a.Config.Database
	switch db.Driver {
	case "postgres":
		pg, err := postgres.NewClient(postgres.Config{
			Host:     db.Host,
			Port:     db.Port,
			Database: db.Name,
			Username: db.Username,
			Password: db.Password,
			MaxConns: db.MaxConns,
		}, a.Logger.Named("postgres"))
		if err != nil {
			return err
		}
		a.Store = pg
		a.closers = append(a.closers, pg.Close)
		return pg.InitSchema(ctx)
	case "sqlite":
		st, err := sqlite.NewStore(sqlite.Config{Path: db.Path}, a.Logger.Named("sqlite"))
		if err != nil {
			return err
		}
		a.Store = st
		a.closers = append(a.closers, st.Close)
		return nil
	}
	return fmt.Errorf("unsupported database driver %q", db.Driver)
}

// Health pings every connected backend.
func (a *App) Health(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Server builds the HTTP surface.
func (a *App) Server() (*api.Server, error) {
	srv := a.Config.Server
	cfg := api.DefaultConfig()
	cfg.AllowedOrigins = srv.AllowedOrigins
	cfg.ReadTimeout = srv.ReadTimeout
	cfg.WriteTimeout = srv.WriteTimeout
	cfg.RateLimit = srv.RateLimit
	cfg.RateLimitWindow = srv.RateLimitWindow
	cfg.AdminUsername = a.Config.Admin.Username
	cfg.AdminPasswordHash = a.Config.Admin.PasswordHash

	deps := api.Deps{
		Store:    a.Store,
		Ingester: a.Ingest,
		Queue:    a.Queue,
		Health:   a.Health,
	}
	if a.redis != nil {
		deps.Limiter = a.redis
		deps.Alerts = a.redis
	}
	if a.archive != nil {
		deps.Trends = a.archive
	}
	return api.NewServer(deps, cfg, a.Logger.Named("api"))
}

// Runner builds the worker loop over the task queue.
func (a *App) Runner() *pipeline.Runner {
	q := a.Config.Queue
	return pipeline.NewRunner(a.Queue, pipeline.RunnerConfig{
		Workers:      q.Workers,
		BufferSize:   q.BufferSize,
		PollInterval: q.PollInterval,
	}, a.Logger.Named("worker"))
}

// Scheduler builds the periodic task scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	s := a.Config.Scheduler
	entries := scheduler.Beat(s.PatternInterval, s.PatternWindowHrs, s.CleanupInterval)
	return scheduler.New(a.Queue, entries, a.Logger.Named("scheduler"))
}

// SharedBroker reports whether tasks submitted here are visible to other
// processes.
func (a *App) SharedBroker() bool {
	return a.redis != nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
