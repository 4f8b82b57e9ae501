// Package main is the entry point for the task worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/log-zero/sentinel/internal/app"
	"github.com/log-zero/sentinel/internal/config"
	"github.com/log-zero/sentinel/internal/pipeline"
)

var (
	configPath  string
	metricsPort int
	withBeat    bool
)

var rootCmd = &cobra.Command{
	Use:   "sentinel-worker",
	Short: "Execute queued analysis tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return work()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 9100, "Port for /health and /metrics (0 disables)")
	rootCmd.Flags().BoolVar(&withBeat, "beat", true, "Also run the periodic scheduler when enabled in config")
}

func statusApp(a *app.App, runner *pipeline.Runner) *fiber.App {
	status := fiber.New(fiber.Config{DisableStartupMessage: true})
	status.Get("/health", func(c *fiber.Ctx) error {
		healthy := runner.Healthy() && a.Health(c.UserContext()) == nil
		code := fiber.StatusOK
		state := "healthy"
		if !healthy {
			code = fiber.StatusServiceUnavailable
			state = "unhealthy"
		}
		stats := runner.Stats()
		return c.Status(code).JSON(fiber.Map{
			"status":    state,
			"service":   "sentinel-worker",
			"processed": stats.Processed,
			"errors":    stats.Errors,
			"time":      time.Now().UTC().Format(time.RFC3339),
		})
	})
	status.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	return status
}

func work() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := app.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.SharedBroker() {
		log.Warn("Redis is disabled; this worker only runs tasks it schedules itself")
	}

	runner := a.Runner()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })

	if withBeat && cfg.Scheduler.Enabled {
		sched := a.Scheduler()
		g.Go(func() error { return sched.Run(ctx) })
	}

	if metricsPort > 0 {
		status := statusApp(a, runner)
		g.Go(func() error {
			return status.Listen(fmt.Sprintf(":%d", metricsPort))
		})
		g.Go(func() error {
			<-ctx.Done()
			return status.Shutdown()
		})
	}

	log.Info("Sentinel worker started",
		zap.Int("workers", cfg.Queue.Workers),
		zap.Bool("shared_broker", a.SharedBroker()),
	)

	err = g.Wait()
	log.Info("Worker stopped")
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
