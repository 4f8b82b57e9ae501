// Package main is the entry point for the HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/log-zero/sentinel/internal/app"
	"github.com/log-zero/sentinel/internal/config"
)

var (
	configPath string
	port       int
)

var rootCmd = &cobra.Command{
	Use:   "sentinel-server",
	Short: "Serve the log anomaly detection API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides server.port)")
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
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

	srv, err := a.Server()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// Without a shared broker no separate worker can see our tasks.
	if !a.SharedBroker() && !cfg.Queue.Eager {
		log.Info("Starting in-process worker")
		runner := a.Runner()
		g.Go(func() error { return runner.Run(ctx) })
		if cfg.Scheduler.Enabled {
			sched := a.Scheduler()
			g.Go(func() error { return sched.Run(ctx) })
		}
	}

	g.Go(func() error {
		return srv.Listen(fmt.Sprintf(":%d", cfg.Server.Port))
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down server...")
		return srv.Shutdown()
	})

	log.Info("Starting Sentinel API server",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver),
		zap.String("classifier", cfg.Classifier.Backend),
	)

	// The deferred Close runs only after every goroutine above has returned.
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
