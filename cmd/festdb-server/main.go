package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/techfest/festdb/internal/api"
	"github.com/techfest/festdb/internal/backend"
	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/logging"
	"github.com/techfest/festdb/internal/webhook"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (default $FESTDB_CONFIG or ./festdb.yaml)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	if cfg.Source != "" {
		logger.Info("config loaded", "path", cfg.Source)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.Open(ctx, cfg, backend.WithLogger(logger))
	if err != nil {
		logger.Error("open backend", "err", err)
		os.Exit(1)
	}
	if err := b.Start(ctx); err != nil {
		logger.Error("start replication", "err", err)
		os.Exit(1)
	}

	var hooks chan struct{}
	if cfg.Webhook.URL != "" {
		wc := cfg.Webhook
		for i, t := range wc.Tables {
			name, err := b.Registry.Resolve(t)
			if err != nil {
				logger.Error("webhook tables", "err", err)
				os.Exit(1)
			}
			wc.Tables[i] = name
		}
		d := webhook.New(wc, b.Facade.Hub(), webhook.WithLogger(logger))
		hooks = make(chan struct{})
		go func() {
			d.Run(ctx)
			logger.Info("webhook stopped", "stats", d.Stats())
			close(hooks)
		}()
	}

	srv := api.NewServer(cfg.Server, b.Facade,
		api.WithLogger(logger),
		api.WithCoordinator(b.Coordinator),
	)
	if err := srv.Start(); err != nil {
		logger.Error("start server", "err", err)
		os.Exit(1)
	}
	logger.Info("server started", "addr", srv.Addr(),
		"primary", cfg.Primary.Driver, "backup", cfg.Backup.Driver)
	if cfg.Server.AdminToken == "" {
		logger.Warn("no admin token configured; replication routes and credential tables are open")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	if hooks != nil {
		<-hooks
	}
	if err := b.Close(shutdownCtx); err != nil {
		logger.Error("close backend", "err", err)
	}
}
