// Package main provides the EPD API service entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-epd/internal/api"
	"github.com/drfirst/go-epd/internal/app"
	"github.com/drfirst/go-epd/internal/config"
)

func main() {
	cfgFile := flag.String("config", "", "YAML config file")
	flag.Parse()

	// Bootstrap logger until the configured level is known
	logger, _ := zap.NewProduction()

	v, err := config.New(*cfgFile)
	if err != nil {
		logger.Fatal("failed to read config", zap.Error(err))
	}
	cfg, err := config.Load(v)
	if err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	configured, err := app.NewLogger(cfg.LogLevel, false)
	if err != nil {
		logger.Fatal("invalid log level", zap.Error(err))
	}
	logger = configured
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(context.Background(), cfg, api.ServiceName, logger, reg)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	defaults := a.Params()
	defaults.ChartDir = ""

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.NewRouter(api.Deps{
			Analyzer: a.Explorer,
			Defaults: defaults,
			Metrics:  a.Metrics,
			Gatherer: reg,
			Ready:    a.Ready,
			Portal:   a.PortalHealth,
			APIKeys:  cfg.Server.APIKeys,
			Logger:   logger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.Portal.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := a.Close(ctx); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}()

	logger.Info("starting EPD API",
		zap.String("port", cfg.Server.Port),
		zap.Bool("auth", len(cfg.Server.APIKeys) > 0))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped

	logger.Info("server stopped")
}
