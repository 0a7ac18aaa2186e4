// Package app wires configuration into the portal client, explorer, report
// sink and tracing shared by the epd-explore and epd-api binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/go-epd/internal/analysis"
	"github.com/drfirst/go-epd/internal/config"
	"github.com/drfirst/go-epd/internal/infrastructure/redpanda"
	"github.com/drfirst/go-epd/internal/observability/metrics"
	"github.com/drfirst/go-epd/internal/observability/tracing"
	"github.com/drfirst/go-epd/internal/opendata"
	"github.com/drfirst/go-epd/pkg/circuitbreaker"
)

// App holds the wired components
type App struct {
	Config   config.Config
	Metrics  *metrics.Metrics
	Client   *opendata.Client
	Explorer *analysis.Explorer

	logger   *zap.Logger
	producer *redpanda.Producer
	tracing  *tracing.Provider
}

// New builds an App. reg may be nil when metrics are not exported.
func New(ctx context.Context, cfg config.Config, service string, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tcfg := tracing.DefaultConfig(service)
	tcfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tcfg.Environment = cfg.Tracing.Environment
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	a := &App{
		Config:  cfg,
		Metrics: metrics.New(reg),
		logger:  logger,
		tracing: tp,
	}

	ccfg := opendata.DefaultClientConfig()
	ccfg.BaseURL = cfg.Portal.BaseURL
	ccfg.Timeout = cfg.Portal.Timeout
	ccfg.RateLimit = cfg.Portal.RateLimit
	ccfg.RateBurst = cfg.Portal.RateBurst
	if a.Client, err = opendata.NewClient(ccfg, a.Metrics, logger); err != nil {
		return nil, errors.Join(err, a.Close(ctx))
	}

	opts := []analysis.Option{analysis.WithMetrics(a.Metrics)}
	if len(cfg.Reports.Brokers) > 0 {
		if err := a.initReports(ctx); err != nil {
			return nil, errors.Join(err, a.Close(ctx))
		}
		opts = append(opts, analysis.WithSink(a.producer))
	}
	a.Explorer = analysis.NewExplorer(a.Client, logger, opts...)

	logger.Info("application wired",
		zap.String("portal", cfg.Portal.BaseURL),
		zap.Bool("tracing", tp.Enabled()),
		zap.Bool("reports", a.producer != nil))
	return a, nil
}

func (a *App) initReports(ctx context.Context) error {
	admin, err := redpanda.NewAdmin(a.Config.Reports.Brokers, a.logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx, redpanda.ReportTopicConfig(a.Config.Reports.Topic)); err != nil {
		return fmt.Errorf("ensure report topic: %w", err)
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = a.Config.Reports.Brokers
	pcfg.Topic = a.Config.Reports.Topic
	a.producer, err = redpanda.NewProducer(pcfg, a.logger)
	return err
}

// Params returns the configured analysis parameters.
func (a *App) Params() analysis.Params {
	q := a.Config.Query
	return analysis.Params{
		Resources: q.Resources,
		PCOCode:   q.PCOCode,
		Substance: q.Substance,
		Contains:  q.Contains,
		Top:       q.Top,
		Limit:     q.Limit,
		ChartDir:  a.Config.Output.ChartDir,
	}
}

// Ready fails while the portal circuit breaker is open or, when reports are
// published, while the brokers are unreachable.
func (a *App) Ready(ctx context.Context) error {
	if a.Client != nil {
		if h := a.Client.Breaker().Health(); !h.Healthy {
			return fmt.Errorf("circuit breaker %s is %s", h.Name, h.State)
		}
	}
	if a.producer != nil {
		if err := redpanda.HealthCheck(ctx, a.Config.Reports.Brokers); err != nil {
			return fmt.Errorf("report brokers: %w", err)
		}
	}
	return nil
}

// PortalHealth returns the portal circuit breaker snapshot.
func (a *App) PortalHealth() circuitbreaker.HealthStatus {
	return a.Client.Breaker().Health()
}

// Close flushes the report producer and the tracer provider.
func (a *App) Close(ctx context.Context) error {
	if a.producer != nil {
		a.producer.Close()
		stats := a.producer.Stats()
		a.logger.Info("report producer closed",
			zap.Int64("sent", stats.MessagesSent),
			zap.Int64("errors", stats.ErrorCount))
	}
	return a.tracing.Shutdown(ctx)
}

// NewLogger returns a production JSON logger, or a console logger when
// development is set, at the given level.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
