// Package analysis runs the EPD quantity exploration: fetch the line items
// for one organisation and substance, chart the QUANTITY distribution, filter
// by description and count the most common quantities.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-epd/internal/chart"
	"github.com/drfirst/go-epd/internal/epd"
	"github.com/drfirst/go-epd/internal/observability/metrics"
	"github.com/drfirst/go-epd/internal/opendata"
	"github.com/drfirst/go-epd/pkg/workerpool"
)

// ErrInvalidParams wraps every parameter validation failure.
var ErrInvalidParams = errors.New("invalid parameters")

// MaxResources caps the resources one run may query, two years of monthly
// releases.
const MaxResources = 24

// Searcher runs a datastore query. *opendata.Client implements it.
type Searcher interface {
	Search(ctx context.Context, q opendata.Query) ([]map[string]any, error)
}

// Sink receives encoded reports. *redpanda.Producer implements it.
type Sink interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Params selects what to analyse.
type Params struct {
	Resources []string `json:"resources"`
	PCOCode   string   `json:"pco_code"`
	Substance string   `json:"substance"`
	Contains  string   `json:"contains"`
	Top       int      `json:"top"`
	Limit     int      `json:"limit,omitempty"`
	// ChartDir receives the PNG charts; empty skips charting.
	ChartDir string `json:"-"`
}

// Validate rejects parameters the query builder would reject later.
func (p Params) Validate() error {
	if len(p.Resources) == 0 {
		return errors.New("at least one resource is required")
	}
	if len(p.Resources) > MaxResources {
		return fmt.Errorf("at most %d resources per request, got %d", MaxResources, len(p.Resources))
	}
	for _, r := range p.Resources {
		if err := (opendata.Query{Resource: r}).Validate(); err != nil {
			return err
		}
	}
	if p.PCOCode == "" || p.Substance == "" {
		return errors.New("pco code and substance are required")
	}
	if p.Top <= 0 {
		return fmt.Errorf("top must be positive, got %d", p.Top)
	}
	if p.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", p.Limit)
	}
	return nil
}

// Report is the outcome of one run.
type Report struct {
	RunID        string           `json:"run_id"`
	Params       Params           `json:"params"`
	Rows         int              `json:"rows"`
	ResourceRows map[string]int   `json:"resource_rows"`
	FilteredRows int              `json:"filtered_rows"`
	Descriptions int              `json:"descriptions"`
	MaxQuantity  float64          `json:"max_quantity"`
	TopQuantity  []epd.ValueCount `json:"top_quantity"`
	Charts       []string         `json:"charts,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
	GeneratedAt  time.Time        `json:"generated_at"`
	Duration     time.Duration    `json:"duration_ns"`
}

// Explorer runs analyses
type Explorer struct {
	searcher Searcher
	sink     Sink
	pool     workerpool.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures an Explorer.
type Option func(*Explorer)

// WithSink publishes every report to s.
func WithSink(s Sink) Option { return func(e *Explorer) { e.sink = s } }

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Explorer) { e.metrics = m } }

// WithPool overrides the fetch pool configuration.
func WithPool(cfg workerpool.Config) Option { return func(e *Explorer) { e.pool = cfg } }

// NewExplorer creates an explorer
func NewExplorer(s Searcher, logger *zap.Logger, opts ...Option) *Explorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Explorer{
		searcher: s,
		pool:     workerpool.DefaultConfig(),
		logger:   logger,
		tracer:   otel.Tracer("epd-explorer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

// Run executes the full exploration.
func (e *Explorer) Run(ctx context.Context, p Params) (*Report, error) {
	report, err := e.run(ctx, p)
	if err != nil {
		e.metrics.AnalysesFailed.Inc()
		return nil, err
	}
	e.metrics.AnalysesCompleted.Inc()
	return report, nil
}

func (e *Explorer) run(ctx context.Context, p Params) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	p.Resources = distinct(p.Resources)
	start := time.Now()
	report := &Report{
		RunID:  uuid.New().String(),
		Params: p,
	}

	ctx, span := e.tracer.Start(ctx, "epd_explore",
		trace.WithAttributes(
			attribute.String("run_id", report.RunID),
			attribute.StringSlice("resources", p.Resources),
			attribute.String("pco_code", p.PCOCode),
			attribute.String("substance", p.Substance),
		))
	defer span.End()

	logger := e.logger.With(zap.String("run_id", report.RunID))

	table, perResource, err := e.Load(ctx, p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report.Rows = table.Len()
	report.ResourceRows = perResource
	logger.Info("records loaded", zap.Int("rows", table.Len()))

	if table.Len() == 0 {
		report.Warnings = append(report.Warnings, "no records matched the query")
		return e.finish(ctx, report, start, logger)
	}

	quantities, err := table.Floats(epd.ColumnQuantity)
	if err != nil {
		return nil, fmt.Errorf("read quantities: %w", err)
	}
	if blank := table.Len() - len(quantities); blank > 0 {
		logger.Warn("rows without quantity skipped", zap.Int("rows", blank))
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d rows have no quantity", blank))
	}
	report.MaxQuantity, _, _ = table.Max(epd.ColumnQuantity)

	groups, err := table.GroupBy(epd.ColumnBNFDescription)
	if err != nil {
		return nil, fmt.Errorf("group by description: %w", err)
	}
	report.Descriptions = len(groups)

	if p.ChartDir != "" && len(quantities) > 0 {
		paths, err := e.chartOverview(p.ChartDir, quantities, report.MaxQuantity, groups)
		if err != nil {
			return nil, err
		}
		report.Charts = append(report.Charts, paths...)
	}

	filtered, err := table.Contains(epd.ColumnBNFDescription, p.Contains)
	if err != nil {
		return nil, fmt.Errorf("filter descriptions: %w", err)
	}
	report.FilteredRows = filtered.Len()
	e.metrics.RowsFiltered.Observe(float64(filtered.Len()))

	if filtered.Len() == 0 {
		logger.Warn("description filter matched no rows", zap.String("contains", p.Contains))
		report.Warnings = append(report.Warnings, fmt.Sprintf("no descriptions contain %q", p.Contains))
		report.TopQuantity = []epd.ValueCount{}
		return e.finish(ctx, report, start, logger)
	}

	if p.ChartDir != "" {
		path, err := e.chartFiltered(p.ChartDir, p.Contains, filtered)
		if err != nil {
			return nil, err
		}
		if path != "" {
			report.Charts = append(report.Charts, path)
		}
	}

	report.TopQuantity, err = filtered.ValueCounts(epd.ColumnQuantity, p.Top)
	if err != nil {
		return nil, fmt.Errorf("count quantities: %w", err)
	}

	return e.finish(ctx, report, start, logger)
}

func (e *Explorer) finish(ctx context.Context, report *Report, start time.Time, logger *zap.Logger) (*Report, error) {
	report.GeneratedAt = time.Now().UTC()
	report.Duration = time.Since(start)

	if e.sink != nil {
		payload, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("encode report: %w", err)
		}
		if err := e.sink.Publish(ctx, report.RunID, payload); err != nil {
			return nil, fmt.Errorf("publish report: %w", err)
		}
		e.metrics.ReportsPublished.Inc()
	}

	logger.Info("analysis complete",
		zap.Int("rows", report.Rows),
		zap.Int("filtered_rows", report.FilteredRows),
		zap.Int("charts", len(report.Charts)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// chartOverview renders the five unfiltered views of QUANTITY.
func (e *Explorer) chartOverview(dir string, quantities []float64, maxQty float64, groups []epd.Group) ([]string, error) {
	base := chart.DefaultOptions()

	noGrid := base
	noGrid.Grid = false

	fifty := noGrid
	fifty.Bins = 50

	perValue := noGrid
	perValue.Bins = chart.BinsPerValue(maxQty)

	singles := []struct {
		file string
		opts chart.Options
	}{
		{"quantity.png", base},
		{"quantity_nogrid.png", noGrid},
		{"quantity_50bins.png", fifty},
		{"quantity_per_value.png", perValue},
	}

	var paths []string
	for _, s := range singles {
		fig, err := chart.Histogram(quantities, s.opts)
		if err != nil {
			return nil, fmt.Errorf("chart %s: %w", s.file, err)
		}
		path := filepath.Join(dir, s.file)
		if err := fig.Save(path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	byDesc := fifty
	byDesc.ShareX = true
	byDesc.Rows, byDesc.Cols = max(18, len(groups)), 1
	byDesc.Width, byDesc.Height = 10*inch, 20*inch
	path, err := e.saveGrouped(dir, "quantity_by_description.png", groups, byDesc)
	if err != nil {
		return nil, err
	}
	return append(paths, path), nil
}

// chartFiltered renders the per-description view of the filtered rows with
// one bin per quantity unit. It writes nothing when no filtered row has a
// quantity.
func (e *Explorer) chartFiltered(dir, contains string, filtered *epd.Table) (string, error) {
	maxQty, ok, err := filtered.Max(epd.ColumnQuantity)
	if err != nil {
		return "", fmt.Errorf("read filtered quantities: %w", err)
	}
	if !ok {
		return "", nil
	}
	groups, err := filtered.GroupBy(epd.ColumnBNFDescription)
	if err != nil {
		return "", fmt.Errorf("group filtered rows: %w", err)
	}

	opts := chart.DefaultOptions()
	opts.Grid = false
	opts.Bins = chart.BinsPerValue(maxQty)
	opts.ShareX = true
	opts.Rows, opts.Cols = max(5, len(groups)), 1
	opts.Width, opts.Height = 5*inch, 10*inch

	return e.saveGrouped(dir, fileSafe(contains)+"_by_description.png", groups, opts)
}

func (e *Explorer) saveGrouped(dir, file string, groups []epd.Group, opts chart.Options) (string, error) {
	panels := make([]chart.Panel, 0, len(groups))
	for _, g := range groups {
		vals, err := g.Table.Floats(epd.ColumnQuantity)
		if err != nil {
			return "", fmt.Errorf("group %q: %w", g.Key, err)
		}
		if len(vals) == 0 {
			continue
		}
		panels = append(panels, chart.Panel{Title: g.Key, Values: vals})
	}

	fig, err := chart.Grouped(panels, opts)
	if err != nil {
		return "", fmt.Errorf("chart %s: %w", file, err)
	}
	path := filepath.Join(dir, file)
	if err := fig.Save(path); err != nil {
		return "", err
	}
	e.logger.Debug("chart written", zap.String("path", path), zap.Int("panels", len(panels)))
	return path, nil
}
