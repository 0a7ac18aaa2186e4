// Package handlers provides HTTP handlers for the EPD API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-epd/internal/analysis"
	"github.com/drfirst/go-epd/internal/api/middleware"
	"github.com/drfirst/go-epd/internal/chart"
)

// Analyzer runs analyses. *analysis.Explorer implements it.
type Analyzer interface {
	Run(ctx context.Context, p analysis.Params) (*analysis.Report, error)
	Quantities(ctx context.Context, p analysis.Params) ([]float64, error)
}

// QuantityHandler serves quantity reports and histograms
type QuantityHandler struct {
	analyzer Analyzer
	defaults analysis.Params
	logger   *zap.Logger
}

// NewQuantityHandler creates a handler. Query parameters that are absent fall
// back to defaults.
func NewQuantityHandler(a Analyzer, defaults analysis.Params, logger *zap.Logger) *QuantityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults.ChartDir = ""
	return &QuantityHandler{analyzer: a, defaults: defaults, logger: logger}
}

// Routes returns the handler routes
func (h *QuantityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Report)
	r.Get("/histogram.png", h.Histogram)
	return r
}

// Report handles GET /quantities
func (h *QuantityHandler) Report(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("quantity-handler").Start(r.Context(), "quantity_report")
	defer span.End()

	p, err := h.params(r.URL.Query())
	if err != nil {
		middleware.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.analyzer.Run(ctx, p)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("rows", report.Rows))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// Histogram handles GET /quantities/histogram.png. Rows are filtered by
// description only when contains is given.
func (h *QuantityHandler) Histogram(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("quantity-handler").Start(r.Context(), "quantity_histogram")
	defer span.End()

	q := r.URL.Query()
	p, err := h.params(q)
	if err != nil {
		middleware.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !q.Has("contains") {
		p.Contains = ""
	}

	opts := chart.DefaultOptions()
	opts.Title = strings.Join(p.Resources, ", ")
	if opts.Bins, err = intParam(q, "bins", opts.Bins); err != nil || opts.Bins <= 0 {
		middleware.JSONError(w, "bins must be a positive integer", http.StatusBadRequest)
		return
	}
	if v := q.Get("grid"); v != "" {
		if opts.Grid, err = strconv.ParseBool(v); err != nil {
			middleware.JSONError(w, "grid must be a boolean", http.StatusBadRequest)
			return
		}
	}

	values, err := h.analyzer.Quantities(ctx, p)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}

	fig, err := chart.Histogram(values, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if _, err := fig.WriteTo(&buf); err != nil {
		h.logger.Error("render failed", zap.Error(err))
		middleware.JSONError(w, "failed to render histogram", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

func (h *QuantityHandler) params(q url.Values) (analysis.Params, error) {
	p := h.defaults
	p.Resources = append([]string(nil), h.defaults.Resources...)

	if vals, ok := q["resource"]; ok {
		p.Resources = p.Resources[:0]
		for _, v := range vals {
			for _, res := range strings.Split(v, ",") {
				if res = strings.TrimSpace(res); res != "" {
					p.Resources = append(p.Resources, res)
				}
			}
		}
	}
	if q.Has("pco_code") {
		p.PCOCode = q.Get("pco_code")
	}
	if q.Has("substance") {
		p.Substance = q.Get("substance")
	}
	if q.Has("contains") {
		p.Contains = q.Get("contains")
	}

	var err error
	if p.Top, err = intParam(q, "top", p.Top); err != nil {
		return p, err
	}
	if p.Limit, err = intParam(q, "limit", p.Limit); err != nil {
		return p, err
	}
	return p, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func (h *QuantityHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	msg := "upstream failure: " + err.Error()
	switch {
	case errors.Is(err, analysis.ErrInvalidParams):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, chart.ErrNoData):
		status, msg = http.StatusNotFound, "no quantities matched"
	}

	h.logger.Warn("request failed",
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Int("status", status),
		zap.Error(err))
	middleware.JSONError(w, msg, status)
}
