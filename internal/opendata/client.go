package opendata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drfirst/go-epd/internal/observability/metrics"
	"github.com/drfirst/go-epd/pkg/circuitbreaker"
)

const (
	userAgent       = "go-epd/1.0"
	maxErrorBodyLen = 512
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Temporary reports whether retrying later could succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ClientConfig holds portal client configuration
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	Breaker   circuitbreaker.Config
}

// DefaultClientConfig returns settings for opendata.nhsbsa.net
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:   "https://opendata.nhsbsa.net/api/3/action",
		Timeout:   60 * time.Second,
		RateLimit: 2,
		RateBurst: 1,
		Breaker:   circuitbreaker.DefaultConfig("opendata-portal"),
	}
}

// Client fetches datastore results from the portal
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewClient creates a portal client. m and logger may be nil.
func NewClient(cfg ClientConfig, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	bcfg := cfg.Breaker
	if bcfg.Name == "" {
		bcfg = circuitbreaker.DefaultConfig("opendata-portal")
	}
	bcfg.IsSuccessful = countsAsSuccess
	userHook := bcfg.OnStateChange
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Ordinal())
		if userHook != nil {
			userHook(name, to)
		}
	}

	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}
	m.CircuitBreakerState.WithLabelValues(bcfg.Name).Set(circuitbreaker.StateClosed.Ordinal())

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    breaker,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("opendata-client"),
	}, nil
}

// Breaker exposes the circuit breaker for readiness checks.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// BaseURL returns the action endpoint the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Search runs q against the portal and returns the rows at
// result.result.records.
func (c *Client) Search(ctx context.Context, q Query) ([]map[string]any, error) {
	rawURL, err := q.URL(c.baseURL)
	if err != nil {
		return nil, err
	}

	doc, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	records, err := ExtractRecords(doc)
	if err != nil {
		return nil, fmt.Errorf("extract records for %s: %w", q.Resource, err)
	}
	c.metrics.RecordsFetched.WithLabelValues(q.Resource).Add(float64(len(records)))

	c.logger.Info("records fetched",
		zap.String("resource", q.Resource),
		zap.Int("records", len(records)))
	return records, nil
}

// Get issues one GET for rawURL and returns the decoded JSON body. Numbers
// are decoded as json.Number.
func (c *Client) Get(ctx context.Context, rawURL string) (any, error) {
	ctx, span := c.tracer.Start(ctx, "opendata_get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", rawURL)))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	var doc any
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		doc, err = c.do(ctx, rawURL)
		return err
	})
	c.metrics.PortalDuration.Observe(time.Since(start).Seconds())
	c.metrics.PortalRequests.WithLabelValues(outcome(err)).Inc()

	if err != nil {
		span.RecordError(err)
		c.logger.Warn("portal request failed",
			zap.String("url", rawURL),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	c.logger.Debug("portal request completed",
		zap.String("url", rawURL),
		zap.Duration("duration", time.Since(start)))
	return doc, nil
}

func (c *Client) do(ctx context.Context, rawURL string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: rawURL, Body: string(body)}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return doc, nil
}

// DecodeError is returned when the body is not valid JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "failed to parse JSON response: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// countsAsSuccess keeps client mistakes and cancellations from tripping the
// breaker; only upstream trouble counts.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}

func outcome(err error) string {
	var (
		se *StatusError
		de *DecodeError
	)
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, circuitbreaker.ErrOpen):
		return metrics.OutcomeRejected
	case errors.As(err, &se):
		return metrics.OutcomeStatus
	case errors.As(err, &de):
		return metrics.OutcomeDecode
	default:
		return metrics.OutcomeNetwork
	}
}
