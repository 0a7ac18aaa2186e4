package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"gonum.org/v1/plot/vg"

	"github.com/drfirst/go-epd/internal/epd"
	"github.com/drfirst/go-epd/internal/opendata"
	"github.com/drfirst/go-epd/pkg/workerpool"
)

const inch = vg.Inch

// Load fetches every resource in p concurrently and concatenates the records
// in resource order. A resource listed more than once is fetched once. The
// second result counts rows per resource.
func (e *Explorer) Load(ctx context.Context, p Params) (*epd.Table, map[string]int, error) {
	resources := distinct(p.Resources)
	if len(resources) == 0 {
		return epd.NewTable(nil), map[string]int{}, nil
	}

	cfg := e.pool
	cfg.QueueSize = max(cfg.QueueSize, len(resources))
	cfg.Workers = min(max(cfg.Workers, 1), len(resources))

	pool, err := workerpool.New(cfg, e.fetch, e.logger)
	if err != nil {
		return nil, nil, err
	}
	pool.Start()
	defer pool.Stop()

	for _, resource := range resources {
		q := opendata.NewEPDQuery(resource, p.PCOCode, p.Substance)
		q.Limit = p.Limit
		if err := pool.Submit(&workerpool.Task{ID: resource, Payload: q, Context: ctx}); err != nil {
			return nil, nil, fmt.Errorf("queue %s: %w", resource, err)
		}
	}

	results, err := pool.Collect(ctx, len(resources))
	if err != nil {
		return nil, nil, fmt.Errorf("collect results: %w", err)
	}

	stats := pool.Stats()
	e.logger.Debug("resources fetched",
		zap.Int("resources", len(resources)),
		zap.Int("workers", stats.Workers),
		zap.Int64("failed", stats.TasksFailed),
		zap.Int64("retried", stats.TasksRetried))

	var records []map[string]any
	counts := make(map[string]int, len(resources))
	for _, resource := range resources {
		r, ok := results[resource]
		if !ok {
			return nil, nil, fmt.Errorf("no result for resource %s", resource)
		}
		if !r.Success {
			return nil, nil, fmt.Errorf("fetch %s: %w", resource, r.Error)
		}
		batch, _ := r.Data.([]map[string]any)
		counts[resource] = len(batch)
		records = append(records, batch...)
	}
	return epd.NewTable(records), counts, nil
}

// Quantities returns the QUANTITY column of the rows selected by p. A
// non-empty p.Contains restricts it to matching descriptions.
func (e *Explorer) Quantities(ctx context.Context, p Params) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	table, _, err := e.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	if p.Contains != "" {
		if table, err = table.Contains(epd.ColumnBNFDescription, p.Contains); err != nil {
			return nil, err
		}
	}
	return table.Floats(epd.ColumnQuantity)
}

// fetch is the pool worker. Rate limiting and the circuit breaker live in the
// client; the pool only retries transient upstream failures.
func (e *Explorer) fetch(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	q, ok := task.Payload.(opendata.Query)
	if !ok {
		return &workerpool.Result{Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}

	records, err := e.searcher.Search(ctx, q)
	if err != nil {
		return &workerpool.Result{Error: err, Retryable: retryable(err)}
	}
	e.logger.Debug("resource fetched",
		zap.String("resource", q.Resource),
		zap.Int("records", len(records)))
	return &workerpool.Result{Success: true, Data: records}
}

func retryable(err error) bool {
	var se *opendata.StatusError
	return errors.As(err, &se) && se.Temporary()
}

// distinct drops repeated resources, keeping first-seen order.
func distinct(resources []string) []string {
	seen := make(map[string]struct{}, len(resources))
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// fileSafe turns a filter term into a file name stem. Case is kept because
// the filter is case-sensitive.
func fileSafe(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, strings.TrimSpace(s))
	if s == "" {
		return "filtered"
	}
	return s
}
