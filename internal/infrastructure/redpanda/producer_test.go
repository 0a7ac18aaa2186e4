package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewRecordWithoutSpan(t *testing.T) {
	rec := NewRecord(context.Background(), TopicReports, "run-1", []byte(`{}`))

	assert.Equal(t, TopicReports, rec.Topic)
	assert.Equal(t, []byte("run-1"), rec.Key)
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, "content-type", rec.Headers[0].Key)
}

func TestNewRecordCarriesTraceparent(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	rec := NewRecord(ctx, TopicReports, "run-1", nil)

	require.Len(t, rec.Headers, 2)
	assert.Equal(t, "traceparent", rec.Headers[1].Key)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", string(rec.Headers[1].Value))
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Brokers = nil
	_, err := NewProducer(cfg, nil)
	assert.Error(t, err)
}

func TestNewProducerDefaultsTopic(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Topic = ""
	p, err := NewProducer(cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, TopicReports, p.config.Topic)
	assert.Equal(t, ProducerStats{}, p.Stats())
}

func TestReportTopicConfig(t *testing.T) {
	cfg := ReportTopicConfig("")
	assert.Equal(t, TopicReports, cfg.Name)
	assert.Equal(t, int32(1), cfg.Partitions)
	require.Contains(t, cfg.Configs, "retention.ms")
	assert.Equal(t, "2592000000", *cfg.Configs["retention.ms"])
}
