package transport

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/strandtrace/strand-go"
	"github.com/strandtrace/strand-go/internal/wire"
)

// A fixed clock keeps encoded span sizes identical for equal payloads.
var fixedNow = time.Unix(1700000000, 0).UTC()

func transportTracer(t *testing.T) (*strand.Tracer, *strand.InMemoryReporter) {
	t.Helper()
	reporter := strand.NewInMemoryReporter()
	tracer, err := strand.NewTracer("transport-test", strand.NewConstSampler(true), reporter,
		strand.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { tracer.Close() })
	return tracer, reporter
}

// finishedSpans returns one finished span per payload, each carrying a
// payload tag of that many bytes.
func finishedSpans(t *testing.T, payloads ...int) []*strand.Span {
	t.Helper()
	tracer, reporter := transportTracer(t)
	for _, payload := range payloads {
		span := tracer.StartSpan("op")
		if payload > 0 {
			span.SetTag(strand.String("payload", strings.Repeat("x", payload)))
		}
		span.Finish()
	}
	return reporter.GetSpans()
}

func payloadLen(span *tracepb.Span) int {
	for _, attr := range span.Attributes {
		if attr.Key == "payload" {
			return len(attr.Value.GetStringValue())
		}
	}
	return 0
}

func TestPackChunksSingleChunk(t *testing.T) {
	spans := finishedSpans(t, 8, 8, 8)

	chunks, oversized := packChunks(spans, 1<<20, 6)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 3)
	assert.Empty(t, oversized)
}

func TestPackChunksSplitsAtBudget(t *testing.T) {
	spans := finishedSpans(t, 64, 64, 64)

	const framing = 6
	size := wire.Size(wire.EncodeSpan(spans[0])) + framing
	require.Equal(t, size, wire.Size(wire.EncodeSpan(spans[1]))+framing)
	require.Equal(t, size, wire.Size(wire.EncodeSpan(spans[2]))+framing)

	chunks, oversized := packChunks(spans, 2*size, framing)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 1)
	assert.Empty(t, oversized)
}

func TestPackChunksOversized(t *testing.T) {
	spans := finishedSpans(t, 8, 2048, 8)

	const framing = 6
	small := wire.Size(wire.EncodeSpan(spans[0])) + framing

	chunks, oversized := packChunks(spans, small, framing)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 1)
	assert.Len(t, chunks[1], 1)

	require.Len(t, oversized, 1)
	assert.Equal(t, 2048, payloadLen(oversized[0]))
	assert.Greater(t, wire.Size(oversized[0]), small)
}

func TestPackChunksEmpty(t *testing.T) {
	chunks, oversized := packChunks(nil, 100, 6)
	assert.Empty(t, chunks)
	assert.Empty(t, oversized)
}

func TestPackChunksPreservesOrder(t *testing.T) {
	spans := finishedSpans(t, 1, 2, 3, 4)

	chunks, oversized := packChunks(spans, 1<<20, 6)
	require.Len(t, chunks, 1)
	require.Empty(t, oversized)

	for i, encoded := range chunks[0] {
		assert.Equal(t, i+1, payloadLen(encoded))
	}
}
