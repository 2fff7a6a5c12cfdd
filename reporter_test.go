package strand

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeTransport records batches. An optional gate blocks Send until the
// gate channel is closed, simulating a slow or stuck backend.
type fakeTransport struct {
	gate chan struct{}
	fail error

	mu      sync.Mutex
	batches [][]*Span
	process *Process
	closed  int
}

func (f *fakeTransport) Send(_ context.Context, batch *Batch) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	// The reporter reuses its batch slice, so keep a copy.
	spans := make([]*Span, len(batch.Spans))
	copy(spans, batch.Spans)
	f.batches = append(f.batches, spans)
	f.process = batch.Process
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeTransport) spanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, batch := range f.batches {
		total += len(batch)
	}
	return total
}

func remoteReporterFixture(t *testing.T, transport Transport, opts ...RemoteReporterOption) (*Tracer, *RemoteReporter) {
	t.Helper()
	reporter := NewRemoteReporter(transport, opts...)
	tracer, err := NewTracer("test-service", NewConstSampler(true), reporter)
	require.NoError(t, err)
	return tracer, reporter
}

func TestInMemoryReporter(t *testing.T) {
	tracer, reporter := testTracer(t)

	tracer.StartSpan("a").Finish()
	tracer.StartSpan("b").Finish()

	assert.Equal(t, 2, reporter.SpansSubmitted())
	spans := reporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "a", spans[0].OperationName())

	reporter.Reset()
	assert.Zero(t, reporter.SpansSubmitted())
}

func TestCompositeReporter(t *testing.T) {
	first := NewInMemoryReporter()
	second := NewInMemoryReporter()
	composite := NewCompositeReporter(first, second)

	tracer, err := NewTracer("test-service", NewConstSampler(true), composite)
	require.NoError(t, err)
	t.Cleanup(func() { tracer.Close() })

	tracer.StartSpan("op").Finish()

	assert.Equal(t, 1, first.SpansSubmitted())
	assert.Equal(t, 1, second.SpansSubmitted())
}

func TestLoggingReporter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reporter := NewLoggingReporter(zap.New(core))

	tracer, err := NewTracer("test-service", NewConstSampler(true), reporter)
	require.NoError(t, err)
	t.Cleanup(func() { tracer.Close() })

	tracer.StartSpan("checkout").Finish()

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "span finished", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "checkout", fields["operation"])
	assert.NotEmpty(t, fields["trace_id"])
}

func TestRemoteReporterBatchesByCount(t *testing.T) {
	transport := &fakeTransport{}
	tracer, reporter := remoteReporterFixture(t, transport,
		WithMaxBatchSpans(2),
		WithFlushInterval(time.Hour),
	)
	t.Cleanup(func() { tracer.Close() })

	for i := 0; i < 5; i++ {
		tracer.StartSpan("op").Finish()
	}

	// Two full batches go out on their own; the odd span waits.
	require.Eventually(t, func() bool {
		return transport.batchCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, transport.spanCount())

	reporter.Flush()
	assert.Equal(t, 3, transport.batchCount())
	assert.Equal(t, 5, transport.spanCount())
}

func TestRemoteReporterFlushInterval(t *testing.T) {
	transport := &fakeTransport{}
	tracer, _ := remoteReporterFixture(t, transport,
		WithMaxBatchSpans(100),
		WithFlushInterval(20*time.Millisecond),
	)
	t.Cleanup(func() { tracer.Close() })

	tracer.StartSpan("op").Finish()

	require.Eventually(t, func() bool {
		return transport.spanCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemoteReporterCloseDrains(t *testing.T) {
	transport := &fakeTransport{}
	tracer, _ := remoteReporterFixture(t, transport,
		WithMaxBatchSpans(100),
		WithFlushInterval(time.Hour),
	)

	for i := 0; i < 3; i++ {
		tracer.StartSpan("op").Finish()
	}
	require.NoError(t, tracer.Close())

	assert.Equal(t, 3, transport.spanCount())
	assert.Equal(t, 1, transport.closed)

	// Closing again neither drains nor closes twice.
	require.NoError(t, tracer.Close())
	assert.Equal(t, 1, transport.closed)
}

func TestRemoteReporterAttachesProcess(t *testing.T) {
	transport := &fakeTransport{}
	tracer, reporter := remoteReporterFixture(t, transport)
	t.Cleanup(func() { tracer.Close() })

	tracer.StartSpan("op").Finish()
	reporter.Flush()

	require.NotNil(t, transport.process)
	assert.Equal(t, "test-service", transport.process.Service)
	_, ok := findTag(transport.process.Tags, TagClientVersion)
	assert.True(t, ok)
}

func TestRemoteReporterNeverBlocksWhenOverloaded(t *testing.T) {
	metrics := NewMetrics(nil)
	gate := make(chan struct{})
	transport := &fakeTransport{gate: gate}
	tracer, reporter := remoteReporterFixture(t, transport,
		WithQueueSize(2),
		WithMaxBatchSpans(1),
		WithFlushInterval(time.Hour),
		WithReporterMetrics(metrics),
	)

	start := time.Now()
	for i := 0; i < 10; i++ {
		tracer.StartSpan("op").Finish()
	}
	elapsed := time.Since(start)

	// With the transport stuck, at most one span is in flight and two
	// fit the queue; the rest must be shed without stalling Finish.
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.GreaterOrEqual(t, reporter.Dropped(), int64(7))
	assert.Equal(t, float64(reporter.Dropped()), testutil.ToFloat64(metrics.ReporterDropped))

	close(gate)
	require.NoError(t, tracer.Close())
	assert.Equal(t, 10-int(reporter.Dropped()), transport.spanCount())
}

func TestRemoteReporterCloseTimeout(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{gate: gate}
	tracer, _ := remoteReporterFixture(t, transport,
		WithMaxBatchSpans(1),
		WithFlushInterval(time.Hour),
		WithCloseTimeout(50*time.Millisecond),
	)

	tracer.StartSpan("op").Finish()

	err := tracer.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// Unstick the flush goroutine so it can exit.
	close(gate)
}

func TestRemoteReporterCountsSendFailures(t *testing.T) {
	metrics := NewMetrics(nil)
	transport := &fakeTransport{fail: errors.New("collector down")}
	tracer, reporter := remoteReporterFixture(t, transport,
		WithMaxBatchSpans(1),
		WithFlushInterval(time.Hour),
		WithReporterMetrics(metrics),
	)
	t.Cleanup(func() { tracer.Close() })

	tracer.StartSpan("op").Finish()
	reporter.Flush()

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.SendFailures), float64(1))
	assert.Zero(t, transport.batchCount())

	// The reporter keeps going after failures.
	tracer.StartSpan("op").Finish()
	reporter.Flush()
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.SendFailures), float64(2))
}
