package strand

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reporter consumes spans as they finish. Report is called
// synchronously from Span.Finish and therefore must not block; the
// remote implementation hands the span to a background flush loop and
// returns immediately.
type Reporter interface {
	Report(span *Span)

	// Close flushes what it can within the implementation's bounds and
	// releases resources. Spans reported after Close may be dropped.
	Close() error
}

// NoopReporter discards every span.
type NoopReporter struct{}

// NewNoopReporter creates a reporter that does nothing.
func NewNoopReporter() *NoopReporter { return &NoopReporter{} }

// Report implements Reporter.
func (*NoopReporter) Report(*Span) {}

// Close implements Reporter.
func (*NoopReporter) Close() error { return nil }

// LoggingReporter writes a line per finished span, useful in
// development and as a composite sidecar for debugging exports.
type LoggingReporter struct {
	logger *zap.Logger
}

// NewLoggingReporter creates a reporter that logs spans to logger.
func NewLoggingReporter(logger *zap.Logger) *LoggingReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingReporter{logger: logger}
}

// Report implements Reporter.
func (r *LoggingReporter) Report(span *Span) {
	ctx := span.Context()
	r.logger.Info("span finished",
		zap.String("trace_id", ctx.TraceID().String()),
		zap.String("span_id", ctx.SpanID().String()),
		zap.String("operation", span.OperationName()),
		zap.Duration("duration", span.Duration()),
	)
}

// Close implements Reporter.
func (*LoggingReporter) Close() error { return nil }

// InMemoryReporter collects spans for inspection in tests.
type InMemoryReporter struct {
	mu    sync.Mutex
	spans []*Span
}

// NewInMemoryReporter creates an empty collecting reporter.
func NewInMemoryReporter() *InMemoryReporter {
	return &InMemoryReporter{}
}

// Report implements Reporter.
func (r *InMemoryReporter) Report(span *Span) {
	r.mu.Lock()
	r.spans = append(r.spans, span)
	r.mu.Unlock()
}

// Close implements Reporter.
func (*InMemoryReporter) Close() error { return nil }

// SpansSubmitted returns how many spans were reported.
func (r *InMemoryReporter) SpansSubmitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

// GetSpans returns a snapshot of the collected spans.
func (r *InMemoryReporter) GetSpans() []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Span, len(r.spans))
	copy(out, r.spans)
	return out
}

// Reset discards the collected spans.
func (r *InMemoryReporter) Reset() {
	r.mu.Lock()
	r.spans = nil
	r.mu.Unlock()
}

// CompositeReporter fans each span out to several reporters in order.
type CompositeReporter struct {
	reporters []Reporter
}

// NewCompositeReporter creates a reporter delegating to reporters.
func NewCompositeReporter(reporters ...Reporter) *CompositeReporter {
	return &CompositeReporter{reporters: reporters}
}

// Report implements Reporter.
func (r *CompositeReporter) Report(span *Span) {
	for _, reporter := range r.reporters {
		reporter.Report(span)
	}
}

// Close implements Reporter, closing every delegate and returning the
// first error.
func (r *CompositeReporter) Close() error {
	var first error
	for _, reporter := range r.reporters {
		if err := reporter.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

const (
	defaultQueueSize     = 1000
	defaultMaxBatchSpans = 100
	defaultFlushInterval = time.Second
	defaultCloseTimeout  = 2 * time.Second
)

// RemoteReporterOption configures a RemoteReporter.
type RemoteReporterOption func(*remoteReporterOptions)

type remoteReporterOptions struct {
	queueSize     int
	maxBatchSpans int
	flushInterval time.Duration
	closeTimeout  time.Duration
	logger        *zap.Logger
	metrics       *Metrics
}

// WithQueueSize bounds how many finished spans may wait for export.
func WithQueueSize(n int) RemoteReporterOption {
	return func(o *remoteReporterOptions) { o.queueSize = n }
}

// WithMaxBatchSpans caps spans per batch handed to the transport.
func WithMaxBatchSpans(n int) RemoteReporterOption {
	return func(o *remoteReporterOptions) { o.maxBatchSpans = n }
}

// WithFlushInterval sets how long a partial batch may wait before it is
// sent anyway.
func WithFlushInterval(interval time.Duration) RemoteReporterOption {
	return func(o *remoteReporterOptions) { o.flushInterval = interval }
}

// WithCloseTimeout bounds how long Close waits for the final drain.
func WithCloseTimeout(timeout time.Duration) RemoteReporterOption {
	return func(o *remoteReporterOptions) { o.closeTimeout = timeout }
}

// WithReporterLogger sets the logger for export failures and drops.
func WithReporterLogger(logger *zap.Logger) RemoteReporterOption {
	return func(o *remoteReporterOptions) { o.logger = logger }
}

// WithReporterMetrics sets the metrics sink for queue and export
// counters.
func WithReporterMetrics(metrics *Metrics) RemoteReporterOption {
	return func(o *remoteReporterOptions) { o.metrics = metrics }
}

// RemoteReporter buffers finished spans in a bounded queue and exports
// them in batches through a Transport. When the queue is full the
// newest span is dropped and counted; the instrumented application is
// never made to wait on the tracing backend.
type RemoteReporter struct {
	transport Transport
	opts      remoteReporterOptions

	queue   chan *Span
	flush   chan chan<- struct{}
	stop    chan struct{}
	stopped chan struct{}

	stopOnce sync.Once
	dropped  atomic.Int64

	// proc caches the emitting process, resolved from the first span's
	// tracer. Touched only by the flush goroutine.
	proc *Process
}

// NewRemoteReporter creates a reporter exporting through transport and
// starts its flush loop.
func NewRemoteReporter(transport Transport, opts ...RemoteReporterOption) *RemoteReporter {
	options := remoteReporterOptions{
		queueSize:     defaultQueueSize,
		maxBatchSpans: defaultMaxBatchSpans,
		flushInterval: defaultFlushInterval,
		closeTimeout:  defaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.metrics == nil {
		options.metrics = NewMetrics(nil)
	}
	if options.queueSize <= 0 {
		options.queueSize = defaultQueueSize
	}
	if options.maxBatchSpans <= 0 {
		options.maxBatchSpans = defaultMaxBatchSpans
	}

	r := &RemoteReporter{
		transport: transport,
		opts:      options,
		queue:     make(chan *Span, options.queueSize),
		flush:     make(chan chan<- struct{}),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Report implements Reporter. It never blocks: a span that does not fit
// the queue is dropped and the drop is counted.
func (r *RemoteReporter) Report(span *Span) {
	select {
	case r.queue <- span:
	default:
		r.dropped.Add(1)
		r.opts.metrics.ReporterDropped.Inc()
	}
}

// Flush sends everything currently queued and returns once the
// transport has accepted it. Mainly for tests and shutdown hooks; the
// background loop flushes on its own cadence.
func (r *RemoteReporter) Flush() {
	done := make(chan struct{})
	select {
	case r.flush <- done:
		<-done
	case <-r.stopped:
	}
}

// Dropped returns how many spans were rejected by the full queue.
func (r *RemoteReporter) Dropped() int64 { return r.dropped.Load() }

// Close drains the queue, bounded by the close timeout, then closes the
// transport. Spans still in flight when the timeout fires are lost.
func (r *RemoteReporter) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stop)
		select {
		case <-r.stopped:
		case <-time.After(r.opts.closeTimeout):
			err = fmt.Errorf("reporter close timed out after %v", r.opts.closeTimeout)
		}
		if closeErr := r.transport.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}

func (r *RemoteReporter) flushLoop() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.opts.flushInterval)
	defer ticker.Stop()

	batch := make([]*Span, 0, r.opts.maxBatchSpans)
	for {
		select {
		case span := <-r.queue:
			batch = append(batch, span)
			if len(batch) >= r.opts.maxBatchSpans {
				batch = r.send(batch)
			}
		case <-ticker.C:
			batch = r.send(batch)
		case done := <-r.flush:
			batch = r.drain(batch)
			done <- struct{}{}
		case <-r.stop:
			r.drain(batch)
			return
		}
		r.opts.metrics.ReporterQueueLength.Set(float64(len(r.queue)))
	}
}

// drain empties the queue without blocking and sends everything.
func (r *RemoteReporter) drain(batch []*Span) []*Span {
	for {
		select {
		case span := <-r.queue:
			batch = append(batch, span)
			if len(batch) >= r.opts.maxBatchSpans {
				batch = r.send(batch)
			}
		default:
			return r.send(batch)
		}
	}
}

func (r *RemoteReporter) send(batch []*Span) []*Span {
	if len(batch) == 0 {
		return batch
	}
	if r.proc == nil {
		r.proc = batch[0].tracer.processRef()
	}

	err := r.transport.Send(context.Background(), &Batch{Process: r.proc, Spans: batch})
	if err != nil {
		r.opts.metrics.SendFailures.Inc()
		r.opts.logger.Error("span batch export failed",
			zap.Int("spans", len(batch)),
			zap.Error(err))
	} else {
		r.opts.metrics.BatchesSent.Inc()
		r.opts.metrics.SpansSent.Add(float64(len(batch)))
	}
	return batch[:0]
}
