package strand

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Tracer creates, samples, and exports spans for one service instance.
// It is safe for concurrent use; a process typically holds a single
// Tracer for its lifetime and closes it on shutdown.
type Tracer struct {
	serviceName string
	sampler     Sampler
	reporter    Reporter

	logger         *zap.Logger
	metrics        *Metrics
	clock          func() time.Time
	maxLogsPerSpan int
	headerKeys     HeaderKeys
	processTags    []Tag

	textCodec *textMapPropagator
	httpCodec *textMapPropagator
	binCodec  binaryPropagator

	process Process

	closeOnce sync.Once
	closeErr  error
}

// NewTracer creates a tracer for serviceName. A nil sampler records
// everything and a nil reporter discards everything, which keeps
// partially wired setups harmless.
func NewTracer(serviceName string, sampler Sampler, reporter Reporter, opts ...TracerOption) (*Tracer, error) {
	if serviceName == "" {
		return nil, ErrMissingServiceName
	}
	if sampler == nil {
		sampler = NewConstSampler(true)
	}
	if reporter == nil {
		reporter = NewNoopReporter()
	}

	t := &Tracer{
		serviceName: serviceName,
		sampler:     sampler,
		reporter:    reporter,
		logger:      zap.NewNop(),
		clock:       time.Now,
		headerKeys:  DefaultHeaderKeys(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(nil)
	}
	if t.maxLogsPerSpan < 0 {
		t.maxLogsPerSpan = 0
	}
	t.textCodec = newTextMapPropagator(t.headerKeys, false)
	t.httpCodec = newTextMapPropagator(t.headerKeys, true)

	tags := make([]Tag, 0, len(t.processTags)+4)
	tags = append(tags,
		String(TagClientVersion, clientVersion),
		String(TagClientUUID, uuid.NewString()),
	)
	if hostname, err := os.Hostname(); err == nil {
		tags = append(tags, String(TagHostname, hostname))
	}
	if ip := localIPv4(); ip != "" {
		tags = append(tags, String(TagClientIP, ip))
	}
	tags = append(tags, t.processTags...)
	t.processTags = tags
	t.process = Process{Service: serviceName, Tags: tags}

	t.logger.Info("tracer initialized", zap.String("service", serviceName))
	return t, nil
}

// ServiceName returns the service this tracer reports for.
func (t *Tracer) ServiceName() string { return t.serviceName }

// Process returns the process identity attached to exported batches.
func (t *Tracer) Process() Process { return t.process }

func (t *Tracer) processRef() *Process { return &t.process }

// StartSpan starts a span named operation. Without a parent reference a
// new trace begins and the sampler is consulted exactly once; with one,
// the parent's trace id, sampling decision, and baggage are inherited.
func (t *Tracer) StartSpan(operation string, opts ...StartSpanOption) *Span {
	var options StartSpanOptions
	for _, opt := range opts {
		opt(&options)
	}
	return t.startSpanWithOptions(operation, options)
}

func (t *Tracer) startSpanWithOptions(operation string, options StartSpanOptions) *Span {
	startTime := options.StartTime
	if startTime.IsZero() {
		startTime = t.clock()
	}

	var (
		parent     SpanContext
		hasParent  bool
		parentType RefType
		references []Reference
	)
	for _, ref := range options.References {
		ctx := ref.Context
		if !ctx.IsValid() {
			// An invalid context may still seed the new root with
			// baggage or a debug correlation id.
			if !hasParent && parent.debugID == "" && parent.baggage == nil &&
				(ctx.debugID != "" || len(ctx.baggage) > 0) {
				parent = ctx
			}
			continue
		}
		references = append(references, ref)
		if !hasParent {
			parent, hasParent, parentType = ctx, true, ref.Type
		} else if parentType != ChildOfRef && ref.Type == ChildOfRef {
			parent, parentType = ctx, ChildOfRef
		}
	}

	var (
		ctx         SpanContext
		samplerTags []Tag
	)
	switch {
	case !hasParent:
		ctx.traceID = t.newTraceID()
		ctx.spanID = SpanID(ctx.traceID.Low)
		ctx.baggage = parent.baggage
		if parent.debugID != "" {
			ctx.flags = flagSampled | flagDebug
			samplerTags = []Tag{String(TagDebugID, parent.debugID)}
		} else if sampled, tags := t.sampler.IsSampled(ctx.traceID, operation); sampled {
			ctx.flags = flagSampled
			samplerTags = tags
		}
		t.metrics.observeTrace("started", ctx.IsSampled())
	case parent.remote:
		ctx = childContext(parent)
		t.metrics.observeTrace("joined", ctx.IsSampled())
	default:
		ctx = childContext(parent)
		t.metrics.observeSpanStart(ctx.IsSampled())
	}

	span := &Span{
		tracer:        t,
		sampled:       ctx.IsSampled(),
		context:       ctx,
		operationName: operation,
		startTime:     startTime,
		references:    references,
	}
	if span.sampled {
		span.tags = append(span.tags, samplerTags...)
		for _, tag := range options.Tags {
			span.setTagLocked(tag)
		}
	}
	return span
}

func childContext(parent SpanContext) SpanContext {
	return SpanContext{
		traceID:  parent.traceID,
		spanID:   randomSpanID(),
		parentID: parent.spanID,
		flags:    parent.flags,
		baggage:  parent.baggage,
	}
}

// Inject encodes sc into carrier using format.
func (t *Tracer) Inject(sc SpanContext, format Format, carrier interface{}) error {
	switch format {
	case TextMap:
		return t.textCodec.Inject(sc, carrier)
	case HTTPHeaders:
		return t.httpCodec.Inject(sc, carrier)
	case Binary:
		return t.binCodec.Inject(sc, carrier)
	default:
		return ErrUnsupportedFormat
	}
}

// Extract decodes a SpanContext from carrier. On failure it returns a
// zero context and one of the sentinel errors; callers start a new
// trace in that case.
func (t *Tracer) Extract(format Format, carrier interface{}) (SpanContext, error) {
	var (
		sc  SpanContext
		err error
	)
	switch format {
	case TextMap:
		sc, err = t.textCodec.Extract(carrier)
	case HTTPHeaders:
		sc, err = t.httpCodec.Extract(carrier)
	case Binary:
		sc, err = t.binCodec.Extract(carrier)
	default:
		return SpanContext{}, ErrUnsupportedFormat
	}
	if err != nil {
		if errors.Is(err, ErrSpanContextCorrupted) {
			t.metrics.ContextDecodingErrors.Inc()
		}
		return SpanContext{}, err
	}
	sc.remote = true
	return sc, nil
}

// Close flushes and stops the reporter, then closes the sampler. It is
// idempotent; later calls return the first result.
func (t *Tracer) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = errors.Join(t.reporter.Close(), t.sampler.Close())
		t.logger.Info("tracer closed", zap.String("service", t.serviceName))
	})
	return t.closeErr
}

func (t *Tracer) now() time.Time { return t.clock() }

func (t *Tracer) reportFinishedSpan(s *Span, sampled bool) {
	t.metrics.SpansFinished.Inc()
	if sampled {
		t.reporter.Report(s)
	}
}

func (t *Tracer) observeDoubleFinish(s *Span) {
	t.metrics.SpansDoubleFinished.Inc()
	ctx := s.Context()
	t.logger.Error("span finished more than once",
		zap.String("operation", s.OperationName()),
		zap.String("trace_id", ctx.TraceID().String()),
		zap.String("span_id", ctx.SpanID().String()),
	)
}

// newTraceID derives a 128-bit trace id from a ULID. The high half
// carries the millisecond timestamp plus two entropy bytes, keeping ids
// roughly sortable by start time; the low half is eight fully random
// bytes, which the probabilistic sampler's threshold test relies on
// being uniform.
func (t *Tracer) newTraceID() TraceID {
	for {
		id := ulid.Make()
		traceID := TraceID{
			High: binary.BigEndian.Uint64(id[0:8]),
			Low:  binary.BigEndian.Uint64(id[8:16]),
		}
		if traceID.Low != 0 {
			return traceID
		}
	}
}

// randomSpanID never returns zero, which marks an unset id.
func randomSpanID() SpanID {
	for {
		if id := SpanID(rand.Uint64()); id != 0 {
			return id
		}
	}
}

// localIPv4 finds the first non-loopback IPv4 address, best effort.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
