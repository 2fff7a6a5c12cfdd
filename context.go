package strand

import (
	"fmt"
	"strconv"
)

const (
	flagSampled = byte(1)
	flagDebug   = byte(2)
)

// TraceID is the 128-bit identifier shared by every span in one trace.
// It is generated once at the root span and propagated unchanged to all
// descendants. The low 64 bits are uniformly random, which the
// probabilistic sampler relies on; the high bits carry a millisecond
// timestamp prefix so trace IDs sort roughly by start time.
type TraceID struct {
	High, Low uint64
}

// String returns the 32-character lowercase hex form.
func (t TraceID) String() string {
	return fmt.Sprintf("%016x%016x", t.High, t.Low)
}

// IsValid reports whether the trace ID is non-zero.
func (t TraceID) IsValid() bool {
	return t.High != 0 || t.Low != 0
}

// TraceIDFromString parses a hex trace ID of up to 32 characters.
// Values of 16 characters or fewer populate only the low half.
func TraceIDFromString(s string) (TraceID, error) {
	var id TraceID
	switch {
	case s == "" || len(s) > 32:
		return id, fmt.Errorf("trace id must be 1-32 hex characters, got %q", s)
	case len(s) > 16:
		high, err := strconv.ParseUint(s[:len(s)-16], 16, 64)
		if err != nil {
			return id, fmt.Errorf("invalid trace id %q: %w", s, err)
		}
		low, err := strconv.ParseUint(s[len(s)-16:], 16, 64)
		if err != nil {
			return id, fmt.Errorf("invalid trace id %q: %w", s, err)
		}
		id.High, id.Low = high, low
	default:
		low, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return id, fmt.Errorf("invalid trace id %q: %w", s, err)
		}
		id.Low = low
	}
	return id, nil
}

// SpanID is a span identifier, unique within one trace. Zero means
// "no span", which is how a missing parent is represented.
type SpanID uint64

// String returns the 16-character lowercase hex form.
func (s SpanID) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

// SpanIDFromString parses a hex span ID of up to 16 characters.
func SpanIDFromString(s string) (SpanID, error) {
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("span id must be 1-16 hex characters, got %q", s)
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid span id %q: %w", s, err)
	}
	return SpanID(id), nil
}

// SpanContext is the immutable identity of a span's position in a trace:
// trace ID, span ID, optional parent span ID, sampling flags, and baggage.
// It is owned by the span that created it and shared read-only with child
// spans and the propagators; all "mutation" is copy-on-write.
type SpanContext struct {
	traceID  TraceID
	spanID   SpanID
	parentID SpanID
	flags    byte

	// baggage is shared between contexts of one trace and never mutated
	// in place; WithBaggageItem copies.
	baggage map[string]string

	// debugID is set only on contexts reconstructed from a bare debug
	// header, before a trace exists. Such contexts are not valid parents;
	// they force-sample the next root span and tag it for correlation.
	debugID string

	// remote marks contexts that arrived through Extract, so spans
	// continuing them count as joined rather than started traces.
	remote bool
}

// NewSpanContext assembles a context from its parts. Intended for
// custom propagators and tests; the tracer builds contexts itself.
func NewSpanContext(traceID TraceID, spanID, parentID SpanID, sampled bool, baggage map[string]string) SpanContext {
	var flags byte
	if sampled {
		flags = flagSampled
	}
	return SpanContext{
		traceID:  traceID,
		spanID:   spanID,
		parentID: parentID,
		flags:    flags,
		baggage:  baggage,
	}
}

// TraceID returns the trace identifier.
func (c SpanContext) TraceID() TraceID { return c.traceID }

// SpanID returns the span identifier.
func (c SpanContext) SpanID() SpanID { return c.spanID }

// ParentID returns the parent span identifier, zero for root spans.
func (c SpanContext) ParentID() SpanID { return c.parentID }

// IsSampled reports whether spans of this trace are recorded and exported.
func (c SpanContext) IsSampled() bool { return c.flags&flagSampled != 0 }

// IsDebug reports whether the debug flag is set. Debug traces are always
// sampled and should survive downstream sampling tiers.
func (c SpanContext) IsDebug() bool { return c.flags&flagDebug != 0 }

// IsValid reports whether the context identifies a real span.
func (c SpanContext) IsValid() bool {
	return c.traceID.IsValid() && c.spanID != 0
}

// String renders the context as trace-id:span-id:parent-id:flags.
func (c SpanContext) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", c.traceID, c.spanID, c.parentID, c.flags)
}

// ForEachBaggageItem calls handler for every baggage item until the
// handler returns false. Iteration order is unspecified.
func (c SpanContext) ForEachBaggageItem(handler func(key, value string) bool) {
	for k, v := range c.baggage {
		if !handler(k, v) {
			break
		}
	}
}

// WithBaggageItem returns a copy of the context with the given baggage
// item set. The receiver is left untouched.
func (c SpanContext) WithBaggageItem(key, value string) SpanContext {
	baggage := make(map[string]string, len(c.baggage)+1)
	for k, v := range c.baggage {
		baggage[k] = v
	}
	baggage[key] = value
	c.baggage = baggage
	return c
}

// baggageItem returns a single baggage value, or "".
func (c SpanContext) baggageItem(key string) string {
	return c.baggage[key]
}

// isDebugIDContainerOnly reports whether the context exists solely to
// carry a debug correlation ID into the next root span.
func (c SpanContext) isDebugIDContainerOnly() bool {
	return c.debugID != "" && !c.traceID.IsValid()
}
