package strand

import (
	"time"

	"go.uber.org/zap"
)

// TracerOption configures a Tracer at construction time.
type TracerOption func(*Tracer)

// WithLogger sets the logger for the tracer's internal events. The
// default discards everything.
func WithLogger(logger *zap.Logger) TracerOption {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink for the tracer's own counters.
func WithMetrics(metrics *Metrics) TracerOption {
	return func(t *Tracer) {
		if metrics != nil {
			t.metrics = metrics
		}
	}
}

// WithTag adds a process-level tag, exported with every batch.
func WithTag(tag Tag) TracerOption {
	return func(t *Tracer) { t.processTags = append(t.processTags, tag) }
}

// WithMaxLogsPerSpan caps the log records kept on a single span. Above
// the cap older records in the second half are evicted, the total count
// is preserved for reporting. Zero or negative means unlimited.
func WithMaxLogsPerSpan(n int) TracerOption {
	return func(t *Tracer) { t.maxLogsPerSpan = n }
}

// WithCustomHeaderKeys overrides the carrier keys used by the text
// propagation codecs. Unset fields keep their defaults.
func WithCustomHeaderKeys(keys HeaderKeys) TracerOption {
	return func(t *Tracer) { t.headerKeys = keys }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) TracerOption {
	return func(t *Tracer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// StartSpanOptions is the accumulated result of StartSpan options.
type StartSpanOptions struct {
	// References to other span contexts; the first ChildOf reference, or
	// failing that the first reference, becomes the primary parent.
	References []Reference

	// StartTime overrides the clock reading, when non-zero.
	StartTime time.Time

	// Tags are set on the span before it is returned.
	Tags []Tag
}

// StartSpanOption configures a single StartSpan call.
type StartSpanOption func(*StartSpanOptions)

// ChildOf declares the new span a child of sc: same trace, sc is the
// parent doing the waiting. Invalid contexts are ignored unless they
// carry baggage or a debug id.
func ChildOf(sc SpanContext) StartSpanOption {
	return func(o *StartSpanOptions) {
		o.References = append(o.References, Reference{Type: ChildOfRef, Context: sc})
	}
}

// FollowsFrom declares the new span caused by sc without sc waiting on
// its completion, e.g. work handed to a queue.
func FollowsFrom(sc SpanContext) StartSpanOption {
	return func(o *StartSpanOptions) {
		o.References = append(o.References, Reference{Type: FollowsFromRef, Context: sc})
	}
}

// WithReferences appends pre-built references.
func WithReferences(refs ...Reference) StartSpanOption {
	return func(o *StartSpanOptions) {
		o.References = append(o.References, refs...)
	}
}

// WithStartTime sets an explicit start time instead of the clock.
func WithStartTime(t time.Time) StartSpanOption {
	return func(o *StartSpanOptions) { o.StartTime = t }
}

// WithTags sets initial tags on the new span.
func WithTags(tags ...Tag) StartSpanOption {
	return func(o *StartSpanOptions) { o.Tags = append(o.Tags, tags...) }
}
