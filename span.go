package strand

import (
	"sync"
	"time"
)

// LogRecord is one timestamped structured log entry on a span.
type LogRecord struct {
	Timestamp time.Time
	Fields    []Tag
}

// Span is a timed unit of work. A span is mutable only between StartSpan
// and Finish, and only from the goroutine that started it; the single
// exception is SetBaggageItem/BaggageItem, which may race with child-span
// creation and is therefore guarded internally. After Finish the span is
// frozen and owned by the reporter.
//
// Spans whose trace was not sampled are non-recording: every mutation is
// a cheap no-op and nothing is retained or exported.
type Span struct {
	tracer *Tracer

	// sampled is fixed at creation and never changes, so the no-op fast
	// paths can read it without taking mu.
	sampled bool

	// mu guards every field below. Recording spans take it on each
	// mutation; non-recording spans never do.
	mu sync.Mutex

	context       SpanContext
	operationName string
	startTime     time.Time
	duration      time.Duration
	tags          []Tag
	logs          []LogRecord
	references    []Reference

	numDroppedLogs int
	finished       bool
}

// Context returns the span's identity for propagation or child creation.
// Safe to call at any time, including after Finish.
func (s *Span) Context() SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context
}

// Tracer returns the tracer that created this span.
func (s *Span) Tracer() *Tracer { return s.tracer }

// IsRecording reports whether mutations are retained. False once the
// span is finished or when the trace was not sampled.
func (s *Span) IsRecording() bool {
	if !s.sampled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.finished
}

// SetOperationName overrides the name the span was started with.
func (s *Span) SetOperationName(operation string) *Span {
	if !s.sampled {
		return s
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.operationName = operation
	}
	return s
}

// SetTag records a tag on the span, last write per key winning.
// A no-op on non-recording and finished spans.
func (s *Span) SetTag(tag Tag) *Span {
	if !s.sampled {
		return s
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.setTagLocked(tag)
	}
	return s
}

func (s *Span) setTagLocked(tag Tag) {
	for i := range s.tags {
		if s.tags[i].Key == tag.Key {
			s.tags[i].Value = tag.Value
			return
		}
	}
	s.tags = append(s.tags, tag)
}

// Log appends a log entry with the current time.
// A no-op on non-recording and finished spans.
func (s *Span) Log(fields ...Tag) {
	s.LogAt(time.Time{}, fields...)
}

// LogAt appends a log entry with an explicit timestamp; the zero time
// means "now". A no-op on non-recording and finished spans.
func (s *Span) LogAt(timestamp time.Time, fields ...Tag) {
	if !s.sampled || len(fields) == 0 {
		return
	}
	if timestamp.IsZero() {
		timestamp = s.tracer.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.appendLogLocked(LogRecord{Timestamp: timestamp, Fields: fields})
	}
}

// appendLogLocked enforces the per-span log cap. The first half of the
// buffer is kept verbatim; the second half is treated as a circular
// buffer over the newest entries, so both the start and the end of a
// long-running span survive truncation.
func (s *Span) appendLogLocked(lr LogRecord) {
	max := s.tracer.maxLogsPerSpan
	if max == 0 || len(s.logs) < max {
		s.logs = append(s.logs, lr)
		return
	}
	numOld := (max - 1) / 2
	numNew := max - numOld
	s.logs[numOld+s.numDroppedLogs%numNew] = lr
	s.numDroppedLogs++
}

// rotateLogsLocked restores chronological order in the circular second
// half of the log buffer before the span is handed off.
func (s *Span) rotateLogsLocked() {
	if s.numDroppedLogs == 0 {
		return
	}
	max := s.tracer.maxLogsPerSpan
	numOld := (max - 1) / 2
	numNew := max - numOld
	split := numOld + s.numDroppedLogs%numNew
	rotated := make([]LogRecord, 0, len(s.logs))
	rotated = append(rotated, s.logs[:numOld]...)
	rotated = append(rotated, s.logs[split:]...)
	rotated = append(rotated, s.logs[numOld:split]...)
	s.logs = rotated
}

// SetBaggageItem attaches a baggage item that will propagate to every
// descendant span, in process and across process boundaries. Unlike tags
// and logs, baggage applies to unsampled spans too, and this call is safe
// to make concurrently with child-span creation.
func (s *Span) SetBaggageItem(key, value string) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.context = s.context.WithBaggageItem(key, value)
	}
	return s
}

// BaggageItem returns the baggage value for key, or "".
func (s *Span) BaggageItem(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context.baggageItem(key)
}

// Finish freezes the span at the current time and, if it is recording,
// hands it to the reporter. It never blocks beyond the reporter enqueue.
// Finishing twice is a programming error: the second call is logged and
// counted but leaves the already-reported span untouched.
func (s *Span) Finish() {
	s.FinishWithTime(time.Time{})
}

// FinishWithTime is Finish with an explicit finish timestamp; the zero
// time means "now". A finish time earlier than the start time is clamped
// so the duration is never negative.
func (s *Span) FinishWithTime(finishTime time.Time) {
	if finishTime.IsZero() {
		finishTime = s.tracer.now()
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		s.tracer.observeDoubleFinish(s)
		return
	}
	s.finished = true
	if finishTime.Before(s.startTime) {
		finishTime = s.startTime
	}
	s.duration = finishTime.Sub(s.startTime)
	if s.sampled {
		s.rotateLogsLocked()
	}
	s.mu.Unlock()

	s.tracer.reportFinishedSpan(s, s.sampled)
}

// OperationName returns the span's operation name.
func (s *Span) OperationName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationName
}

// StartTime returns the span's start timestamp.
func (s *Span) StartTime() time.Time { return s.startTime }

// Duration returns the span's duration; zero until the span finishes.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Tags returns a copy of the span's tags in insertion order.
func (s *Span) Tags() []Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]Tag, len(s.tags))
	copy(tags, s.tags)
	return tags
}

// Logs returns a copy of the span's log records in chronological order.
func (s *Span) Logs() []LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := make([]LogRecord, len(s.logs))
	copy(logs, s.logs)
	return logs
}

// DroppedLogs returns how many log entries were evicted by the per-span
// log cap.
func (s *Span) DroppedLogs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numDroppedLogs
}

// References returns the span's causal references. The first ChildOf
// reference is the primary parent edge.
func (s *Span) References() []Reference {
	refs := make([]Reference, len(s.references))
	copy(refs, s.references)
	return refs
}
