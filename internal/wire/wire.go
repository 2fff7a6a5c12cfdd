// Package wire converts finished spans into OTLP protobuf payloads.
// Every transport speaks this one encoding, so an OTLP-capable agent
// can receive batches over UDP, HTTP, or gRPC interchangeably.
package wire

import (
	"encoding/binary"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/strandtrace/strand-go"
)

const (
	scopeName = "github.com/strandtrace/strand-go"

	// w3cSampledFlag is the sampled bit of the W3C trace flags carried
	// in Span.Flags. Exported spans are sampled by definition.
	w3cSampledFlag = 1
)

// EncodeResource maps a process identity to an OTLP resource. The
// service name uses the standard service.name attribute; remaining
// process tags are carried verbatim.
func EncodeResource(process *strand.Process) *resourcepb.Resource {
	attributes := make([]*commonpb.KeyValue, 0, len(process.Tags)+1)
	attributes = append(attributes, &commonpb.KeyValue{
		Key:   "service.name",
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: process.Service}},
	})
	for _, tag := range process.Tags {
		attributes = append(attributes, keyValue(tag))
	}
	return &resourcepb.Resource{Attributes: attributes}
}

// EncodeSpan maps one finished span to its OTLP form.
func EncodeSpan(span *strand.Span) *tracepb.Span {
	ctx := span.Context()

	out := &tracepb.Span{
		TraceId:           traceIDBytes(ctx.TraceID()),
		SpanId:            spanIDBytes(ctx.SpanID()),
		Name:              span.OperationName(),
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		Flags:             w3cSampledFlag,
		StartTimeUnixNano: uint64(span.StartTime().UnixNano()),
		EndTimeUnixNano:   uint64(span.StartTime().Add(span.Duration()).UnixNano()),
	}
	if parent := ctx.ParentID(); parent != 0 {
		out.ParentSpanId = spanIDBytes(parent)
	}

	for _, tag := range span.Tags() {
		switch tag.Key {
		case strand.TagSpanKind:
			out.Kind = spanKind(tag.Value.Str())
		case strand.TagError:
			if tag.Value.Bool() {
				out.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR}
			}
		}
		out.Attributes = append(out.Attributes, keyValue(tag))
	}

	logs := span.Logs()
	if len(logs) > 0 {
		out.Events = make([]*tracepb.Span_Event, 0, len(logs))
		for _, record := range logs {
			out.Events = append(out.Events, encodeLog(record))
		}
		out.DroppedEventsCount = uint32(span.DroppedLogs())
	}

	primaryParent := ctx.ParentID()
	for _, ref := range span.References() {
		if primaryParent != 0 && ref.Context.SpanID() == primaryParent {
			primaryParent = 0
			continue
		}
		out.Links = append(out.Links, &tracepb.Span_Link{
			TraceId: traceIDBytes(ref.Context.TraceID()),
			SpanId:  spanIDBytes(ref.Context.SpanID()),
			Attributes: []*commonpb.KeyValue{{
				Key:   "ref.type",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: ref.Type.String()}},
			}},
		})
	}

	return out
}

// NewRequest assembles an export request from an encoded resource and
// encoded spans.
func NewRequest(resource *resourcepb.Resource, spans []*tracepb.Span) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: resource,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{
					Name:    scopeName,
					Version: strand.Version,
				},
				Spans: spans,
			}},
		}},
	}
}

// EncodeBatch converts a whole batch to an export request.
func EncodeBatch(batch *strand.Batch) *coltracepb.ExportTraceServiceRequest {
	spans := make([]*tracepb.Span, 0, len(batch.Spans))
	for _, span := range batch.Spans {
		spans = append(spans, EncodeSpan(span))
	}
	return NewRequest(EncodeResource(batch.Process), spans)
}

// Marshal serializes an export request to protobuf bytes.
func Marshal(request *coltracepb.ExportTraceServiceRequest) ([]byte, error) {
	return proto.Marshal(request)
}

// MarshalBatch encodes and serializes a batch in one step.
func MarshalBatch(batch *strand.Batch) ([]byte, error) {
	return Marshal(EncodeBatch(batch))
}

// Size returns the serialized size of an encoded span, used by
// transports that pack datagrams against a byte budget.
func Size(span *tracepb.Span) int {
	return proto.Size(span)
}

// RequestOverhead returns the serialized size of a request carrying the
// resource but no spans, the fixed cost every chunk pays.
func RequestOverhead(resource *resourcepb.Resource) int {
	return proto.Size(NewRequest(resource, nil))
}

// RequestSize returns the serialized size of a full export request.
func RequestSize(request *coltracepb.ExportTraceServiceRequest) int {
	return proto.Size(request)
}

func encodeLog(record strand.LogRecord) *tracepb.Span_Event {
	event := &tracepb.Span_Event{
		TimeUnixNano: uint64(record.Timestamp.UnixNano()),
	}
	for _, field := range record.Fields {
		// A string field keyed "event" names the event itself.
		if field.Key == "event" && field.Value.Kind() == strand.ValueKindString && event.Name == "" {
			event.Name = field.Value.Str()
			continue
		}
		event.Attributes = append(event.Attributes, keyValue(field))
	}
	return event
}

func keyValue(tag strand.Tag) *commonpb.KeyValue {
	out := &commonpb.KeyValue{Key: tag.Key}
	switch tag.Value.Kind() {
	case strand.ValueKindString:
		out.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: tag.Value.Str()}}
	case strand.ValueKindBool:
		out.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: tag.Value.Bool()}}
	case strand.ValueKindInt64:
		out.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: tag.Value.Int64()}}
	case strand.ValueKindFloat64:
		out.Value = &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: tag.Value.Float64()}}
	}
	return out
}

func spanKind(kind string) tracepb.Span_SpanKind {
	switch kind {
	case "server":
		return tracepb.Span_SPAN_KIND_SERVER
	case "client":
		return tracepb.Span_SPAN_KIND_CLIENT
	case "producer":
		return tracepb.Span_SPAN_KIND_PRODUCER
	case "consumer":
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}

func traceIDBytes(id strand.TraceID) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], id.High)
	binary.BigEndian.PutUint64(buf[8:16], id.Low)
	return buf
}

func spanIDBytes(id strand.SpanID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}
