// Package strand is an in-process distributed tracing client. It
// creates and finishes spans, decides once per trace whether to record
// it, carries trace context across process boundaries, and ships
// finished spans to a collection agent in the background.
//
// # Overview
//
// A Tracer is created once per service and shared. Spans form a tree
// under a 128-bit trace id; the sampling decision is made at the root
// and inherited by every descendant, so traces are always recorded
// whole or not at all. Finished sampled spans flow through a bounded
// queue to a Transport; when the queue is full spans are dropped and
// counted rather than making the application wait.
//
// # Features
//
//   - Immutable SpanContext with copy-on-write baggage
//   - Const, probabilistic, rate limiting, per-operation, and remotely
//     controlled samplers
//   - TextMap, HTTPHeaders, and Binary carrier codecs with overridable
//     header keys
//   - Buffered reporter with drop-newest backpressure and bounded close
//   - UDP, HTTP, and gRPC transports speaking OTLP
//   - Prometheus self-metrics and zap logging throughout
//
// # Usage
//
//	sampler, _ := strand.NewProbabilisticSampler(0.01)
//	sender, _ := transport.NewUDPTransport("localhost:6831")
//	reporter := strand.NewRemoteReporter(sender)
//
//	tracer, err := strand.NewTracer("checkout", sampler, reporter)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer tracer.Close()
//
//	span := tracer.StartSpan("charge-card")
//	span.SetTag(strand.String("customer", id))
//	defer span.Finish()
//
// Most services build all of the above from the environment with the
// config package instead of wiring pieces by hand.
package strand
