package strand

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client's self-observability instruments. All
// instruments are created through a single registerer so callers can
// point them at the default registry, a custom one, or (with a nil
// registerer) keep them unregistered.
type Metrics struct {
	// TracesStarted counts sampling decisions for new traces, labeled by
	// state (started locally vs joined from a carrier) and outcome.
	TracesStarted *prometheus.CounterVec

	// SpansStarted counts span creations labeled by sampling outcome.
	SpansStarted *prometheus.CounterVec

	// SpansFinished counts Finish calls on live spans.
	SpansFinished prometheus.Counter

	// SpansDoubleFinished counts Finish calls on already finished spans.
	SpansDoubleFinished prometheus.Counter

	// ReporterQueueLength tracks the reporter's buffered span count.
	ReporterQueueLength prometheus.Gauge

	// ReporterDropped counts spans rejected because the queue was full.
	ReporterDropped prometheus.Counter

	// BatchesSent and SpansSent count successful exports.
	BatchesSent prometheus.Counter
	SpansSent   prometheus.Counter

	// BytesSent counts encoded payload bytes handed to the network.
	BytesSent prometheus.Counter

	// SendFailures counts batches the transport failed to deliver.
	SendFailures prometheus.Counter

	// SpansDiscarded counts spans a transport had to discard, e.g. a
	// single span larger than the datagram limit.
	SpansDiscarded prometheus.Counter

	// SamplerUpdates and SamplerFetchFailures track the remote sampling
	// strategy poller.
	SamplerUpdates       prometheus.Counter
	SamplerFetchFailures prometheus.Counter

	// ContextDecodingErrors counts Extract calls that found a context
	// but could not parse it.
	ContextDecodingErrors prometheus.Counter
}

// NewMetrics creates the instrument set against reg. A nil registerer
// yields working but unregistered instruments, which keeps tests and
// metric-less setups free of global registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TracesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_traces_total",
			Help: "Sampling decisions for new traces by state and outcome",
		}, []string{"state", "sampled"}),
		SpansStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_spans_started_total",
			Help: "Spans started by sampling outcome",
		}, []string{"sampled"}),
		SpansFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_spans_finished_total",
			Help: "Spans finished",
		}),
		SpansDoubleFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_spans_double_finished_total",
			Help: "Finish calls on spans that were already finished",
		}),
		ReporterQueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "strand_reporter_queue_length",
			Help: "Spans currently buffered in the reporter queue",
		}),
		ReporterDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_reporter_spans_dropped_total",
			Help: "Spans dropped because the reporter queue was full",
		}),
		BatchesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_reporter_batches_sent_total",
			Help: "Span batches delivered to the collection endpoint",
		}),
		SpansSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_reporter_spans_sent_total",
			Help: "Spans delivered to the collection endpoint",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_reporter_bytes_sent_total",
			Help: "Encoded payload bytes handed to the network",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_reporter_send_failures_total",
			Help: "Batches the transport failed to deliver",
		}),
		SpansDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_transport_spans_discarded_total",
			Help: "Spans discarded by a transport, e.g. oversized for a datagram",
		}),
		SamplerUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_sampler_updates_total",
			Help: "Successful sampling strategy updates",
		}),
		SamplerFetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_sampler_fetch_failures_total",
			Help: "Sampling strategy fetches that failed or were rejected",
		}),
		ContextDecodingErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "strand_context_decoding_errors_total",
			Help: "Extract calls that found a context but could not parse it",
		}),
	}
}

func (m *Metrics) observeTrace(state string, sampled bool) {
	m.TracesStarted.WithLabelValues(state, strconv.FormatBool(sampled)).Inc()
	m.SpansStarted.WithLabelValues(strconv.FormatBool(sampled)).Inc()
}

func (m *Metrics) observeSpanStart(sampled bool) {
	m.SpansStarted.WithLabelValues(strconv.FormatBool(sampled)).Inc()
}
