package config

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/strandtrace/strand-go"
	"github.com/strandtrace/strand-go/transport"
)

// Option overrides one constructed piece of the pipeline, mainly for
// tests and embedders that already hold a logger or registry.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	registerer    prometheus.Registerer
	sampler       strand.Sampler
	reporter      strand.Reporter
	transport     strand.Transport
	tracerOptions []strand.TracerOption
}

// WithLogger uses an existing logger instead of building one from the
// logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetricsRegisterer registers the client's metrics with reg; the
// default leaves them unregistered.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSampler bypasses the sampler section entirely.
func WithSampler(sampler strand.Sampler) Option {
	return func(o *options) { o.sampler = sampler }
}

// WithReporter bypasses the reporter and transport sections entirely.
func WithReporter(reporter strand.Reporter) Option {
	return func(o *options) { o.reporter = reporter }
}

// WithTransport keeps the configured reporter but substitutes the
// sender underneath it.
func WithTransport(sender strand.Transport) Option {
	return func(o *options) { o.transport = sender }
}

// WithTracerOptions appends options passed through to strand.NewTracer.
func WithTracerOptions(opts ...strand.TracerOption) Option {
	return func(o *options) { o.tracerOptions = append(o.tracerOptions, opts...) }
}

// NewTracer builds the full pipeline described by the configuration and
// returns the tracer plus a closer that flushes and stops it. The
// returned closer is the tracer itself; closing either is enough.
func (c *Configuration) NewTracer(opts ...Option) (*strand.Tracer, io.Closer, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(c.Logging); err != nil {
			return nil, nil, fmt.Errorf("building logger: %w", err)
		}
	}
	metrics := strand.NewMetrics(o.registerer)

	tracerOptions := []strand.TracerOption{
		strand.WithLogger(logger),
		strand.WithMetrics(metrics),
	}
	for key, value := range c.Tags {
		tracerOptions = append(tracerOptions, strand.WithTag(strand.String(key, value)))
	}
	tracerOptions = append(tracerOptions, o.tracerOptions...)

	if c.Disabled {
		tracer, err := strand.NewTracer(c.ServiceName,
			strand.NewConstSampler(false),
			strand.NewNoopReporter(),
			tracerOptions...)
		if err != nil {
			return nil, nil, err
		}
		return tracer, tracer, nil
	}

	sampler := o.sampler
	if sampler == nil {
		var err error
		if sampler, err = c.buildSampler(logger, metrics); err != nil {
			return nil, nil, err
		}
	}

	reporter := o.reporter
	if reporter == nil {
		sender := o.transport
		if sender == nil {
			var err error
			if sender, err = c.buildTransport(logger, metrics); err != nil {
				sampler.Close()
				return nil, nil, err
			}
		}
		remote := strand.NewRemoteReporter(sender,
			strand.WithQueueSize(c.Reporter.QueueSize),
			strand.WithMaxBatchSpans(c.Reporter.MaxBatchSpans),
			strand.WithFlushInterval(time.Duration(c.Reporter.FlushInterval)),
			strand.WithCloseTimeout(time.Duration(c.Reporter.CloseTimeout)),
			strand.WithReporterLogger(logger),
			strand.WithReporterMetrics(metrics),
		)
		reporter = remote
		if c.Reporter.LogSpans {
			reporter = strand.NewCompositeReporter(remote, strand.NewLoggingReporter(logger))
		}
	}

	tracer, err := strand.NewTracer(c.ServiceName, sampler, reporter, tracerOptions...)
	if err != nil {
		reporter.Close()
		sampler.Close()
		return nil, nil, err
	}
	return tracer, tracer, nil
}

func (c *Configuration) buildSampler(logger *zap.Logger, metrics *strand.Metrics) (strand.Sampler, error) {
	switch strings.ToLower(c.Sampler.Type) {
	case "const":
		return strand.NewConstSampler(c.Sampler.Param != 0), nil
	case "probabilistic":
		return strand.NewProbabilisticSampler(c.Sampler.Param)
	case "ratelimiting":
		return strand.NewRateLimitingSampler(c.Sampler.Param), nil
	case "remote":
		initial, err := strand.NewProbabilisticSampler(c.Sampler.Param)
		if err != nil {
			return nil, err
		}
		return strand.NewRemoteSampler(c.ServiceName,
			strand.WithSamplingEndpoint(c.Sampler.Endpoint),
			strand.WithSamplingRefreshInterval(time.Duration(c.Sampler.RefreshInterval)),
			strand.WithSamplingMaxOperations(c.Sampler.MaxOperations),
			strand.WithInitialSampler(initial),
			strand.WithSamplerLogger(logger),
			strand.WithSamplerMetrics(metrics),
		), nil
	default:
		return nil, fmt.Errorf("unknown sampler type %q", c.Sampler.Type)
	}
}

func (c *Configuration) buildTransport(logger *zap.Logger, metrics *strand.Metrics) (strand.Transport, error) {
	switch strings.ToLower(c.Transport.Kind) {
	case "udp":
		addr := net.JoinHostPort(c.Transport.AgentHost, strconv.Itoa(c.Transport.AgentPort))
		udpOptions := []transport.UDPOption{
			transport.WithUDPLogger(logger),
			transport.WithUDPMetrics(metrics),
		}
		if c.Reporter.MaxBatchBytes > 0 {
			udpOptions = append(udpOptions, transport.WithUDPMaxPacketSize(c.Reporter.MaxBatchBytes))
		}
		return transport.NewUDPTransport(addr, udpOptions...)
	case "http":
		return transport.NewHTTPTransport(c.Transport.CollectorEndpoint,
			transport.WithHTTPTimeout(time.Duration(c.Transport.Timeout)),
			transport.WithHTTPGzip(c.Transport.Gzip),
			transport.WithHTTPMaxBatchBytes(c.Reporter.MaxBatchBytes),
			transport.WithHTTPLogger(logger),
			transport.WithHTTPMetrics(metrics),
		), nil
	case "grpc":
		return transport.NewGRPCTransport(c.Transport.CollectorEndpoint,
			transport.WithGRPCTimeout(time.Duration(c.Transport.Timeout)),
			transport.WithGRPCLogger(logger),
			transport.WithGRPCMetrics(metrics),
		)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
}
