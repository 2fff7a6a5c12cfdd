package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"

	"github.com/strandtrace/strand-go"
	"github.com/strandtrace/strand-go/internal/wire"
)

const (
	// DefaultAgentAddr is where a local agent sidecar listens.
	DefaultAgentAddr = "localhost:6831"

	// UDPPacketMaxLength is the ceiling for a datagram payload that
	// survives common MTU and kernel buffer configurations.
	UDPPacketMaxLength = 65000

	// Per-span framing and per-datagram slack, both deliberately
	// generous; underfilling a datagram by a few bytes is free,
	// overfilling loses it entirely.
	udpSpanFraming = 6
	udpChunkSlack  = 32
)

// UDPOption configures a UDPTransport.
type UDPOption func(*udpOptions)

type udpOptions struct {
	maxPacketSize int
	logger        *zap.Logger
	metrics       *strand.Metrics
}

// WithUDPMaxPacketSize lowers the datagram budget, e.g. to stay under a
// constrained path MTU.
func WithUDPMaxPacketSize(n int) UDPOption {
	return func(o *udpOptions) { o.maxPacketSize = n }
}

// WithUDPLogger sets the logger for discarded spans and write errors.
func WithUDPLogger(logger *zap.Logger) UDPOption {
	return func(o *udpOptions) { o.logger = logger }
}

// WithUDPMetrics sets the metrics sink for byte and discard counters.
func WithUDPMetrics(metrics *strand.Metrics) UDPOption {
	return func(o *udpOptions) { o.metrics = metrics }
}

// UDPTransport sends batches to an agent over UDP, the fire-and-forget
// path: no handshake, no acknowledgement, loss is invisible. Batches
// are split so every datagram stays under the packet budget; a single
// span too large for any datagram is discarded and counted.
type UDPTransport struct {
	conn          *net.UDPConn
	maxPacketSize int
	logger        *zap.Logger
	metrics       *strand.Metrics
}

// NewUDPTransport connects a datagram socket to the agent at hostPort,
// DefaultAgentAddr when empty.
func NewUDPTransport(hostPort string, opts ...UDPOption) (*UDPTransport, error) {
	options := udpOptions{maxPacketSize: UDPPacketMaxLength}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.metrics == nil {
		options.metrics = strand.NewMetrics(nil)
	}
	if options.maxPacketSize <= 0 || options.maxPacketSize > UDPPacketMaxLength {
		options.maxPacketSize = UDPPacketMaxLength
	}
	if hostPort == "" {
		hostPort = DefaultAgentAddr
	}

	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("resolving agent address %q: %w", hostPort, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing agent at %q: %w", hostPort, err)
	}
	// Best effort; the default buffer usually suffices.
	_ = conn.SetWriteBuffer(options.maxPacketSize)

	return &UDPTransport{
		conn:          conn,
		maxPacketSize: options.maxPacketSize,
		logger:        options.logger,
		metrics:       options.metrics,
	}, nil
}

// Send implements strand.Transport.
func (t *UDPTransport) Send(ctx context.Context, batch *strand.Batch) error {
	resource := wire.EncodeResource(batch.Process)
	budget := t.maxPacketSize - wire.RequestOverhead(resource) - udpChunkSlack
	if budget <= 0 {
		return fmt.Errorf("packet size %d leaves no room for spans", t.maxPacketSize)
	}

	chunks, oversized := packChunks(batch.Spans, budget, udpSpanFraming)
	for _, span := range oversized {
		t.metrics.SpansDiscarded.Inc()
		t.logger.Warn("span exceeds datagram capacity, discarded",
			zap.String("operation", span.Name),
			zap.Int("encoded_bytes", wire.Size(span)),
			zap.Int("budget", budget))
	}

	var errs []error
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.emit(resource, chunk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *UDPTransport) emit(resource *resourcepb.Resource, spans []*tracepb.Span) error {
	data, err := wire.Marshal(wire.NewRequest(resource, spans))
	if err != nil {
		return fmt.Errorf("encoding datagram: %w", err)
	}
	n, err := t.conn.Write(data)
	if err != nil {
		return fmt.Errorf("writing datagram: %w", err)
	}
	t.metrics.BytesSent.Add(float64(n))
	return nil
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
