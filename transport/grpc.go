package transport

import (
	"context"
	"fmt"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/strandtrace/strand-go"
	"github.com/strandtrace/strand-go/internal/wire"
)

const defaultGRPCTimeout = 5 * time.Second

// GRPCOption configures a GRPCTransport.
type GRPCOption func(*grpcOptions)

type grpcOptions struct {
	timeout     time.Duration
	credentials credentials.TransportCredentials
	dialOptions []grpc.DialOption
	conn        *grpc.ClientConn
	logger      *zap.Logger
	metrics     *strand.Metrics
}

// WithGRPCTimeout bounds a single export call.
func WithGRPCTimeout(timeout time.Duration) GRPCOption {
	return func(o *grpcOptions) { o.timeout = timeout }
}

// WithGRPCCredentials sets transport credentials; the default is
// plaintext.
func WithGRPCCredentials(creds credentials.TransportCredentials) GRPCOption {
	return func(o *grpcOptions) { o.credentials = creds }
}

// WithGRPCDialOptions appends extra dial options.
func WithGRPCDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(o *grpcOptions) { o.dialOptions = append(o.dialOptions, opts...) }
}

// WithGRPCClientConn reuses an existing connection instead of dialing
// the target. The caller keeps ownership; Close will not close it.
func WithGRPCClientConn(conn *grpc.ClientConn) GRPCOption {
	return func(o *grpcOptions) { o.conn = conn }
}

// WithGRPCLogger sets the logger for export failures.
func WithGRPCLogger(logger *zap.Logger) GRPCOption {
	return func(o *grpcOptions) { o.logger = logger }
}

// WithGRPCMetrics sets the metrics sink for byte counters.
func WithGRPCMetrics(metrics *strand.Metrics) GRPCOption {
	return func(o *grpcOptions) { o.metrics = metrics }
}

// GRPCTransport exports batches through the OTLP trace service. The
// connection is lazy; a collector that is down at startup costs nothing
// until the first export.
type GRPCTransport struct {
	conn     *grpc.ClientConn
	ownsConn bool
	client   coltracepb.TraceServiceClient
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *strand.Metrics
}

// NewGRPCTransport creates a transport for the collector at target,
// typically "collector:4317".
func NewGRPCTransport(target string, opts ...GRPCOption) (*GRPCTransport, error) {
	options := grpcOptions{
		timeout:     defaultGRPCTimeout,
		credentials: insecure.NewCredentials(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.metrics == nil {
		options.metrics = strand.NewMetrics(nil)
	}

	conn := options.conn
	ownsConn := false
	if conn == nil {
		dialOptions := append([]grpc.DialOption{
			grpc.WithTransportCredentials(options.credentials),
		}, options.dialOptions...)

		var err error
		if conn, err = grpc.NewClient(target, dialOptions...); err != nil {
			return nil, fmt.Errorf("creating collector client for %q: %w", target, err)
		}
		ownsConn = true
	}
	return &GRPCTransport{
		conn:     conn,
		ownsConn: ownsConn,
		client:   coltracepb.NewTraceServiceClient(conn),
		timeout:  options.timeout,
		logger:   options.logger,
		metrics:  options.metrics,
	}, nil
}

// Send implements strand.Transport.
func (t *GRPCTransport) Send(ctx context.Context, batch *strand.Batch) error {
	request := wire.EncodeBatch(batch)

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if _, err := t.client.Export(ctx, request); err != nil {
		return fmt.Errorf("exporting batch: %w", err)
	}
	t.metrics.BytesSent.Add(float64(wire.RequestSize(request)))
	return nil
}

// Close closes the connection when this transport dialed it.
func (t *GRPCTransport) Close() error {
	if !t.ownsConn {
		return nil
	}
	return t.conn.Close()
}
