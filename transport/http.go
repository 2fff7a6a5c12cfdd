package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"

	"github.com/strandtrace/strand-go"
	"github.com/strandtrace/strand-go/internal/wire"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*httpOptions)

type httpOptions struct {
	timeout       time.Duration
	gzip          bool
	maxBatchBytes int
	username      string
	password      string
	headers       map[string]string
	logger        *zap.Logger
	metrics       *strand.Metrics
}

// WithHTTPTimeout bounds a single submission.
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(o *httpOptions) { o.timeout = timeout }
}

// WithHTTPGzip compresses request bodies.
func WithHTTPGzip(enabled bool) HTTPOption {
	return func(o *httpOptions) { o.gzip = enabled }
}

// WithHTTPMaxBatchBytes splits submissions so each uncompressed body
// stays under n bytes, for collectors with request size limits. Zero
// means one request per batch.
func WithHTTPMaxBatchBytes(n int) HTTPOption {
	return func(o *httpOptions) { o.maxBatchBytes = n }
}

// WithHTTPBasicAuth authenticates against the collector.
func WithHTTPBasicAuth(username, password string) HTTPOption {
	return func(o *httpOptions) {
		o.username = username
		o.password = password
	}
}

// WithHTTPHeader adds a header to every submission, e.g. a tenant id.
func WithHTTPHeader(key, value string) HTTPOption {
	return func(o *httpOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithHTTPLogger sets the logger for submission failures.
func WithHTTPLogger(logger *zap.Logger) HTTPOption {
	return func(o *httpOptions) { o.logger = logger }
}

// WithHTTPMetrics sets the metrics sink for byte counters.
func WithHTTPMetrics(metrics *strand.Metrics) HTTPOption {
	return func(o *httpOptions) { o.metrics = metrics }
}

// HTTPTransport posts batches straight to a collector endpoint as OTLP
// protobuf. Failed submissions are reported to the caller and the batch
// is gone; retrying would mean buffering more spans in a client whose
// whole design is to shed load instead.
type HTTPTransport struct {
	endpoint      string
	client        *resty.Client
	gzip          bool
	maxBatchBytes int
	logger        *zap.Logger
	metrics       *strand.Metrics
}

// NewHTTPTransport creates a transport posting to endpoint, typically
// "http://collector:4318/v1/traces".
func NewHTTPTransport(endpoint string, opts ...HTTPOption) *HTTPTransport {
	options := httpOptions{timeout: defaultHTTPTimeout}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.metrics == nil {
		options.metrics = strand.NewMetrics(nil)
	}

	client := resty.New().
		SetTimeout(options.timeout).
		SetHeader("Content-Type", "application/x-protobuf")
	if options.username != "" {
		client.SetBasicAuth(options.username, options.password)
	}
	for key, value := range options.headers {
		client.SetHeader(key, value)
	}
	if options.gzip {
		client.SetHeader("Content-Encoding", "gzip")
	}

	return &HTTPTransport{
		endpoint:      endpoint,
		client:        client,
		gzip:          options.gzip,
		maxBatchBytes: options.maxBatchBytes,
		logger:        options.logger,
		metrics:       options.metrics,
	}
}

// Send implements strand.Transport.
func (t *HTTPTransport) Send(ctx context.Context, batch *strand.Batch) error {
	if t.maxBatchBytes <= 0 {
		body, err := wire.MarshalBatch(batch)
		if err != nil {
			return fmt.Errorf("encoding batch: %w", err)
		}
		return t.post(ctx, body)
	}

	resource := wire.EncodeResource(batch.Process)
	budget := t.maxBatchBytes - wire.RequestOverhead(resource) - udpChunkSlack
	if budget <= 0 {
		return fmt.Errorf("batch byte limit %d leaves no room for spans", t.maxBatchBytes)
	}

	chunks, oversized := packChunks(batch.Spans, budget, udpSpanFraming)
	// Unlike a datagram, a request has no hard ceiling; an oversized
	// span travels alone and the collector gets to decide.
	for _, span := range oversized {
		t.logger.Warn("span exceeds batch byte limit, sent alone",
			zap.String("operation", span.Name),
			zap.Int("encoded_bytes", wire.Size(span)))
		chunks = append(chunks, []*tracepb.Span{span})
	}

	var errs []error
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := wire.Marshal(wire.NewRequest(resource, chunk))
		if err != nil {
			errs = append(errs, fmt.Errorf("encoding chunk: %w", err))
			continue
		}
		if err := t.post(ctx, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) error {
	var err error
	if t.gzip {
		if body, err = compress(body); err != nil {
			return fmt.Errorf("compressing batch: %w", err)
		}
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(t.endpoint)
	if err != nil {
		return fmt.Errorf("posting batch: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("collector rejected batch: status %d", resp.StatusCode())
	}
	t.metrics.BytesSent.Add(float64(len(body)))
	return nil
}

// Close implements strand.Transport.
func (t *HTTPTransport) Close() error { return nil }

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
