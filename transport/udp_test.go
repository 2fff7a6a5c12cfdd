package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/strandtrace/strand-go"
)

// agentListener binds a loopback UDP socket standing in for the agent.
type agentListener struct {
	conn net.PacketConn
}

func newAgentListener(t *testing.T) *agentListener {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &agentListener{conn: conn}
}

func (l *agentListener) addr() string { return l.conn.LocalAddr().String() }

// receive reads datagrams until count spans arrived or the deadline
// passed, returning the decoded requests and the raw datagram sizes.
func (l *agentListener) receive(t *testing.T, count int) ([]*coltracepb.ExportTraceServiceRequest, []int) {
	t.Helper()
	var (
		requests []*coltracepb.ExportTraceServiceRequest
		sizes    []int
		total    int
	)
	buf := make([]byte, 1<<16)
	deadline := time.Now().Add(2 * time.Second)
	for total < count {
		require.NoError(t, l.conn.SetReadDeadline(deadline))
		n, _, err := l.conn.ReadFrom(buf)
		require.NoError(t, err, "agent did not receive all spans in time")

		request := &coltracepb.ExportTraceServiceRequest{}
		require.NoError(t, proto.Unmarshal(buf[:n], request))
		requests = append(requests, request)
		sizes = append(sizes, n)
		total += exportedSpanCount(request)
	}
	return requests, sizes
}

func exportedSpanCount(request *coltracepb.ExportTraceServiceRequest) int {
	count := 0
	for _, rs := range request.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			count += len(ss.Spans)
		}
	}
	return count
}

func exportedService(request *coltracepb.ExportTraceServiceRequest) string {
	for _, rs := range request.ResourceSpans {
		for _, attr := range rs.Resource.Attributes {
			if attr.Key == "service.name" {
				return attr.Value.GetStringValue()
			}
		}
	}
	return ""
}

func TestUDPTransportDelivers(t *testing.T) {
	agent := newAgentListener(t)

	transport, err := NewUDPTransport(agent.addr())
	require.NoError(t, err)
	defer transport.Close()

	batch := &strand.Batch{
		Process: &strand.Process{Service: "checkout"},
		Spans:   finishedSpans(t, 16, 16, 16),
	}
	require.NoError(t, transport.Send(context.Background(), batch))

	requests, _ := agent.receive(t, 3)
	require.Len(t, requests, 1)
	assert.Equal(t, "checkout", exportedService(requests[0]))
	assert.Equal(t, 3, exportedSpanCount(requests[0]))
}

func TestUDPTransportSplitsLargeBatches(t *testing.T) {
	agent := newAgentListener(t)

	registry := prometheus.NewRegistry()
	transport, err := NewUDPTransport(agent.addr(),
		WithUDPMaxPacketSize(1500),
		WithUDPMetrics(strand.NewMetrics(registry)))
	require.NoError(t, err)
	defer transport.Close()

	payloads := make([]int, 10)
	for i := range payloads {
		payloads[i] = 400
	}
	batch := &strand.Batch{
		Process: &strand.Process{Service: "checkout"},
		Spans:   finishedSpans(t, payloads...),
	}
	require.NoError(t, transport.Send(context.Background(), batch))

	requests, sizes := agent.receive(t, 10)
	assert.Greater(t, len(requests), 1, "ten 400-byte spans cannot share one datagram")
	for _, size := range sizes {
		assert.LessOrEqual(t, size, 1500)
	}

	total := 0
	for _, request := range requests {
		total += exportedSpanCount(request)
	}
	assert.Equal(t, 10, total)
}

func TestUDPTransportDiscardsOversizedSpan(t *testing.T) {
	agent := newAgentListener(t)

	registry := prometheus.NewRegistry()
	metrics := strand.NewMetrics(registry)
	transport, err := NewUDPTransport(agent.addr(),
		WithUDPMaxPacketSize(1500),
		WithUDPMetrics(metrics))
	require.NoError(t, err)
	defer transport.Close()

	batch := &strand.Batch{
		Process: &strand.Process{Service: "checkout"},
		Spans:   finishedSpans(t, 16, 4000),
	}
	require.NoError(t, transport.Send(context.Background(), batch))

	requests, _ := agent.receive(t, 1)
	assert.Equal(t, 1, exportedSpanCount(requests[0]))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SpansDiscarded))
}

func TestUDPTransportCountsBytes(t *testing.T) {
	agent := newAgentListener(t)

	registry := prometheus.NewRegistry()
	metrics := strand.NewMetrics(registry)
	transport, err := NewUDPTransport(agent.addr(), WithUDPMetrics(metrics))
	require.NoError(t, err)
	defer transport.Close()

	batch := &strand.Batch{
		Process: &strand.Process{Service: "checkout"},
		Spans:   finishedSpans(t, 16),
	}
	require.NoError(t, transport.Send(context.Background(), batch))

	_, sizes := agent.receive(t, 1)
	assert.Equal(t, float64(sizes[0]), testutil.ToFloat64(metrics.BytesSent))
}

func TestUDPTransportPacketBudgetTooSmall(t *testing.T) {
	agent := newAgentListener(t)

	transport, err := NewUDPTransport(agent.addr(), WithUDPMaxPacketSize(40))
	require.NoError(t, err)
	defer transport.Close()

	batch := &strand.Batch{
		Process: &strand.Process{Service: "checkout"},
		Spans:   finishedSpans(t, 16),
	}
	err = transport.Send(context.Background(), batch)
	assert.ErrorContains(t, err, "no room")
}

func TestNewUDPTransportBadAddress(t *testing.T) {
	_, err := NewUDPTransport("localhost:not-a-port")
	assert.ErrorContains(t, err, "resolving agent address")
}

func TestNewUDPTransportDefaultAddress(t *testing.T) {
	transport, err := NewUDPTransport("")
	require.NoError(t, err)
	assert.NoError(t, transport.Close())
}
