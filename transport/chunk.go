package transport

import (
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/strandtrace/strand-go"
	"github.com/strandtrace/strand-go/internal/wire"
)

// packChunks encodes spans and groups them so each group's summed
// encoded size, plus framing per span, stays under budget. Spans whose
// own size exceeds the budget are returned separately; the caller
// decides whether its medium can carry them anyway.
func packChunks(spans []*strand.Span, budget, framing int) (chunks [][]*tracepb.Span, oversized []*tracepb.Span) {
	var (
		chunk     []*tracepb.Span
		chunkSize int
	)
	for _, span := range spans {
		encoded := wire.EncodeSpan(span)
		size := wire.Size(encoded) + framing
		if size > budget {
			oversized = append(oversized, encoded)
			continue
		}
		if chunkSize+size > budget {
			chunks = append(chunks, chunk)
			chunk = nil
			chunkSize = 0
		}
		chunk = append(chunk, encoded)
		chunkSize += size
	}
	if len(chunk) > 0 {
		chunks = append(chunks, chunk)
	}
	return chunks, oversized
}
