// Package transport ships encoded span batches to a collection agent.
// Three implementations share the OTLP encoding: UDP for the classic
// fire-and-forget agent sidecar, HTTP for direct collector submission,
// and gRPC for the OTLP trace service. All of them enforce their own
// payload limits by splitting batches, so the reporter can batch purely
// by span count.
package transport
