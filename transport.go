package strand

import "context"

// Process identifies the service instance that produced a batch of
// spans. Its tags carry host and client identity so a backend can tell
// instances of the same service apart.
type Process struct {
	Service string
	Tags    []Tag
}

// Batch couples finished spans with the process that emitted them. A
// batch is the unit handed to a Transport; transports are free to split
// it further to honor payload limits.
type Batch struct {
	Process *Process
	Spans   []*Span
}

// Transport delivers span batches to a collection endpoint. Send is
// called from the reporter's flush loop, never from application
// goroutines, so a slow transport delays exports but cannot block
// instrumented code. The caller reuses the batch's span slice once Send
// returns, so implementations must not retain it. Implementations must
// tolerate Send after a failed Send; delivery is best effort.
type Transport interface {
	Send(ctx context.Context, batch *Batch) error
	Close() error
}
