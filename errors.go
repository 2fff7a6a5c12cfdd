package strand

import "errors"

// Propagation errors returned by Tracer.Extract. Callers must treat any
// of these the same way: as "no inbound context", starting a fresh root
// trace instead of failing the request. None of them are ever raised
// further into application code by the tracer itself.
var (
	// ErrSpanContextNotFound means the carrier held no trace fields at all.
	ErrSpanContextNotFound = errors.New("span context not found in carrier")

	// ErrSpanContextCorrupted means trace fields were present but failed
	// to parse. No partial context is returned.
	ErrSpanContextCorrupted = errors.New("span context corrupted in carrier")

	// ErrInvalidCarrier means the carrier does not satisfy the interface
	// the format requires.
	ErrInvalidCarrier = errors.New("invalid carrier for propagation format")

	// ErrUnsupportedFormat means no propagator is registered for the
	// requested format.
	ErrUnsupportedFormat = errors.New("unsupported propagation format")

	// ErrInvalidSpanContext means Inject was given a context that does
	// not identify a span.
	ErrInvalidSpanContext = errors.New("span context is invalid")
)

// Tracer construction errors.
var (
	// ErrMissingServiceName is returned by NewTracer when no service name
	// is given; every emitted span must identify its process.
	ErrMissingServiceName = errors.New("service name is required")
)
