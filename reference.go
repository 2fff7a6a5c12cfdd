package strand

// RefType describes the causal relationship between a span and a
// referenced span context.
type RefType int

const (
	// ChildOfRef means the referenced context is the primary parent:
	// it depends on this span's result.
	ChildOfRef RefType = iota
	// FollowsFromRef means the referenced context caused this span but
	// does not wait on its result (fire-and-forget work).
	FollowsFromRef
)

// String returns the canonical name of the reference type.
func (r RefType) String() string {
	switch r {
	case ChildOfRef:
		return "child_of"
	case FollowsFromRef:
		return "follows_from"
	default:
		return "unknown"
	}
}

// Reference links a span to another span context. The collector uses
// references as the edges when reassembling the trace DAG.
type Reference struct {
	Type    RefType
	Context SpanContext
}
