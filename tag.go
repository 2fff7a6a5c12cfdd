package strand

import (
	"fmt"
	"math"
)

// ValueKind identifies the concrete type held by a Value.
type ValueKind int

const (
	ValueKindString ValueKind = iota
	ValueKindBool
	ValueKindInt64
	ValueKindFloat64
)

// String returns the string representation of the kind.
func (k ValueKind) String() string {
	switch k {
	case ValueKindString:
		return "string"
	case ValueKindBool:
		return "bool"
	case ValueKindInt64:
		return "int64"
	case ValueKindFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Value is a closed variant over the scalar types a tag may carry:
// string, bool, int64, or float64. Keeping the set closed keeps wire
// encoding deterministic; arbitrary values must be formatted by the
// caller before tagging.
type Value struct {
	kind ValueKind
	num  uint64
	str  string
}

// StringValue wraps a string.
func StringValue(v string) Value {
	return Value{kind: ValueKindString, str: v}
}

// BoolValue wraps a bool.
func BoolValue(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: ValueKindBool, num: n}
}

// Int64Value wraps an int64.
func Int64Value(v int64) Value {
	return Value{kind: ValueKindInt64, num: uint64(v)}
}

// Float64Value wraps a float64.
func Float64Value(v float64) Value {
	return Value{kind: ValueKindFloat64, num: math.Float64bits(v)}
}

// Kind returns the concrete type held by the value.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string payload; zero value for other kinds.
func (v Value) Str() string { return v.str }

// Bool returns the bool payload; false for other kinds.
func (v Value) Bool() bool { return v.num != 0 }

// Int64 returns the int64 payload; zero for other kinds.
func (v Value) Int64() int64 { return int64(v.num) }

// Float64 returns the float64 payload; zero for other kinds.
func (v Value) Float64() float64 { return math.Float64frombits(v.num) }

// String formats the value for human-readable output regardless of kind.
func (v Value) String() string {
	switch v.kind {
	case ValueKindString:
		return v.str
	case ValueKindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case ValueKindInt64:
		return fmt.Sprintf("%d", int64(v.num))
	case ValueKindFloat64:
		return fmt.Sprintf("%g", math.Float64frombits(v.num))
	default:
		return ""
	}
}

// Tag is a key plus a scalar value attached to a span.
type Tag struct {
	Key   string
	Value Value
}

// String creates a string tag.
func String(key, value string) Tag {
	return Tag{Key: key, Value: StringValue(value)}
}

// Bool creates a bool tag.
func Bool(key string, value bool) Tag {
	return Tag{Key: key, Value: BoolValue(value)}
}

// Int creates an int64 tag from an int.
func Int(key string, value int) Tag {
	return Tag{Key: key, Value: Int64Value(int64(value))}
}

// Int64 creates an int64 tag.
func Int64(key string, value int64) Tag {
	return Tag{Key: key, Value: Int64Value(value)}
}

// Float64 creates a float64 tag.
func Float64(key string, value float64) Tag {
	return Tag{Key: key, Value: Float64Value(value)}
}

// Well-known tag keys emitted by the tracer itself.
const (
	TagSamplerType   = "sampler.type"
	TagSamplerParam  = "sampler.param"
	TagSpanKind      = "span.kind"
	TagError         = "error"
	TagHostname      = "hostname"
	TagClientUUID    = "client.uuid"
	TagClientIP      = "ip"
	TagClientVersion = "client.version"
	TagDebugID       = "debug.correlation-id"
)
