package strand

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagConstructors(t *testing.T) {
	tests := []struct {
		name     string
		tag      Tag
		wantKind ValueKind
		check    func(t *testing.T, v Value)
	}{
		{
			name:     "string",
			tag:      String("component", "cache"),
			wantKind: ValueKindString,
			check: func(t *testing.T, v Value) {
				assert.Equal(t, "cache", v.Str())
			},
		},
		{
			name:     "bool",
			tag:      Bool("error", true),
			wantKind: ValueKindBool,
			check: func(t *testing.T, v Value) {
				assert.True(t, v.Bool())
			},
		},
		{
			name:     "int",
			tag:      Int("http.status_code", 404),
			wantKind: ValueKindInt64,
			check: func(t *testing.T, v Value) {
				assert.Equal(t, int64(404), v.Int64())
			},
		},
		{
			name:     "int64 negative",
			tag:      Int64("offset", -7),
			wantKind: ValueKindInt64,
			check: func(t *testing.T, v Value) {
				assert.Equal(t, int64(-7), v.Int64())
			},
		},
		{
			name:     "float64",
			tag:      Float64("sampler.param", 0.25),
			wantKind: ValueKindFloat64,
			check: func(t *testing.T, v Value) {
				assert.Equal(t, 0.25, v.Float64())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, tt.tag.Value.Kind())
			tt.check(t, tt.tag.Value)
		})
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  string
	}{
		{"string", StringValue("hello"), "hello"},
		{"bool true", BoolValue(true), "true"},
		{"bool false", BoolValue(false), "false"},
		{"int64", Int64Value(-42), "-42"},
		{"float64", Float64Value(1.5), "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.value.String())
		})
	}
}

func TestValueKindString(t *testing.T) {
	assert.Equal(t, "string", ValueKindString.String())
	assert.Equal(t, "bool", ValueKindBool.String())
	assert.Equal(t, "int64", ValueKindInt64.String())
	assert.Equal(t, "float64", ValueKindFloat64.String())
	assert.Equal(t, "unknown", ValueKind(99).String())
}

func TestValueZeroAcrossKinds(t *testing.T) {
	v := StringValue("text")
	assert.False(t, v.Bool())
	assert.Zero(t, v.Int64())

	b := BoolValue(true)
	assert.Empty(t, b.Str())
}
