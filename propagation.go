package strand

import (
	"encoding/binary"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Format selects the carrier encoding for Inject and Extract.
type Format int

const (
	// TextMap encodes the context as string key/value pairs with no
	// escaping or case rules beyond lower-casing keys.
	TextMap Format = iota

	// HTTPHeaders is the TextMap codec adjusted for HTTP transport:
	// canonical header matching and URL-escaped baggage values.
	HTTPHeaders

	// Binary encodes the context in a fixed binary layout suitable for
	// non-textual transports.
	Binary
)

func (f Format) String() string {
	switch f {
	case TextMap:
		return "textmap"
	case HTTPHeaders:
		return "httpheaders"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// TextMapWriter is the write side of a text carrier.
type TextMapWriter interface {
	Set(key, value string)
}

// TextMapReader is the read side of a text carrier. ForEachKey must
// stop and return the handler's error as soon as one is returned.
type TextMapReader interface {
	ForEachKey(handler func(key, value string) error) error
}

// TextMapCarrier adapts a plain map to the text carrier contracts.
type TextMapCarrier map[string]string

// Set implements TextMapWriter.
func (c TextMapCarrier) Set(key, value string) { c[key] = value }

// ForEachKey implements TextMapReader.
func (c TextMapCarrier) ForEachKey(handler func(key, value string) error) error {
	for key, value := range c {
		if err := handler(key, value); err != nil {
			return err
		}
	}
	return nil
}

// HTTPHeadersCarrier adapts http.Header to the text carrier contracts.
type HTTPHeadersCarrier http.Header

// Set implements TextMapWriter.
func (c HTTPHeadersCarrier) Set(key, value string) {
	http.Header(c).Set(key, value)
}

// ForEachKey implements TextMapReader.
func (c HTTPHeadersCarrier) ForEachKey(handler func(key, value string) error) error {
	for key, values := range c {
		for _, value := range values {
			if err := handler(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// HeaderKeys names the carrier keys used by the text codecs. Both ends
// of a propagation hop must agree on them; the zero value of any field
// falls back to the default.
type HeaderKeys struct {
	TraceID       string
	SpanID        string
	ParentSpanID  string
	Sampled       string
	BaggagePrefix string
	DebugID       string
}

// DefaultHeaderKeys returns the key set used when none is configured.
func DefaultHeaderKeys() HeaderKeys {
	return HeaderKeys{
		TraceID:       "trace-id",
		SpanID:        "span-id",
		ParentSpanID:  "parent-span-id",
		Sampled:       "sampled",
		BaggagePrefix: "baggage-",
		DebugID:       "trace-debug-id",
	}
}

func (k HeaderKeys) withDefaults() HeaderKeys {
	defaults := DefaultHeaderKeys()
	if k.TraceID == "" {
		k.TraceID = defaults.TraceID
	}
	if k.SpanID == "" {
		k.SpanID = defaults.SpanID
	}
	if k.ParentSpanID == "" {
		k.ParentSpanID = defaults.ParentSpanID
	}
	if k.Sampled == "" {
		k.Sampled = defaults.Sampled
	}
	if k.BaggagePrefix == "" {
		k.BaggagePrefix = defaults.BaggagePrefix
	}
	if k.DebugID == "" {
		k.DebugID = defaults.DebugID
	}
	return k
}

// sampledDebugValue marks a sampled context whose debug flag is set, so
// the bit survives text transport where only the sampled key exists.
const sampledDebugValue = "debug"

// textMapPropagator codes a SpanContext to and from text carriers. The
// HTTPHeaders variant URL-escapes baggage values.
type textMapPropagator struct {
	keys         HeaderKeys
	escapeValues bool
}

func newTextMapPropagator(keys HeaderKeys, escapeValues bool) *textMapPropagator {
	keys = keys.withDefaults()
	// Keys are matched case-insensitively on extract, so store them
	// lowercased once.
	keys.TraceID = strings.ToLower(keys.TraceID)
	keys.SpanID = strings.ToLower(keys.SpanID)
	keys.ParentSpanID = strings.ToLower(keys.ParentSpanID)
	keys.Sampled = strings.ToLower(keys.Sampled)
	keys.BaggagePrefix = strings.ToLower(keys.BaggagePrefix)
	keys.DebugID = strings.ToLower(keys.DebugID)
	return &textMapPropagator{keys: keys, escapeValues: escapeValues}
}

func (p *textMapPropagator) Inject(sc SpanContext, carrier interface{}) error {
	writer, ok := carrier.(TextMapWriter)
	if !ok {
		return ErrInvalidCarrier
	}
	if !sc.IsValid() {
		return ErrInvalidSpanContext
	}

	writer.Set(p.keys.TraceID, sc.traceID.String())
	writer.Set(p.keys.SpanID, sc.spanID.String())
	if sc.parentID != 0 {
		writer.Set(p.keys.ParentSpanID, sc.parentID.String())
	}
	switch {
	case sc.IsDebug():
		writer.Set(p.keys.Sampled, sampledDebugValue)
	default:
		writer.Set(p.keys.Sampled, strconv.FormatBool(sc.IsSampled()))
	}
	if sc.debugID != "" {
		writer.Set(p.keys.DebugID, sc.debugID)
	}
	for key, value := range sc.baggage {
		if p.escapeValues {
			value = url.QueryEscape(value)
		}
		writer.Set(p.keys.BaggagePrefix+key, value)
	}
	return nil
}

func (p *textMapPropagator) Extract(carrier interface{}) (SpanContext, error) {
	reader, ok := carrier.(TextMapReader)
	if !ok {
		return SpanContext{}, ErrInvalidCarrier
	}

	var (
		sc        SpanContext
		haveTrace bool
		haveSpan  bool
	)
	err := reader.ForEachKey(func(key, value string) error {
		switch lower := strings.ToLower(key); lower {
		case p.keys.TraceID:
			traceID, err := TraceIDFromString(value)
			if err != nil {
				return ErrSpanContextCorrupted
			}
			sc.traceID = traceID
			haveTrace = true
		case p.keys.SpanID:
			spanID, err := SpanIDFromString(value)
			if err != nil {
				return ErrSpanContextCorrupted
			}
			sc.spanID = spanID
			haveSpan = true
		case p.keys.ParentSpanID:
			parentID, err := SpanIDFromString(value)
			if err != nil {
				return ErrSpanContextCorrupted
			}
			sc.parentID = parentID
		case p.keys.Sampled:
			if value == sampledDebugValue {
				sc.flags = flagSampled | flagDebug
				return nil
			}
			sampled, err := strconv.ParseBool(value)
			if err != nil {
				return ErrSpanContextCorrupted
			}
			if sampled {
				sc.flags |= flagSampled
			}
		case p.keys.DebugID:
			sc.debugID = value
		default:
			if strings.HasPrefix(lower, p.keys.BaggagePrefix) {
				if p.escapeValues {
					if unescaped, err := url.QueryUnescape(value); err == nil {
						value = unescaped
					}
				}
				if sc.baggage == nil {
					sc.baggage = make(map[string]string)
				}
				sc.baggage[lower[len(p.keys.BaggagePrefix):]] = value
			}
		}
		return nil
	})
	if err != nil {
		return SpanContext{}, err
	}

	if !haveTrace && !haveSpan {
		// A carrier can legitimately hold only a debug correlation id or
		// only baggage; both join the receiver's new root trace.
		if sc.debugID == "" && len(sc.baggage) == 0 {
			return SpanContext{}, ErrSpanContextNotFound
		}
		return SpanContext{baggage: sc.baggage, debugID: sc.debugID}, nil
	}
	if !haveTrace || !haveSpan || !sc.traceID.IsValid() || sc.spanID == 0 {
		return SpanContext{}, ErrSpanContextCorrupted
	}
	return sc, nil
}

const (
	// Fixed binary header: TraceID.High, TraceID.Low, SpanID, ParentID,
	// one flags byte.
	binaryHeaderLen = 8 + 8 + 8 + 8 + 1

	maxBinaryBaggageItems = 4096
	maxBinaryStringLen    = 1 << 20
)

// binaryPropagator codes a SpanContext to io.Writer/io.Reader carriers
// in a fixed big-endian layout.
type binaryPropagator struct{}

func (binaryPropagator) Inject(sc SpanContext, carrier interface{}) error {
	writer, ok := carrier.(io.Writer)
	if !ok {
		return ErrInvalidCarrier
	}
	if !sc.IsValid() {
		return ErrInvalidSpanContext
	}

	buf := make([]byte, binaryHeaderLen, binaryHeaderLen+4)
	binary.BigEndian.PutUint64(buf[0:8], sc.traceID.High)
	binary.BigEndian.PutUint64(buf[8:16], sc.traceID.Low)
	binary.BigEndian.PutUint64(buf[16:24], uint64(sc.spanID))
	binary.BigEndian.PutUint64(buf[24:32], uint64(sc.parentID))
	buf[32] = sc.flags

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sc.baggage)))
	for key, value := range sc.baggage {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
		buf = append(buf, key...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
		buf = append(buf, value...)
	}

	_, err := writer.Write(buf)
	return err
}

func (binaryPropagator) Extract(carrier interface{}) (SpanContext, error) {
	reader, ok := carrier.(io.Reader)
	if !ok {
		return SpanContext{}, ErrInvalidCarrier
	}

	header := make([]byte, binaryHeaderLen)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.EOF {
			return SpanContext{}, ErrSpanContextNotFound
		}
		return SpanContext{}, ErrSpanContextCorrupted
	}

	var sc SpanContext
	sc.traceID.High = binary.BigEndian.Uint64(header[0:8])
	sc.traceID.Low = binary.BigEndian.Uint64(header[8:16])
	sc.spanID = SpanID(binary.BigEndian.Uint64(header[16:24]))
	sc.parentID = SpanID(binary.BigEndian.Uint64(header[24:32]))
	sc.flags = header[32]

	var count int32
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return SpanContext{}, ErrSpanContextCorrupted
	}
	if count < 0 || count > maxBinaryBaggageItems {
		return SpanContext{}, ErrSpanContextCorrupted
	}
	if count > 0 {
		sc.baggage = make(map[string]string, count)
		for i := int32(0); i < count; i++ {
			key, err := readBinaryString(reader)
			if err != nil {
				return SpanContext{}, err
			}
			value, err := readBinaryString(reader)
			if err != nil {
				return SpanContext{}, err
			}
			sc.baggage[key] = value
		}
	}

	if !sc.traceID.IsValid() || sc.spanID == 0 {
		return SpanContext{}, ErrSpanContextCorrupted
	}
	return sc, nil
}

func readBinaryString(reader io.Reader) (string, error) {
	var length int32
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", ErrSpanContextCorrupted
	}
	if length < 0 || length > maxBinaryStringLen {
		return "", ErrSpanContextCorrupted
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", ErrSpanContextCorrupted
	}
	return string(buf), nil
}
