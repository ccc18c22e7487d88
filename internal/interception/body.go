// File: internal/interception/body.go
package interception

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"regexp"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Encoding is the wire family of a request body.
type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingJSON
	EncodingForm
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingForm:
		return "form"
	default:
		return "unknown"
	}
}

// DefaultContentType is the content type assumed for the encoding when the
// request declared none.
func (e Encoding) DefaultContentType() string {
	switch e {
	case EncodingJSON:
		return "application/json"
	case EncodingForm:
		return "application/x-www-form-urlencoded"
	default:
		return ""
	}
}

var (
	ErrEmptyBody   = errors.New("interception: empty body")
	ErrUndecodable = errors.New("interception: body is neither JSON nor form-urlencoded")
	ErrNotAnObject = errors.New("interception: JSON body is not an object")
)

// jsonAPI leaves <, > and & unescaped so re-encoded bodies stay byte-close
// to what browsers send.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// formPairPattern finds at least one key=value pair. A body without one is
// not treated as a form, so stray text and JSON under a form hint fall
// through to sniffing.
var formPairPattern = regexp.MustCompile(`(^|&)[^=&]*=`)

// Field is one key/value entry of a decoded body.
//
// Verbatim marks a value that is already in wire form. For JSON it holds the
// raw JSON text of the value; for form bodies both key and value are written
// without escaping.
type Field struct {
	Key      string
	Value    any
	Verbatim bool
}

// Fields keeps body entries in their original order.
type Fields []Field

// Get returns the first value stored under key.
func (f Fields) Get(key string) (any, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return nil, false
}

// DecodedBody is a request payload plus what is needed to write it back.
type DecodedBody struct {
	Fields      Fields
	Encoding    Encoding
	ContentType string
}

// Set replaces the first entry named key and drops any later duplicates,
// or appends a new entry.
func (d *DecodedBody) Set(key, value string) {
	out := d.Fields[:0]
	found := false
	for _, f := range d.Fields {
		if f.Key != key {
			out = append(out, f)
			continue
		}
		if !found {
			out = append(out, Field{Key: key, Value: value})
			found = true
		}
	}
	if !found {
		out = append(out, Field{Key: key, Value: value})
	}
	d.Fields = out
}

// Decode turns a payload into a DecodedBody.
//
// Structured payloads (Fields, map[string]any or any other Go value) are
// taken as JSON. Raw payloads ([]byte or string) are decoded by the declared
// content type first; application/json and +json types decode as JSON,
// application/x-www-form-urlencoded as form, and text/plain is sniffed. When
// there is no usable hint, or the hinted decode fails, the body is sniffed:
// a leading { or [ is tried as JSON, then a strict form parse, then a loose
// key=value match.
func Decode(payload any, contentType string) (*DecodedBody, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, ErrEmptyBody
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	case Fields:
		out := make(Fields, len(p))
		copy(out, p)
		return &DecodedBody{Fields: out, Encoding: EncodingJSON, ContentType: contentTypeOr(contentType, EncodingJSON)}, nil
	case map[string]any:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make(Fields, 0, len(p))
		for _, k := range keys {
			fields = append(fields, Field{Key: k, Value: p[k]})
		}
		return &DecodedBody{Fields: fields, Encoding: EncodingJSON, ContentType: contentTypeOr(contentType, EncodingJSON)}, nil
	default:
		b, err := jsonAPI.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal structured payload: %w", err)
		}
		raw = b
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyBody
	}

	fields, enc, err := decodeHinted(raw, contentType)
	if err != nil {
		fields, enc, err = sniff(raw)
	}
	if err != nil {
		return nil, err
	}
	return &DecodedBody{Fields: fields, Encoding: enc, ContentType: contentTypeOr(contentType, enc)}, nil
}

var errNoHint = errors.New("no usable content type hint")

func decodeHinted(raw []byte, contentType string) (Fields, Encoding, error) {
	if contentType == "" {
		return nil, EncodingUnknown, errNoHint
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, EncodingUnknown, errNoHint
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		fields, err := decodeJSON(raw)
		return fields, EncodingJSON, err
	case mediaType == "application/x-www-form-urlencoded":
		fields, err := decodeForm(raw)
		return fields, EncodingForm, err
	case mediaType == "text/plain":
		// Used interchangeably for JSON and form payloads by the storefront.
		return sniff(raw)
	default:
		return nil, EncodingUnknown, errNoHint
	}
}

func sniff(raw []byte) (Fields, Encoding, error) {
	var jsonErr error
	if raw[0] == '{' || raw[0] == '[' {
		fields, err := decodeJSON(raw)
		if err == nil {
			return fields, EncodingJSON, nil
		}
		jsonErr = err
	}
	if fields, err := decodeForm(raw); err == nil {
		return fields, EncodingForm, nil
	}
	if fields, ok := decodeLooseForm(raw); ok {
		return fields, EncodingForm, nil
	}
	if errors.Is(jsonErr, ErrNotAnObject) {
		return nil, EncodingUnknown, jsonErr
	}
	return nil, EncodingUnknown, ErrUndecodable
}

func decodeJSON(raw []byte) (Fields, error) {
	if !jsoniter.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrUndecodable)
	}

	iter := jsonAPI.BorrowIterator(raw)
	defer jsonAPI.ReturnIterator(iter)

	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return nil, ErrNotAnObject
	}

	fields := Fields{}
	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		// SkipAndReturnBytes may alias the input buffer; the string conversion copies.
		value := strings.TrimSpace(string(it.SkipAndReturnBytes()))
		fields = append(fields, Field{Key: key, Value: value, Verbatim: true})
		return true
	})
	if iter.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, iter.Error)
	}
	return fields, nil
}

// formPairs splits a form body the way browsers read one: empty segments
// are skipped and a segment without '=' is a key with an empty value.
func formPairs(raw []byte) ([][2]string, bool) {
	if !formPairPattern.Match(raw) {
		return nil, false
	}
	var pairs [][2]string
	for _, seg := range strings.Split(string(raw), "&") {
		if seg == "" {
			continue
		}
		k, v, _ := strings.Cut(seg, "=")
		pairs = append(pairs, [2]string{k, v})
	}
	return pairs, true
}

// decodeForm is the strict parse: every escape must be valid.
func decodeForm(raw []byte) (Fields, error) {
	pairs, ok := formPairs(raw)
	if !ok {
		return nil, fmt.Errorf("%w: no key=value pair", ErrUndecodable)
	}
	fields := make(Fields, 0, len(pairs))
	for _, pair := range pairs {
		key, err := url.QueryUnescape(pair[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		value, err := url.QueryUnescape(pair[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		fields = append(fields, Field{Key: key, Value: value})
	}
	return fields, nil
}

// decodeLooseForm keeps pairs with malformed escapes byte for byte.
func decodeLooseForm(raw []byte) (Fields, bool) {
	pairs, ok := formPairs(raw)
	if !ok {
		return nil, false
	}
	fields := make(Fields, 0, len(pairs))
	for _, pair := range pairs {
		fields = append(fields, Field{Key: pair[0], Value: pair[1], Verbatim: true})
	}
	return fields, true
}

// Encode writes the body back in its original encoding.
func Encode(body *DecodedBody) ([]byte, error) {
	switch body.Encoding {
	case EncodingJSON:
		return encodeJSON(body.Fields)
	case EncodingForm:
		return encodeForm(body.Fields), nil
	default:
		return nil, fmt.Errorf("cannot encode body with %s encoding", body.Encoding)
	}
}

func encodeJSON(fields Fields) ([]byte, error) {
	stream := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(stream)

	stream.WriteObjectStart()
	for i, f := range fields {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(f.Key)
		if raw, ok := f.Value.(string); ok && f.Verbatim {
			stream.WriteRaw(raw)
			continue
		}
		stream.WriteVal(f.Value)
	}
	stream.WriteObjectEnd()

	if stream.Error != nil {
		return nil, fmt.Errorf("encode JSON body: %w", stream.Error)
	}
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}

func encodeForm(fields Fields) []byte {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		value := formValue(f.Value)
		if f.Verbatim {
			b.WriteString(f.Key)
			b.WriteByte('=')
			b.WriteString(value)
			continue
		}
		b.WriteString(url.QueryEscape(f.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(value))
	}
	return []byte(b.String())
}

func formValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func contentTypeOr(declared string, enc Encoding) string {
	if declared != "" {
		return declared
	}
	return enc.DefaultContentType()
}
