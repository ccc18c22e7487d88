// File: internal/interception/body_test.go
package interception

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncode_RoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		contentType  string
		wantEncoding Encoding
		wantType     string
	}{
		{"form with hint", "a=1&b=2", "application/x-www-form-urlencoded", EncodingForm, "application/x-www-form-urlencoded"},
		{"form sniffed", "a=1&b=2", "", EncodingForm, "application/x-www-form-urlencoded"},
		{"json with hint", `{"a":"1","b":"2"}`, "application/json", EncodingJSON, "application/json"},
		{"json sniffed", `{"a":"1","b":"2"}`, "", EncodingJSON, "application/json"},
		{"json with charset", `{"a":"1"}`, "application/json; charset=utf-8", EncodingJSON, "application/json; charset=utf-8"},
		{"vendor json", `{"a":"1"}`, "application/vnd.api+json", EncodingJSON, "application/vnd.api+json"},
		{"nested json kept raw", `{"user":{"id":1,"tags":["x","y"]},"price":1.50,"ok":true,"none":null}`, "application/json", EncodingJSON, "application/json"},
		{"form with escapes", "q=a+b&email=x%40y.com", "application/x-www-form-urlencoded", EncodingForm, "application/x-www-form-urlencoded"},
		{"loose form kept literally", "a=%zz&b=2", "", EncodingForm, "application/x-www-form-urlencoded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := Decode(tt.body, tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, tt.wantEncoding, decoded.Encoding)
			assert.Equal(t, tt.wantType, decoded.ContentType)

			out, err := Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(out), "decode then encode must reproduce the body")
		})
	}
}

func TestDecode_PreservesKeyOrder(t *testing.T) {
	decoded, err := Decode("z=26&a=1&m=13", "application/x-www-form-urlencoded")
	require.NoError(t, err)

	var keys []string
	for _, f := range decoded.Fields {
		keys = append(keys, f.Key)
	}
	if diff := cmp.Diff([]string{"z", "a", "m"}, keys); diff != "" {
		t.Errorf("key order mismatch (-want +got):\n%s", diff)
	}
}

func TestInjectField(t *testing.T) {
	t.Run("json body gains the field last", func(t *testing.T) {
		decoded, err := Decode(`{"email":"x@y.com"}`, "application/json")
		require.NoError(t, err)
		decoded.Set("requestToken", "T")

		out, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, `{"email":"x@y.com","requestToken":"T"}`, string(out))
		assert.Equal(t, "application/json", decoded.ContentType)
	})

	t.Run("text/plain json is sniffed as json", func(t *testing.T) {
		decoded, err := Decode(`{"email":"x@y.com"}`, "text/plain;charset=UTF-8")
		require.NoError(t, err)
		assert.Equal(t, EncodingJSON, decoded.Encoding)
		decoded.Set("requestToken", "T")

		out, err := Encode(decoded)
		require.NoError(t, err)
		assert.JSONEq(t, `{"email":"x@y.com","requestToken":"T"}`, string(out))
		assert.Equal(t, "text/plain;charset=UTF-8", decoded.ContentType, "declared type is restored")
	})

	t.Run("text/plain form is sniffed as form", func(t *testing.T) {
		decoded, err := Decode("email=x%40y.com", "text/plain")
		require.NoError(t, err)
		assert.Equal(t, EncodingForm, decoded.Encoding)
		decoded.Set("token", "T")

		out, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, "email=x%40y.com&token=T", string(out))
	})

	t.Run("existing field is replaced in place", func(t *testing.T) {
		decoded, err := Decode(`{"token":"old","code":"123"}`, "application/json")
		require.NoError(t, err)
		decoded.Set("token", "new")

		out, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, `{"token":"new","code":"123"}`, string(out))
	})

	t.Run("token with special characters is escaped per encoding", func(t *testing.T) {
		form, err := Decode("a=1", "")
		require.NoError(t, err)
		form.Set("token", "a b&c=d")
		out, err := Encode(form)
		require.NoError(t, err)
		assert.Equal(t, "a=1&token=a+b%26c%3Dd", string(out))

		js, err := Decode(`{"a":1}`, "")
		require.NoError(t, err)
		js.Set("token", `q"<x>`)
		out, err = Encode(js)
		require.NoError(t, err)
		assert.Equal(t, `{"a":1,"token":"q\"<x>"}`, string(out))
	})

	t.Run("loose form keeps bad escapes and appends the token", func(t *testing.T) {
		decoded, err := Decode("a=%zz&b=2", "")
		require.NoError(t, err)
		decoded.Set("token", "T")
		out, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, "a=%zz&b=2&token=T", string(out))
	})
}

func TestDecode_HintMismatchFallsBackToSniffing(t *testing.T) {
	decoded, err := Decode("a=1&b=2", "application/json")
	require.NoError(t, err)
	assert.Equal(t, EncodingForm, decoded.Encoding)
	assert.Equal(t, "application/json", decoded.ContentType, "the observed type is restored even when detection corrected it")

	decoded, err = Decode(`{"a":"1"}`, "application/x-www-form-urlencoded")
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, decoded.Encoding)
}

func TestDecode_UnknownHintIsIgnored(t *testing.T) {
	decoded, err := Decode(`{"a":"1"}`, "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, decoded.Encoding)

	decoded, err = Decode("a=1", "not a media type;;")
	require.NoError(t, err)
	assert.Equal(t, EncodingForm, decoded.Encoding)
}

func TestDecode_StructuredPayloads(t *testing.T) {
	t.Run("map is encoded as JSON with sorted keys", func(t *testing.T) {
		decoded, err := Decode(map[string]any{"b": 2, "a": "x"}, "")
		require.NoError(t, err)
		assert.Equal(t, EncodingJSON, decoded.Encoding)
		assert.Equal(t, "application/json", decoded.ContentType)

		decoded.Set("token", "T")
		out, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, `{"a":"x","b":2,"token":"T"}`, string(out))
	})

	t.Run("fields keep their order and are copied", func(t *testing.T) {
		in := Fields{{Key: "z", Value: 1}, {Key: "a", Value: "b"}}
		decoded, err := Decode(in, "application/json")
		require.NoError(t, err)
		decoded.Set("z", "changed")
		assert.Equal(t, 1, in[0].Value, "caller's slice must not be mutated")

		out, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, `{"z":"changed","a":"b"}`, string(out))
	})

	t.Run("struct is marshaled then decoded", func(t *testing.T) {
		payload := struct {
			Email string `json:"email"`
		}{Email: "x@y.com"}
		decoded, err := Decode(payload, "")
		require.NoError(t, err)
		v, ok := decoded.Fields.Get("email")
		require.True(t, ok)
		assert.Equal(t, `"x@y.com"`, v, "JSON values are kept in wire form")
	})
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		ct      string
		wantErr error
	}{
		{"nil", nil, "", ErrEmptyBody},
		{"blank", "   ", "application/json", ErrEmptyBody},
		{"truncated json", `{"email":`, "", ErrUndecodable},
		{"truncated json with hint", `{"email":`, "application/json", ErrUndecodable},
		{"plain text", "hello world", "text/plain", ErrUndecodable},
		{"json array", `[{"a":1}]`, "application/json", ErrNotAnObject},
		{"json string", `"just a string"`, "application/json", ErrUndecodable},
		{"bare word form hint", "flag", "application/x-www-form-urlencoded", ErrUndecodable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := Decode(tt.payload, tt.ct)
			assert.Nil(t, decoded)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecode_FormReadLikeBrowsers(t *testing.T) {
	tests := []struct {
		name string
		body string
		ct   string
		want Fields
		out  string
	}{
		{"key without value", "flag&a=1", "application/x-www-form-urlencoded",
			Fields{{Key: "flag", Value: ""}, {Key: "a", Value: "1"}}, "flag=&a=1&requestToken=T"},
		{"empty segment", "a=1&&b=2", "application/x-www-form-urlencoded",
			Fields{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, "a=1&b=2&requestToken=T"},
		{"dangling ampersand", "a=1&", "", Fields{{Key: "a", Value: "1"}}, "a=1&requestToken=T"},
		{"leading ampersand", "&a=1", "text/plain", Fields{{Key: "a", Value: "1"}}, "a=1&requestToken=T"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := Decode(tt.body, tt.ct)
			require.NoError(t, err)
			assert.Equal(t, EncodingForm, decoded.Encoding)
			assert.Equal(t, tt.want, decoded.Fields)

			decoded.Set("requestToken", "T")
			out, err := Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, tt.out, string(out))
		})
	}
}

func TestDecodedBody_SetCollapsesDuplicates(t *testing.T) {
	decoded, err := Decode(`{"requestToken":"old","email":"x@y.com","requestToken":"x"}`, "application/json")
	require.NoError(t, err)
	decoded.Set("requestToken", "T")
	out, err := Encode(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestToken":"T","email":"x@y.com"}`, string(out))
	assert.Equal(t, `{"requestToken":"T","email":"x@y.com"}`, string(out), "first position is kept")

	form, err := Decode("requestToken=a&x=1&requestToken=b", "")
	require.NoError(t, err)
	form.Set("requestToken", "T")
	out, err = Encode(form)
	require.NoError(t, err)
	assert.Equal(t, "requestToken=T&x=1", string(out))
}

func TestEncode_UnknownEncoding(t *testing.T) {
	_, err := Encode(&DecodedBody{Fields: Fields{{Key: "a", Value: "b"}}})
	assert.Error(t, err)
}
