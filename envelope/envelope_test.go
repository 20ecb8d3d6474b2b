package envelope

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/store"
)

func sample() Envelope {
	return Envelope{
		ParentID: "parent-1",
		FutureID: "future-1",
		Kind:     "sum-range",
		Task:     []byte(`{"from":1,"to":5}`),
	}
}

func gz(t *testing.T, raw []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestEncodeDecode(t *testing.T) {
	env := sample()
	payload, err := Encode(env, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), DefaultMaxBytes)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, env, got)
	assert.Equal(t, store.Key{Parent: "parent-1", ID: "future-1"}, got.Key())
}

func TestEncode_FieldOrder(t *testing.T) {
	payload, err := Encode(sample(), 0)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	var raw bytes.Buffer
	_, err = raw.ReadFrom(zr)
	require.NoError(t, err)

	b := raw.Bytes()
	assert.Equal(t, []byte("CE"), b[:2])
	assert.Equal(t, Version, b[2])
	rest := string(b[3:])
	p := bytes.Index([]byte(rest), []byte("parent-1"))
	f := bytes.Index([]byte(rest), []byte("future-1"))
	k := bytes.Index([]byte(rest), []byte("sum-range"))
	tb := bytes.Index([]byte(rest), []byte(`{"from"`))
	assert.True(t, p < f && f < k && k < tb, "fields out of order: %d %d %d %d", p, f, k, tb)
}

func TestEncode_EmptyTaskBody(t *testing.T) {
	env := sample()
	env.Task = nil
	payload, err := Encode(env, 0)
	require.NoError(t, err)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Empty(t, got.Task)
}

func TestEncode_TooLarge(t *testing.T) {
	env := sample()
	env.Task = make([]byte, 2*DefaultMaxBytes)
	_, err := rand.Read(env.Task) // incompressible
	require.NoError(t, err)

	_, err = Encode(env, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodePayloadTooLarge))
	assert.Equal(t, "future-1", errors.As(err).FutureID())
	assert.False(t, errors.IsRetryable(err))
}

func TestEncode_CompressibleLargeTaskFits(t *testing.T) {
	env := sample()
	env.Task = bytes.Repeat([]byte("a"), 4*DefaultMaxBytes)

	payload, err := Encode(env, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), DefaultMaxBytes)
}

func TestEncode_CustomCeiling(t *testing.T) {
	_, err := Encode(sample(), 16)
	assert.True(t, errors.Is(err, errors.ErrCodePayloadTooLarge))
}

func TestEncode_MissingFields(t *testing.T) {
	for _, mutate := range []func(*Envelope){
		func(e *Envelope) { e.ParentID = "" },
		func(e *Envelope) { e.FutureID = "" },
		func(e *Envelope) { e.Kind = "" },
	} {
		env := sample()
		mutate(&env)
		_, err := Encode(env, 0)
		assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"not gzip", []byte("plain bytes")},
		{"empty", nil},
		{"bad magic", gz(t, []byte("XX\x01"))},
		{"bad version", gz(t, []byte("CE\x09"))},
		{"truncated header", gz(t, []byte("C"))},
		{"truncated field", gz(t, []byte("CE\x01\x05ab"))},
		{"missing fields", gz(t, []byte("CE\x01\x01p"))},
		{"trailing bytes", gz(t, []byte("CE\x01\x01p\x01f\x01k\x00junk"))},
		{"empty ids", gz(t, []byte("CE\x01\x00\x00\x01k\x00"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestDecode_MinimalValid(t *testing.T) {
	env, err := Decode(gz(t, []byte("CE\x01\x01p\x01f\x01k\x00")))
	require.NoError(t, err)
	assert.Equal(t, Envelope{ParentID: "p", FutureID: "f", Kind: "k", Task: []byte{}}, env)
}
