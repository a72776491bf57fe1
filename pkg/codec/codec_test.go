package codec

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForKey(t *testing.T) {
	tests := []struct {
		key  string
		want Kind
	}{
		{"refs/head", KindJSON},
		{"metadata/kind/3f/0", KindJSON},
		{"blob/deadbeef", KindRaw},
		{"commit/deadbeef", KindRaw},
		{"tree/deadbeef", KindRaw},
		{"entities/nouns/3f/abc", KindJSON},
		{"counts", KindJSON},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ForKey(tt.key), tt.key)
	}
}

type samplePayload struct {
	Name string `json:"name"`
}

func TestWrapUnwrapJSON(t *testing.T) {
	in := samplePayload{Name: "alice"}
	b, err := Wrap(in)
	require.NoError(t, err)

	var out samplePayload
	require.NoError(t, Unwrap(b, &out))
	assert.Equal(t, in, out)
}

func TestUnwrapRejectsBinaryEnvelope(t *testing.T) {
	env := []byte(`{"_binary":true,"data":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `"}`)
	var out samplePayload
	err := Unwrap(env, &out)
	require.Error(t, err)
}

func TestUnwrapRawPlainBytes(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03}
	got, err := UnwrapRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestUnwrapRawLegacyEnvelope(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	env := []byte(`{"_binary":true,"data":"` + base64.StdEncoding.EncodeToString(payload) + `"}`)
	got, err := UnwrapRaw(env)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWrapUnwrapVectorRoundTrip(t *testing.T) {
	v := []float32{0.1, -0.2, 0.3, 1.0, -1.0}
	b := WrapVector(v)
	assert.Len(t, b, 4*len(v))

	got, err := UnwrapVector(b)
	require.NoError(t, err)
	require.Len(t, got, len(v))
	for i := range v {
		assert.InDelta(t, v[i], got[i], 1e-9)
	}
}

func TestUnwrapVectorRejectsMisalignedLength(t *testing.T) {
	_, err := UnwrapVector([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}
