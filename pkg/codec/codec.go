// Package codec is the single source of truth for wrapping and unwrapping
// the payloads COWStore exchanges with a Backend. Which codec applies is
// decided by the key prefix alone — never by inspecting the bytes — because
// compressed binary can accidentally parse as valid JSON and silently
// corrupt an entity.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"

	"github.com/cuemby/vgraph/pkg/errs"
)

// Kind is the two-way codec a key prefix selects.
type Kind int

const (
	// KindJSON applies to every key not prefixed "blob/", "commit/", or
	// "tree/": refs, entity and relationship bodies, metadata, graph, hnsw,
	// counts.
	KindJSON Kind = iota
	// KindRaw applies to keys prefixed "blob/", "commit/", or "tree/": the
	// content-addressed objects.
	KindRaw
)

// ForKey decides the codec for a logical key by prefix inspection only.
func ForKey(key string) Kind {
	if strings.HasPrefix(key, "blob/") || strings.HasPrefix(key, "commit/") || strings.HasPrefix(key, "tree/") {
		return KindRaw
	}
	// Everything else -- refs/head, entities/, metadata/, graph/, hnsw/,
	// counts -- carries structured JSON bodies except vector blobs, which
	// route through WrapVector/UnwrapVector explicitly rather than
	// through key dispatch.
	return KindJSON
}

// binaryEnvelope is the legacy wire shape accepted by Unwrap for bytes that
// were written by an older codec version.
type binaryEnvelope struct {
	Binary bool   `json:"_binary"`
	Data   string `json:"data"`
}

// Wrap encodes v as JSON for storage under a JSON-dispatched key.
func Wrap(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "codec.Wrap", err, "failed to marshal payload")
	}
	return b, nil
}

// Unwrap decodes JSON bytes into v. It rejects the legacy
// {"_binary":true,"data":"<base64>"} envelope with an InvalidArgument error
// instead of populating v; UnwrapRaw decodes that envelope.
func Unwrap(data []byte, v any) error {
	var env binaryEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Binary {
		return errs.New(errs.InvalidArgument, "codec.Unwrap", "refusing to unwrap legacy binary envelope into a struct; use UnwrapRaw")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.IntegrityError, "codec.Unwrap", err, "failed to unmarshal JSON payload")
	}
	return nil
}

// WrapRaw returns data unchanged; it exists so call sites are explicit about
// which codec they intend, matching Wrap's signature shape.
func WrapRaw(data []byte) []byte {
	return data
}

// UnwrapRaw accepts either plain bytes or the legacy
// {"_binary":true,"data":"<base64>"} envelope and returns the raw payload.
func UnwrapRaw(data []byte) ([]byte, error) {
	var env binaryEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Binary {
		raw, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, errs.Wrap(errs.IntegrityError, "codec.UnwrapRaw", err, "failed to decode legacy base64 envelope")
		}
		return raw, nil
	}
	return data, nil
}

// WrapVector encodes a unit vector as little-endian float32 bytes, the
// on-backend shape for entities/nouns/vectors/<shard>/<id> (§6).
func WrapVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// UnwrapVector decodes little-endian float32 bytes back into a vector.
func UnwrapVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, errs.New(errs.IntegrityError, "codec.UnwrapVector", "vector blob length is not a multiple of 4 bytes")
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
