package cache

import "encoding/json"

// envelope is the self-describing text encoding every cached value is
// wrapped in. The type tag lets decode reject a value that doesn't match
// the namespace's expected shape instead of returning a silently-wrong
// partial value. []byte fields inside V
// (e.g. model.Blob.Bytes) round-trip bit-identically because encoding/json
// already base64-encodes byte slices; the envelope's own tagging is what
// protects against a value shaped for one namespace leaking into another.
type envelope[V any] struct {
	Type string `json:"type"`
	Data V      `json:"data"`
}

// encode wraps v in a tagged envelope and serializes it to bytes.
func encode[V any](typeTag string, v V) ([]byte, error) {
	return json.Marshal(envelope[V]{Type: typeTag, Data: v})
}

// decode unwraps raw bytes previously produced by encode. Any parse error or
// type-tag mismatch is reported as !ok; the caller treats this exactly like
// a cache miss, never as a partial value.
func decode[V any](typeTag string, raw []byte) (v V, ok bool) {
	var env envelope[V]
	if err := json.Unmarshal(raw, &env); err != nil {
		return v, false
	}
	if env.Type != typeTag {
		return v, false
	}
	return env.Data, true
}
