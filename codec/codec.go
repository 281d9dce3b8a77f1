// Package codec defines value (de)serialization used when a cell or
// sequence persists state to an external store.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
