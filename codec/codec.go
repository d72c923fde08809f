// Package codec defines the serializer contract the engine requires from
// user-supplied key and value types (spec section 4.3). The engine only
// ever depends on these interfaces; concrete codecs for scalar types are
// deliberately out of scope for the core (spec section 1) and live in
// whatever package the embedding application chooses.
package codec

import "io"

// Codec is a deterministic, total byte encoding for one Go type, with an
// ordering over its decoded values. KeyCodec and ValueCodec are aliases
// of the same contract; the engine only ever orders keys, but giving
// values their own name documents intent at call sites.
type Codec interface {
	// Serialize appends the encoded form of v to dst and returns the
	// extended slice, length-prefixed the way spec 4.3 mandates for
	// variable-width types: a 4-byte length (-1 = null, 0 = empty)
	// followed by that many bytes.
	Serialize(dst []byte, v any) ([]byte, error)

	// DeserializeReader decodes one value from r, consuming exactly the
	// bytes that belong to it.
	DeserializeReader(r io.Reader) (any, error)

	// DeserializeBytes decodes one value starting at buf[start:],
	// returning the decoded value and the number of bytes consumed.
	DeserializeBytes(buf []byte, start int) (v any, n int, err error)

	// Compare returns a negative, zero, or positive int as a < b, a ==
	// b, or a > b under this codec's total order. Both arguments are
	// decoded values of the type this Codec handles.
	Compare(a, b any) int
}

// KeyCodec is the contract used to serialize and order B+Tree keys.
type KeyCodec = Codec

// ValueCodec is the contract used to serialize leaf values. When a tree
// allows duplicates, its ValueCodec.Compare also orders the values held
// for one key (spec invariant I4 applies to keys only; duplicate values
// are ordered by this same comparator, spec section 4.6 Cursors).
type ValueCodec = Codec
