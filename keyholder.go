package embedkv

import "github.com/jsteemann/embedkv/codec"

// KeyHolder is a lazy wrapper around one key: it may arrive already
// decoded (freshly inserted by a caller), already serialized (just read
// off disk), or, once both directions have been asked for, both (spec
// section 3, "Key Holder"). Either representation can always be produced
// on demand; whichever was computed first is cached.
type KeyHolder struct {
	c codec.KeyCodec

	hasDecoded bool
	decoded    any

	hasRaw bool
	raw    []byte
}

// NewKeyHolder wraps an already-decoded key.
func NewKeyHolder(c codec.KeyCodec, decoded any) *KeyHolder {
	return &KeyHolder{c: c, decoded: decoded, hasDecoded: true}
}

// NewKeyHolderFromBytes wraps an already-serialized key, as read from a
// page. raw is retained without copying; callers must not mutate it
// afterwards.
func NewKeyHolderFromBytes(c codec.KeyCodec, raw []byte) *KeyHolder {
	return &KeyHolder{c: c, raw: raw, hasRaw: true}
}

// Bytes returns the serialized form of the key, computing and caching it
// on first use.
func (k *KeyHolder) Bytes() ([]byte, error) {
	if k.hasRaw {
		return k.raw, nil
	}
	raw, err := k.c.Serialize(nil, k.decoded)
	if err != nil {
		return nil, newErr(ErrKindSerializer, "KeyHolder.Bytes", nil, err)
	}
	k.raw = raw
	k.hasRaw = true
	return raw, nil
}

// Value returns the decoded key, computing and caching it on first use.
func (k *KeyHolder) Value() (any, error) {
	if k.hasDecoded {
		return k.decoded, nil
	}
	v, _, err := k.c.DeserializeBytes(k.raw, 0)
	if err != nil {
		return nil, newErr(ErrKindSerializer, "KeyHolder.Value", k.raw, err)
	}
	k.decoded = v
	k.hasDecoded = true
	return v, nil
}

// Compare orders k against other using the shared key codec, decoding
// either side lazily if only raw bytes are cached.
func (k *KeyHolder) Compare(other *KeyHolder) (int, error) {
	a, err := k.Value()
	if err != nil {
		return 0, err
	}
	b, err := other.Value()
	if err != nil {
		return 0, err
	}
	return k.c.Compare(a, b), nil
}
