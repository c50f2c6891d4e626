// Package key implements two key variants: a fixed-width 64-bit
// integer key and a fixed-length byte-string key. A deployment
// normally fixes one kind at build time, but since Go has no textual
// macro layer for that, both live side by side as concrete types
// implementing the same Key interface, each encoding into the same
// FixedKeyLen-byte on-PM representation so
// PmNode/MemNode headers stay a single fixed layout regardless of
// which key kind a deployment picks.
package key

import (
	"bytes"
	"encoding/binary"

	"blainsmith.com/go/seahash"
	"github.com/pkg/errors"
)

// Width is the number of bytes a Key occupies inside a node header.
const Width = 16

// Key is the common interface both key kinds implement.
type Key interface {
	// Compare returns -1, 0 or 1 as the receiver is less than, equal to,
	// or greater than other.
	Compare(other Key) int

	// ShardNumber projects the key onto an integer used for sharding;
	// the caller applies "mod NumShards".
	ShardNumber() uint64

	// IsZero reports whether this is the all-default key, the recovery
	// sentinel for "uncommitted record".
	IsZero() bool

	// Encode serializes the key into its fixed Width-byte representation.
	Encode() [Width]byte
}

// Int64Key is a fixed-width 64-bit integer key.
type Int64Key uint64

func (k Int64Key) Compare(other Key) int {
	o, ok := other.(Int64Key)
	if !ok {
		panic("key: Int64Key compared against a different Key kind")
	}
	switch {
	case k < o:
		return -1
	case k > o:
		return 1
	default:
		return 0
	}
}

func (k Int64Key) ShardNumber() uint64 { return uint64(k) }

func (k Int64Key) IsZero() bool { return k == 0 }

func (k Int64Key) Encode() [Width]byte {
	var b [Width]byte
	binary.BigEndian.PutUint64(b[Width-8:], uint64(k))
	return b
}

// DecodeInt64Key reverses Int64Key.Encode.
func DecodeInt64Key(b [Width]byte) Int64Key {
	return Int64Key(binary.BigEndian.Uint64(b[Width-8:]))
}

// BytesKey is a fixed-length byte-string key (length FixedKeyLen).
type BytesKey [Width]byte

func (k BytesKey) Compare(other Key) int {
	o, ok := other.(BytesKey)
	if !ok {
		panic("key: BytesKey compared against a different Key kind")
	}
	return bytes.Compare(k[:], o[:])
}

// ShardNumber hashes the key bytes with seahash. A byte string has no
// natural leading integer field to shard on (unlike Int64Key, which
// shards on its own value), so the projection is a uniform hash of the
// full key instead of a prefix read.
func (k BytesKey) ShardNumber() uint64 {
	return seahash.Sum64(k[:])
}

func (k BytesKey) IsZero() bool {
	return k == BytesKey{}
}

func (k BytesKey) Encode() [Width]byte {
	return [Width]byte(k)
}

// DecodeBytesKey reverses BytesKey.Encode.
func DecodeBytesKey(b [Width]byte) BytesKey {
	return BytesKey(b)
}

// Decode reconstructs whichever Key kind the caller expects from its
// on-PM bytes. Recovery code that doesn't know the configured key kind
// ahead of time should keep it out of band (deployments fix one kind
// at build time).
func Decode(b [Width]byte, kind Kind) (Key, error) {
	switch kind {
	case KindInt64:
		return DecodeInt64Key(b), nil
	case KindBytes:
		return DecodeBytesKey(b), nil
	default:
		return nil, errors.Errorf("key: unknown kind %d", kind)
	}
}

// Kind discriminates which concrete Key type a store is configured for.
type Kind int

const (
	KindInt64 Kind = iota
	KindBytes
)

// CompareBytes returns a comparator over encoded keys of the given
// Kind, suitable for skiplist.CompareFunc / the MemTable's compare
// parameter: both operate on a node's raw KeyBytes, never a decoded
// Key, so every call site that needs ordering goes through here
// instead of decoding ad hoc.
func CompareBytes(kind Kind) func(a, b [Width]byte) int {
	return func(a, b [Width]byte) int {
		ka, err := Decode(a, kind)
		if err != nil {
			panic(err)
		}
		kb, err := Decode(b, kind)
		if err != nil {
			panic(err)
		}
		return ka.Compare(kb)
	}
}
