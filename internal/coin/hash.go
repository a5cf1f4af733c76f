package coin

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// HashFunc computes a 32-byte proof-of-work digest for a hashable blob.
// The native CryptoNight/RandomX bindings satisfy this signature and are
// injected where available; the built-in fallback below keeps the full
// accounting pipeline runnable without them.
type HashFunc func(blob []byte, variant int, height uint64) []byte

// SeededHashFunc is the RandomX-shaped variant keyed by a seed hash
type SeededHashFunc func(blob []byte, seed []byte) []byte

// Blake3Digest is the fallback HashFunc
func Blake3Digest(blob []byte, variant int, height uint64) []byte {
	var meta [12]byte
	binary.BigEndian.PutUint32(meta[0:4], uint32(variant))
	binary.BigEndian.PutUint64(meta[4:12], height)

	h := blake3.New()
	h.Write(meta[:])
	h.Write(blob)
	return h.Sum(nil)
}

// Blake3SeededDigest is the fallback SeededHashFunc
func Blake3SeededDigest(blob []byte, seed []byte) []byte {
	h := blake3.New()
	h.Write(seed)
	h.Write(blob)
	return h.Sum(nil)
}
