package coin

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/lthn-network/lthn-pool/internal/config"
)

// qrlRandomXHeight is the fork height where QRL switched to RandomX
const qrlRandomXHeight = 942375

// QRL is the Quantum Resistant Ledger coin implementation. Addresses are
// hex-encoded descriptors with a sha256 checksum rather than base58, the
// wire blob is already the hashable blob, and proof of work is RandomX
// at and after the fork height.
type QRL struct {
	hash   HashFunc
	seeded SeededHashFunc
}

// NewQRL builds the qrl coin from config
func NewQRL(cfg config.CoinConfig) *QRL {
	return &QRL{
		hash:   Blake3Digest,
		seeded: Blake3SeededDigest,
	}
}

// SetHashFunc installs a native CryptoNight binding for pre-fork blocks
func (c *QRL) SetHashFunc(f HashFunc) {
	c.hash = f
}

// SetSeededHashFunc installs a native RandomX binding
func (c *QRL) SetSeededHashFunc(f SeededHashFunc) {
	c.seeded = f
}

func (c *QRL) Name() string {
	return "qrl"
}

// ValidateAddress checks a QRL address: 79 characters, a leading type
// marker, then 39 hex-encoded bytes whose last 4 bytes are the tail of
// the sha256 of the first 35.
func (c *QRL) ValidateAddress(address string) bool {
	if len(address) != 79 {
		return false
	}
	raw, err := hex.DecodeString(address[1:])
	if err != nil || len(raw) != 39 {
		return false
	}
	sum := sha256.Sum256(raw[:35])
	digest := hex.EncodeToString(sum[:])
	return digest[56:] == hex.EncodeToString(raw[35:])
}

// IsIntegratedAddress always reports false: QRL addresses carry no
// embedded payment ID.
func (c *QRL) IsIntegratedAddress(address string) bool {
	return false
}

// ConvertBlob is the identity: the QRL wire blob is already hashable
func (c *QRL) ConvertBlob(blob []byte) []byte {
	out := make([]byte, len(blob))
	copy(out, blob)
	return out
}

// ConstructBlock writes a solved 4-byte nonce into the template blob
func (c *QRL) ConstructBlock(template []byte, nonce []byte) ([]byte, error) {
	if len(nonce) != 4 {
		return nil, errors.New("nonce must be 4 bytes")
	}
	if len(template) < blockNonceOffset+4 {
		return nil, errors.New("template blob too short")
	}
	out := make([]byte, len(template))
	copy(out, template)
	copy(out[blockNonceOffset:], nonce)
	return out, nil
}

// Hash computes the proof-of-work digest, selecting RandomX keyed by the
// template seed hash at and after the fork height.
func (c *QRL) Hash(convertedBlob []byte, height uint64, seedHash string) ([]byte, error) {
	if len(convertedBlob) == 0 {
		return nil, errors.New("empty blob")
	}
	if height >= qrlRandomXHeight {
		seed, err := hex.DecodeString(seedHash)
		if err != nil {
			return nil, errors.New("invalid seed hash")
		}
		return c.seeded(convertedBlob, seed), nil
	}
	return c.hash(convertedBlob, 1, height), nil
}

func (c *QRL) Variant(version uint8) int {
	return 1
}

func (c *QRL) VariantName(version uint8) string {
	return "CryptoNight v1"
}

func (c *QRL) VariantShortName(height uint64) string {
	if height >= qrlRandomXHeight {
		return "rx/0"
	}
	return "cn/1"
}

// OldAlgorithmCheck has no legacy variants to walk on QRL
func (c *QRL) OldAlgorithmCheck(convertedBlob []byte, badHash string, height uint64) (string, bool) {
	return "", false
}
