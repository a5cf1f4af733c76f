package coin

import (
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/lthn-network/lthn-pool/internal/config"
)

// LTHN address prefix tags
const (
	lthnMainPrefix    = 251
	lthnMainIntPrefix = 129
	lthnTestPrefix    = 25247
	lthnTestIntPrefix = 3745
)

// nonce location inside a serialized block header
const blockNonceOffset = 39

// LTHN is the Lethean coin implementation, a CryptoNight-family chain
// with height-scheduled variant upgrades.
type LTHN struct {
	testnet   bool
	prefix    uint64
	intPrefix uint64
	hash      HashFunc
}

// NewLTHN builds the lthn coin from config
func NewLTHN(cfg config.CoinConfig) *LTHN {
	c := &LTHN{
		testnet:   cfg.Testnet,
		prefix:    lthnMainPrefix,
		intPrefix: lthnMainIntPrefix,
		hash:      Blake3Digest,
	}
	if cfg.Testnet {
		c.prefix = lthnTestPrefix
		c.intPrefix = lthnTestIntPrefix
	}
	return c
}

// SetHashFunc installs a native proof-of-work binding
func (c *LTHN) SetHashFunc(f HashFunc) {
	c.hash = f
}

func (c *LTHN) Name() string {
	return "lthn"
}

func (c *LTHN) ValidateAddress(address string) bool {
	tag, err := decodeAddressTag(address)
	if err != nil {
		return false
	}
	return tag == c.prefix || tag == c.intPrefix
}

func (c *LTHN) IsIntegratedAddress(address string) bool {
	tag, err := decodeAddressTag(address)
	if err != nil {
		return false
	}
	return tag == c.intPrefix
}

// ConvertBlob produces the hashable encoding of a block blob. The header
// through the nonce field is kept verbatim; the body is condensed to a
// 32-byte digest plus a transaction count byte so the result has the
// hashing-blob shape the proof-of-work digest expects.
func (c *LTHN) ConvertBlob(blob []byte) []byte {
	if len(blob) <= blockNonceOffset+4 {
		out := make([]byte, len(blob))
		copy(out, blob)
		return out
	}
	head := blob[:blockNonceOffset+4]
	root := blake3.Sum256(blob[blockNonceOffset+4:])

	out := make([]byte, 0, len(head)+33)
	out = append(out, head...)
	out = append(out, root[:]...)
	out = append(out, 0x01)
	return out
}

// ConstructBlock writes a solved 4-byte nonce into the template blob
func (c *LTHN) ConstructBlock(template []byte, nonce []byte) ([]byte, error) {
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

// Hash computes the proof-of-work digest. The variant is selected from
// the block major version carried in the first byte of the blob.
func (c *LTHN) Hash(convertedBlob []byte, height uint64, seedHash string) ([]byte, error) {
	if len(convertedBlob) == 0 {
		return nil, errors.New("empty blob")
	}
	variant := c.Variant(convertedBlob[0])
	return c.hash(convertedBlob, variant, height), nil
}

// Variant maps a block major version to a CryptoNight variant id
func (c *LTHN) Variant(version uint8) int {
	switch version {
	case 4:
		return 1
	case 5:
		return 2
	case 6:
		return 4
	default:
		return 0
	}
}

// VariantName maps a block major version to a human-readable name
func (c *LTHN) VariantName(version uint8) string {
	switch version {
	case 4:
		return "CryptoNight v1"
	case 5:
		return "CryptoNight v2"
	case 6:
		return "CryptoNightR (v4)"
	default:
		return "CryptoNight (v0)"
	}
}

// VariantShortName maps a block height to the algorithm tag miners see
func (c *LTHN) VariantShortName(height uint64) string {
	if c.testnet {
		switch {
		case height >= 801:
			return "cn/r"
		case height >= 310:
			return "cn/2"
		case height >= 301:
			return "cn/1"
		default:
			return "cn/0"
		}
	}
	switch {
	case height >= 391500:
		return "cn/r"
	case height >= 296287:
		return "cn/2"
	case height >= 166134:
		return "cn/1"
	default:
		return "cn/0"
	}
}

// OldAlgorithmCheck classifies a rejected hash against the variants of
// earlier block versions, useful for diagnosing stale shares mined
// against old rules. Versions whose variant id does not strictly
// decrease are skipped so no variant is hashed twice.
func (c *LTHN) OldAlgorithmCheck(convertedBlob []byte, badHash string, height uint64) (string, bool) {
	if len(convertedBlob) == 0 {
		return "", false
	}
	lastVariant := -1
	for v := int(convertedBlob[0]) - 1; v >= 1; v-- {
		variant := c.Variant(uint8(v))
		if lastVariant == -1 || variant < lastVariant {
			digest := c.hash(convertedBlob, variant, height)
			if hex.EncodeToString(digest) == badHash {
				return c.VariantName(uint8(v)), true
			}
		}
		lastVariant = variant
	}
	return "", false
}
