// Package coin implements the per-coin work unit builders and address
// handling for LTHN Pool. Each supported coin provides the same operation
// set and is resolved once at startup by name.
package coin

import (
	"crypto/rand"
	"fmt"

	"github.com/lthn-network/lthn-pool/internal/config"
)

// Coin is the per-coin operation set
type Coin interface {
	// Name returns the coin identifier used in config
	Name() string

	// ValidateAddress reports whether address is a valid payment address
	ValidateAddress(address string) bool

	// IsIntegratedAddress reports whether address embeds a payment ID
	IsIntegratedAddress(address string) bool

	// ConvertBlob turns a raw block blob into its hashable form
	ConvertBlob(blob []byte) []byte

	// ConstructBlock writes a solved nonce back into a template blob,
	// producing a submittable block
	ConstructBlock(template []byte, nonce []byte) ([]byte, error)

	// Hash computes the proof-of-work digest of a converted blob
	Hash(convertedBlob []byte, height uint64, seedHash string) ([]byte, error)

	// Variant maps a block major version to a hash variant id
	Variant(version uint8) int

	// VariantName maps a block major version to a human-readable name
	VariantName(version uint8) string

	// VariantShortName maps a block height to the short algorithm tag
	// advertised to miners
	VariantShortName(height uint64) string

	// OldAlgorithmCheck classifies a rejected hash against historical
	// variants. Returns the variant name and true when a legacy variant
	// reproduces badHash.
	OldAlgorithmCheck(convertedBlob []byte, badHash string, height uint64) (string, bool)
}

// Runtime carries the per-process state stamped into every work unit.
// The instance ID makes work units from two processes sharing one
// upstream template collision-free even though the miner nonce resets
// to zero per unit.
type Runtime struct {
	InstanceID [4]byte
}

// NewRuntime generates the process instance ID
func NewRuntime() (*Runtime, error) {
	rt := &Runtime{}
	if _, err := rand.Read(rt.InstanceID[:]); err != nil {
		return nil, fmt.Errorf("generating instance id: %w", err)
	}
	return rt, nil
}

// Resolve returns the coin implementation for cfg.Name
func Resolve(cfg config.CoinConfig) (Coin, error) {
	switch cfg.Name {
	case "lthn":
		return NewLTHN(cfg), nil
	case "qrl":
		return NewQRL(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported coin: %s", cfg.Name)
	}
}
