package coin

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Template is the upstream block template a work unit is built from
type Template struct {
	Blob           string
	Difficulty     uint64
	Height         uint64
	ReservedOffset int
	SeedHash       string
}

// WorkUnit is a block template augmented with a partitioned nonce space,
// safe to hand to many concurrent mining tiers.
//
// The 16-byte reserved region starting at ReserveOffset is laid out as
// four big-endian uint32 fields:
//
//	|minerNonce|instanceId|clientPoolNonce|clientNonce|
//
// One template can serve 4 billion downstream pools, each with 4 billion
// clients, while staying unique to this process via the instance ID.
type WorkUnit struct {
	Blob          string
	IDHash        string
	Difficulty    uint64
	Height        uint64
	ReserveOffset int
	SeedHash      string
	PreviousHash  []byte

	// ClientNonceLocation is where a downstream pool sets per-client nonces
	ClientNonceLocation int
	// ClientPoolLocation is where a distributing tier sets its own nonce
	ClientPoolLocation int

	coin       Coin
	buffer     []byte
	minerNonce uint32
}

// NewWorkUnit builds a work unit from an upstream template, stamping the
// process instance ID into the reserved region.
func NewWorkUnit(c Coin, rt *Runtime, tpl *Template) (*WorkUnit, error) {
	buf, err := hex.DecodeString(tpl.Blob)
	if err != nil {
		return nil, fmt.Errorf("decoding template blob: %w", err)
	}
	if tpl.ReservedOffset < 0 || tpl.ReservedOffset+16 > len(buf) {
		return nil, fmt.Errorf("reserved offset %d out of range for %d byte blob", tpl.ReservedOffset, len(buf))
	}
	if len(buf) < 39 {
		return nil, fmt.Errorf("template blob too short: %d bytes", len(buf))
	}

	copy(buf[tpl.ReservedOffset+4:tpl.ReservedOffset+8], rt.InstanceID[:])

	prev := make([]byte, 32)
	copy(prev, buf[7:39])

	idHash := blake3.Sum256([]byte(tpl.Blob))

	return &WorkUnit{
		Blob:                tpl.Blob,
		IDHash:              hex.EncodeToString(idHash[:]),
		Difficulty:          tpl.Difficulty,
		Height:              tpl.Height,
		ReserveOffset:       tpl.ReservedOffset,
		SeedHash:            tpl.SeedHash,
		PreviousHash:        prev,
		ClientNonceLocation: tpl.ReservedOffset + 12,
		ClientPoolLocation:  tpl.ReservedOffset + 8,
		coin:                c,
		buffer:              buf,
	}, nil
}

// NextBlob increments the miner nonce and returns the hashable encoding
// of the blob, which for some coins differs from the wire format.
func (w *WorkUnit) NextBlob() string {
	w.bumpNonce()
	return hex.EncodeToString(w.coin.ConvertBlob(w.buffer))
}

// NextBlobWithChildNonce increments the miner nonce and returns the raw
// wire-format blob, for a distributing tier to subdivide further.
func (w *WorkUnit) NextBlobWithChildNonce() string {
	w.bumpNonce()
	return hex.EncodeToString(w.buffer)
}

// MinerNonce returns the current miner nonce value
func (w *WorkUnit) MinerNonce() uint32 {
	return w.minerNonce
}

func (w *WorkUnit) bumpNonce() {
	w.minerNonce++
	binary.BigEndian.PutUint32(w.buffer[w.ReserveOffset:], w.minerNonce)
}
