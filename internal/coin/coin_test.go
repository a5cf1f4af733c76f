package coin

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/sha3"

	"github.com/lthn-network/lthn-pool/internal/config"
)

func encodeBlock(b []byte) string {
	var full [8]byte
	copy(full[8-len(b):], b)
	num := binary.BigEndian.Uint64(full[:])

	encLen := encodedBlockSizes[len(b)]
	out := make([]byte, encLen)
	for i := encLen - 1; i >= 0; i-- {
		out[i] = b58Alphabet[num%58]
		num /= 58
	}
	return string(out)
}

func b58Encode(b []byte) string {
	var s string
	for len(b) > 0 {
		chunk := b
		if len(chunk) > fullBlockSize {
			chunk = chunk[:fullBlockSize]
		}
		s += encodeBlock(chunk)
		b = b[len(chunk):]
	}
	return s
}

func makeAddress(tag uint64, spendKey byte) string {
	body := []byte{}
	for tag >= 0x80 {
		body = append(body, byte(tag)|0x80)
		tag >>= 7
	}
	body = append(body, byte(tag))
	for i := 0; i < 64; i++ {
		body = append(body, spendKey)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(body)
	sum := h.Sum(nil)
	return b58Encode(append(body, sum[:4]...))
}

func TestLTHNValidateAddress(t *testing.T) {
	c := NewLTHN(config.CoinConfig{})

	plain := makeAddress(lthnMainPrefix, 0x42)
	integrated := makeAddress(lthnMainIntPrefix, 0x42)
	foreign := makeAddress(18, 0x42)

	if !c.ValidateAddress(plain) {
		t.Error("plain address should validate")
	}
	if !c.ValidateAddress(integrated) {
		t.Error("integrated address should validate")
	}
	if c.ValidateAddress(foreign) {
		t.Error("foreign prefix should not validate")
	}
	if c.ValidateAddress("not-an-address") {
		t.Error("garbage should not validate")
	}
	if c.IsIntegratedAddress(plain) {
		t.Error("plain address is not integrated")
	}
	if !c.IsIntegratedAddress(integrated) {
		t.Error("integrated address not detected")
	}
}

func TestLTHNValidateAddressBadChecksum(t *testing.T) {
	c := NewLTHN(config.CoinConfig{})
	addr := makeAddress(lthnMainPrefix, 0x42)
	// flip the final character to corrupt the checksum
	last := addr[len(addr)-1]
	repl := byte('2')
	if last == repl {
		repl = '3'
	}
	if c.ValidateAddress(addr[:len(addr)-1] + string(repl)) {
		t.Error("corrupted checksum should not validate")
	}
}

func TestLTHNVariantTable(t *testing.T) {
	c := NewLTHN(config.CoinConfig{})

	tests := []struct {
		version uint8
		variant int
		name    string
	}{
		{1, 0, "CryptoNight (v0)"},
		{3, 0, "CryptoNight (v0)"},
		{4, 1, "CryptoNight v1"},
		{5, 2, "CryptoNight v2"},
		{6, 4, "CryptoNightR (v4)"},
		{7, 0, "CryptoNight (v0)"},
	}

	for _, tt := range tests {
		if got := c.Variant(tt.version); got != tt.variant {
			t.Errorf("Variant(%d) = %d, want %d", tt.version, got, tt.variant)
		}
		if got := c.VariantName(tt.version); got != tt.name {
			t.Errorf("VariantName(%d) = %q, want %q", tt.version, got, tt.name)
		}
	}
}

func TestLTHNVariantShortName(t *testing.T) {
	mainnet := NewLTHN(config.CoinConfig{})
	testnet := NewLTHN(config.CoinConfig{Testnet: true})

	tests := []struct {
		coin   *LTHN
		height uint64
		want   string
	}{
		{mainnet, 0, "cn/0"},
		{mainnet, 166134, "cn/1"},
		{mainnet, 296287, "cn/2"},
		{mainnet, 391500, "cn/r"},
		{mainnet, 500000, "cn/r"},
		{testnet, 300, "cn/0"},
		{testnet, 301, "cn/1"},
		{testnet, 310, "cn/2"},
		{testnet, 801, "cn/r"},
	}

	for _, tt := range tests {
		if got := tt.coin.VariantShortName(tt.height); got != tt.want {
			t.Errorf("VariantShortName(%d) = %q, want %q", tt.height, got, tt.want)
		}
	}
}

func TestLTHNOldAlgorithmCheck(t *testing.T) {
	c := NewLTHN(config.CoinConfig{})

	blob := make([]byte, 80)
	blob[0] = 6 // current version

	// a share hashed under the version 5 rules
	bad := hex.EncodeToString(Blake3Digest(blob, c.Variant(5), 1000))

	name, ok := c.OldAlgorithmCheck(blob, bad, 1000)
	if !ok {
		t.Fatal("legacy hash not classified")
	}
	if name != "CryptoNight v2" {
		t.Errorf("classified as %q, want CryptoNight v2", name)
	}

	if _, ok := c.OldAlgorithmCheck(blob, "ffff", 1000); ok {
		t.Error("unmatched hash should not classify")
	}
}

func TestLTHNOldAlgorithmCheckSkipsRepeatedVariants(t *testing.T) {
	c := NewLTHN(config.CoinConfig{})
	calls := 0
	c.SetHashFunc(func(blob []byte, variant int, height uint64) []byte {
		calls++
		return Blake3Digest(blob, variant, height)
	})

	blob := make([]byte, 80)
	blob[0] = 7

	c.OldAlgorithmCheck(blob, "ffff", 1000)

	// versions 6,5,4,3 carry variants 4,2,1,0; versions 2 and 1 repeat
	// variant 0 and must not be hashed again
	if calls != 4 {
		t.Errorf("hashed %d variants, want 4", calls)
	}
}

func TestQRLValidateAddress(t *testing.T) {
	c := NewQRL(config.CoinConfig{})

	raw := make([]byte, 39)
	for i := 0; i < 35; i++ {
		raw[i] = byte(i)
	}
	sum := sha256.Sum256(raw[:35])
	copy(raw[35:], sum[28:])
	addr := "Q" + hex.EncodeToString(raw)

	if !c.ValidateAddress(addr) {
		t.Error("well-formed address should validate")
	}

	bad := []byte(addr)
	bad[10] ^= 1
	if c.ValidateAddress(string(bad)) {
		t.Error("corrupted address should not validate")
	}
	if c.ValidateAddress(addr[:78]) {
		t.Error("short address should not validate")
	}
}

func TestResolve(t *testing.T) {
	for _, name := range []string{"lthn", "qrl"} {
		c, err := Resolve(config.CoinConfig{Name: name})
		if err != nil {
			t.Fatalf("Resolve(%s): %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("Name() = %q, want %q", c.Name(), name)
		}
	}
	if _, err := Resolve(config.CoinConfig{Name: "doge"}); err == nil {
		t.Error("unknown coin should fail to resolve")
	}
}
