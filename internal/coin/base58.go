package coin

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// CryptoNote-style base58: the payload is split into 8-byte blocks, each
// encoded as a fixed 11-character group, with a shorter final group for
// the tail.

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const (
	fullBlockSize        = 8
	fullEncodedBlockSize = 11
)

// encodedBlockSizes[n] is the encoded length of an n-byte block
var encodedBlockSizes = [9]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

var b58Index [256]int8

func init() {
	for i := range b58Index {
		b58Index[i] = -1
	}
	for i, c := range b58Alphabet {
		b58Index[c] = int8(i)
	}
}

func decodedBlockSize(encLen int) int {
	for n, l := range encodedBlockSizes {
		if l == encLen {
			return n
		}
	}
	return -1
}

func decodeBlock(enc string) ([]byte, error) {
	n := decodedBlockSize(len(enc))
	if n < 0 {
		return nil, fmt.Errorf("invalid base58 block length %d", len(enc))
	}
	var num uint64
	for i := 0; i < len(enc); i++ {
		d := b58Index[enc[i]]
		if d < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", enc[i])
		}
		hi := num >> 58
		num = num*58 + uint64(d)
		if hi != 0 {
			return nil, errors.New("base58 block overflow")
		}
	}
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], num)
	for _, b := range full[:8-n] {
		if b != 0 {
			return nil, errors.New("base58 block overflow")
		}
	}
	return full[8-n:], nil
}

func base58Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty base58 string")
	}
	out := make([]byte, 0, len(s)*fullBlockSize/fullEncodedBlockSize+fullBlockSize)
	for len(s) > 0 {
		chunk := s
		if len(chunk) > fullEncodedBlockSize {
			chunk = chunk[:fullEncodedBlockSize]
		}
		block, err := decodeBlock(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		s = s[len(chunk):]
	}
	return out, nil
}

func readVarint(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, c := range b {
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
		if shift > 63 {
			break
		}
	}
	return 0, 0
}

// decodeAddressTag decodes a CryptoNote address and returns its network
// prefix tag. The trailing 4-byte keccak checksum must match.
func decodeAddressTag(address string) (uint64, error) {
	raw, err := base58Decode(address)
	if err != nil {
		return 0, err
	}
	if len(raw) < 5 {
		return 0, errors.New("address too short")
	}
	body, checksum := raw[:len(raw)-4], raw[len(raw)-4:]

	h := sha3.NewLegacyKeccak256()
	h.Write(body)
	sum := h.Sum(nil)
	for i := 0; i < 4; i++ {
		if sum[i] != checksum[i] {
			return 0, errors.New("address checksum mismatch")
		}
	}

	tag, n := readVarint(body)
	if n == 0 {
		return 0, errors.New("invalid address prefix")
	}
	return tag, nil
}
