package util

import "math"

// CoinToDecimal converts atomic units to a decimal coin amount.
func CoinToDecimal(amount uint64, sigDigits uint64) float64 {
	if sigDigits == 0 {
		return float64(amount)
	}
	return float64(amount) / float64(sigDigits)
}

// DecimalToCoin converts a decimal coin amount to atomic units.
func DecimalToCoin(amount float64, sigDigits uint64) uint64 {
	if sigDigits == 0 {
		sigDigits = 1
	}
	v := math.Round(amount * float64(sigDigits))
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// FirstHexRun returns the leading run of hex characters in s.
// Wallet transfer responses occasionally pad the tx hash; persisted
// records keep only the hash itself.
func FirstHexRun(s string) string {
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return s[:i]
		}
	}
	return s
}
