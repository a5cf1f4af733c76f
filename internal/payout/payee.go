package payout

import (
	"math"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/util"
)

// Payee is one pending settlement destination built from a balance row
type Payee struct {
	BalanceID int64
	PoolType  string
	Address   string
	PaymentID string
	Bitcoin   bool
	Amount    uint64
	Fee       uint64
}

// Key returns the ledger identity of the payee, matching the username
// form used by the users table.
func (p *Payee) Key() string {
	if p.PaymentID == "" {
		return p.Address
	}
	return p.Address + "." + p.PaymentID
}

// feeSchedule holds the slew bounds in atomic units. The pool fee on a
// payment shrinks linearly from the flat base at the minimum payout to
// zero at the slew end; large payments ride free.
type feeSchedule struct {
	base      uint64
	walletMin uint64
	slewEnd   uint64
}

func newFeeSchedule(cfg config.PayoutConfig, sigDigits uint64) feeSchedule {
	return feeSchedule{
		base:      util.DecimalToCoin(cfg.FeeSlewAmount, sigDigits),
		walletMin: util.DecimalToCoin(cfg.WalletMin, sigDigits),
		slewEnd:   util.DecimalToCoin(cfg.FeeSlewEnd, sigDigits),
	}
}

// feeFor computes the fee withheld from a payment of amount
func (f feeSchedule) feeFor(amount uint64) uint64 {
	if amount <= f.walletMin {
		return f.base
	}
	if amount > f.slewEnd || f.slewEnd <= f.walletMin {
		return 0
	}
	slope := float64(f.base) / float64(f.slewEnd-f.walletMin)
	fee := math.Floor(float64(f.base) - float64(amount-f.walletMin)*slope)
	if fee < 0 {
		return 0
	}
	return uint64(fee)
}

// truncateToDenom drops the sub-denomination tail of amount so payouts
// land on round values.
func truncateToDenom(amount, denom, sigDivisor uint64) uint64 {
	unit := denom * sigDivisor
	if unit == 0 {
		return amount
	}
	return amount - amount%unit
}
