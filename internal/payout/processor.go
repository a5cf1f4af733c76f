// Package payout implements the settlement queue. Balances that clear
// their thresholds are swept into wallet transfers one at a time, and
// every confirmed transfer is committed to the ledger per payee.
package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/ledger"
	"github.com/lthn-network/lthn-pool/internal/rpc"
	"github.com/lthn-network/lthn-pool/internal/storage"
	"github.com/lthn-network/lthn-pool/internal/util"
)

const (
	// maxTimerMinutes caps the settlement interval. Larger values
	// overflow a 32-bit millisecond timer.
	maxTimerMinutes = 35791

	// walletStoreInterval flushes wallet state to disk
	walletStoreInterval = time.Minute

	// minWalletFee is the sanity floor on a transfer reply's fee. A
	// missing or implausibly small fee means the wallet response cannot
	// be trusted, so nothing is written to the ledger for it.
	minWalletFee = 10
)

// settlementOrder lists the balance pools swept per run. Pool fees
// settle first so the fee reserve check sees the untouched balance.
var settlementOrder = []string{storage.SchemeFees, storage.SchemePPLNS, storage.SchemePPS, storage.SchemeSolo}

// WalletRPC is the wallet surface the processor transacts through
type WalletRPC interface {
	GetBalance(ctx context.Context) (*rpc.WalletBalance, error)
	Transfer(ctx context.Context, req *rpc.TransferRequest) (*rpc.TransferReply, error)
	Store(ctx context.Context) error
}

// SettlementLedger is the relational surface the processor settles
// against
type SettlementLedger interface {
	BalanceRows(ctx context.Context, poolType string, min uint64) ([]ledger.BalanceRow, error)
	PayoutThreshold(ctx context.Context, minerKey string) (uint64, error)
	InsertTransaction(ctx context.Context, t *ledger.TransactionRecord) (int64, error)
	CommitPayment(ctx context.Context, p *ledger.PaymentRecord) error
}

// PaymentNotifier announces settlement outcomes
type PaymentNotifier interface {
	NotifyPaymentsSent(totalPaid float64, minerCount int)
	NotifyAdmin(subject, body string)
}

// AddressClassifier distinguishes integrated exchange addresses from
// plain wallet addresses
type AddressClassifier interface {
	IsIntegratedAddress(address string) bool
}

// MetricsRecorder receives settlement events for APM reporting
type MetricsRecorder interface {
	RecordSettlementRun(transfers, payees int, totalPaid float64)
	RecordPayment(address string, amount uint64, txHash string)
}

// Processor sweeps payable balances into wallet transfers
type Processor struct {
	cfg        config.PayoutConfig
	sigDigits  uint64
	sigDivisor uint64
	fees       feeSchedule

	wallet   WalletRPC
	ledger   SettlementLedger
	cache    *storage.Cache
	notifier PaymentNotifier
	coin     AddressClassifier
	metrics  MetricsRecorder

	// runMu serializes settlement runs; transfers are never concurrent
	runMu sync.Mutex

	mu           sync.Mutex
	normalTimer  *time.Timer
	retryTimer   *time.Timer
	retryPending bool
	halted       bool

	now func() time.Time
}

// New creates a settlement processor
func New(cfg *config.Config, wallet WalletRPC, store SettlementLedger, cache *storage.Cache, notifier PaymentNotifier, classifier AddressClassifier) *Processor {
	return &Processor{
		cfg:        cfg.Payout,
		sigDigits:  cfg.Coin.SigDigits,
		sigDivisor: cfg.Stats.SigDivisor,
		fees:       newFeeSchedule(cfg.Payout, cfg.Coin.SigDigits),
		wallet:     wallet,
		ledger:     store,
		cache:      cache,
		notifier:   notifier,
		coin:       classifier,
		now:        time.Now,
	}
}

// SetMetricsRecorder attaches an optional APM sink for settlement events
func (p *Processor) SetMetricsRecorder(m MetricsRecorder) {
	p.metrics = m
}

// Start flushes the wallet, arms the settlement timer and kicks off the
// first run. Background work stops when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	if err := p.wallet.Store(ctx); err != nil {
		util.Warnf("Flushing wallet state: %v", err)
	}
	go p.storeLoop(ctx)

	util.Infof("Payout timers: normal %d minutes, out-of-money retry %d minutes",
		p.cfg.TimerMinutes, p.cfg.RetryMinutes)
	go p.RunPayments(ctx)
}

func (p *Processor) storeLoop(ctx context.Context) {
	ticker := time.NewTicker(walletStoreInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.wallet.Store(ctx); err != nil {
				util.Warnf("Flushing wallet state: %v", err)
			}
		}
	}
}

// transferJob is one wallet transfer and the payees it settles
type transferJob struct {
	req    *rpc.TransferRequest
	payees []*Payee
}

// runStats totals the confirmed transfers of one settlement run
type runStats struct {
	transfers int
	payees    int
	paid      uint64
}

// RunPayments executes one full settlement run over every pool type.
// Runs are serialized; the timers only ever fire one at a time.
func (p *Processor) RunPayments(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.Lock()
	if p.halted {
		p.mu.Unlock()
		util.Errorf("Settlement is halted, refusing to run payments")
		return
	}
	if p.normalTimer != nil {
		p.normalTimer.Stop()
		p.normalTimer = nil
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.retryPending = false
	p.mu.Unlock()

	var jobs []*transferJob
	for _, poolType := range settlementOrder {
		batch, err := p.collect(ctx, poolType)
		if err != nil {
			util.Errorf("Loading %s payees: %v", poolType, err)
			continue
		}
		jobs = append(jobs, batch...)
	}

	var stats runStats
	for _, job := range jobs {
		if !p.process(ctx, job, &stats) {
			break
		}
	}
	if p.metrics != nil && stats.transfers > 0 {
		p.metrics.RecordSettlementRun(stats.transfers, stats.payees, util.CoinToDecimal(stats.paid, p.sigDigits))
	}

	p.drain(ctx)
}

// collect builds the transfer jobs for one pool type. Plain addresses
// batch together; integrated and payment-ID addresses each get a
// dedicated transfer.
func (p *Processor) collect(ctx context.Context, poolType string) ([]*transferJob, error) {
	walletMin := util.DecimalToCoin(p.cfg.WalletMin, p.sigDigits)
	exchangeMin := util.DecimalToCoin(p.cfg.ExchangeMin, p.sigDigits)
	feesForTxn := util.DecimalToCoin(p.cfg.FeesForTXN, p.sigDigits)

	rows, err := p.ledger.BalanceRows(ctx, poolType, walletMin)
	if err != nil {
		return nil, err
	}
	util.Infof("Loaded %d [%s] payees into the system for processing", len(rows), poolType)

	var jobs []*transferJob
	var batch []*Payee
	for i := range rows {
		row := &rows[i]
		payee := &Payee{
			BalanceID: row.ID,
			PoolType:  row.PoolType,
			Address:   row.PaymentAddress,
			PaymentID: row.PaymentID,
			Bitcoin:   row.Bitcoin,
			Amount:    row.Amount,
		}

		threshold, err := p.ledger.PayoutThreshold(ctx, payee.Key())
		if err != nil {
			util.Warnf("Looking up payout threshold for %s: %v", payee.Key(), err)
			continue
		}

		// The pool's own fee balance keeps back enough to cover future
		// transaction fees; it only pays out the surplus.
		if poolType == storage.SchemeFees && payee.Address == p.cfg.FeeAddress {
			if payee.Amount >= feesForTxn+exchangeMin {
				payee.Amount -= feesForTxn
			} else {
				payee.Amount = 0
			}
		}

		payee.Amount = truncateToDenom(payee.Amount, p.cfg.Denom, p.sigDivisor)
		if payee.Amount <= threshold {
			continue
		}
		payee.Fee = p.fees.feeFor(payee.Amount)

		aboveExchange := payee.Amount >= exchangeMin || (payee.Amount > threshold && threshold != 0)
		switch {
		case payee.Bitcoin:
			util.Warnf("Skipping bitcoin payout for %s, the exchange bridge is disabled", payee.Key())
		case payee.PaymentID == "" && !p.coin.IsIntegratedAddress(payee.Address):
			batch = append(batch, payee)
		case payee.PaymentID == "":
			// Integrated addresses are exchange deposits and must meet
			// the exchange minimum. They carry their own payment ID, so
			// the transfer sends none.
			if aboveExchange {
				jobs = append(jobs, dedicatedJob(payee, p.cfg.MixIn, false))
			}
		default:
			if aboveExchange {
				jobs = append(jobs, dedicatedJob(payee, p.cfg.MixIn, true))
			}
		}
	}

	for len(batch) > 0 {
		n := p.cfg.MaxPaymentTxns
		if n > len(batch) {
			n = len(batch)
		}
		chunk := batch[:n]
		batch = batch[n:]

		req := &rpc.TransferRequest{Mixin: p.cfg.MixIn}
		for _, payee := range chunk {
			req.Destinations = append(req.Destinations, rpc.Destination{
				Amount:  payee.Amount - payee.Fee,
				Address: payee.Address,
			})
		}
		jobs = append(jobs, &transferJob{req: req, payees: chunk})
	}

	return jobs, nil
}

func dedicatedJob(payee *Payee, mixin int, withPaymentID bool) *transferJob {
	req := &rpc.TransferRequest{
		Destinations: []rpc.Destination{{
			Amount:  payee.Amount - payee.Fee,
			Address: payee.Address,
		}},
		Mixin: mixin,
	}
	if withPaymentID {
		req.PaymentID = payee.PaymentID
	}
	return &transferJob{req: req, payees: []*Payee{payee}}
}

// process executes one transfer job. Returns false when settlement is
// halted and the run must stop.
func (p *Processor) process(ctx context.Context, job *transferJob, stats *runStats) bool {
	// Balance protection: never hand the wallet a transfer it cannot
	// cover from unlocked funds.
	balance, err := p.wallet.GetBalance(ctx)
	if err != nil {
		p.halt("Payment daemon unable to check wallet balance", err)
		return false
	}
	var toPay uint64
	for _, d := range job.req.Destinations {
		toPay += d.Amount
	}
	if balance.UnlockedBalance < toPay {
		util.Errorf("Wallet only has %d unlocked, cannot pay %d. Retrying in %d minutes",
			balance.UnlockedBalance, toPay, p.cfg.RetryMinutes)
		p.scheduleRetry(ctx)
		return true
	}

	reply, err := p.wallet.Transfer(ctx, job.req)
	if err != nil {
		if rpc.ErrNotEnoughMoney(err) {
			util.Errorf("Issue making payments, not enough money, will try later")
			p.scheduleRetry(ctx)
			return true
		}
		p.halt("Payment daemon unable to make payment", err)
		return false
	}

	if reply.Fee == nil || *reply.Fee <= minWalletFee {
		util.Errorf("Unknown error from the wallet.")
		return true
	}

	p.commit(ctx, job, reply, stats)
	return true
}

// commit records a confirmed transfer: one transaction row, then one
// payment row per payee with its balance decrement.
func (p *Processor) commit(ctx context.Context, job *transferJob, reply *rpc.TransferReply, stats *runStats) {
	var total uint64
	for _, payee := range job.payees {
		total += payee.Amount
	}

	txID, err := p.ledger.InsertTransaction(ctx, &ledger.TransactionRecord{
		Hash:   util.FirstHexRun(reply.TxHash),
		Mixin:  p.cfg.MixIn,
		Fees:   *reply.Fee,
		Amount: total,
		Payees: len(job.payees),
	})
	if err != nil {
		util.Errorf("Recording transaction %s: %v", reply.TxHash, err)
		return
	}

	var paid uint64
	for _, payee := range job.payees {
		err := p.ledger.CommitPayment(ctx, &ledger.PaymentRecord{
			PoolType:       payee.PoolType,
			PaymentAddress: payee.Address,
			PaymentID:      payee.PaymentID,
			TransactionID:  txID,
			Bitcoin:        payee.Bitcoin,
			Amount:         payee.Amount,
			Fee:            payee.Fee,
			BalanceID:      payee.BalanceID,
		})
		if err != nil {
			util.Errorf("Recording payment for %s: %v", payee.Key(), err)
			continue
		}
		paid += payee.Amount - payee.Fee
		util.Infof("Payment made to %s for %.8f with a %.8f fee",
			payee.Key(), util.CoinToDecimal(payee.Amount-payee.Fee, p.sigDigits),
			util.CoinToDecimal(payee.Fee, p.sigDigits))
		if p.metrics != nil {
			p.metrics.RecordPayment(payee.Key(), payee.Amount-payee.Fee, reply.TxHash)
		}
	}

	stats.transfers++
	stats.payees += len(job.payees)
	stats.paid += paid

	p.notifier.NotifyPaymentsSent(util.CoinToDecimal(paid, p.sigDigits), len(job.payees))
}

// drain finishes a run: either the retry timer is pending and owns the
// next run, or the normal timer is re-armed. The cycle marker is
// stamped either way so monitors can see settlement is alive.
func (p *Processor) drain(ctx context.Context) {
	p.mu.Lock()
	halted := p.halted
	retrying := p.retryPending
	p.mu.Unlock()

	if halted {
		return
	}
	if !retrying {
		p.armNormalTimer(ctx)
	}
	if err := p.cache.Set(ctx, storage.KeyLastPaymentCycle, p.now().Unix()); err != nil {
		util.Warnf("Stamping payment cycle: %v", err)
	}
}

func (p *Processor) armNormalTimer(ctx context.Context) {
	if p.cfg.TimerMinutes > maxTimerMinutes {
		util.Errorf("Payout timer is too high. Please use a value under %d to avoid overflows.", maxTimerMinutes)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.normalTimer != nil {
		p.normalTimer.Stop()
	}
	p.normalTimer = time.AfterFunc(time.Duration(p.cfg.TimerMinutes)*time.Minute, func() {
		p.RunPayments(ctx)
	})
	util.Infof("Setting the payment timer to: %d minutes for its next normal run", p.cfg.TimerMinutes)
}

// scheduleRetry arms the out-of-money retry exactly once per run
func (p *Processor) scheduleRetry(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retryPending {
		return
	}
	p.retryPending = true
	p.retryTimer = time.AfterFunc(time.Duration(p.cfg.RetryMinutes)*time.Minute, func() {
		p.RunPayments(ctx)
	})
}

// halt stops all future settlement until the process restarts. Used
// for wallet failures where retrying blind could double-pay.
func (p *Processor) halt(subject string, err error) {
	p.mu.Lock()
	p.halted = true
	p.mu.Unlock()

	util.Errorf("%s: %v. Will not make more payments until the payment daemon is restarted!", subject, err)
	p.notifier.NotifyAdmin(subject, fmt.Sprintf(
		"Hello,\r\nThe payment daemon has hit an issue: %v. Please investigate and restart the payment daemon as appropriate.", err))
}

// Stop cancels any armed timers
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.normalTimer != nil {
		p.normalTimer.Stop()
		p.normalTimer = nil
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}
