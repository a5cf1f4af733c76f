package payout

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/ledger"
	"github.com/lthn-network/lthn-pool/internal/rpc"
	"github.com/lthn-network/lthn-pool/internal/storage"
)

type fakeWallet struct {
	mu          sync.Mutex
	unlocked    uint64
	fee         *uint64
	txHash      string
	transferErr error
	transfers   []*rpc.TransferRequest
	stores      int
}

func (f *fakeWallet) GetBalance(ctx context.Context) (*rpc.WalletBalance, error) {
	return &rpc.WalletBalance{Balance: f.unlocked, UnlockedBalance: f.unlocked}, nil
}

func (f *fakeWallet) Transfer(ctx context.Context, req *rpc.TransferRequest) (*rpc.TransferReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, req)
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	return &rpc.TransferReply{Fee: f.fee, TxHash: f.txHash}, nil
}

func (f *fakeWallet) Store(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores++
	return nil
}

type fakeLedger struct {
	rows       map[string][]ledger.BalanceRow
	thresholds map[string]uint64
	txns       []*ledger.TransactionRecord
	payments   []*ledger.PaymentRecord
}

func (f *fakeLedger) BalanceRows(ctx context.Context, poolType string, min uint64) ([]ledger.BalanceRow, error) {
	var out []ledger.BalanceRow
	for _, r := range f.rows[poolType] {
		if r.Amount >= min {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedger) PayoutThreshold(ctx context.Context, minerKey string) (uint64, error) {
	return f.thresholds[minerKey], nil
}

func (f *fakeLedger) InsertTransaction(ctx context.Context, t *ledger.TransactionRecord) (int64, error) {
	f.txns = append(f.txns, t)
	return int64(len(f.txns)), nil
}

func (f *fakeLedger) CommitPayment(ctx context.Context, p *ledger.PaymentRecord) error {
	f.payments = append(f.payments, p)
	return nil
}

type fakePayoutNotifier struct {
	mu        sync.Mutex
	announces []int
	admin     []string
}

func (f *fakePayoutNotifier) NotifyPaymentsSent(totalPaid float64, minerCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, minerCount)
}

func (f *fakePayoutNotifier) NotifyAdmin(subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admin = append(f.admin, subject)
}

type fakeClassifier struct {
	integrated map[string]bool
}

func (f *fakeClassifier) IsIntegratedAddress(address string) bool {
	return f.integrated[address]
}

type fakeMetrics struct {
	mu     sync.Mutex
	runs   []int
	payees []string
}

func (f *fakeMetrics) RecordSettlementRun(transfers, payees int, totalPaid float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, transfers)
}

func (f *fakeMetrics) RecordPayment(address string, amount uint64, txHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payees = append(f.payees, address)
}

func feePtr(v uint64) *uint64 { return &v }

type payoutRig struct {
	proc     *Processor
	wallet   *fakeWallet
	ledger   *fakeLedger
	notifier *fakePayoutNotifier
	cache    *storage.Cache
}

func newPayoutRig(t *testing.T, store *fakeLedger) *payoutRig {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := storage.NewCacheFromClient(client)

	wallet := &fakeWallet{
		unlocked: 1 << 40,
		fee:      feePtr(5000),
		txHash:   "c418708643f72635edf522490bfb2cae",
	}
	notifier := &fakePayoutNotifier{}

	cfg := &config.Config{
		Coin:  config.CoinConfig{SigDigits: 1},
		Stats: config.StatsConfig{SigDivisor: 1},
		Payout: config.PayoutConfig{
			TimerMinutes:   60,
			RetryMinutes:   30,
			WalletMin:      100,
			FeeSlewAmount:  10,
			FeeSlewEnd:     1000,
			ExchangeMin:    5000,
			FeesForTXN:     50,
			Denom:          10,
			MixIn:          4,
			MaxPaymentTxns: 3,
			FeeAddress:     "feeaddr",
		},
	}
	if store.thresholds == nil {
		store.thresholds = map[string]uint64{}
	}
	classifier := &fakeClassifier{integrated: map[string]bool{"integrated1": true}}
	proc := New(cfg, wallet, store, cache, notifier, classifier)
	t.Cleanup(proc.Stop)

	return &payoutRig{proc: proc, wallet: wallet, ledger: store, notifier: notifier, cache: cache}
}

func plainRow(id int64, addr string, amount uint64) ledger.BalanceRow {
	return ledger.BalanceRow{ID: id, PoolType: "pplns", PaymentAddress: addr, Amount: amount}
}

func TestPlainAddressesBatchAndSettle(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {
			plainRow(1, "addr1", 500), plainRow(2, "addr2", 500), plainRow(3, "addr3", 500),
			plainRow(4, "addr4", 500), plainRow(5, "addr5", 500), plainRow(6, "addr6", 500),
			plainRow(7, "addr7", 500),
		},
	}}
	rig := newPayoutRig(t, store)

	rig.proc.RunPayments(context.Background())

	// seven payees at max three per transfer makes three transfers
	if len(rig.wallet.transfers) != 3 {
		t.Fatalf("transfers = %d, want 3", len(rig.wallet.transfers))
	}
	sizes := []int{len(rig.wallet.transfers[0].Destinations), len(rig.wallet.transfers[1].Destinations), len(rig.wallet.transfers[2].Destinations)}
	if sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [3 3 1]", sizes)
	}

	// fee on 500 slews to 5, so each destination carries 495
	if got := rig.wallet.transfers[0].Destinations[0].Amount; got != 495 {
		t.Errorf("destination amount = %d, want 495", got)
	}

	if len(rig.ledger.txns) != 3 {
		t.Errorf("transaction rows = %d, want 3", len(rig.ledger.txns))
	}
	if len(rig.ledger.payments) != 7 {
		t.Fatalf("payment rows = %d, want 7", len(rig.ledger.payments))
	}
	// balances decrement by the full amount; the payment row stores the
	// fee so the net paid is reconstructable
	for _, p := range rig.ledger.payments {
		if p.Amount != 500 || p.Fee != 5 {
			t.Errorf("payment %s amount/fee = %d/%d, want 500/5", p.PaymentAddress, p.Amount, p.Fee)
		}
	}

	cycle, err := rig.cache.LastPaymentCycle(context.Background())
	if err != nil || cycle == 0 {
		t.Errorf("payment cycle not stamped: ts=%d err=%v", cycle, err)
	}

	rig.notifier.mu.Lock()
	defer rig.notifier.mu.Unlock()
	if len(rig.notifier.announces) != 3 {
		t.Errorf("announcements = %v, want one per transfer", rig.notifier.announces)
	}
}

func TestRoutingDedicatedTransfers(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {
			{ID: 1, PoolType: "pplns", PaymentAddress: "integrated1", Amount: 6000},
			{ID: 2, PoolType: "pplns", PaymentAddress: "addr1", PaymentID: "feedface", Amount: 6000},
			{ID: 3, PoolType: "pplns", PaymentAddress: "addr2", PaymentID: "deadbeef", Amount: 500},
		},
	}}
	rig := newPayoutRig(t, store)

	rig.proc.RunPayments(context.Background())

	if len(rig.wallet.transfers) != 2 {
		t.Fatalf("transfers = %d, want 2 (exchange-minimum gate drops the third)", len(rig.wallet.transfers))
	}
	for _, tr := range rig.wallet.transfers {
		if len(tr.Destinations) != 1 {
			t.Errorf("dedicated transfer has %d destinations", len(tr.Destinations))
		}
		switch tr.Destinations[0].Address {
		case "integrated1":
			// the integrated address embeds its own payment id
			if tr.PaymentID != "" {
				t.Errorf("integrated transfer carries payment_id %q", tr.PaymentID)
			}
		case "addr1":
			if tr.PaymentID != "feedface" {
				t.Errorf("payment-id transfer payment_id = %q", tr.PaymentID)
			}
		default:
			t.Errorf("unexpected transfer to %s", tr.Destinations[0].Address)
		}
	}
}

func TestUserThresholdGatesPayment(t *testing.T) {
	store := &fakeLedger{
		rows: map[string][]ledger.BalanceRow{
			"pplns": {plainRow(1, "addr1", 500), plainRow(2, "addr2", 700)},
		},
		thresholds: map[string]uint64{"addr1": 600, "addr2": 600},
	}
	rig := newPayoutRig(t, store)

	rig.proc.RunPayments(context.Background())

	if len(rig.ledger.payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(rig.ledger.payments))
	}
	if rig.ledger.payments[0].PaymentAddress != "addr2" {
		t.Errorf("paid %s, want addr2", rig.ledger.payments[0].PaymentAddress)
	}
}

func TestFeeAddressKeepsTransactionReserve(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"fees": {
			{ID: 1, PoolType: "fees", PaymentAddress: "feeaddr", Amount: 5050},
		},
	}}
	rig := newPayoutRig(t, store)

	rig.proc.RunPayments(context.Background())

	if len(rig.wallet.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(rig.wallet.transfers))
	}
	// 5050 minus the 50 reserve; 5000 clears the slew so no fee
	if got := rig.wallet.transfers[0].Destinations[0].Amount; got != 5000 {
		t.Errorf("fee-address payout = %d, want 5000", got)
	}
}

func TestFeeAddressBelowReserveSkipped(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"fees": {
			{ID: 1, PoolType: "fees", PaymentAddress: "feeaddr", Amount: 200},
		},
	}}
	rig := newPayoutRig(t, store)

	rig.proc.RunPayments(context.Background())

	if len(rig.wallet.transfers) != 0 {
		t.Errorf("transfers = %d, want 0 (reserve not met)", len(rig.wallet.transfers))
	}
}

func TestInsufficientUnlockedBalanceSchedulesRetry(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {plainRow(1, "addr1", 500)},
	}}
	rig := newPayoutRig(t, store)
	rig.wallet.unlocked = 100

	rig.proc.RunPayments(context.Background())

	if len(rig.wallet.transfers) != 0 {
		t.Errorf("transfers attempted despite locked balance: %d", len(rig.wallet.transfers))
	}
	if len(rig.ledger.txns) != 0 || len(rig.ledger.payments) != 0 {
		t.Error("ledger written on a failed cycle")
	}

	rig.proc.mu.Lock()
	defer rig.proc.mu.Unlock()
	if !rig.proc.retryPending {
		t.Error("retry not scheduled")
	}
	if rig.proc.normalTimer != nil {
		t.Error("normal timer armed alongside the retry timer")
	}
}

func TestRetryTimerArmedOncePerRun(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {plainRow(1, "addr1", 500)},
		"pps":   {{ID: 2, PoolType: "pps", PaymentAddress: "addr2", Amount: 500}},
	}}
	rig := newPayoutRig(t, store)
	rig.wallet.unlocked = 100

	// two pool types make two transfer jobs; both hit the balance guard
	rig.proc.RunPayments(context.Background())

	if len(rig.wallet.transfers) != 0 {
		t.Errorf("transfers attempted despite locked balance: %d", len(rig.wallet.transfers))
	}

	rig.proc.mu.Lock()
	timer := rig.proc.retryTimer
	pending := rig.proc.retryPending
	rig.proc.mu.Unlock()
	if !pending || timer == nil {
		t.Fatal("retry not scheduled")
	}

	// the pending guard keeps the first timer; a further shortfall must
	// not replace it
	rig.proc.scheduleRetry(context.Background())
	rig.proc.mu.Lock()
	defer rig.proc.mu.Unlock()
	if rig.proc.retryTimer != timer {
		t.Error("a second shortfall replaced the armed retry timer")
	}
}

func TestCollectStableOverUnchangedBalances(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {
			plainRow(1, "addr1", 500),
			plainRow(2, "addr2", 700),
			{ID: 3, PoolType: "pplns", PaymentAddress: "addr3", PaymentID: "feedface", Amount: 6000},
			{ID: 4, PoolType: "pplns", PaymentAddress: "integrated1", Amount: 6000},
		},
	}}
	rig := newPayoutRig(t, store)
	ctx := context.Background()

	first, err := rig.proc.collect(ctx, "pplns")
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := rig.proc.collect(ctx, "pplns")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("job counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.req.PaymentID != b.req.PaymentID {
			t.Errorf("job %d payment_id %q vs %q", i, a.req.PaymentID, b.req.PaymentID)
		}
		if len(a.req.Destinations) != len(b.req.Destinations) {
			t.Fatalf("job %d destination counts differ: %d vs %d", i, len(a.req.Destinations), len(b.req.Destinations))
		}
		for j := range a.req.Destinations {
			if a.req.Destinations[j] != b.req.Destinations[j] {
				t.Errorf("job %d destination %d differs: %+v vs %+v", i, j, a.req.Destinations[j], b.req.Destinations[j])
			}
		}
		for j := range a.payees {
			if a.payees[j].Amount != b.payees[j].Amount || a.payees[j].Fee != b.payees[j].Fee {
				t.Errorf("job %d payee %s amount/fee drifted between passes", i, a.payees[j].Key())
			}
		}
	}
}

func TestNotEnoughMoneySchedulesRetryWithoutHalting(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {plainRow(1, "addr1", 500)},
	}}
	rig := newPayoutRig(t, store)
	rig.wallet.transferErr = &rpc.RPCError{Code: -4, Message: "not enough money"}

	rig.proc.RunPayments(context.Background())

	if len(rig.ledger.txns) != 0 || len(rig.ledger.payments) != 0 {
		t.Error("ledger written on a failed transfer")
	}
	rig.proc.mu.Lock()
	defer rig.proc.mu.Unlock()
	if !rig.proc.retryPending {
		t.Error("retry not scheduled")
	}
	if rig.proc.halted {
		t.Error("out-of-money must not halt settlement")
	}
}

func TestUnknownWalletErrorHaltsSettlement(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {plainRow(1, "addr1", 500)},
	}}
	rig := newPayoutRig(t, store)
	rig.wallet.transferErr = &rpc.RPCError{Code: -1, Message: "internal wallet error"}

	rig.proc.RunPayments(context.Background())

	rig.proc.mu.Lock()
	halted := rig.proc.halted
	rig.proc.mu.Unlock()
	if !halted {
		t.Fatal("settlement not halted on unknown wallet error")
	}

	rig.notifier.mu.Lock()
	if len(rig.notifier.admin) != 1 || !strings.Contains(rig.notifier.admin[0], "unable to make payment") {
		t.Errorf("admin alerts = %v", rig.notifier.admin)
	}
	rig.notifier.mu.Unlock()

	// a halted processor refuses further runs outright
	before := len(rig.wallet.transfers)
	rig.proc.RunPayments(context.Background())
	if len(rig.wallet.transfers) != before {
		t.Error("halted processor attempted another transfer")
	}
}

func TestImplausibleWalletFeeSkipsLedgerWrites(t *testing.T) {
	for _, fee := range []*uint64{nil, feePtr(5)} {
		store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
			"pplns": {plainRow(1, "addr1", 500)},
		}}
		rig := newPayoutRig(t, store)
		rig.wallet.fee = fee

		rig.proc.RunPayments(context.Background())

		if len(rig.wallet.transfers) != 1 {
			t.Errorf("fee=%v: transfers = %d, want 1", fee, len(rig.wallet.transfers))
		}
		if len(rig.ledger.txns) != 0 || len(rig.ledger.payments) != 0 {
			t.Errorf("fee=%v: ledger written despite untrusted wallet reply", fee)
		}
	}
}

func TestSettlementMetricsRecorded(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {plainRow(1, "addr1", 500), plainRow(2, "addr2", 500)},
	}}
	rig := newPayoutRig(t, store)
	metrics := &fakeMetrics{}
	rig.proc.SetMetricsRecorder(metrics)

	rig.proc.RunPayments(context.Background())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.runs) != 1 || metrics.runs[0] != 1 {
		t.Errorf("settlement runs recorded = %v, want one run with one transfer", metrics.runs)
	}
	if len(metrics.payees) != 2 {
		t.Errorf("payments recorded = %v, want 2", metrics.payees)
	}
}

func TestTransactionHashTruncatedToHexRun(t *testing.T) {
	store := &fakeLedger{rows: map[string][]ledger.BalanceRow{
		"pplns": {plainRow(1, "addr1", 500)},
	}}
	rig := newPayoutRig(t, store)
	rig.wallet.txHash = "abc123<padding>"

	rig.proc.RunPayments(context.Background())

	if len(rig.ledger.txns) != 1 {
		t.Fatalf("transactions = %d, want 1", len(rig.ledger.txns))
	}
	if rig.ledger.txns[0].Hash != "abc123" {
		t.Errorf("stored hash = %q, want abc123", rig.ledger.txns[0].Hash)
	}
}
