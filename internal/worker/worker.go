// Package worker runs the pool's periodic telemetry jobs: the share
// scan, chain tip tracking, stats rollups, wallet state and node fleet
// monitoring. Each job owns a ticker and publishes into the stats
// cache; readers never wait on a job.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/ledger"
	"github.com/lthn-network/lthn-pool/internal/rpc"
	"github.com/lthn-network/lthn-pool/internal/storage"
	"github.com/lthn-network/lthn-pool/internal/util"
)

// Job cadences
const (
	ScanInterval      = 10 * time.Second
	HeaderInterval    = 10 * time.Second
	PoolStatsInterval = 5 * time.Second
	PoolInfoInterval  = 5 * time.Second
	WalletInterval    = time.Minute
	MonitorInterval   = 5 * time.Minute

	// staleTipMultiple flags the chain as stalled when the tip has not
	// moved for this many block target times
	staleTipMultiple = 15

	// fleetLagBlocks flags a pool server whose reported block trails
	// the tip by more than this
	fleetLagBlocks = 3
)

// PassRunner executes one share-scan cycle
type PassRunner interface {
	RunPass(ctx context.Context) error
}

// ChainSource provides the chain tip and daemon health
type ChainSource interface {
	GetLastBlockHeader(ctx context.Context) (*rpc.BlockHeader, error)
	IsHealthy() bool
}

// WalletSource provides wallet balance and sync state
type WalletSource interface {
	GetBalance(ctx context.Context) (*rpc.WalletBalance, error)
	GetHeight(ctx context.Context) (uint64, error)
}

// InfoLedger is the relational surface the rollup jobs read
type InfoLedger interface {
	Counters(ctx context.Context, poolType string) (*ledger.LifetimeCounters, error)
	ActivePools(ctx context.Context) ([]ledger.PoolServerRow, error)
	ActivePorts(ctx context.Context) ([]ledger.PortRow, error)
}

// StateNotifier receives daemon health transitions
type StateNotifier interface {
	NotifyDaemonState(healthy bool, detail string)
}

// MetricsRecorder receives telemetry samples for APM export
type MetricsRecorder interface {
	UpdatePoolMetrics(hashrate float64, miners int64)
	UpdateNetworkMetrics(height, difficulty uint64)
}

// Worker coordinates the telemetry jobs
type Worker struct {
	blockTargetTime time.Duration
	bufferLength    int

	scanner  PassRunner
	daemon   ChainSource
	wallet   WalletSource
	ledger   InfoLedger
	cache    *storage.Cache
	notifier StateNotifier
	metrics  MetricsRecorder

	mu            sync.Mutex
	lastTipHash   string
	lastTipChange time.Time
	daemonHealthy bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates the telemetry worker
func New(cfg *config.Config, scan PassRunner, daemon ChainSource, wallet WalletSource, store InfoLedger, cache *storage.Cache, notifier StateNotifier) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		blockTargetTime: time.Duration(cfg.Coin.BlockTargetTime) * time.Second,
		bufferLength:    cfg.Stats.BufferLength,
		scanner:         scan,
		daemon:          daemon,
		wallet:          wallet,
		ledger:          store,
		cache:           cache,
		notifier:        notifier,
		daemonHealthy:   true,
		ctx:             ctx,
		cancel:          cancel,
		now:             time.Now,
	}
}

// SetMetricsRecorder attaches an optional APM sink
func (w *Worker) SetMetricsRecorder(m MetricsRecorder) {
	w.metrics = m
}

// Start launches every telemetry loop
func (w *Worker) Start() {
	util.Info("Starting telemetry worker...")

	w.wg.Add(1)
	go w.loop(ScanInterval, w.runScan)
	w.wg.Add(1)
	go w.loop(HeaderInterval, w.updateNetworkInfo)
	w.wg.Add(1)
	go w.loop(PoolStatsInterval, w.updatePoolStats)
	w.wg.Add(1)
	go w.loop(PoolInfoInterval, w.updatePoolInfo)
	w.wg.Add(1)
	go w.loop(WalletInterval, w.updateWallet)
	w.wg.Add(1)
	go w.loop(MonitorInterval, w.checkNodes)
}

// Stop shuts every loop down and waits for them
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	util.Info("Telemetry worker stopped")
}

func (w *Worker) loop(interval time.Duration, job func(ctx context.Context)) {
	defer w.wg.Done()

	job(w.ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			job(w.ctx)
		}
	}
}

func (w *Worker) runScan(ctx context.Context) {
	if err := w.scanner.RunPass(ctx); err != nil {
		util.Warnf("Share scan failed: %v", err)
	}
}

// updateNetworkInfo tracks the chain tip. An unchanged tip hash is a
// no-op so readers keep the old timestamp.
func (w *Worker) updateNetworkInfo(ctx context.Context) {
	header, err := w.daemon.GetLastBlockHeader(ctx)
	if err != nil {
		util.Warnf("Fetching chain tip: %v", err)
		return
	}

	w.mu.Lock()
	if header.Hash == w.lastTipHash {
		w.mu.Unlock()
		return
	}
	w.lastTipHash = header.Hash
	w.lastTipChange = w.now()
	w.mu.Unlock()

	info := &storage.NetworkBlockInfo{
		Difficulty: header.Difficulty,
		Hash:       header.Hash,
		Height:     header.Height,
		Value:      header.Reward,
		Ts:         w.now().Unix(),
	}
	if err := w.cache.Set(ctx, storage.KeyNetworkBlockInfo, info); err != nil {
		util.Warnf("Publishing network info: %v", err)
	}
	if w.metrics != nil {
		w.metrics.UpdateNetworkMetrics(header.Height, header.Difficulty)
	}
}

// updatePoolStats folds cache aggregates and ledger lifetime counters
// into one rollup per scheme.
func (w *Worker) updatePoolStats(ctx context.Context) {
	updates := make(map[string]interface{})

	for _, scheme := range []string{storage.SchemePPLNS, storage.SchemePPS, storage.SchemeSolo, storage.SchemeGlobal} {
		stats, err := w.cache.SchemeStats(ctx, scheme)
		if err != nil {
			util.Warnf("Reading %s stats: %v", scheme, err)
			return
		}

		poolType := scheme
		if scheme == storage.SchemeGlobal {
			poolType = ""
		}
		counters, err := w.ledger.Counters(ctx, poolType)
		if err != nil {
			util.Warnf("Reading %s lifetime counters: %v", scheme, err)
			return
		}

		if scheme == storage.SchemeGlobal && w.metrics != nil {
			w.metrics.UpdatePoolMetrics(stats.Hash, stats.Miners)
		}

		updates[storage.PoolStatsKey(scheme)] = &storage.PoolStatsSnapshot{
			Hash:             stats.Hash,
			Miners:           stats.Miners,
			TotalHashes:      stats.TotalHashes,
			LastPayment:      counters.LastPayment,
			TotalPayments:    counters.TotalPayments,
			TotalMinersPaid:  counters.TotalMinersPaid,
			RoundHashes:      counters.RoundHashes,
			LastBlockFound:   counters.LastBlockFound,
			TotalBlocksFound: counters.TotalBlocksFound,
			LifetimeEffort:   counters.LifetimeEffort,
		}
	}

	if err := w.cache.BulkSet(ctx, updates); err != nil {
		util.Warnf("Publishing pool stats: %v", err)
	}
}

// updatePoolInfo publishes the pool server fleet and mining ports
func (w *Worker) updatePoolInfo(ctx context.Context) {
	pools, err := w.ledger.ActivePools(ctx)
	if err != nil {
		util.Warnf("Reading pool servers: %v", err)
		return
	}
	ports, err := w.ledger.ActivePorts(ctx)
	if err != nil {
		util.Warnf("Reading mining ports: %v", err)
		return
	}

	servers := make([]storage.PoolServer, 0, len(pools))
	for _, p := range pools {
		servers = append(servers, storage.PoolServer{
			ID:          p.ID,
			IP:          p.IP,
			Hostname:    p.Hostname,
			BlockID:     p.BlockID,
			BlockIDTime: p.BlockIDTime,
			LastSeen:    p.LastSeen,
		})
	}
	portList := make([]storage.PoolPort, 0, len(ports))
	for _, p := range ports {
		portList = append(portList, storage.PoolPort{
			Port:        p.Port,
			Difficulty:  p.Difficulty,
			PortType:    p.PortType,
			Description: p.Description,
			Hidden:      p.Hidden,
			SSL:         p.SSL,
		})
	}

	err = w.cache.BulkSet(ctx, map[string]interface{}{
		storage.KeyPoolServers: servers,
		storage.KeyPoolPorts:   portList,
	})
	if err != nil {
		util.Warnf("Publishing pool info: %v", err)
	}
}

// updateWallet publishes the wallet balance snapshot and extends the
// bounded balance history.
func (w *Worker) updateWallet(ctx context.Context) {
	balance, err := w.wallet.GetBalance(ctx)
	if err != nil {
		util.Warnf("Reading wallet balance: %v", err)
		return
	}
	height, err := w.wallet.GetHeight(ctx)
	if err != nil {
		util.Warnf("Reading wallet height: %v", err)
		return
	}

	nowTs := w.now().Unix()
	state := &storage.WalletState{
		Balance:         balance.Balance,
		UnlockedBalance: balance.UnlockedBalance,
		Height:          height,
		Ts:              nowTs,
	}

	history, err := w.cache.WalletHistory(ctx)
	if err != nil {
		util.Warnf("Reading wallet history: %v", err)
		return
	}
	history = append([]storage.WalletHistoryPoint{{
		Balance:         balance.Balance,
		UnlockedBalance: balance.UnlockedBalance,
		Ts:              nowTs,
	}}, history...)
	if len(history) > w.bufferLength {
		history = history[:w.bufferLength]
	}

	err = w.cache.BulkSet(ctx, map[string]interface{}{
		storage.KeyWalletStateInfo: state,
		storage.KeyWalletHistory:   history,
	})
	if err != nil {
		util.Warnf("Publishing wallet state: %v", err)
	}
}

// checkNodes evaluates daemon and fleet health. Alerts fire on state
// transitions only, so a flapping check cannot spam the operator.
func (w *Worker) checkNodes(ctx context.Context) {
	var problems []string

	if !w.daemon.IsHealthy() {
		problems = append(problems, "daemon RPC is failing")
	}

	w.mu.Lock()
	tipChange := w.lastTipChange
	w.mu.Unlock()

	staleAfter := time.Duration(staleTipMultiple) * w.blockTargetTime
	if !tipChange.IsZero() && w.now().Sub(tipChange) > staleAfter {
		problems = append(problems, fmt.Sprintf("chain tip unchanged for %s", w.now().Sub(tipChange).Round(time.Second)))
	}

	if tip, err := w.cache.NetworkBlockInfo(ctx); err == nil {
		pools, err := w.ledger.ActivePools(ctx)
		if err != nil {
			util.Warnf("Reading pool servers for fleet check: %v", err)
		}
		for _, p := range pools {
			if tip.Height > p.BlockID && tip.Height-p.BlockID > fleetLagBlocks {
				problems = append(problems, fmt.Sprintf("pool server %s lags the tip by %d blocks", p.Hostname, tip.Height-p.BlockID))
			}
		}
	}

	healthy := len(problems) == 0

	w.mu.Lock()
	transitioned := healthy != w.daemonHealthy
	w.daemonHealthy = healthy
	w.mu.Unlock()

	if !transitioned {
		return
	}
	if healthy {
		util.Info("Node fleet recovered")
		w.notifier.NotifyDaemonState(true, "All nodes are healthy again.")
		return
	}
	detail := strings.Join(problems, "; ")
	util.Errorf("Node fleet unhealthy: %s", detail)
	w.notifier.NotifyDaemonState(false, detail)
}
