// Package scanner implements the windowed share-ledger scan. Every pass
// walks the share log backward from the chain tip until it has
// accumulated a difficulty-sized PPLNS window, then folds the pass
// aggregates into the stats cache.
package scanner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/rpc"
	"github.com/lthn-network/lthn-pool/internal/sharelog"
	"github.com/lthn-network/lthn-pool/internal/storage"
	"github.com/lthn-network/lthn-pool/internal/util"
)

const (
	// maxScanHeights bounds a single pass. An ill-configured share
	// multiplier or a historically high difficulty must never cause an
	// unbounded backward walk.
	maxScanHeights = 1024

	// recentWindow is the share age limit for live hash-rate aggregates
	recentWindow = 10 * time.Minute

	// identifierWindow is the share age limit for worker-name tracking
	identifierWindow = 30 * time.Minute

	// historySampleCycles is the coarse sampling divisor for the ring
	// buffers: one history point per this many passes
	historySampleCycles = 6

	// hashWindowSeconds normalizes window share totals into hashes/sec
	hashWindowSeconds = 600
)

// HeaderSource provides the chain tip
type HeaderSource interface {
	GetLastBlockHeader(ctx context.Context) (*rpc.BlockHeader, error)
}

// UserSource resolves a miner's notification address
type UserSource interface {
	EmailFor(ctx context.Context, minerKey string) (string, bool, error)
}

// WorkerNotifier delivers the worker-stopped-hashing alert
type WorkerNotifier interface {
	NotifyWorkerStoppedHashing(to, worker string, lastSeen time.Time)
}

// Scanner runs the periodic share-stats pass
type Scanner struct {
	shareMulti   float64
	bufferLength int

	daemon   HeaderSource
	shares   *sharelog.Store
	cache    *storage.Cache
	users    UserSource
	notifier WorkerNotifier

	cycleCount int
	now        func() time.Time
}

// New creates a scanner
func New(cfg *config.Config, daemon HeaderSource, shares *sharelog.Store, cache *storage.Cache, users UserSource, notifier WorkerNotifier) *Scanner {
	return &Scanner{
		shareMulti:   cfg.PPLNS.ShareMulti,
		bufferLength: cfg.Stats.BufferLength,
		daemon:       daemon,
		shares:       shares,
		cache:        cache,
		users:        users,
		notifier:     notifier,
		now:          time.Now,
	}
}

// passState accumulates one pass's aggregates before the cache merge
type passState struct {
	schemeShares map[string]uint64
	schemeTimes  map[string]int64
	schemeMiners map[string]int64
	minerShares  map[string]uint64
	minerTimes   map[string]int64
	minerPPLNS   map[string]uint64
	minerList    []string
	inPass       map[string]bool
	identifiers  map[string][]string
}

func newPassState(locTime int64) *passState {
	p := &passState{
		schemeShares: make(map[string]uint64),
		schemeTimes:  make(map[string]int64),
		schemeMiners: make(map[string]int64),
		minerShares:  make(map[string]uint64),
		minerTimes:   make(map[string]int64),
		minerPPLNS:   make(map[string]uint64),
		inPass:       make(map[string]bool),
		identifiers:  make(map[string][]string),
	}
	for _, scheme := range allSchemes() {
		p.schemeTimes[scheme] = locTime
	}
	return p
}

func allSchemes() []string {
	return append(append([]string(nil), storage.Schemes...), storage.SchemeGlobal)
}

// RunPass executes one scan cycle. A header failure aborts the cycle
// before any cache mutation; the caller retries on its next tick.
func (s *Scanner) RunPass(ctx context.Context) error {
	header, err := s.daemon.GetLastBlockHeader(ctx)
	if err != nil {
		return fmt.Errorf("fetching last block header: %w", err)
	}

	nowMs := s.now().UnixMilli()
	locTime := nowMs - recentWindow.Milliseconds()
	identifierTime := nowMs - identifierWindow.Milliseconds()
	pplnsDepth := uint64(float64(header.Difficulty) * s.shareMulti)

	snap, err := s.shares.Snapshot()
	if err != nil {
		return fmt.Errorf("opening share snapshot: %w", err)
	}
	defer snap.Close()

	pass := newPassState(locTime)
	var totalPplns uint64

	// The stop conditions are evaluated after each height, never
	// before, so the height that crosses the window target is still
	// credited in full.
	height := int64(header.Height) + 1
	for scanned := 0; ; {
		snap.ScanHeight(uint64(height), func(sh *sharelog.Share, derr error) bool {
			if derr != nil {
				util.Warnf("Skipping undecodable share: %v", derr)
				return true
			}
			s.processShare(pass, sh, &totalPplns, pplnsDepth, locTime, identifierTime)
			return true
		})
		height--
		scanned++
		if scanned >= maxScanHeights || height < 0 || totalPplns >= pplnsDepth {
			break
		}
	}

	if err := s.merge(ctx, pass, nowMs); err != nil {
		return err
	}

	s.cycleCount++
	if s.cycleCount == historySampleCycles {
		s.cycleCount = 0
	}
	return nil
}

func schemeOf(poolType string) string {
	switch poolType {
	case sharelog.PoolPPLNS:
		return storage.SchemePPLNS
	case sharelog.PoolPPS:
		return storage.SchemePPS
	case sharelog.PoolSolo:
		return storage.SchemeSolo
	default:
		return ""
	}
}

func (s *Scanner) processShare(pass *passState, sh *sharelog.Share, totalPplns *uint64, pplnsDepth uint64, locTime, identifierTime int64) {
	minerID := sh.MinerKey()

	// PPLNS credit accrues purely by depth, independent of share age
	if *totalPplns < pplnsDepth {
		pass.minerPPLNS[minerID] += sh.Shares
		*totalPplns += sh.Shares
	}

	if sh.Timestamp <= identifierTime {
		return
	}

	ids := pass.identifiers[minerID]
	known := false
	for _, id := range ids {
		if id == sh.Identifier {
			known = true
			break
		}
	}
	if !known {
		pass.identifiers[minerID] = append(ids, sh.Identifier)
	}

	if sh.Timestamp <= locTime {
		return
	}

	scheme := schemeOf(sh.PoolType)
	pass.schemeShares[storage.SchemeGlobal] += sh.Shares
	if pass.schemeTimes[storage.SchemeGlobal] <= sh.Timestamp {
		pass.schemeTimes[storage.SchemeGlobal] = sh.Timestamp
	}
	if scheme != "" {
		pass.schemeShares[scheme] += sh.Shares
		if pass.schemeTimes[scheme] <= sh.Timestamp {
			pass.schemeTimes[scheme] = sh.Timestamp
		}
	}

	// The bare miner key bumps the distinct-miner counters on first
	// appearance; the worker-scoped form only tracks its own aggregate.
	if pass.inPass[minerID] {
		pass.minerShares[minerID] += sh.Shares
		if pass.minerTimes[minerID] < sh.Timestamp {
			pass.minerTimes[minerID] = sh.Timestamp
		}
	} else {
		if scheme != "" {
			pass.schemeMiners[scheme]++
		}
		pass.schemeMiners[storage.SchemeGlobal]++
		pass.inPass[minerID] = true
		pass.minerShares[minerID] = sh.Shares
		pass.minerTimes[minerID] = sh.Timestamp
		pass.minerList = append(pass.minerList, minerID)
	}

	workerID := sh.WorkerKey()
	if pass.inPass[workerID] {
		pass.minerShares[workerID] += sh.Shares
		if pass.minerTimes[workerID] < sh.Timestamp {
			pass.minerTimes[workerID] = sh.Timestamp
		}
	} else {
		pass.inPass[workerID] = true
		pass.minerShares[workerID] = sh.Shares
		pass.minerTimes[workerID] = sh.Timestamp
		pass.minerList = append(pass.minerList, workerID)
	}
}

func (s *Scanner) merge(ctx context.Context, pass *passState, nowMs int64) error {
	globalList, err := s.cache.MinerList(ctx)
	if err != nil {
		return fmt.Errorf("reading miner list: %w", err)
	}

	updates := make(map[string]interface{})
	pushHistory := s.cycleCount == 0

	for _, scheme := range allSchemes() {
		stats, err := s.cache.SchemeStats(ctx, scheme)
		if err != nil {
			return fmt.Errorf("reading %s stats: %w", scheme, err)
		}

		stats.Hash = math.Floor(float64(pass.schemeShares[scheme]) / hashWindowSeconds)
		stats.LastHash = pass.schemeTimes[scheme]
		stats.Miners = pass.schemeMiners[scheme]

		if pushHistory {
			stats.HashHistory = prependHistory(stats.HashHistory, storage.HistoryPoint{Ts: uint64(nowMs), Hs: stats.Hash}, s.bufferLength)
			stats.MinerHistory = prependMinerHistory(stats.MinerHistory, storage.MinerCountPoint{Ts: uint64(nowMs), Cn: stats.Miners}, s.bufferLength)
		}

		// rolling average over whatever history is retained, refreshed
		// every cycle regardless of sampling
		var total float64
		for _, h := range stats.HashHistory {
			total += h.Hs
		}
		if total > 0 {
			stats.HashRateAvg = math.Floor(total / float64(len(stats.HashHistory)))
		} else {
			stats.HashRateAvg = 0
		}

		updates[storage.SchemeStatsKey(scheme)] = stats
	}

	knownGlobal := make(map[string]bool, len(globalList))
	for _, m := range globalList {
		knownGlobal[m] = true
	}

	for _, miner := range pass.minerList {
		if !knownGlobal[miner] {
			knownGlobal[miner] = true
			globalList = append(globalList, miner)
		}

		stats, err := s.cache.MinerStats(ctx, miner)
		if err != nil {
			return fmt.Errorf("reading miner %s: %w", miner, err)
		}

		stats.Hash = math.Floor(float64(pass.minerShares[miner]) / hashWindowSeconds)
		stats.PPLNSShares = pass.minerPPLNS[miner]
		stats.LastHash = pass.minerTimes[miner]
		if pushHistory {
			stats.HashHistory = prependHistory(stats.HashHistory, storage.HistoryPoint{Ts: uint64(nowMs), Hs: stats.Hash}, s.bufferLength)
		}

		updates[miner] = stats
	}

	// A miner known from earlier passes but absent from this one keeps
	// no live hash rate and no PPLNS credit. A stale cache entry must
	// never keep accruing payout credit.
	for _, miner := range globalList {
		if pass.inPass[miner] {
			continue
		}
		stats, err := s.cache.MinerStats(ctx, miner)
		if err != nil {
			return fmt.Errorf("reading inactive miner %s: %w", miner, err)
		}
		if stats.Hash == 0 {
			continue
		}
		util.Infof("Removing %s as an active miner from the cache", miner)
		if idx := strings.Index(miner, "_"); idx > -1 {
			s.notifyWorkerStopped(ctx, miner[:idx], miner[idx+1:], stats.LastHash)
		}
		stats.Hash = 0
		stats.PPLNSShares = 0
		updates[miner] = stats
	}

	for minerID, ids := range pass.identifiers {
		updates[storage.IdentifiersKey(minerID)] = ids
	}
	updates[storage.KeyMinerList] = globalList

	return s.cache.BulkSet(ctx, updates)
}

func (s *Scanner) notifyWorkerStopped(ctx context.Context, address, worker string, lastSeenMs int64) {
	email, enabled, err := s.users.EmailFor(ctx, address)
	if err != nil {
		util.Warnf("Looking up email for %s: %v", address, err)
		return
	}
	if !enabled {
		return
	}
	s.notifier.NotifyWorkerStoppedHashing(email, worker, time.UnixMilli(lastSeenMs))
}

func prependHistory(hist []storage.HistoryPoint, p storage.HistoryPoint, limit int) []storage.HistoryPoint {
	hist = append([]storage.HistoryPoint{p}, hist...)
	if len(hist) > limit {
		hist = hist[:limit]
	}
	return hist
}

func prependMinerHistory(hist []storage.MinerCountPoint, p storage.MinerCountPoint, limit int) []storage.MinerCountPoint {
	hist = append([]storage.MinerCountPoint{p}, hist...)
	if len(hist) > limit {
		hist = hist[:limit]
	}
	return hist
}
