package storage

// Reward schemes tracked by the cache, plus the global rollup
const (
	SchemePPLNS  = "pplns"
	SchemePPS    = "pps"
	SchemeSolo   = "solo"
	SchemeProp   = "prop"
	SchemeGlobal = "global"
	SchemeFees   = "fees"
)

// Schemes lists the share-bearing schemes a scan pass aggregates
var Schemes = []string{SchemePPLNS, SchemePPS, SchemeSolo, SchemeProp}

// HistoryPoint is one timestamped hash-rate sample
type HistoryPoint struct {
	Ts uint64  `json:"ts"`
	Hs float64 `json:"hs"`
}

// MinerCountPoint is one timestamped active-miner-count sample
type MinerCountPoint struct {
	Ts uint64 `json:"ts"`
	Cn int64  `json:"cn"`
}

// SchemeStats is the per-scheme aggregate published as {scheme}_stats
type SchemeStats struct {
	LastHash     int64             `json:"lastHash"`
	TotalHashes  uint64            `json:"totalHashes"`
	Miners       int64             `json:"miners"`
	Hash         float64           `json:"hash"`
	HashHistory  []HistoryPoint    `json:"hashHistory"`
	MinerHistory []MinerCountPoint `json:"minerHistory"`
	HashRateAvg  float64           `json:"hashRateAvg"`
}

// MinerStats is the per-miner cache entry, keyed by the miner key
// itself. Goodshares and badShares are lifetime counters owned by the
// share-accepting front end; the scanner only rewrites the live window
// fields.
type MinerStats struct {
	Hash        float64        `json:"hash"`
	TotalShares uint64         `json:"totalShares"`
	PPLNSShares uint64         `json:"pplnsShares"`
	LastHash    int64          `json:"lastHash"`
	TotalHashes uint64         `json:"totalHashes"`
	GoodShares  uint64         `json:"goodShares"`
	BadShares   uint64         `json:"badShares"`
	HashHistory []HistoryPoint `json:"hashHistory"`
}

// NetworkBlockInfo is the cached view of the chain tip
type NetworkBlockInfo struct {
	Difficulty uint64 `json:"difficulty"`
	Hash       string `json:"hash"`
	Height     uint64 `json:"height"`
	Value      uint64 `json:"value"`
	Ts         int64  `json:"ts"`
}

// WalletState is the cached wallet balance snapshot
type WalletState struct {
	Balance         uint64 `json:"balance"`
	UnlockedBalance uint64 `json:"unlockedBalance"`
	Height          uint64 `json:"height"`
	Ts              int64  `json:"ts"`
}

// WalletHistoryPoint is one entry of the bounded wallet history
type WalletHistoryPoint struct {
	Balance         uint64 `json:"balance"`
	UnlockedBalance uint64 `json:"unlockedBalance"`
	Ts              int64  `json:"ts"`
}

// PoolServer is one row of the pools table, published for the front end
type PoolServer struct {
	ID          int64  `json:"id"`
	IP          string `json:"ip"`
	Hostname    string `json:"hostname"`
	BlockID     uint64 `json:"blockID"`
	BlockIDTime int64  `json:"blockIDTime"`
	LastSeen    int64  `json:"lastSeen"`
}

// PoolPort is one advertised mining port
type PoolPort struct {
	Port        int    `json:"port"`
	Difficulty  uint64 `json:"difficulty"`
	PortType    string `json:"portType"`
	Description string `json:"description"`
	Hidden      bool   `json:"hidden"`
	SSL         bool   `json:"ssl"`
}

// PoolStatsSnapshot is the rollup published as pool_stats_{scheme}
type PoolStatsSnapshot struct {
	Hash             float64 `json:"hash"`
	Miners           int64   `json:"miners"`
	TotalHashes      uint64  `json:"totalHashes"`
	LastPayment      int64   `json:"lastPayment"`
	TotalPayments    int64   `json:"totalPayments"`
	TotalMinersPaid  int64   `json:"totalMinersPaid"`
	RoundHashes      uint64  `json:"roundHashes"`
	LastBlockFound   int64   `json:"lastBlockFound"`
	TotalBlocksFound int64   `json:"totalBlocksFound"`
	LifetimeEffort   float64 `json:"lifetimeEffort"`
}
