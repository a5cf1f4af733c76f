package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/storage"
)

type stubValidator struct{}

func (stubValidator) ValidateAddress(address string) bool {
	return strings.HasPrefix(address, "iz")
}

func newTestServer(t *testing.T) (*Server, *storage.Cache) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := storage.NewCacheFromClient(client)

	cfg := &config.Config{
		Pool: config.PoolConfig{Name: "Test Pool", Hostname: "pool.test"},
		Coin: config.CoinConfig{Name: "lthn", SigDigits: 100000000, BlockTargetTime: 120},
		API: config.APIConfig{
			Bind:        "127.0.0.1:0",
			StatsCache:  time.Minute,
			CORSOrigins: []string{"*"},
		},
		PPLNS:  config.PPLNSConfig{ShareMulti: 2},
		Payout: config.PayoutConfig{WalletMin: 0.3, ExchangeMin: 5, Denom: 1000},
	}

	return NewServer(cfg, cache, stubValidator{}, nil), cache
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.router.ServeHTTP(w, req)
	return w
}

func TestPoolStatsEndpoint(t *testing.T) {
	s, cache := newTestServer(t)
	ctx := context.Background()

	cache.Set(ctx, storage.PoolStatsKey(storage.SchemeGlobal), &storage.PoolStatsSnapshot{
		Hash: 2500, Miners: 17, TotalBlocksFound: 4,
	})
	cache.Set(ctx, storage.PoolStatsKey(storage.SchemePPLNS), &storage.PoolStatsSnapshot{Hash: 2000})
	cache.Set(ctx, storage.SchemeStatsKey(storage.SchemeGlobal), &storage.SchemeStats{
		HashRateAvg: 2400,
		HashHistory: []storage.HistoryPoint{{Ts: 1, Hs: 2500}},
	})

	w := doRequest(s, "GET", "/api/pool/stats")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp PoolStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Global.Hash != 2500 || resp.Global.Miners != 17 {
		t.Errorf("global = %+v", resp.Global)
	}
	if resp.Schemes[storage.SchemePPLNS].Hash != 2000 {
		t.Errorf("pplns = %+v", resp.Schemes[storage.SchemePPLNS])
	}
	if resp.HashRateAvg != 2400 || len(resp.HashHistory) != 1 {
		t.Errorf("history fields missing: avg=%v history=%v", resp.HashRateAvg, resp.HashHistory)
	}
}

func TestPoolStatsServedFromCache(t *testing.T) {
	s, cache := newTestServer(t)
	ctx := context.Background()

	cache.Set(ctx, storage.PoolStatsKey(storage.SchemeGlobal), &storage.PoolStatsSnapshot{Hash: 100})
	first := doRequest(s, "GET", "/api/pool/stats")

	// a fresh value inside the cache window is not served yet
	cache.Set(ctx, storage.PoolStatsKey(storage.SchemeGlobal), &storage.PoolStatsSnapshot{Hash: 999})
	second := doRequest(s, "GET", "/api/pool/stats")

	if first.Body.String() != second.Body.String() {
		t.Error("stats response not cached within the cache window")
	}
}

func TestPoolPortsHiddenFiltered(t *testing.T) {
	s, cache := newTestServer(t)

	cache.Set(context.Background(), storage.KeyPoolPorts, []storage.PoolPort{
		{Port: 3333, PortType: "pplns"},
		{Port: 4444, PortType: "solo", Hidden: true},
	})

	w := doRequest(s, "GET", "/api/pool/ports")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Ports []storage.PoolPort `json:"ports"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Ports) != 1 || resp.Ports[0].Port != 3333 {
		t.Errorf("ports = %+v, hidden port must not be advertised", resp.Ports)
	}
}

func TestNetworkStatsUnavailableBeforeFirstScan(t *testing.T) {
	s, cache := newTestServer(t)

	if w := doRequest(s, "GET", "/api/network/stats"); w.Code != 503 {
		t.Errorf("status before publish = %d, want 503", w.Code)
	}

	cache.Set(context.Background(), storage.KeyNetworkBlockInfo, &storage.NetworkBlockInfo{Height: 100, Hash: "tip-a"})
	w := doRequest(s, "GET", "/api/network/stats")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var info storage.NetworkBlockInfo
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.Height != 100 {
		t.Errorf("network info = %+v", info)
	}
}

func TestMinerStats(t *testing.T) {
	s, cache := newTestServer(t)
	ctx := context.Background()

	if w := doRequest(s, "GET", "/api/miner/bogus/stats"); w.Code != 400 {
		t.Errorf("invalid address status = %d, want 400", w.Code)
	}
	if w := doRequest(s, "GET", "/api/miner/izUnknown/stats"); w.Code != 404 {
		t.Errorf("unknown miner status = %d, want 404", w.Code)
	}

	cache.Set(ctx, "izMiner", &storage.MinerStats{Hash: 42, PPLNSShares: 900})
	cache.Set(ctx, storage.IdentifiersKey("izMiner"), []string{"rig1"})
	cache.Set(ctx, "izMiner_rig1", &storage.MinerStats{Hash: 42})

	w := doRequest(s, "GET", "/api/miner/izMiner/stats")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp MinerStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Stats.Hash != 42 || resp.Stats.PPLNSShares != 900 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if len(resp.Identifiers) != 1 || resp.Workers["rig1"] == nil || resp.Workers["rig1"].Hash != 42 {
		t.Errorf("workers = %+v", resp.Workers)
	}
}

func TestMinerStatsAcceptsPaymentIDKey(t *testing.T) {
	s, cache := newTestServer(t)

	key := "izMiner.0123456789ab"
	cache.Set(context.Background(), key, &storage.MinerStats{Hash: 7})

	w := doRequest(s, "GET", "/api/miner/"+key+"/stats")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(s, "GET", "/api/config")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["pool_name"] != "Test Pool" || resp["coin"] != "lthn" {
		t.Errorf("config = %v", resp)
	}
	if resp["min_payout"].(float64) != 0.3 {
		t.Errorf("min_payout = %v", resp["min_payout"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	if w := doRequest(s, "GET", "/health"); w.Code != 200 {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(s, "GET", "/health")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}

	w = doRequest(s, "OPTIONS", "/api/pool/stats")
	if w.Code != 204 {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}

func TestStatsWebsocketStreams(t *testing.T) {
	s, cache := newTestServer(t)
	cache.Set(context.Background(), storage.PoolStatsKey(storage.SchemeGlobal), &storage.PoolStatsSnapshot{Hash: 1234})

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stats"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("upgrade status = %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var stats PoolStatsResponse
	if err := conn.ReadJSON(&stats); err != nil {
		t.Fatalf("reading stats frame: %v", err)
	}
	if stats.Global.Hash != 1234 {
		t.Errorf("streamed global hash = %v, want 1234", stats.Global.Hash)
	}
}
