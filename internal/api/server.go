// Package api serves the pool's read-only stats API and the live stats
// websocket. Everything it serves comes from the stats cache; the API
// never touches the share log or the wallet.
package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/newrelic"
	"github.com/lthn-network/lthn-pool/internal/storage"
	"github.com/lthn-network/lthn-pool/internal/util"
)

// statsPushInterval is the websocket broadcast cadence
const statsPushInterval = 5 * time.Second

// AddressValidator checks payment addresses in miner lookups
type AddressValidator interface {
	ValidateAddress(address string) bool
}

// Server is the stats API server
type Server struct {
	cfg      *config.Config
	cache    *storage.Cache
	coin     AddressValidator
	agent    *newrelic.Agent
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader

	statsCacheMu   sync.RWMutex
	statsCache     *PoolStatsResponse
	statsCacheTime time.Time
}

// PoolStatsResponse is the /api/pool/stats response
type PoolStatsResponse struct {
	PoolList     []string                              `json:"pool_list"`
	Global       *storage.PoolStatsSnapshot            `json:"global"`
	Schemes      map[string]*storage.PoolStatsSnapshot `json:"pool_statistics"`
	HashHistory  []storage.HistoryPoint                `json:"hashHistory"`
	MinerHistory []storage.MinerCountPoint             `json:"minerHistory"`
	HashRateAvg  float64                               `json:"hashRateAvg"`
	Now          int64                                 `json:"now"`
}

// MinerStatsResponse is the /api/miner/:address/stats response
type MinerStatsResponse struct {
	Address     string                         `json:"address"`
	Stats       *storage.MinerStats            `json:"stats"`
	Identifiers []string                       `json:"identifiers"`
	Workers     map[string]*storage.MinerStats `json:"workers"`
}

// NewServer creates the API server. agent may be nil.
func NewServer(cfg *config.Config, cache *storage.Cache, coin AddressValidator, agent *newrelic.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		cache:  cache,
		coin:   coin,
		agent:  agent,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())
	if s.agent != nil {
		s.router.Use(s.apmMiddleware())
	}

	api := s.router.Group("/api")
	{
		api.GET("/pool/stats", s.handlePoolStats)
		api.GET("/pool/ports", s.handlePoolPorts)
		api.GET("/pool/servers", s.handlePoolServers)
		api.GET("/network/stats", s.handleNetworkStats)
		api.GET("/miner/:address/stats", s.handleMinerStats)
		api.GET("/config", s.handleConfig)
	}

	s.router.GET("/ws/stats", s.handleStatsSocket)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool)
	for _, o := range s.cfg.API.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func (s *Server) apmMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := s.agent.StartTransaction(c.Request.Method + " " + c.Request.URL.Path)
		if txn != nil {
			txn.SetWebRequestHTTP(c.Request)
			defer txn.End()
		}
		c.Next()
	}
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// poolStats assembles the pool stats response, served from a short
// in-memory cache so a stats page hammering the endpoint cannot hammer
// Redis.
func (s *Server) poolStats(ctx context.Context) (*PoolStatsResponse, error) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cached := s.statsCache
		s.statsCacheMu.RUnlock()
		return cached, nil
	}
	s.statsCacheMu.RUnlock()

	schemes := []string{storage.SchemePPLNS, storage.SchemePPS, storage.SchemeSolo}
	response := &PoolStatsResponse{
		PoolList: schemes,
		Schemes:  make(map[string]*storage.PoolStatsSnapshot, len(schemes)),
		Now:      time.Now().Unix(),
	}

	var global storage.PoolStatsSnapshot
	if err := s.cache.Get(ctx, storage.PoolStatsKey(storage.SchemeGlobal), &global); err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	response.Global = &global

	for _, scheme := range schemes {
		var snap storage.PoolStatsSnapshot
		if err := s.cache.Get(ctx, storage.PoolStatsKey(scheme), &snap); err != nil && err != storage.ErrNotFound {
			return nil, err
		}
		response.Schemes[scheme] = &snap
	}

	globalStats, err := s.cache.SchemeStats(ctx, storage.SchemeGlobal)
	if err != nil {
		return nil, err
	}
	response.HashHistory = globalStats.HashHistory
	response.MinerHistory = globalStats.MinerHistory
	response.HashRateAvg = globalStats.HashRateAvg

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	return response, nil
}

func (s *Server) handlePoolStats(c *gin.Context) {
	stats, err := s.poolStats(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get pool stats"})
		return
	}
	c.JSON(200, stats)
}

func (s *Server) handlePoolPorts(c *gin.Context) {
	var ports []storage.PoolPort
	err := s.cache.Get(c.Request.Context(), storage.KeyPoolPorts, &ports)
	if err != nil && err != storage.ErrNotFound {
		c.JSON(500, gin.H{"error": "Failed to get ports"})
		return
	}

	visible := make([]storage.PoolPort, 0, len(ports))
	for _, p := range ports {
		if !p.Hidden {
			visible = append(visible, p)
		}
	}
	c.JSON(200, gin.H{"ports": visible})
}

func (s *Server) handlePoolServers(c *gin.Context) {
	var servers []storage.PoolServer
	err := s.cache.Get(c.Request.Context(), storage.KeyPoolServers, &servers)
	if err != nil && err != storage.ErrNotFound {
		c.JSON(500, gin.H{"error": "Failed to get servers"})
		return
	}
	c.JSON(200, gin.H{"servers": servers})
}

func (s *Server) handleNetworkStats(c *gin.Context) {
	info, err := s.cache.NetworkBlockInfo(c.Request.Context())
	if err == storage.ErrNotFound {
		c.JSON(503, gin.H{"error": "Network info not available yet"})
		return
	}
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get network info"})
		return
	}
	c.JSON(200, info)
}

func (s *Server) handleMinerStats(c *gin.Context) {
	address := c.Param("address")

	// miner keys may carry a payment ID suffix; only the base address
	// is validated against the coin's address rules
	base := address
	if i := strings.Index(address, "."); i > -1 {
		base = address[:i]
	}
	if !s.coin.ValidateAddress(base) {
		c.JSON(400, gin.H{"error": "Invalid address"})
		return
	}

	ctx := c.Request.Context()
	var stats storage.MinerStats
	if err := s.cache.Get(ctx, address, &stats); err != nil {
		if err == storage.ErrNotFound {
			c.JSON(404, gin.H{"error": "Miner not found"})
		} else {
			c.JSON(500, gin.H{"error": "Failed to get miner"})
		}
		return
	}

	var identifiers []string
	if err := s.cache.Get(ctx, storage.IdentifiersKey(address), &identifiers); err != nil && err != storage.ErrNotFound {
		c.JSON(500, gin.H{"error": "Failed to get workers"})
		return
	}

	workers := make(map[string]*storage.MinerStats, len(identifiers))
	for _, id := range identifiers {
		ws, err := s.cache.MinerStats(ctx, address+"_"+id)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to get workers"})
			return
		}
		workers[id] = ws
	}

	c.JSON(200, MinerStatsResponse{
		Address:     address,
		Stats:       &stats,
		Identifiers: identifiers,
		Workers:     workers,
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(200, gin.H{
		"pool_name":         s.cfg.Pool.Name,
		"pool_hostname":     s.cfg.Pool.Hostname,
		"coin":              s.cfg.Coin.Name,
		"sig_digits":        s.cfg.Coin.SigDigits,
		"block_target_time": s.cfg.Coin.BlockTargetTime,
		"share_multi":       s.cfg.PPLNS.ShareMulti,
		"min_payout":        s.cfg.Payout.WalletMin,
		"exchange_min":      s.cfg.Payout.ExchangeMin,
		"denom":             s.cfg.Payout.Denom,
		"fee_slew_amount":   s.cfg.Payout.FeeSlewAmount,
		"fee_slew_end":      s.cfg.Payout.FeeSlewEnd,
	})
}

// handleStatsSocket upgrades the connection and streams pool stats
func (s *Server) handleStatsSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	go s.pushStats(conn)
}

func (s *Server) pushStats(conn *websocket.Conn) {
	defer conn.Close()

	// drain client frames so pings and close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statsPushInterval)
	defer ticker.Stop()

	for {
		stats, err := s.poolStats(context.Background())
		if err != nil {
			util.Warnf("Assembling stats for websocket: %v", err)
		} else if err := conn.WriteJSON(stats); err != nil {
			return
		}
		<-ticker.C
	}
}
