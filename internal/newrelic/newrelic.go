// Package newrelic provides New Relic APM integration for the pool's
// accounting jobs.
package newrelic

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/util"
)

// Agent wraps New Relic APM functionality. All recording methods are
// no-ops when the agent is disabled or not yet connected.
type Agent struct {
	cfg config.NewRelicConfig
	mu  sync.RWMutex
	app *newrelic.Application
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// RecordSettlementRun records one settlement run
func (a *Agent) RecordSettlementRun(transfers, payees int, totalPaid float64) {
	a.RecordCustomEvent("SettlementRun", map[string]interface{}{
		"transfers": transfers,
		"payees":    payees,
		"totalPaid": totalPaid,
	})
}

// RecordPayment records one confirmed payment
func (a *Agent) RecordPayment(address string, amount uint64, txHash string) {
	a.RecordCustomEvent("Payment", map[string]interface{}{
		"address": address,
		"amount":  amount,
		"txHash":  txHash,
	})
}

// UpdatePoolMetrics updates pool-wide metrics
func (a *Agent) UpdatePoolMetrics(hashrate float64, miners int64) {
	a.RecordCustomMetric("Custom/Pool/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Pool/Miners", float64(miners))
}

// UpdateNetworkMetrics updates chain tip metrics
func (a *Agent) UpdateNetworkMetrics(height, difficulty uint64) {
	a.RecordCustomMetric("Custom/Network/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/Difficulty", float64(difficulty))
}
