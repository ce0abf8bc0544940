/*
scheduler.go - Periodic reconciliation scan

PURPOSE:
  Periodically reconciles every (product, warehouse) key so that drift
  between physical stock and open lots shows up in the logs without anyone
  asking for it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each scan reads committed movements only; it takes no key locks
  - Drifted keys are logged by the inventory service as integrity warnings
  - The last scan summary is kept for the API

CONFIGURATION:
  - CheckInterval: How often to scan (LEDGER_RECONCILE_INTERVAL, default 1h)
  - Enabled: false when the interval is zero

USAGE:
  scheduler := NewReconciliationScheduler(inv, interval, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GetReconciliation endpoint (one key, on demand)
  - inventory/service.go: ReconcileAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
)

// ScanResult summarizes one reconciliation scan.
type ScanResult struct {
	StartedAt time.Time
	Keys      int
	Drifted   []inventory.Reconciliation
	Err       error
}

// ReconciliationScheduler reconciles the whole ledger on a timer.
type ReconciliationScheduler struct {
	Inventory     *inventory.Service
	CheckInterval time.Duration
	Enabled       bool
	Logger        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *ScanResult
}

// NewReconciliationScheduler creates a new scheduler. A zero interval
// disables it.
func NewReconciliationScheduler(inv *inventory.Service, interval time.Duration, log zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Inventory:     inv,
		CheckInterval: interval,
		Enabled:       interval > 0,
		Logger:        log.With().Str("component", "reconciliation").Logger(),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info().Msg("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info().Dur("interval", rs.CheckInterval).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running scan to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	ticker, stop := rs.ticker, rs.stop
	rs.ticker, rs.stop = nil, nil
	rs.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	rs.wg.Wait()
	rs.Logger.Info().Msg("scheduler stopped")
}

// Last returns the most recent scan, or nil before the first one.
func (rs *ReconciliationScheduler) Last() *ScanResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.Scan(context.Background())

	for {
		select {
		case <-ticker.C:
			rs.Scan(context.Background())
		case <-stop:
			return
		}
	}
}

// Scan reconciles every key once and records the result.
func (rs *ReconciliationScheduler) Scan(ctx context.Context) ScanResult {
	res := ScanResult{StartedAt: time.Now().UTC()}

	recs, err := rs.Inventory.ReconcileAll(ctx, ledger.Filter{})
	if err != nil {
		res.Err = err
		rs.Logger.Error().Err(err).Msg("reconciliation scan failed")
	} else {
		res.Keys = len(recs)
		for _, r := range recs {
			if !r.Balanced() {
				res.Drifted = append(res.Drifted, r)
			}
		}
		rs.Logger.Info().
			Int("keys", res.Keys).
			Int("drifted", len(res.Drifted)).
			Dur("duration", time.Since(res.StartedAt)).
			Msg("reconciliation scan completed")
	}

	rs.mu.Lock()
	rs.last = &res
	rs.mu.Unlock()
	return res
}
