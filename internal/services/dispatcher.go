package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Erickzao/twilio-services/internal/metrics"
	"go.uber.org/zap"
)

// TickProcessor is the reconciliation engine driven by the dispatcher
type TickProcessor interface {
	// ProcessTick runs one reconciliation pass over both task sources
	ProcessTick(ctx context.Context)
}

// Dispatcher fires the reconciliation loop on a fixed interval. Ticks are
// non-overlapping: when a tick is still running, the next one is dropped.
type Dispatcher struct {
	engine   TickProcessor
	logger   *zap.Logger
	metrics  *metrics.Metrics
	ticker   *time.Ticker
	stopChan chan struct{}
	running  atomic.Bool
}

// NewDispatcher creates a new dispatcher instance
func NewDispatcher(engine TickProcessor, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		logger:   logger,
		metrics:  m,
		ticker:   time.NewTicker(interval),
		stopChan: make(chan struct{}),
	}
}

// Start starts the dispatcher loop
func (d *Dispatcher) Start() {
	d.logger.Info("Task dispatcher started")
	go d.run()
}

// Stop stops the dispatcher. No new ticks fire after Stop returns; a tick
// already in flight is allowed to finish.
func (d *Dispatcher) Stop() {
	d.ticker.Stop()
	close(d.stopChan)
	d.logger.Info("Task dispatcher stopped")
}

// run executes the dispatcher loop
func (d *Dispatcher) run() {
	// Run immediately on start
	d.tick()

	for {
		select {
		case <-d.ticker.C:
			d.tick()
		case <-d.stopChan:
			return
		}
	}
}

// tick runs one reconciliation pass unless the previous one is still running
func (d *Dispatcher) tick() {
	if !d.running.CompareAndSwap(false, true) {
		d.metrics.TicksSkipped.Inc()
		d.logger.Debug("previous tick still running, skipping")
		return
	}

	go func() {
		defer d.running.Store(false)
		d.engine.ProcessTick(context.Background())
	}()
}
