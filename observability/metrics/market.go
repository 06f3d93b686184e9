package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type MarketMetrics struct {
	operations     *prometheus.CounterVec
	escrowLocked   prometheus.Counter
	escrowReleased prometheus.Counter
	escrowHeld     prometheus.Gauge
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_operations_total",
				Help: "Count of ledger operations by operation and outcome.",
			}, []string{"operation", "outcome"}),
			escrowLocked: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_escrow_locked_total",
				Help: "Cumulative amount locked into deal escrow.",
			}),
			escrowReleased: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_escrow_released_total",
				Help: "Cumulative amount released from deal escrow.",
			}),
			escrowHeld: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_escrow_held",
				Help: "Amount currently held in deal escrow.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.escrowLocked,
			marketRegistry.escrowReleased,
			marketRegistry.escrowHeld,
		)
	})
	return marketRegistry
}

func (m *MarketMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *MarketMetrics) ObserveEscrowLocked(amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.escrowLocked.Add(value)
	m.escrowHeld.Add(value)
}

func (m *MarketMetrics) ObserveEscrowReleased(amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.escrowReleased.Add(value)
	m.escrowHeld.Sub(value)
}
