package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks coordinator activity for the Prometheus endpoint.
type EscrowMetrics struct {
	escrowsCreated  prometheus.Counter
	escrowsReleased prometheus.Counter
	escrowsRefunded prometheus.Counter
	batchesReleased prometheus.Counter
	batchSize       prometheus.Histogram
	transferFaults  prometheus.Counter
	feesWithdrawn   prometheus.Counter
	feeResidue      prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the process-wide coordinator metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			escrowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_created_total",
				Help: "Count of escrows created.",
			}),
			escrowsReleased: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_released_total",
				Help: "Count of escrows released to beneficiaries.",
			}),
			escrowsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_refunded_total",
				Help: "Count of escrows refunded after their deadline.",
			}),
			batchesReleased: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_batch_released_total",
				Help: "Count of batch release operations.",
			}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "escrow_batch_size",
				Help:    "Number of identifiers submitted per batch release.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			}),
			transferFaults: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_transfer_failures_total",
				Help: "Count of operations aborted by token ledger failures.",
			}),
			feesWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_fee_withdrawals_total",
				Help: "Count of administrator fee withdrawals.",
			}),
			feeResidue: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_fee_residue_units",
				Help: "Undistributed fee residue held in custody, in token units.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.escrowsCreated,
			escrowRegistry.escrowsReleased,
			escrowRegistry.escrowsRefunded,
			escrowRegistry.batchesReleased,
			escrowRegistry.batchSize,
			escrowRegistry.transferFaults,
			escrowRegistry.feesWithdrawn,
			escrowRegistry.feeResidue,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveCreated() {
	if m == nil {
		return
	}
	m.escrowsCreated.Inc()
}

func (m *EscrowMetrics) ObserveReleased() {
	if m == nil {
		return
	}
	m.escrowsReleased.Inc()
}

func (m *EscrowMetrics) ObserveRefunded() {
	if m == nil {
		return
	}
	m.escrowsRefunded.Inc()
}

func (m *EscrowMetrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.batchesReleased.Inc()
	m.batchSize.Observe(float64(size))
}

func (m *EscrowMetrics) ObserveTransferFault() {
	if m == nil {
		return
	}
	m.transferFaults.Inc()
}

func (m *EscrowMetrics) ObserveFeeWithdrawal() {
	if m == nil {
		return
	}
	m.feesWithdrawn.Inc()
}

func (m *EscrowMetrics) SetFeeResidue(units float64) {
	if m == nil {
		return
	}
	m.feeResidue.Set(units)
}
