package metrics

import (
	"strconv"

	"escrowd/core/events"
)

// Recorder translates coordinator events into Prometheus observations. It
// implements events.Emitter so it can ride the same fan-out chain as the
// journal and the webhook relay.
type Recorder struct {
	metrics *EscrowMetrics
}

// NewRecorder builds a recorder over the shared escrow metric set.
func NewRecorder() *Recorder {
	return &Recorder{metrics: Escrow()}
}

// Emit implements the events.Emitter interface.
func (r *Recorder) Emit(evt *events.Event) {
	if r == nil || r.metrics == nil || evt == nil {
		return
	}
	switch evt.Type {
	case "escrow.created":
		r.metrics.ObserveCreated()
	case "escrow.released":
		r.metrics.ObserveReleased()
	case "escrow.refunded":
		r.metrics.ObserveRefunded()
	case "escrow.batch_released":
		size := 0
		if raw, ok := evt.Attributes["count"]; ok {
			if parsed, err := strconv.Atoi(raw); err == nil {
				size = parsed
			}
		}
		r.metrics.ObserveBatch(size)
	case "escrow.fee_collected":
		if raw, ok := evt.Attributes["residue"]; ok {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				r.metrics.SetFeeResidue(parsed)
			}
		}
	case "escrow.fees_withdrawn":
		r.metrics.ObserveFeeWithdrawal()
		r.metrics.SetFeeResidue(0)
	case "escrow.transfer_failed":
		r.metrics.ObserveTransferFault()
	}
}
