package escrow

import (
	"math/big"
	"strconv"
	"strings"

	"escrowd/core/events"
	"escrowd/crypto"
	"escrowd/native/reputation"
)

const (
	EventTypeEscrowCreated     = "escrow.created"
	EventTypeEscrowReleased    = "escrow.released"
	EventTypeEscrowRefunded    = "escrow.refunded"
	EventTypeBatchReleased     = "escrow.batch_released"
	EventTypeFeeCollected      = "escrow.fee_collected"
	EventTypeFeesWithdrawn     = "escrow.fees_withdrawn"
	EventTypeTransferFailed    = "escrow.transfer_failed"
	EventTypeReputationUpdated = "reputation.updated"
)

func escrowAttributes(e *Escrow) map[string]string {
	attrs := make(map[string]string)
	if e == nil {
		return attrs
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["depositor"] = sanitized.Depositor.String()
	attrs["beneficiary"] = sanitized.Beneficiary.String()
	attrs["amount"] = sanitized.Amount.String()
	attrs["deadline"] = strconv.FormatInt(sanitized.Deadline, 10)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	return attrs
}

// NewCreatedEvent returns the canonical payload for a newly created escrow.
// The fee attribute carries the gross-to-net deduction applied at creation.
func NewCreatedEvent(e *Escrow, fee *big.Int) *events.Event {
	attrs := escrowAttributes(e)
	if fee != nil {
		attrs["fee"] = fee.String()
	}
	return &events.Event{Type: EventTypeEscrowCreated, Attributes: attrs}
}

// NewReleasedEvent returns the canonical payload for a release of escrowed
// funds to the beneficiary.
func NewReleasedEvent(e *Escrow) *events.Event {
	return &events.Event{Type: EventTypeEscrowReleased, Attributes: escrowAttributes(e)}
}

// NewRefundedEvent returns the canonical payload for an escrow refund to the
// depositor.
func NewRefundedEvent(e *Escrow) *events.Event {
	return &events.Event{Type: EventTypeEscrowRefunded, Attributes: escrowAttributes(e)}
}

// NewFeeCollectedEvent returns the payload emitted when a creation fee
// accrues to the residue. The residue attribute carries the accumulated
// balance after the fee landed.
func NewFeeCollectedEvent(e *Escrow, fee, residue *big.Int) *events.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["id"] = strconv.FormatUint(e.ID, 10)
		attrs["depositor"] = e.Depositor.String()
	}
	if fee != nil {
		attrs["fee"] = fee.String()
	}
	if residue != nil {
		attrs["residue"] = residue.String()
	}
	return &events.Event{Type: EventTypeFeeCollected, Attributes: attrs}
}

// NewFeesWithdrawnEvent returns the payload emitted when the administrator
// withdraws the fee residue. A successful withdrawal always drains the
// residue to zero.
func NewFeesWithdrawnEvent(to crypto.Address, amount *big.Int) *events.Event {
	attrs := map[string]string{"to": to.String(), "residue": "0"}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &events.Event{Type: EventTypeFeesWithdrawn, Attributes: attrs}
}

// NewTransferFailedEvent returns the payload emitted when an external ledger
// transfer fails and the enclosing operation rolls back.
func NewTransferFailedEvent(op string, e *Escrow) *events.Event {
	attrs := map[string]string{"op": op}
	if e != nil {
		attrs["id"] = strconv.FormatUint(e.ID, 10)
		attrs["depositor"] = e.Depositor.String()
		attrs["beneficiary"] = e.Beneficiary.String()
	}
	return &events.Event{Type: EventTypeTransferFailed, Attributes: attrs}
}

// NewBatchReleasedEvent returns the aggregate payload for a batch release,
// including the advisory overhead-saved estimate.
func NewBatchReleasedEvent(caller crypto.Address, result *BatchResult) *events.Event {
	attrs := map[string]string{"caller": caller.String()}
	if result != nil {
		ids := make([]string, 0, len(result.Released))
		for _, id := range result.Released {
			ids = append(ids, strconv.FormatUint(id, 10))
		}
		attrs["released"] = strings.Join(ids, ",")
		attrs["count"] = strconv.Itoa(len(result.Released))
		attrs["skipped"] = strconv.Itoa(len(result.Skipped))
		if result.TotalAmount != nil {
			attrs["totalAmount"] = result.TotalAmount.String()
		}
		attrs["estimatedOverheadSaved"] = strconv.FormatUint(result.EstimatedOverheadSaved, 10)
	}
	return &events.Event{Type: EventTypeBatchReleased, Attributes: attrs}
}

// NewReputationUpdatedEvent returns the payload emitted whenever an agent's
// reputation counter advances.
func NewReputationUpdatedEvent(agent crypto.Address, stats *reputation.Stats) *events.Event {
	attrs := map[string]string{"agent": agent.String()}
	if stats != nil {
		attrs["reputation"] = strconv.FormatUint(stats.Reputation, 10)
		if stats.TotalCoordinated != nil {
			attrs["totalCoordinated"] = stats.TotalCoordinated.String()
		}
	}
	return &events.Event{Type: EventTypeReputationUpdated, Attributes: attrs}
}
