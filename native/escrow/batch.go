package escrow

import (
	"errors"
	"fmt"
	"math/big"

	"escrowd/crypto"
)

// BatchResult summarises the aggregate effect of a batch release.
type BatchResult struct {
	// Released lists the identifiers that settled, in processing order.
	Released []uint64
	// Skipped lists identifiers that were silently skipped because they did
	// not exist, were not owned by the caller, or were already terminal.
	Skipped []uint64
	// TotalAmount is the sum of net amounts transferred to beneficiaries.
	TotalAmount *big.Int
	// EstimatedOverheadSaved is advisory telemetry: the cost-model estimate
	// of overhead avoided versus processing each item as a separate
	// operation, floored at zero.
	EstimatedOverheadSaved uint64
}

// BatchRelease applies release semantics across the supplied identifiers with
// per-item fault isolation: items that do not exist, are not owned by the
// caller as depositor, or are already terminal are skipped rather than
// aborting the batch. A failed token transfer still aborts the entire
// remaining batch, since partial fund loss is unacceptable; items settled
// before the failure stand.
//
// The caller's reputation increases exactly once for the whole batch, not
// once per settled item.
func (e *Engine) BatchRelease(ids []uint64, caller crypto.Address) (*BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureConfigured(); err != nil {
		return nil, err
	}
	result := &BatchResult{TotalAmount: big.NewInt(0)}
	for _, id := range ids {
		esc, err := e.loadEscrow(id)
		if err != nil {
			if errors.Is(err, ErrEscrowNotFound) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			return nil, err
		}
		if err := e.settleRelease(esc, caller); err != nil {
			if errors.Is(err, ErrNotAuthorized) || errors.Is(err, ErrAlreadyProcessed) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			return nil, fmt.Errorf("batch release aborted at escrow %d: %w", id, err)
		}
		result.Released = append(result.Released, id)
		result.TotalAmount.Add(result.TotalAmount, esc.Amount)
	}
	if len(result.Released) > 0 {
		if err := e.awardCaller(caller); err != nil {
			return nil, err
		}
	}
	result.EstimatedOverheadSaved = e.costs.estimateSaved(len(ids), len(result.Released))
	e.emit(NewBatchReleasedEvent(caller, result))
	return result, nil
}

// estimateSaved compares the baseline cost of separate operations against the
// modelled cost of the batch, flooring at zero.
func (c CostModel) estimateSaved(itemCount, processed int) uint64 {
	baseline := uint64(itemCount) * c.PerItemBaseline
	actual := c.BatchBase + uint64(processed)*c.PerItemBatch
	if actual >= baseline {
		return 0
	}
	return baseline - actual
}
