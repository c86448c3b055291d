package state

import (
	"fmt"
	"math/big"

	"escrowd/native/escrow"
	"escrowd/native/fees"
)

var (
	escrowRecordPrefix = []byte("escrow/record/")
	escrowNextIDKey    = []byte("escrow/nextid")
	feePolicyKey       = []byte("escrow/fees/policy")
	feeResidueKey      = []byte("escrow/fees/residue")
)

func escrowRecordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", escrowRecordPrefix, id))
}

// EscrowPut stores the sanitised escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	return m.KVPut(escrowRecordKey(sanitized.ID), sanitized)
}

// EscrowGet loads the escrow record stored under the supplied identifier.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	record := &escrow.Escrow{}
	ok, err := m.KVGet(escrowRecordKey(id), record)
	if err != nil || !ok {
		return nil, false, err
	}
	if record.Amount == nil {
		record.Amount = big.NewInt(0)
	}
	return record, true, nil
}

// EscrowDelete removes a record. Used only to roll back a creation whose
// funding transfer failed; settled records are never deleted.
func (m *Manager) EscrowDelete(id uint64) error {
	return m.KVDelete(escrowRecordKey(id))
}

// EscrowNextID allocates the next escrow identifier. The advanced counter is
// persisted before the identifier is returned, so identifiers are consumed
// even when the enclosing creation rolls back.
func (m *Manager) EscrowNextID() (uint64, error) {
	var next uint64
	if _, err := m.KVGet(escrowNextIDKey, &next); err != nil {
		return 0, err
	}
	if err := m.KVPut(escrowNextIDKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// FeePolicyGet resolves the stored fee policy, reporting ok=false when no
// administrator update has been persisted yet.
func (m *Manager) FeePolicyGet() (fees.Policy, bool, error) {
	var policy fees.Policy
	ok, err := m.KVGet(feePolicyKey, &policy)
	if err != nil {
		return fees.Policy{}, false, err
	}
	return policy, ok, nil
}

// FeePolicyPut persists an administrator fee update.
func (m *Manager) FeePolicyPut(policy fees.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	return m.KVPut(feePolicyKey, policy)
}

// FeeResidueGet reports the undistributed fee balance.
func (m *Manager) FeeResidueGet() (*big.Int, error) {
	residue := big.NewInt(0)
	if _, err := m.KVGet(feeResidueKey, residue); err != nil {
		return nil, err
	}
	return residue, nil
}

// FeeResiduePut stores the undistributed fee balance.
func (m *Manager) FeeResiduePut(residue *big.Int) error {
	if residue == nil || residue.Sign() < 0 {
		return fmt.Errorf("state: fee residue must be non-negative")
	}
	return m.KVPut(feeResidueKey, residue)
}
