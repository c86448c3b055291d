package escrow

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/crypto"
)

// Escrow captures the metadata and terminal flags of a single escrow managed
// by the coordinator. Identifiers are allocated from a strictly increasing
// counter and never reused; terminal records are kept indefinitely as an
// audit trail.
type Escrow struct {
	ID          uint64
	Depositor   crypto.Address
	Beneficiary crypto.Address
	// Amount is the net, post-fee quantity owed to the beneficiary (or
	// returned to the depositor on refund). The collected fee is tracked
	// separately as residue and is never refunded.
	Amount    *big.Int
	Deadline  int64
	CreatedAt int64
	Released  bool
	Refunded  bool
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Terminal reports whether the escrow has reached either exclusive terminal
// state.
func (e *Escrow) Terminal() bool {
	if e == nil {
		return false
	}
	return e.Released || e.Refunded
}

// SanitizeEscrow validates the supplied escrow definition and returns a
// cloned instance with a non-nil amount field. The function does not mutate
// the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if clone.Released && clone.Refunded {
		return nil, fmt.Errorf("escrow cannot be both released and refunded")
	}
	return clone, nil
}

// ModuleVaultAddress derives the deterministic custodial account that holds
// escrowed principal and undistributed fee residue.
func ModuleVaultAddress() crypto.Address {
	digest := ethcrypto.Keccak256([]byte("escrowd/module/vault"))
	var raw [crypto.AddressLength]byte
	copy(raw[:], digest[len(digest)-crypto.AddressLength:])
	return crypto.NewAddress(raw)
}
