package reputation

import (
	"errors"
	"fmt"
	"math/big"

	"escrowd/crypto"
)

// storage abstracts the subset of state manager functionality required by the
// reputation ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var statsPrefix = []byte("reputation/agent/")

// ErrNilLedger marks calls against an unconfigured ledger.
var ErrNilLedger = errors.New("reputation: ledger not configured")

func statsKey(agent crypto.Address) []byte {
	raw := agent.Bytes()
	return []byte(fmt.Sprintf("%s%x", statsPrefix, raw[:]))
}

// Stats captures the per-agent counters read by the fee engine. Both values
// are monotonically non-decreasing for the lifetime of the system.
type Stats struct {
	Reputation       uint64
	TotalCoordinated *big.Int
}

// Clone returns a deep copy so callers can mutate freely.
func (s *Stats) Clone() *Stats {
	if s == nil {
		return &Stats{TotalCoordinated: big.NewInt(0)}
	}
	clone := &Stats{Reputation: s.Reputation, TotalCoordinated: big.NewInt(0)}
	if s.TotalCoordinated != nil {
		clone.TotalCoordinated = new(big.Int).Set(s.TotalCoordinated)
	}
	return clone
}

// Ledger persists reputation counters keyed by agent identity. Records are
// created implicitly on first reference and never destroyed; there is no
// decrement path anywhere.
type Ledger struct {
	store storage
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage) *Ledger {
	return &Ledger{store: store}
}

// Get fetches the counters for an agent. Unknown agents resolve to zeroed
// stats rather than an error.
func (l *Ledger) Get(agent crypto.Address) (*Stats, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilLedger
	}
	stats := &Stats{TotalCoordinated: big.NewInt(0)}
	if _, err := l.store.KVGet(statsKey(agent), stats); err != nil {
		return nil, err
	}
	if stats.TotalCoordinated == nil {
		stats.TotalCoordinated = big.NewInt(0)
	}
	return stats, nil
}

// Increment awards a single reputation point to the agent.
func (l *Ledger) Increment(agent crypto.Address) (*Stats, error) {
	stats, err := l.Get(agent)
	if err != nil {
		return nil, err
	}
	stats.Reputation++
	if err := l.store.KVPut(statsKey(agent), stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// AddVolume accrues gross escrow volume coordinated by the agent. Negative
// or nil amounts are rejected to preserve monotonicity.
func (l *Ledger) AddVolume(agent crypto.Address, gross *big.Int) (*Stats, error) {
	if gross == nil || gross.Sign() < 0 {
		return nil, fmt.Errorf("reputation: volume must be non-negative")
	}
	stats, err := l.Get(agent)
	if err != nil {
		return nil, err
	}
	stats.TotalCoordinated = new(big.Int).Add(stats.TotalCoordinated, gross)
	if err := l.store.KVPut(statsKey(agent), stats); err != nil {
		return nil, err
	}
	return stats, nil
}
