package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"escrowd/core/events"
	"escrowd/crypto"
	"escrowd/native/bank"
	"escrowd/native/fees"
	"escrowd/native/reputation"
)

var (
	// ErrInvalidAmount rejects zero or negative escrow amounts at creation,
	// including amounts small enough that the net falls to zero.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInvalidDeadline rejects deadlines that are not strictly in the
	// future at creation.
	ErrInvalidDeadline = errors.New("escrow: deadline must be in the future")
	// ErrEscrowNotFound marks identifiers with no live record.
	ErrEscrowNotFound = errors.New("escrow: escrow not found")
	// ErrNotAuthorized marks callers that are neither the escrow's depositor
	// nor, for administrative operations, the configured administrator.
	ErrNotAuthorized = errors.New("escrow: caller not authorized")
	// ErrAlreadyProcessed marks release or refund attempts on a terminal
	// record.
	ErrAlreadyProcessed = errors.New("escrow: already processed")
	// ErrDeadlineNotPassed marks refund attempts before the deadline.
	ErrDeadlineNotPassed = errors.New("escrow: deadline not passed")
	// ErrTransferFailed marks a failure reported by the external token
	// ledger capability.
	ErrTransferFailed = errors.New("escrow: token transfer failed")

	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: token ledger not configured")
)

// engineState is the subset of state manager functionality required by the
// coordinator engine.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowDelete(id uint64) error
	// EscrowNextID returns the next identifier and persists the advanced
	// counter immediately, so the identifier is consumed even when the
	// enclosing creation rolls back.
	EscrowNextID() (uint64, error)
	FeePolicyGet() (fees.Policy, bool, error)
	FeePolicyPut(fees.Policy) error
	FeeResidueGet() (*big.Int, error)
	FeeResiduePut(*big.Int) error
}

// CostModel parameterises the advisory overhead-saved estimate reported by
// batch releases. Units are abstract cost units; the estimate carries no
// correctness weight.
type CostModel struct {
	PerItemBaseline uint64
	BatchBase       uint64
	PerItemBatch    uint64
}

// DefaultCostModel mirrors the historical fixed-versus-marginal overhead
// split of processing each release as a separate operation.
func DefaultCostModel() CostModel {
	return CostModel{PerItemBaseline: 52_000, BatchBase: 21_000, PerItemBatch: 26_000}
}

// Engine wires the escrow lifecycle state machine with the token ledger
// capability, the reputation ledger and event emission. Every top-level
// operation runs under a single mutex so concurrent callers can never observe
// or act on partial state.
type Engine struct {
	mu        sync.Mutex
	state     engineState
	ledger    bank.Ledger
	repLedger *reputation.Ledger
	emitter   events.Emitter
	vault     crypto.Address
	admin     crypto.Address
	costs     CostModel
	nowFn     func() int64
}

// NewEngine creates a coordinator engine with a no-op emitter and the default
// cost model. Callers configure collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		vault:   ModuleVaultAddress(),
		costs:   DefaultCostModel(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the external token ledger capability.
func (e *Engine) SetLedger(ledger bank.Ledger) { e.ledger = ledger }

// SetReputation configures the reputation ledger consulted by the fee engine
// and updated on release.
func (e *Engine) SetReputation(ledger *reputation.Ledger) { e.repLedger = ledger }

// SetAdmin configures the administrator identity for fee withdrawal and base
// fee updates.
func (e *Engine) SetAdmin(admin crypto.Address) { e.admin = admin }

// SetVault overrides the custodial account holding escrowed funds.
func (e *Engine) SetVault(vault crypto.Address) { e.vault = vault }

// SetCostModel overrides the batch telemetry cost model.
func (e *Engine) SetCostModel(costs CostModel) { e.costs = costs }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Vault returns the custodial account used by the engine.
func (e *Engine) Vault() crypto.Address { return e.vault }

func (e *Engine) emit(event *events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ensureConfigured() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if e.repLedger == nil {
		return fmt.Errorf("escrow engine: reputation ledger not configured")
	}
	return nil
}

func (e *Engine) feePolicy() (fees.Policy, error) {
	policy, ok, err := e.state.FeePolicyGet()
	if err != nil {
		return fees.Policy{}, err
	}
	if !ok {
		return fees.Policy{BaseFeeBps: fees.DefaultBaseFeeBps}, nil
	}
	return policy, nil
}

// loadEscrow resolves a live record. Records whose amount collapsed to zero
// are indistinguishable from missing ones and report not-found.
func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || esc == nil || esc.Amount == nil || esc.Amount.Sign() == 0 {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

// Create allocates the next identifier, deducts the reputation-discounted fee
// and pulls the gross amount into custody. The identifier counter advances
// even when the creation rolls back; everything else is all-or-nothing.
func (e *Engine) Create(depositor, beneficiary crypto.Address, gross *big.Int, deadline int64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureConfigured(); err != nil {
		return 0, err
	}
	if gross == nil || gross.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	now := e.now()
	if deadline <= now {
		return 0, ErrInvalidDeadline
	}
	policy, err := e.feePolicy()
	if err != nil {
		return 0, err
	}
	stats, err := e.repLedger.Get(depositor)
	if err != nil {
		return 0, err
	}
	fee := fees.Calculate(policy.BaseFeeBps, stats.Reputation, gross)
	net := new(big.Int).Sub(gross, fee)
	if net.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	id, err := e.state.EscrowNextID()
	if err != nil {
		return 0, err
	}
	esc := &Escrow{
		ID:          id,
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Amount:      net,
		Deadline:    deadline,
		CreatedAt:   now,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return 0, err
	}
	if err := e.ledger.TransferFrom(depositor, e.vault, gross); err != nil {
		if delErr := e.state.EscrowDelete(id); delErr != nil {
			return 0, fmt.Errorf("%w: rollback failed: %v", ErrTransferFailed, delErr)
		}
		e.emit(NewTransferFailedEvent("create", esc))
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	var newResidue *big.Int
	if fee.Sign() > 0 {
		residue, err := e.state.FeeResidueGet()
		if err != nil {
			return 0, err
		}
		newResidue = new(big.Int).Add(residue, fee)
		if err := e.state.FeeResiduePut(newResidue); err != nil {
			return 0, err
		}
	}
	if _, err := e.repLedger.AddVolume(depositor, gross); err != nil {
		return 0, err
	}
	e.emit(NewCreatedEvent(esc, fee))
	if fee.Sign() > 0 {
		e.emit(NewFeeCollectedEvent(esc, fee, newResidue))
	}
	return id, nil
}

// Release settles the escrow in favour of the beneficiary. Only the depositor
// may release, and only once. The terminal flag is persisted before the
// outbound transfer so a retry against the same identifier observes the
// already-processed state instead of paying twice.
func (e *Engine) Release(id uint64, caller crypto.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.settleRelease(esc, caller); err != nil {
		return err
	}
	if err := e.awardCaller(caller); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc))
	return nil
}

// settleRelease performs the guarded mark-then-transfer release of a single
// escrow and awards the beneficiary's reputation point. Callers hold the
// engine lock.
func (e *Engine) settleRelease(esc *Escrow, caller crypto.Address) error {
	if !caller.Equal(esc.Depositor) {
		return ErrNotAuthorized
	}
	if esc.Terminal() {
		return ErrAlreadyProcessed
	}
	esc.Released = true
	if err := e.state.EscrowPut(esc); err != nil {
		esc.Released = false
		return err
	}
	if err := e.ledger.Transfer(esc.Beneficiary, esc.Amount); err != nil {
		esc.Released = false
		if putErr := e.state.EscrowPut(esc); putErr != nil {
			return fmt.Errorf("%w: rollback failed: %v", ErrTransferFailed, putErr)
		}
		e.emit(NewTransferFailedEvent("release", esc))
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	stats, err := e.repLedger.Increment(esc.Beneficiary)
	if err != nil {
		return err
	}
	e.emit(NewReputationUpdatedEvent(esc.Beneficiary, stats))
	return nil
}

// awardCaller grants the depositor-side reputation point for a successful
// coordination event.
func (e *Engine) awardCaller(caller crypto.Address) error {
	stats, err := e.repLedger.Increment(caller)
	if err != nil {
		return err
	}
	e.emit(NewReputationUpdatedEvent(caller, stats))
	return nil
}

// Refund returns the net amount to the depositor once the deadline has
// passed. The fee is never refunded and reputation is untouched: reputation
// rewards only successful two-party coordination.
func (e *Engine) Refund(id uint64, caller crypto.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !caller.Equal(esc.Depositor) {
		return ErrNotAuthorized
	}
	if esc.Terminal() {
		return ErrAlreadyProcessed
	}
	if e.now() < esc.Deadline {
		return ErrDeadlineNotPassed
	}
	esc.Refunded = true
	if err := e.state.EscrowPut(esc); err != nil {
		esc.Refunded = false
		return err
	}
	if err := e.ledger.Transfer(esc.Depositor, esc.Amount); err != nil {
		esc.Refunded = false
		if putErr := e.state.EscrowPut(esc); putErr != nil {
			return fmt.Errorf("%w: rollback failed: %v", ErrTransferFailed, putErr)
		}
		e.emit(NewTransferFailedEvent("refund", esc))
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.emit(NewRefundedEvent(esc))
	return nil
}

// UpdateBaseFee replaces the base fee rate. Administrator only; the rate is
// bounded so a misconfigured update can never exceed 100%.
func (e *Engine) UpdateBaseFee(caller crypto.Address, baseFeeBps uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	if e.admin.IsZero() || !caller.Equal(e.admin) {
		return ErrNotAuthorized
	}
	policy := fees.Policy{BaseFeeBps: baseFeeBps}
	if err := policy.Validate(); err != nil {
		return err
	}
	return e.state.FeePolicyPut(policy)
}

// WithdrawFees transfers the accumulated fee residue to the supplied account.
// Administrator only. Escrowed principal is tracked separately and is never
// touched by a withdrawal.
func (e *Engine) WithdrawFees(caller, to crypto.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureConfigured(); err != nil {
		return nil, err
	}
	if e.admin.IsZero() || !caller.Equal(e.admin) {
		return nil, ErrNotAuthorized
	}
	residue, err := e.state.FeeResidueGet()
	if err != nil {
		return nil, err
	}
	if residue.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := e.state.FeeResiduePut(big.NewInt(0)); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(to, residue); err != nil {
		if putErr := e.state.FeeResiduePut(residue); putErr != nil {
			return nil, fmt.Errorf("%w: rollback failed: %v", ErrTransferFailed, putErr)
		}
		e.emit(NewTransferFailedEvent("withdraw", nil))
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.emit(NewFeesWithdrawnEvent(to, residue))
	return new(big.Int).Set(residue), nil
}

// GetEscrow returns a copy of the stored record for audit queries.
func (e *Engine) GetEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// AgentStats summarises an agent's standing for the query surface.
type AgentStats struct {
	Reputation       uint64
	TotalCoordinated *big.Int
	CurrentFeeBps    uint32
}

// GetAgentStats reports the reputation counters and the advisory fee rate
// currently applicable to the agent.
func (e *Engine) GetAgentStats(agent crypto.Address) (*AgentStats, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.repLedger == nil {
		return nil, fmt.Errorf("escrow engine: reputation ledger not configured")
	}
	stats, err := e.repLedger.Get(agent)
	if err != nil {
		return nil, err
	}
	policy, err := e.feePolicy()
	if err != nil {
		return nil, err
	}
	return &AgentStats{
		Reputation:       stats.Reputation,
		TotalCoordinated: new(big.Int).Set(stats.TotalCoordinated),
		CurrentFeeBps:    fees.EffectiveBps(policy.BaseFeeBps, stats.Reputation),
	}, nil
}

// QuoteFee previews the fee split a prospective escrow would incur for the
// agent today.
func (e *Engine) QuoteFee(agent crypto.Address, gross *big.Int) (fees.Quote, error) {
	if e == nil || e.state == nil {
		return fees.Quote{}, errNilState
	}
	if e.repLedger == nil {
		return fees.Quote{}, fmt.Errorf("escrow engine: reputation ledger not configured")
	}
	stats, err := e.repLedger.Get(agent)
	if err != nil {
		return fees.Quote{}, err
	}
	policy, err := e.feePolicy()
	if err != nil {
		return fees.Quote{}, err
	}
	return fees.QuoteFee(policy.BaseFeeBps, stats.Reputation, gross), nil
}

// FeeResidue reports the undistributed fee balance held in custody.
func (e *Engine) FeeResidue() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.FeeResidueGet()
}
