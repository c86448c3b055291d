package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"escrowd/core/events"
	"escrowd/crypto"
	"escrowd/native/fees"
	"escrowd/native/reputation"
)

type mockState struct {
	escrows map[uint64]*Escrow
	nextID  uint64
	policy  *fees.Policy
	residue *big.Int
}

func newMockState() *mockState {
	return &mockState{
		escrows: make(map[uint64]*Escrow),
		residue: big.NewInt(0),
	}
}

func (m *mockState) EscrowPut(e *Escrow) error {
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) EscrowGet(id uint64) (*Escrow, bool, error) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (m *mockState) EscrowDelete(id uint64) error {
	delete(m.escrows, id)
	return nil
}

func (m *mockState) EscrowNextID() (uint64, error) {
	id := m.nextID
	m.nextID++
	return id, nil
}

func (m *mockState) FeePolicyGet() (fees.Policy, bool, error) {
	if m.policy == nil {
		return fees.Policy{}, false, nil
	}
	return *m.policy, true, nil
}

func (m *mockState) FeePolicyPut(policy fees.Policy) error {
	m.policy = &policy
	return nil
}

func (m *mockState) FeeResidueGet() (*big.Int, error) {
	return new(big.Int).Set(m.residue), nil
}

func (m *mockState) FeeResiduePut(residue *big.Int) error {
	m.residue = new(big.Int).Set(residue)
	return nil
}

// memKV backs the reputation ledger in tests with the same JSON semantics as
// the real state manager.
type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) KVPut(key []byte, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[string(key)] = encoded
	return nil
}

func (m *memKV) KVGet(key []byte, out interface{}) (bool, error) {
	data, ok := m.data[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	return true, json.Unmarshal(data, out)
}

type mockLedger struct {
	balances      map[crypto.Address]*big.Int
	vault         crypto.Address
	failFrom      bool
	failTransfer  bool
	transferCalls int
	// failOnTransferN fails the Nth outbound transfer when non-zero.
	failOnTransferN int
	onTransfer      func(to crypto.Address, amount *big.Int)
}

func newMockLedger(vault crypto.Address) *mockLedger {
	return &mockLedger{balances: make(map[crypto.Address]*big.Int), vault: vault}
}

func (m *mockLedger) balance(addr crypto.Address) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return bal
	}
	bal := big.NewInt(0)
	m.balances[addr] = bal
	return bal
}

func (m *mockLedger) credit(addr crypto.Address, amount int64) {
	m.balances[addr] = new(big.Int).Add(m.balance(addr), big.NewInt(amount))
}

func (m *mockLedger) move(from, to crypto.Address, amount *big.Int) error {
	if m.balance(from).Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	m.balances[from] = new(big.Int).Sub(m.balance(from), amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	return nil
}

func (m *mockLedger) Transfer(to crypto.Address, amount *big.Int) error {
	m.transferCalls++
	if m.onTransfer != nil {
		m.onTransfer(to, amount)
	}
	if m.failTransfer {
		return fmt.Errorf("transfer rejected")
	}
	if m.failOnTransferN != 0 && m.transferCalls == m.failOnTransferN {
		return fmt.Errorf("transfer rejected")
	}
	return m.move(m.vault, to, amount)
}

func (m *mockLedger) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	if m.failFrom {
		return fmt.Errorf("transferFrom rejected")
	}
	return m.move(from, to, amount)
}

func (m *mockLedger) BalanceOf(addr crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(m.balance(addr)), nil
}

type recordingEmitter struct {
	events []*events.Event
}

func (r *recordingEmitter) Emit(evt *events.Event) {
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

func (r *recordingEmitter) last(eventType string) *events.Event {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i]
		}
	}
	return nil
}

func (r *recordingEmitter) count(eventType string) int {
	n := 0
	for _, evt := range r.events {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

func newTestAddress(fill byte) crypto.Address {
	var raw [crypto.AddressLength]byte
	copy(raw[:], bytes.Repeat([]byte{fill}, crypto.AddressLength))
	return crypto.NewAddress(raw)
}

type testEnv struct {
	engine  *Engine
	state   *mockState
	ledger  *mockLedger
	rep     *reputation.Ledger
	emitter *recordingEmitter
	now     int64

	depositor   crypto.Address
	beneficiary crypto.Address
	admin       crypto.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		state:       newMockState(),
		rep:         reputation.NewLedger(newMemKV()),
		emitter:     &recordingEmitter{},
		now:         1_700_000_000,
		depositor:   newTestAddress(0x01),
		beneficiary: newTestAddress(0x02),
		admin:       newTestAddress(0xAD),
	}
	engine := NewEngine()
	env.ledger = newMockLedger(engine.Vault())
	engine.SetState(env.state)
	engine.SetLedger(env.ledger)
	engine.SetReputation(env.rep)
	engine.SetEmitter(env.emitter)
	engine.SetAdmin(env.admin)
	engine.SetNowFunc(func() int64 { return env.now })
	env.engine = engine
	return env
}

func (env *testEnv) mustCreate(t *testing.T, gross int64) uint64 {
	t.Helper()
	env.ledger.credit(env.depositor, gross)
	id, err := env.engine.Create(env.depositor, env.beneficiary, big.NewInt(gross), env.now+3600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func (env *testEnv) reputationOf(t *testing.T, agent crypto.Address) uint64 {
	t.Helper()
	stats, err := env.rep.Get(agent)
	if err != nil {
		t.Fatalf("reputation Get: %v", err)
	}
	return stats.Reputation
}

func TestCreateDeductsFeeAndStoresNet(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	if id != 0 {
		t.Fatalf("expected first id 0, got %d", id)
	}

	esc, err := env.engine.GetEscrow(id)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if esc.Amount.Cmp(big.NewInt(995_000)) != 0 {
		t.Fatalf("expected net 995000, got %s", esc.Amount)
	}
	if esc.Released || esc.Refunded {
		t.Fatalf("new escrow must be non-terminal")
	}

	vaultBal, _ := env.ledger.BalanceOf(env.engine.Vault())
	if vaultBal.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected gross in custody, got %s", vaultBal)
	}
	residue, err := env.engine.FeeResidue()
	if err != nil {
		t.Fatalf("FeeResidue: %v", err)
	}
	if residue.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("expected residue 5000, got %s", residue)
	}

	stats, err := env.engine.GetAgentStats(env.depositor)
	if err != nil {
		t.Fatalf("GetAgentStats: %v", err)
	}
	if stats.TotalCoordinated.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected gross volume tracked, got %s", stats.TotalCoordinated)
	}
	if stats.Reputation != 0 {
		t.Fatalf("creation must not grant reputation, got %d", stats.Reputation)
	}

	if env.emitter.count(EventTypeEscrowCreated) != 1 || env.emitter.count(EventTypeFeeCollected) != 1 {
		t.Fatalf("unexpected events: %v", env.emitter.types())
	}
	collected := env.emitter.last(EventTypeFeeCollected)
	if collected.Attributes["residue"] != "5000" {
		t.Fatalf("expected residue attribute 5000, got %q", collected.Attributes["residue"])
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Create(env.depositor, env.beneficiary, big.NewInt(0), env.now+60); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.Create(env.depositor, env.beneficiary, nil, env.now+60); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
	// Deadline exactly now is not strictly in the future.
	if _, err := env.engine.Create(env.depositor, env.beneficiary, big.NewInt(100), env.now); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline, got %v", err)
	}
	if _, err := env.engine.Create(env.depositor, env.beneficiary, big.NewInt(100), env.now-1); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline in past, got %v", err)
	}
}

func TestCreateTransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.failFrom = true
	env.ledger.credit(env.depositor, 1_000_000)
	_, err := env.engine.Create(env.depositor, env.beneficiary, big.NewInt(1_000_000), env.now+60)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if len(env.state.escrows) != 0 {
		t.Fatalf("rolled-back creation must not persist a record")
	}
	residue, _ := env.engine.FeeResidue()
	if residue.Sign() != 0 {
		t.Fatalf("rolled-back creation must not accrue fees, got %s", residue)
	}
	stats, _ := env.rep.Get(env.depositor)
	if stats.TotalCoordinated.Sign() != 0 {
		t.Fatalf("rolled-back creation must not accrue volume")
	}
	if env.emitter.count(EventTypeTransferFailed) != 1 {
		t.Fatalf("expected one transfer-failed event: %v", env.emitter.types())
	}
	if op := env.emitter.last(EventTypeTransferFailed).Attributes["op"]; op != "create" {
		t.Fatalf("expected op create, got %q", op)
	}

	// The identifier is consumed even though the creation reverted.
	env.ledger.failFrom = false
	id := env.mustCreate(t, 1_000_000)
	if id != 1 {
		t.Fatalf("expected id 1 after reverted attempt, got %d", id)
	}
}

func TestCreateFeeDiscountTracksReputation(t *testing.T) {
	env := newTestEnv(t)
	// Five successful releases grant the depositor five reputation points.
	for i := 0; i < 5; i++ {
		id := env.mustCreate(t, 10_000)
		if err := env.engine.Release(id, env.depositor); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if rep := env.reputationOf(t, env.depositor); rep != 5 {
		t.Fatalf("expected reputation 5, got %d", rep)
	}

	id := env.mustCreate(t, 1_000_000)
	esc, err := env.engine.GetEscrow(id)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	// 1_000_000 * 50/10_000 = 5_000, discounted by 5% to 4_750.
	if esc.Amount.Cmp(big.NewInt(995_250)) != 0 {
		t.Fatalf("expected net 995250 at reputation 5, got %s", esc.Amount)
	}
}

func TestReleasePaysBeneficiary(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	if err := env.engine.Release(id, env.depositor); err != nil {
		t.Fatalf("Release: %v", err)
	}

	esc, err := env.engine.GetEscrow(id)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if !esc.Released || esc.Refunded {
		t.Fatalf("expected released terminal state, got %+v", esc)
	}
	benBal, _ := env.ledger.BalanceOf(env.beneficiary)
	if benBal.Cmp(big.NewInt(995_000)) != 0 {
		t.Fatalf("expected beneficiary paid 995000, got %s", benBal)
	}
	if rep := env.reputationOf(t, env.depositor); rep != 1 {
		t.Fatalf("expected depositor reputation 1, got %d", rep)
	}
	if rep := env.reputationOf(t, env.beneficiary); rep != 1 {
		t.Fatalf("expected beneficiary reputation 1, got %d", rep)
	}
	if env.emitter.count(EventTypeEscrowReleased) != 1 {
		t.Fatalf("expected one released event: %v", env.emitter.types())
	}
	if env.emitter.count(EventTypeReputationUpdated) != 2 {
		t.Fatalf("expected two reputation events: %v", env.emitter.types())
	}
}

func TestReleaseAuthorization(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	if err := env.engine.Release(id, env.beneficiary); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := env.engine.Release(id, newTestAddress(0x99)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for stranger, got %v", err)
	}
}

func TestReleaseNotFound(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.Release(42, env.depositor); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestZeroAmountRecordTreatedAsMissing(t *testing.T) {
	env := newTestEnv(t)
	env.state.escrows[7] = &Escrow{ID: 7, Depositor: env.depositor, Beneficiary: env.beneficiary, Amount: big.NewInt(0), Deadline: env.now + 60}
	if _, err := env.engine.GetEscrow(7); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected zero-amount record to be not-found, got %v", err)
	}
	if err := env.engine.Release(7, env.depositor); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound on release, got %v", err)
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	if err := env.engine.Release(id, env.depositor); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := env.engine.Release(id, env.depositor); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	env.now = env.now + 7200
	if err := env.engine.Refund(id, env.depositor); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on refund after release, got %v", err)
	}
	if rep := env.reputationOf(t, env.beneficiary); rep != 1 {
		t.Fatalf("reputation must not grow on rejected retries, got %d", rep)
	}
}

func TestReleaseMarksTerminalBeforeTransfer(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	var observedReleased bool
	env.ledger.onTransfer = func(crypto.Address, *big.Int) {
		if esc, ok := env.state.escrows[id]; ok {
			observedReleased = esc.Released
		}
	}
	if err := env.engine.Release(id, env.depositor); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !observedReleased {
		t.Fatalf("terminal flag must be persisted before the outbound transfer")
	}
}

func TestReleaseTransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	env.ledger.failTransfer = true
	if err := env.engine.Release(id, env.depositor); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	esc, err := env.engine.GetEscrow(id)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if esc.Released {
		t.Fatalf("failed release must clear the terminal flag")
	}
	if rep := env.reputationOf(t, env.beneficiary); rep != 0 {
		t.Fatalf("failed release must not grant reputation, got %d", rep)
	}
	if op := env.emitter.last(EventTypeTransferFailed).Attributes["op"]; op != "release" {
		t.Fatalf("expected op release, got %q", op)
	}

	// The escrow remains releasable after the fault clears.
	env.ledger.failTransfer = false
	if err := env.engine.Release(id, env.depositor); err != nil {
		t.Fatalf("Release after fault: %v", err)
	}
}

func TestRefundDeadlineGating(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.credit(env.depositor, 1_000_000)
	deadline := env.now + 3600
	id, err := env.engine.Create(env.depositor, env.beneficiary, big.NewInt(1_000_000), deadline)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	env.now = deadline - 1
	if err := env.engine.Refund(id, env.depositor); !errors.Is(err, ErrDeadlineNotPassed) {
		t.Fatalf("expected ErrDeadlineNotPassed one second early, got %v", err)
	}

	env.now = deadline
	if err := env.engine.Refund(id, env.depositor); err != nil {
		t.Fatalf("Refund exactly at deadline: %v", err)
	}
	esc, err := env.engine.GetEscrow(id)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if !esc.Refunded || esc.Released {
		t.Fatalf("expected refunded terminal state, got %+v", esc)
	}
}

func TestRefundReturnsNetOnly(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	env.now += 7200
	if err := env.engine.Refund(id, env.depositor); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	depBal, _ := env.ledger.BalanceOf(env.depositor)
	if depBal.Cmp(big.NewInt(995_000)) != 0 {
		t.Fatalf("refund must return net only, got %s", depBal)
	}
	residue, _ := env.engine.FeeResidue()
	if residue.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("fee must stay in residue after refund, got %s", residue)
	}
	if rep := env.reputationOf(t, env.depositor); rep != 0 {
		t.Fatalf("refund must not grant reputation, got %d", rep)
	}
	if env.emitter.count(EventTypeEscrowRefunded) != 1 {
		t.Fatalf("expected one refunded event: %v", env.emitter.types())
	}
}

func TestRefundAuthorization(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	env.now += 7200
	if err := env.engine.Refund(id, env.beneficiary); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestRefundTransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, 1_000_000)
	env.now += 7200
	env.ledger.failTransfer = true
	if err := env.engine.Refund(id, env.depositor); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	esc, err := env.engine.GetEscrow(id)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if esc.Refunded {
		t.Fatalf("failed refund must clear the terminal flag")
	}
	if op := env.emitter.last(EventTypeTransferFailed).Attributes["op"]; op != "refund" {
		t.Fatalf("expected op refund, got %q", op)
	}
}

func TestUpdateBaseFee(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.UpdateBaseFee(env.depositor, 100); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-admin, got %v", err)
	}
	if err := env.engine.UpdateBaseFee(env.admin, fees.MaxBasisPoints+1); err == nil {
		t.Fatalf("expected bounds rejection above 10000 bps")
	}
	if err := env.engine.UpdateBaseFee(env.admin, 100); err != nil {
		t.Fatalf("UpdateBaseFee: %v", err)
	}

	id := env.mustCreate(t, 1_000_000)
	esc, err := env.engine.GetEscrow(id)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	// 1% of 1_000_000 leaves a net of 990_000.
	if esc.Amount.Cmp(big.NewInt(990_000)) != 0 {
		t.Fatalf("expected net 990000 at 100 bps, got %s", esc.Amount)
	}
}

func TestWithdrawFees(t *testing.T) {
	env := newTestEnv(t)
	treasury := newTestAddress(0x77)
	env.mustCreate(t, 1_000_000)

	if _, err := env.engine.WithdrawFees(env.depositor, treasury); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-admin, got %v", err)
	}

	withdrawn, err := env.engine.WithdrawFees(env.admin, treasury)
	if err != nil {
		t.Fatalf("WithdrawFees: %v", err)
	}
	if withdrawn.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("expected withdrawal of 5000, got %s", withdrawn)
	}
	treasuryBal, _ := env.ledger.BalanceOf(treasury)
	if treasuryBal.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("expected treasury credit 5000, got %s", treasuryBal)
	}
	// Escrowed principal stays in custody.
	vaultBal, _ := env.ledger.BalanceOf(env.engine.Vault())
	if vaultBal.Cmp(big.NewInt(995_000)) != 0 {
		t.Fatalf("principal must stay in custody, got %s", vaultBal)
	}
	residue, _ := env.engine.FeeResidue()
	if residue.Sign() != 0 {
		t.Fatalf("residue must be zero after withdrawal, got %s", residue)
	}
	withdrawnEvt := env.emitter.last(EventTypeFeesWithdrawn)
	if withdrawnEvt == nil || withdrawnEvt.Attributes["residue"] != "0" {
		t.Fatalf("expected drained residue attribute: %v", env.emitter.types())
	}
}

func TestWithdrawFeesTransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, 1_000_000)
	env.ledger.failTransfer = true
	if _, err := env.engine.WithdrawFees(env.admin, newTestAddress(0x77)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	residue, _ := env.engine.FeeResidue()
	if residue.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("failed withdrawal must restore residue, got %s", residue)
	}
	if op := env.emitter.last(EventTypeTransferFailed).Attributes["op"]; op != "withdraw" {
		t.Fatalf("expected op withdraw, got %q", op)
	}
}

// Conservation: custody always covers open escrows plus undistributed fees.
func TestConservationAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)

	check := func(label string) {
		t.Helper()
		open := big.NewInt(0)
		for _, esc := range env.state.escrows {
			if !esc.Terminal() {
				open.Add(open, esc.Amount)
			}
		}
		residue, err := env.engine.FeeResidue()
		if err != nil {
			t.Fatalf("%s: FeeResidue: %v", label, err)
		}
		need := new(big.Int).Add(open, residue)
		vaultBal, _ := env.ledger.BalanceOf(env.engine.Vault())
		if vaultBal.Cmp(need) < 0 {
			t.Fatalf("%s: custody %s below obligations %s", label, vaultBal, need)
		}
	}

	ids := make([]uint64, 0, 4)
	for i := 0; i < 4; i++ {
		ids = append(ids, env.mustCreate(t, 1_000_000))
		check("after create")
	}
	if err := env.engine.Release(ids[0], env.depositor); err != nil {
		t.Fatalf("Release: %v", err)
	}
	check("after release")
	env.now += 7200
	if err := env.engine.Refund(ids[1], env.depositor); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	check("after refund")
	if _, err := env.engine.WithdrawFees(env.admin, newTestAddress(0x77)); err != nil {
		t.Fatalf("WithdrawFees: %v", err)
	}
	check("after withdraw")
	if _, err := env.engine.BatchRelease(ids[2:], env.depositor); err != nil {
		t.Fatalf("BatchRelease: %v", err)
	}
	check("after batch")
}

func TestGetAgentStatsReportsEffectiveRate(t *testing.T) {
	env := newTestEnv(t)
	stats, err := env.engine.GetAgentStats(env.depositor)
	if err != nil {
		t.Fatalf("GetAgentStats: %v", err)
	}
	if stats.CurrentFeeBps != fees.DefaultBaseFeeBps {
		t.Fatalf("expected default rate, got %d", stats.CurrentFeeBps)
	}

	id := env.mustCreate(t, 10_000)
	if err := env.engine.Release(id, env.depositor); err != nil {
		t.Fatalf("Release: %v", err)
	}
	stats, err = env.engine.GetAgentStats(env.depositor)
	if err != nil {
		t.Fatalf("GetAgentStats: %v", err)
	}
	if stats.Reputation != 1 {
		t.Fatalf("expected reputation 1, got %d", stats.Reputation)
	}
	if stats.CurrentFeeBps != 49 {
		t.Fatalf("expected 49 bps at reputation 1, got %d", stats.CurrentFeeBps)
	}
}

func TestQuoteFee(t *testing.T) {
	env := newTestEnv(t)
	quote, err := env.engine.QuoteFee(env.depositor, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("QuoteFee: %v", err)
	}
	if quote.Fee.Cmp(big.NewInt(5_000)) != 0 || quote.Net.Cmp(big.NewInt(995_000)) != 0 {
		t.Fatalf("unexpected quote %+v", quote)
	}
}
