package bank

import (
	"errors"
	"fmt"
	"math/big"

	"escrowd/crypto"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the account
	// balance. Callers must treat any transfer error as a hard failure,
	// never as partial success.
	ErrInsufficientFunds = errors.New("bank: insufficient balance")
	errNilStore          = errors.New("bank: state not configured")
)

// Ledger is the external token-transfer capability the coordinator depends
// on. Transfer debits the coordinator's custodial vault; TransferFrom debits
// an arbitrary account that authorised the coordinator.
type Ledger interface {
	Transfer(to crypto.Address, amount *big.Int) error
	TransferFrom(from, to crypto.Address, amount *big.Int) error
	BalanceOf(addr crypto.Address) (*big.Int, error)
}

// storage abstracts the subset of state manager functionality required by the
// token ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Account holds the token balance for a single identity.
type Account struct {
	Balance *big.Int
}

func ensureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

var accountPrefix = []byte("bank/account/")

func accountKey(addr crypto.Address) []byte {
	raw := addr.Bytes()
	return []byte(fmt.Sprintf("%s%x", accountPrefix, raw[:]))
}

// TokenLedger is a single-asset ledger persisted through the state manager.
// It stands in for the production token system; the coordinator only ever
// sees the Ledger interface.
type TokenLedger struct {
	store storage
	vault crypto.Address
}

// NewTokenLedger constructs a ledger whose Transfer debits the supplied
// custodial vault address.
func NewTokenLedger(store storage, vault crypto.Address) *TokenLedger {
	return &TokenLedger{store: store, vault: vault}
}

// Vault returns the custodial account debited by Transfer.
func (l *TokenLedger) Vault() crypto.Address {
	if l == nil {
		return crypto.Address{}
	}
	return l.vault
}

func (l *TokenLedger) loadAccount(addr crypto.Address) (*Account, error) {
	if l == nil || l.store == nil {
		return nil, errNilStore
	}
	acc := &Account{}
	if _, err := l.store.KVGet(accountKey(addr), acc); err != nil {
		return nil, err
	}
	return ensureAccount(acc), nil
}

func (l *TokenLedger) storeAccount(addr crypto.Address, acc *Account) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	return l.store.KVPut(accountKey(addr), ensureAccount(acc))
}

// BalanceOf reports the current balance of an account. Unknown accounts
// resolve to zero.
func (l *TokenLedger) BalanceOf(addr crypto.Address) (*big.Int, error) {
	acc, err := l.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

// Transfer moves tokens out of the custodial vault.
func (l *TokenLedger) Transfer(to crypto.Address, amount *big.Int) error {
	if l == nil {
		return errNilStore
	}
	return l.TransferFrom(l.vault, to, amount)
}

// TransferFrom moves tokens between two arbitrary accounts. A zero amount is
// a no-op; negative amounts are rejected.
func (l *TokenLedger) TransferFrom(from, to crypto.Address, amount *big.Int) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount")
	}
	fromAcc, err := l.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	// A self-transfer would otherwise load two copies of the account and let
	// the credited copy overwrite the debit.
	if from == to {
		return nil
	}
	toAcc, err := l.loadAccount(to)
	if err != nil {
		return err
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := l.storeAccount(from, fromAcc); err != nil {
		return err
	}
	return l.storeAccount(to, toAcc)
}

// Credit adds tokens to an account outside of the transfer flow. It exists
// for genesis seeding and tests.
func (l *TokenLedger) Credit(addr crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: credit amount must be non-negative")
	}
	acc, err := l.loadAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return l.storeAccount(addr, acc)
}
