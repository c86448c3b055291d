package bank

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"escrowd/crypto"
)

// GenesisAllocation seeds a single account balance at startup.
type GenesisAllocation struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

// GenesisFile is the on-disk shape of the allocation manifest.
type GenesisFile struct {
	Allocations []GenesisAllocation `yaml:"allocations"`
}

// LoadGenesis parses an allocation manifest from disk.
func LoadGenesis(path string) (*GenesisFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bank: read genesis file: %w", err)
	}
	var file GenesisFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("bank: parse genesis file: %w", err)
	}
	return &file, nil
}

// Seed credits every allocation into the ledger. Balances parse as base-10
// integers; blank entries are rejected rather than skipped so configuration
// mistakes surface at startup.
func (l *TokenLedger) Seed(file *GenesisFile) error {
	if file == nil {
		return nil
	}
	for i, alloc := range file.Allocations {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return fmt.Errorf("bank: allocation %d: %w", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("bank: allocation %d: invalid balance %q", i, alloc.Balance)
		}
		if err := l.Credit(addr, balance); err != nil {
			return fmt.Errorf("bank: allocation %d: %w", i, err)
		}
	}
	return nil
}
