// Package chain talks to the external reward vault contract: one batched
// allocation call per settlement run plus authoritative balance reads for
// verification.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"commitpay/ledger"
)

const vaultABIJSON = `[
	{"name":"allocateBatch","type":"function","stateMutability":"nonpayable","inputs":[{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]},
	{"name":"getClaimableAmount","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"getUserRewardInfo","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"totalAllocated","type":"uint256"},{"name":"totalClaimed","type":"uint256"},{"name":"claimable","type":"uint256"}]}
]`

var vaultABI = mustParseVaultABI()

func mustParseVaultABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: parse vault abi: %v", err))
	}
	return parsed
}

// Allocation is one validated {address, amount} tuple bound for the vault.
// Parallel arrays are only materialised at the ABI boundary so recipients and
// amounts can never drift out of pairing.
type Allocation struct {
	RecipientID uuid.UUID
	Handle      string
	Address     common.Address
	// Amount is the off-chain decimal total aggregated for this run.
	Amount decimal.Decimal
	// BaseUnits is Amount scaled to the vault token's decimals.
	BaseUnits *big.Int
	EntryIDs  []uuid.UUID
}

// AllocationBatch is the materialised argument list for one vault call plus
// the resulting transaction reference. It exists only for one run.
type AllocationBatch struct {
	Allocations []Allocation
	TxRef       string
	GasLimit    uint64
}

// ToBaseUnits converts an off-chain decimal amount to the vault token's base
// units, truncating toward zero. Truncation is deterministic and the lost
// dust stays within the verifier's tolerance.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("chain: amount must be positive, got %s", amount)
	}
	units := amount.Shift(decimals).BigInt()
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("chain: amount %s rounds to zero base units", amount)
	}
	return units, nil
}

// FromBaseUnits converts base units back to the off-chain decimal scale.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// BuildAllocations validates each debt tuple and converts amounts to base
// units, preserving input order.
func BuildAllocations(debts []ledger.RecipientDebt, decimals int32) ([]Allocation, error) {
	if len(debts) == 0 {
		return nil, fmt.Errorf("chain: empty debt list")
	}
	allocations := make([]Allocation, 0, len(debts))
	for _, debt := range debts {
		if !common.IsHexAddress(debt.WalletAddress) {
			return nil, fmt.Errorf("chain: recipient %s has invalid wallet address %q", debt.Handle, debt.WalletAddress)
		}
		units, err := ToBaseUnits(debt.PendingTotal, decimals)
		if err != nil {
			return nil, fmt.Errorf("chain: recipient %s: %w", debt.Handle, err)
		}
		allocations = append(allocations, Allocation{
			RecipientID: debt.RecipientID,
			Handle:      debt.Handle,
			Address:     common.HexToAddress(debt.WalletAddress),
			Amount:      debt.PendingTotal,
			BaseUnits:   units,
			EntryIDs:    debt.EntryIDs,
		})
	}
	return allocations, nil
}

func packAllocateBatch(allocations []Allocation) ([]byte, error) {
	addresses := make([]common.Address, len(allocations))
	amounts := make([]*big.Int, len(allocations))
	for i, alloc := range allocations {
		addresses[i] = alloc.Address
		amounts[i] = alloc.BaseUnits
	}
	data, err := vaultABI.Pack("allocateBatch", addresses, amounts)
	if err != nil {
		return nil, fmt.Errorf("chain: pack allocateBatch: %w", err)
	}
	return data, nil
}
