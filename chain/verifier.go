package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// toleranceDenominator sets the relative verification tolerance at 1%: the
// observed claimable balance may deviate from the expected amount by at most
// expected/toleranceDenominator, absorbing fixed-point conversion dust.
const toleranceDenominator = 100

// UserRewardInfo mirrors the vault's cumulative per-account accounting.
type UserRewardInfo struct {
	TotalAllocated *big.Int `json:"totalAllocated"`
	TotalClaimed   *big.Int `json:"totalClaimed"`
	Claimable      *big.Int `json:"claimable"`
}

// Verifier re-reads authoritative vault state after a confirmed batch. It
// deliberately ignores the just-submitted transaction's local result: a fresh
// read tolerates a stale in-process view and catches silent state divergence.
type Verifier struct {
	client EVMClient
	vault  common.Address
	logger *slog.Logger
}

// NewVerifier builds a verifier bound to the vault contract.
func NewVerifier(client EVMClient, vault common.Address, logger *slog.Logger) (*Verifier, error) {
	if client == nil {
		return nil, fmt.Errorf("chain: evm client required")
	}
	if (vault == common.Address{}) {
		return nil, fmt.Errorf("chain: vault address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{client: client, vault: vault, logger: logger}, nil
}

// Verify reports whether the address's on-chain claimable balance matches the
// expected base-unit amount within tolerance. Read failures and mismatches
// both return false: either way the entries must not be marked claimable.
func (v *Verifier) Verify(ctx context.Context, addr common.Address, expected *big.Int) bool {
	if expected == nil || expected.Sign() <= 0 {
		v.logger.Warn("verification skipped for non-positive expectation", "address", addr.Hex())
		return false
	}
	claimable, err := v.ClaimableAmount(ctx, addr)
	if err != nil {
		v.logger.Warn("claimable balance read failed", "address", addr.Hex(), "err", err)
		return false
	}
	if !withinTolerance(claimable, expected) {
		v.logger.Warn("claimable balance outside tolerance",
			"address", addr.Hex(),
			"expected", expected.String(),
			"claimable", claimable.String(),
		)
		return false
	}
	return true
}

// ClaimableAmount reads the authoritative claimable balance for an address.
func (v *Verifier) ClaimableAmount(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := vaultABI.Pack("getClaimableAmount", addr)
	if err != nil {
		return nil, fmt.Errorf("chain: pack getClaimableAmount: %w", err)
	}
	out, err := v.client.CallContract(ctx, ethereum.CallMsg{To: &v.vault, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call getClaimableAmount: %w", err)
	}
	values, err := vaultABI.Unpack("getClaimableAmount", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack getClaimableAmount: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("chain: unexpected getClaimableAmount arity %d", len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected getClaimableAmount type %T", values[0])
	}
	return amount, nil
}

// UserRewardInfo reads the vault's cumulative allocation record for an
// address. Used for audits of invariant "settled never exceeds allocated".
func (v *Verifier) UserRewardInfo(ctx context.Context, addr common.Address) (*UserRewardInfo, error) {
	data, err := vaultABI.Pack("getUserRewardInfo", addr)
	if err != nil {
		return nil, fmt.Errorf("chain: pack getUserRewardInfo: %w", err)
	}
	out, err := v.client.CallContract(ctx, ethereum.CallMsg{To: &v.vault, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call getUserRewardInfo: %w", err)
	}
	values, err := vaultABI.Unpack("getUserRewardInfo", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack getUserRewardInfo: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("chain: unexpected getUserRewardInfo arity %d", len(values))
	}
	info := &UserRewardInfo{}
	fields := []**big.Int{&info.TotalAllocated, &info.TotalClaimed, &info.Claimable}
	for i, value := range values {
		amount, ok := value.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("chain: unexpected getUserRewardInfo type %T", value)
		}
		*fields[i] = amount
	}
	return info, nil
}

func withinTolerance(observed, expected *big.Int) bool {
	diff := new(big.Int).Sub(observed, expected)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(toleranceDenominator))
	return diff.Cmp(expected) <= 0
}
