package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"commitpay/ledger"
)

// gasMarginPercent is the fixed safety margin added to the gas estimate.
const gasMarginPercent = 10

// ErrBatchReverted indicates the allocation transaction was mined but failed.
var ErrBatchReverted = errors.New("chain: allocation transaction reverted")

// AllocatorConfig captures the dependencies for batch submission.
type AllocatorConfig struct {
	Client         EVMClient
	Vault          common.Address
	SignerKey      *ecdsa.PrivateKey
	ChainID        *big.Int
	TokenDecimals  int32
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// Allocator submits one batched allocation per settlement run and blocks
// until the vault confirms inclusion. Any failure aborts the whole batch:
// from the caller's perspective nothing happened and every entry stays
// pending. Retry is the next run's responsibility, never this component's.
type Allocator struct {
	client         EVMClient
	vault          common.Address
	signerKey      *ecdsa.PrivateKey
	signerAddr     common.Address
	chainID        *big.Int
	tokenDecimals  int32
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

// NewAllocator validates the configuration and builds an allocator.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("chain: evm client required")
	}
	if (cfg.Vault == common.Address{}) {
		return nil, fmt.Errorf("chain: vault address required")
	}
	if cfg.SignerKey == nil {
		return nil, fmt.Errorf("chain: signer key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		client:         cfg.Client,
		vault:          cfg.Vault,
		signerKey:      cfg.SignerKey,
		signerAddr:     crypto.PubkeyToAddress(cfg.SignerKey.PublicKey),
		chainID:        new(big.Int).Set(cfg.ChainID),
		tokenDecimals:  cfg.TokenDecimals,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
		logger:         logger,
	}, nil
}

// SubmitBatch converts the aggregated debts into one allocateBatch call,
// submits it, and blocks until the transaction is mined successfully.
func (a *Allocator) SubmitBatch(ctx context.Context, debts []ledger.RecipientDebt) (*AllocationBatch, error) {
	allocations, err := BuildAllocations(debts, a.tokenDecimals)
	if err != nil {
		return nil, err
	}
	data, err := packAllocateBatch(allocations)
	if err != nil {
		return nil, err
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.signerAddr)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	estimate, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.signerAddr,
		To:   &a.vault,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: estimate gas: %w", err)
	}
	gasLimit := estimate + estimate*gasMarginPercent/100

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &a.vault,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(a.chainID), a.signerKey)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transaction: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: send transaction: %w", err)
	}

	txHash := signed.Hash()
	a.logger.Info("allocation batch submitted",
		"tx", txHash.Hex(),
		"recipients", len(allocations),
		"gas_limit", gasLimit,
	)
	if err := a.waitMined(ctx, txHash); err != nil {
		return nil, err
	}
	return &AllocationBatch{
		Allocations: allocations,
		TxRef:       txHash.Hex(),
		GasLimit:    gasLimit,
	}, nil
}

// waitMined polls for the transaction receipt until it appears or the confirm
// timeout elapses.
func (a *Allocator) waitMined(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrBatchReverted, txHash.Hex())
			}
			return nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("chain: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: confirmation wait for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
