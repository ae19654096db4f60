// Package chain wraps the Solana RPC surface the engine depends on: slot and
// block reads for entropy, token balance reads for vault status, and SPL
// payouts from the game and jackpot vaults.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/trickortreatsol/treatz/utils/pkg/retry"
)

// ReaderRPC is the subset of the solana-go RPC client the reader uses.
type ReaderRPC interface {
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
}

type ReaderConfig struct {
	Logger     *slog.Logger
	RPC        ReaderRPC
	Commitment solanarpc.CommitmentType
	Retry      retry.Config
}

func (cfg *ReaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Reader reads chain state. Transient RPC failures are retried with backoff;
// a missing block (skipped slot) is returned as-is so callers can move on to
// the next slot.
type Reader struct {
	log *slog.Logger
	cfg ReaderConfig
}

func NewReader(cfg ReaderConfig) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reader{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Reader) CurrentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		var err error
		slot, err = r.cfg.RPC.GetSlot(ctx, r.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get current slot: %w", err)
	}
	return slot, nil
}

func (r *Reader) BlockHash(ctx context.Context, slot uint64) (string, error) {
	rewards := false
	block, err := r.cfg.RPC.GetBlockWithOpts(ctx, slot, &solanarpc.GetBlockOpts{
		TransactionDetails:             solanarpc.TransactionDetailsNone,
		Rewards:                        &rewards,
		Commitment:                     r.cfg.Commitment,
		MaxSupportedTransactionVersion: &solanarpc.MaxSupportedTransactionVersion1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get block at slot %d: %w", slot, err)
	}
	if block == nil {
		return "", fmt.Errorf("no block at slot %d", slot)
	}
	return block.Blockhash.String(), nil
}

func (r *Reader) LatestBlockHash(ctx context.Context) (string, error) {
	var hash string
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		res, err := r.cfg.RPC.GetLatestBlockhash(ctx, r.cfg.Commitment)
		if err != nil {
			return err
		}
		hash = res.Value.Blockhash.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return hash, nil
}

// TokenBalance returns the base-unit balance of a token account.
func (r *Reader) TokenBalance(ctx context.Context, account solana.PublicKey) (int64, error) {
	var balance int64
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		res, err := r.cfg.RPC.GetTokenAccountBalance(ctx, account, r.cfg.Commitment)
		if err != nil {
			return err
		}
		balance, err = strconv.ParseInt(res.Value.Amount, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse balance %q: %w", res.Value.Amount, err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get token balance for %s: %w", account, err)
	}
	return balance, nil
}
