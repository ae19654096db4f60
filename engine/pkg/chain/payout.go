package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/trickortreatsol/treatz/engine/pkg/metrics"
	"github.com/trickortreatsol/treatz/utils/pkg/retry"
)

// PayoutRPC is the subset of the solana-go RPC client the executor uses.
type PayoutRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
}

type ExecutorConfig struct {
	Logger *slog.Logger
	RPC    PayoutRPC

	// Mint and Decimals describe the game token.
	Mint     solana.PublicKey
	Decimals uint8

	// GameVaultKey funds coin-flip payouts; JackpotVaultKey funds the round
	// split. Each vault is its own fee payer.
	GameVaultKey    solana.PrivateKey
	JackpotVaultKey solana.PrivateKey

	// DevWallet receives the dev share; BurnWallet receives the burn share
	// (conventionally the incinerator address).
	DevWallet  solana.PublicKey
	BurnWallet solana.PublicKey

	Commitment solanarpc.CommitmentType
	Retry      retry.Config
}

func (cfg *ExecutorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.GameVaultKey == nil {
		return errors.New("game vault key is required")
	}
	if cfg.JackpotVaultKey == nil {
		return errors.New("jackpot vault key is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Executor sends SPL payouts from the vaults. Recipient token accounts are
// created in the same transaction when missing, paid for by the vault.
type Executor struct {
	log *slog.Logger
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// transfer describes one leg of a payout transaction.
type transfer struct {
	recipient solana.PublicKey
	amount    int64
}

// PayCoinflip sends a winning wager payout from the game vault.
func (e *Executor) PayCoinflip(ctx context.Context, recipient string, amount int64) (string, error) {
	pub, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	sig, err := e.send(ctx, e.cfg.GameVaultKey, []transfer{{recipient: pub, amount: amount}})
	if err != nil {
		metrics.PayoutFailuresTotal.WithLabelValues("coinflip").Inc()
		return "", err
	}
	return sig, nil
}

// PayJackpotSplit sends the winner, dev, and burn shares from the jackpot
// vault in a single transaction. Legs with a zero amount or an unset
// destination are skipped.
func (e *Executor) PayJackpotSplit(ctx context.Context, winner string, winnerAmount, devAmount, burnAmount int64) (string, error) {
	pub, err := solana.PublicKeyFromBase58(winner)
	if err != nil {
		return "", fmt.Errorf("invalid winner %q: %w", winner, err)
	}

	transfers := []transfer{{recipient: pub, amount: winnerAmount}}
	if !e.cfg.DevWallet.IsZero() {
		transfers = append(transfers, transfer{recipient: e.cfg.DevWallet, amount: devAmount})
	}
	if !e.cfg.BurnWallet.IsZero() {
		transfers = append(transfers, transfer{recipient: e.cfg.BurnWallet, amount: burnAmount})
	}

	sig, err := e.send(ctx, e.cfg.JackpotVaultKey, transfers)
	if err != nil {
		metrics.PayoutFailuresTotal.WithLabelValues("jackpot").Inc()
		return "", err
	}
	return sig, nil
}

// send builds, signs, and submits one transaction moving the given transfers
// out of the vault's associated token account.
func (e *Executor) send(ctx context.Context, vaultKey solana.PrivateKey, transfers []transfer) (string, error) {
	vault := vaultKey.PublicKey()
	vaultATA, _, err := solana.FindAssociatedTokenAddress(vault, e.cfg.Mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive vault token account: %w", err)
	}

	var instructions []solana.Instruction
	for _, tr := range transfers {
		if tr.amount <= 0 {
			continue
		}
		recipientATA, _, err := solana.FindAssociatedTokenAddress(tr.recipient, e.cfg.Mint)
		if err != nil {
			return "", fmt.Errorf("failed to derive token account for %s: %w", tr.recipient, err)
		}

		exists, err := e.accountExists(ctx, recipientATA)
		if err != nil {
			return "", err
		}
		if !exists {
			instructions = append(instructions, ata.NewCreateInstruction(vault, tr.recipient, e.cfg.Mint).Build())
		}

		instructions = append(instructions, token.NewTransferCheckedInstruction(
			uint64(tr.amount), e.cfg.Decimals,
			vaultATA, e.cfg.Mint, recipientATA, vault, nil,
		).Build())
	}
	if len(instructions) == 0 {
		return "", errors.New("no transfers to send")
	}

	var sig solana.Signature
	err = retry.Do(ctx, e.cfg.Retry, func() error {
		blockhash, err := e.cfg.RPC.GetLatestBlockhash(ctx, e.cfg.Commitment)
		if err != nil {
			return fmt.Errorf("failed to get blockhash: %w", err)
		}

		tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(vault))
		if err != nil {
			return fmt.Errorf("failed to build transaction: %w", err)
		}
		_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(vault) {
				return &vaultKey
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}

		sig, err = e.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: e.cfg.Commitment,
		})
		if err != nil {
			return fmt.Errorf("failed to send transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	e.log.Info("chain: payout sent", "vault", vault, "legs", len(transfers), "signature", sig)
	return sig.String(), nil
}

func (e *Executor) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := e.cfg.RPC.GetAccountInfo(ctx, account)
	if errors.Is(err, solanarpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check account %s: %w", account, err)
	}
	return true, nil
}
