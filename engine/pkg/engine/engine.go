// Package engine wires the settlement components together: ledger store,
// chain reader and payout executor, entropy resolver, settlement processor,
// and the round lifecycle manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/trickortreatsol/treatz/engine/pkg/chain"
	"github.com/trickortreatsol/treatz/engine/pkg/entropy"
	"github.com/trickortreatsol/treatz/engine/pkg/ledger"
	"github.com/trickortreatsol/treatz/engine/pkg/round"
	"github.com/trickortreatsol/treatz/engine/pkg/settle"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *ledger.Store

	// ReaderRPC and PayoutRPC are the Solana RPC surfaces; typically both are
	// the same *rpc.Client.
	ReaderRPC chain.ReaderRPC
	PayoutRPC chain.PayoutRPC

	// Mint and Decimals describe the game token. A zero mint disables the
	// mint check on incoming deposits.
	Mint     solana.PublicKey
	Decimals uint8

	GameVaultKey    solana.PrivateKey
	JackpotVaultKey solana.PrivateKey
	DevWallet       solana.PublicKey
	BurnWallet      solana.PublicKey

	TicketPrice   int64
	WinMultiplier int64
	DevPct        int64
	BurnPct       int64

	RoundDuration  time.Duration
	SlotsPerMinute uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.ReaderRPC == nil {
		return errors.New("reader rpc is required")
	}
	if cfg.PayoutRPC == nil {
		return errors.New("payout rpc is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine owns the long-running settlement machinery. The HTTP surface feeds
// webhook events into Processor and reads through Store.
type Engine struct {
	log *slog.Logger
	cfg Config

	reader    *chain.Reader
	executor  *chain.Executor
	resolver  *entropy.Resolver
	processor *settle.Processor
	manager   *round.Manager
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reader, err := chain.NewReader(chain.ReaderConfig{
		Logger: cfg.Logger,
		RPC:    cfg.ReaderRPC,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chain reader: %w", err)
	}

	executor, err := chain.NewExecutor(chain.ExecutorConfig{
		Logger:          cfg.Logger,
		RPC:             cfg.PayoutRPC,
		Mint:            cfg.Mint,
		Decimals:        cfg.Decimals,
		GameVaultKey:    cfg.GameVaultKey,
		JackpotVaultKey: cfg.JackpotVaultKey,
		DevWallet:       cfg.DevWallet,
		BurnWallet:      cfg.BurnWallet,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payout executor: %w", err)
	}

	resolver, err := entropy.New(entropy.Config{
		Logger:  cfg.Logger,
		Chain:   reader,
		Entries: cfg.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create entropy resolver: %w", err)
	}

	mint := ""
	if !cfg.Mint.IsZero() {
		mint = cfg.Mint.String()
	}
	processor, err := settle.New(settle.Config{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		Store:         cfg.Store,
		Payout:        executor,
		GameVault:     cfg.GameVaultKey.PublicKey().String(),
		JackpotVault:  cfg.JackpotVaultKey.PublicKey().String(),
		Mint:          mint,
		TicketPrice:   cfg.TicketPrice,
		WinMultiplier: cfg.WinMultiplier,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement processor: %w", err)
	}

	manager, err := round.New(round.Config{
		Logger:         cfg.Logger,
		Clock:          cfg.Clock,
		Store:          cfg.Store,
		Chain:          reader,
		Entropy:        resolver,
		Payout:         executor,
		RoundDuration:  cfg.RoundDuration,
		DevPct:         cfg.DevPct,
		BurnPct:        cfg.BurnPct,
		TicketPrice:    cfg.TicketPrice,
		SlotsPerMinute: cfg.SlotsPerMinute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create round manager: %w", err)
	}

	return &Engine{
		log:       cfg.Logger,
		cfg:       cfg,
		reader:    reader,
		executor:  executor,
		resolver:  resolver,
		processor: processor,
		manager:   manager,
	}, nil
}

// Processor is the webhook event sink.
func (e *Engine) Processor() *settle.Processor {
	return e.processor
}

// Reader exposes chain reads for status surfaces.
func (e *Engine) Reader() *chain.Reader {
	return e.reader
}

// Start launches the round scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.manager.Start(ctx)
}

// Wait blocks until the scheduler has exited after cancellation.
func (e *Engine) Wait() {
	e.manager.Wait()
}

// Ready reports whether a current round exists, which the scheduler
// establishes on its first iteration.
func (e *Engine) Ready(ctx context.Context) bool {
	_, err := e.cfg.Store.CurrentRound(ctx)
	return err == nil
}

// VaultBalance returns the vault wallet's game-token balance by resolving
// its associated token account and reading it through the chain reader.
func (e *Engine) VaultBalance(ctx context.Context, vault string) (int64, error) {
	if e.cfg.Mint.IsZero() {
		return 0, errors.New("no mint configured")
	}
	owner, err := solana.PublicKeyFromBase58(vault)
	if err != nil {
		return 0, fmt.Errorf("invalid vault address %s: %w", vault, err)
	}
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(owner, e.cfg.Mint)
	if err != nil {
		return 0, fmt.Errorf("failed to derive token account for %s: %w", vault, err)
	}
	return e.reader.TokenBalance(ctx, tokenAccount)
}
