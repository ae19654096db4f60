// Package entropy resolves the external unpredictable value a jackpot draw
// is anchored to: a chain block hash near a slot committed at round open.
// The fallback chain is an ordered list of strategies; the final strategy
// always succeeds, so resolution degrades in trust but never fails.
package entropy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trickortreatsol/treatz/engine/pkg/metrics"
)

// ChainReader is the subset of chain RPC the resolver needs. BlockHash
// returns an error for skipped or unavailable slots.
type ChainReader interface {
	CurrentSlot(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, slot uint64) (string, error)
	LatestBlockHash(ctx context.Context) (string, error)
}

// EntryReader supplies the most recent ticket purchase signature, the
// second-to-last fallback tier.
type EntryReader interface {
	LastEntryTxSig(ctx context.Context) (string, error)
}

// Strategy names recorded for audit.
const (
	SourceExactSlot    = "exact_slot"
	SourceBackScan     = "back_scan"
	SourceForwardScan  = "forward_scan"
	SourceLatestBlock  = "latest_block"
	SourceLastEntrySig = "last_entry_sig"
	SourceLocalRandom  = "local_random"
)

// Result is the resolved entropy plus its provenance.
type Result struct {
	Value  string
	Source string
	// Slot is the effective slot when the value is block-derived, zero
	// otherwise.
	Slot uint64
}

type Config struct {
	Logger  *slog.Logger
	Chain   ChainReader
	Entries EntryReader

	// BackScanSlots and ForwardScanSlots bound the search window around the
	// target slot.
	BackScanSlots    uint64
	ForwardScanSlots uint64

	// CallTimeout bounds each individual chain call so a hung RPC advances
	// the fallback chain instead of blocking round close.
	CallTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain reader is required")
	}
	if cfg.BackScanSlots == 0 {
		cfg.BackScanSlots = 32
	}
	if cfg.ForwardScanSlots == 0 {
		cfg.ForwardScanSlots = 8
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return nil
}

type Resolver struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type strategy struct {
	name string
	run  func(ctx context.Context, targetSlot uint64) (value string, slot uint64, err error)
}

// strategies returns the ordered fallback chain. Keeping the order as data
// makes each tier independently testable.
func (r *Resolver) strategies() []strategy {
	return []strategy{
		{name: SourceExactSlot, run: r.exactSlot},
		{name: SourceBackScan, run: r.backScan},
		{name: SourceForwardScan, run: r.forwardScan},
		{name: SourceLatestBlock, run: r.latestBlock},
		{name: SourceLastEntrySig, run: r.lastEntrySig},
		{name: SourceLocalRandom, run: r.localRandom},
	}
}

// Resolve walks the fallback chain until a strategy produces a value. The
// local-random tier cannot fail, so a Result is always returned; reaching
// it means the draw loses chain anchoring, which is logged loudly rather
// than hidden.
func (r *Resolver) Resolve(ctx context.Context, targetSlot uint64) Result {
	for _, st := range r.strategies() {
		value, slot, err := st.run(ctx, targetSlot)
		if err != nil {
			r.log.Debug("entropy: strategy failed", "strategy", st.name, "target_slot", targetSlot, "error", err)
			continue
		}
		if st.name != SourceExactSlot {
			r.log.Warn("entropy: resolved via fallback", "strategy", st.name, "target_slot", targetSlot, "effective_slot", slot)
		}
		if st.name == SourceLocalRandom {
			r.log.Error("entropy: all chain strategies failed, using local randomness", "target_slot", targetSlot)
		}
		metrics.EntropySourceTotal.WithLabelValues(st.name).Inc()
		return Result{Value: value, Source: st.name, Slot: slot}
	}
	// Unreachable: localRandom never errors.
	return Result{}
}

func (r *Resolver) blockHash(ctx context.Context, slot uint64) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	hash, err := r.cfg.Chain.BlockHash(callCtx, slot)
	if err != nil {
		return "", err
	}
	if hash == "" {
		return "", fmt.Errorf("empty block hash for slot %d", slot)
	}
	return hash, nil
}

func (r *Resolver) exactSlot(ctx context.Context, targetSlot uint64) (string, uint64, error) {
	hash, err := r.blockHash(ctx, targetSlot)
	if err != nil {
		return "", 0, err
	}
	return hash, targetSlot, nil
}

func (r *Resolver) backScan(ctx context.Context, targetSlot uint64) (string, uint64, error) {
	for i := uint64(1); i <= r.cfg.BackScanSlots; i++ {
		if targetSlot < i {
			break
		}
		slot := targetSlot - i
		if hash, err := r.blockHash(ctx, slot); err == nil {
			return hash, slot, nil
		}
	}
	return "", 0, fmt.Errorf("no block within %d slots before %d", r.cfg.BackScanSlots, targetSlot)
}

func (r *Resolver) forwardScan(ctx context.Context, targetSlot uint64) (string, uint64, error) {
	for i := uint64(1); i <= r.cfg.ForwardScanSlots; i++ {
		slot := targetSlot + i
		if hash, err := r.blockHash(ctx, slot); err == nil {
			return hash, slot, nil
		}
	}
	return "", 0, fmt.Errorf("no block within %d slots after %d", r.cfg.ForwardScanSlots, targetSlot)
}

func (r *Resolver) latestBlock(ctx context.Context, _ uint64) (string, uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	hash, err := r.cfg.Chain.LatestBlockHash(callCtx)
	if err != nil {
		return "", 0, err
	}
	if hash == "" {
		return "", 0, errors.New("empty latest block hash")
	}
	return hash, 0, nil
}

func (r *Resolver) lastEntrySig(ctx context.Context, _ uint64) (string, uint64, error) {
	if r.cfg.Entries == nil {
		return "", 0, errors.New("no entry reader configured")
	}
	sig, err := r.cfg.Entries.LastEntryTxSig(ctx)
	if err != nil {
		return "", 0, err
	}
	return sig, 0, nil
}

func (r *Resolver) localRandom(_ context.Context, _ uint64) (string, uint64, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in a far worse state
		// than a missed draw; surface it as a panic like any broken
		// invariant.
		panic(fmt.Sprintf("entropy: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf), 0, nil
}
