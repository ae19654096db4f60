package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trickortreatsol/treatz/engine/pkg/entropy"
	"github.com/trickortreatsol/treatz/engine/pkg/fairness"
	"github.com/trickortreatsol/treatz/engine/pkg/ledger"
	"github.com/trickortreatsol/treatz/engine/pkg/metrics"
)

// Store is the slice of the ledger the manager drives.
type Store interface {
	CurrentRound(ctx context.Context) (*ledger.Round, error)
	OpenNextRound(ctx context.Context, p ledger.OpenRoundParams) (*ledger.Round, error)
	FinalizeRound(ctx context.Context, f ledger.RoundFinalize) error
	RoundSecret(ctx context.Context, roundID string) (string, error)
	EntriesForRound(ctx context.Context, roundID string) ([]ledger.Entry, error)
	CreditsAtLeast(ctx context.Context, min int64) ([]ledger.Credit, error)
	SweepCredit(ctx context.Context, p ledger.SweepCreditParams) error
}

// SlotReader reads the chain's current slot for anchoring the next round's
// entropy target. Errors are tolerated; the target degrades to zero.
type SlotReader interface {
	CurrentSlot(ctx context.Context) (uint64, error)
}

// EntropySource resolves the settlement entropy for a round. It never fails.
type EntropySource interface {
	Resolve(ctx context.Context, targetSlot uint64) entropy.Result
}

// PayoutExecutor sends the jackpot split when a round settles with a winner.
type PayoutExecutor interface {
	PayJackpotSplit(ctx context.Context, winner string, winnerAmount, devAmount, burnAmount int64) (string, error)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   Store
	Chain   SlotReader
	Entropy EntropySource
	Payout  PayoutExecutor

	// RoundDuration is the OPEN window of each round.
	RoundDuration time.Duration
	// MaxSleep bounds each wait on the close deadline so shutdown and clock
	// anomalies are observed promptly.
	MaxSleep time.Duration
	// RetryBackoff is the pause after a failed iteration.
	RetryBackoff time.Duration

	// DevPct and BurnPct are integer percentages of the pot; the winner takes
	// the rest including any rounding remainder.
	DevPct  int64
	BurnPct int64

	// TicketPrice is the token amount of one raffle ticket, used for the
	// credit sweep on reopen.
	TicketPrice int64

	// SlotsPerMinute estimates chain progress when computing a round's
	// entropy target slot.
	SlotsPerMinute uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Entropy == nil {
		return errors.New("entropy source is required")
	}
	if cfg.Payout == nil {
		return errors.New("payout executor is required")
	}
	if cfg.TicketPrice <= 0 {
		return errors.New("ticket price must be greater than 0")
	}
	if cfg.DevPct < 0 || cfg.BurnPct < 0 || cfg.DevPct+cfg.BurnPct > 100 {
		return errors.New("dev and burn percentages must be within 0-100 combined")
	}
	if cfg.RoundDuration <= 0 {
		cfg.RoundDuration = 30 * time.Minute
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = 15 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Second
	}
	if cfg.SlotsPerMinute == 0 {
		cfg.SlotsPerMinute = 150
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager owns the round lifecycle: it keeps exactly one round OPEN, settles
// it once its close time passes, and opens the successor. It must run as a
// single instance per deployment; two managers would race on round creation.
type Manager struct {
	log *slog.Logger
	cfg Config

	closeMu sync.Mutex
	wg      sync.WaitGroup
}

func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Start launches the scheduling loop. The loop wakes at the current round's
// close deadline (bounded per iteration), settles due rounds, and never
// terminates on iteration failure.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.log.Info("round: starting scheduler", "duration", m.cfg.RoundDuration, "max_sleep", m.cfg.MaxSleep)

		for {
			wait := m.safeTick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-m.cfg.Clock.After(wait):
			}
		}
	}()
}

// Wait blocks until the scheduling loop has exited. An in-flight
// close-and-reopen finishes before the loop observes cancellation.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// safeTick runs one iteration and reports how long to sleep before the next.
func (m *Manager) safeTick(ctx context.Context) (wait time.Duration) {
	wait = m.cfg.RetryBackoff
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("round: iteration panicked", "panic", r)
			metrics.SchedulerIterationsTotal.WithLabelValues("panic").Inc()
			wait = m.cfg.RetryBackoff
		}
	}()

	next, err := m.Tick(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		m.log.Error("round: iteration failed", "error", err)
		metrics.SchedulerIterationsTotal.WithLabelValues("error").Inc()
		return m.cfg.RetryBackoff
	}
	metrics.SchedulerIterationsTotal.WithLabelValues("success").Inc()
	return next
}

// Tick ensures an OPEN round exists, settles it if due, and returns the time
// until the next wake-up, capped at MaxSleep.
func (m *Manager) Tick(ctx context.Context) (time.Duration, error) {
	round, err := m.cfg.Store.CurrentRound(ctx)
	if errors.Is(err, ledger.ErrNotFound) {
		round, err = m.openRound(ctx, m.cfg.Clock.Now().UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to open first round: %w", err)
		}
		m.log.Info("round: opened first round", "round_id", round.ID, "closes_at", round.ClosesAt)
	} else if err != nil {
		return 0, fmt.Errorf("failed to load current round: %w", err)
	}

	now := m.cfg.Clock.Now().UTC()
	if now.Before(round.ClosesAt) {
		return min(round.ClosesAt.Sub(now), m.cfg.MaxSleep), nil
	}

	next, err := m.CloseAndReopen(ctx, round)
	if err != nil {
		return 0, err
	}
	return min(next.ClosesAt.Sub(m.cfg.Clock.Now().UTC()), m.cfg.MaxSleep), nil
}

// CloseAndReopen settles the given round, opens its successor, and sweeps
// stored credits onto the new round. It is one logical operation; partial
// progress (entropy resolved, payout failed) is preserved through ledger
// markers rather than retried here.
func (m *Manager) CloseAndReopen(ctx context.Context, round *ledger.Round) (*ledger.Round, error) {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	closeStart := time.Now()
	defer func() {
		metrics.RoundCloseDuration.Observe(time.Since(closeStart).Seconds())
	}()

	// A previous attempt may have settled this round and then failed before
	// its successor was committed, leaving the pointer on a SETTLED round.
	// Resume from the reopen; re-running settlement would re-draw and could
	// pay the jackpot a second time.
	if round.Status != ledger.RoundOpen {
		m.log.Warn("round: current round already settled, resuming reopen", "round_id", round.ID)
		return m.reopenAfter(ctx, round)
	}

	entries, err := m.cfg.Store.EntriesForRound(ctx, round.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for round %s: %w", round.ID, err)
	}

	secret, err := m.cfg.Store.RoundSecret(ctx, round.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		// Should not happen: the secret is committed when the round opens.
		// Generate a replacement so settlement can proceed, at the cost of a
		// reveal that no longer matches the published hash.
		secret, err = fairness.NewSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate fallback secret for round %s: %w", round.ID, err)
		}
		m.log.Error("round: committed secret missing, settling with unverifiable fallback", "round_id", round.ID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load secret for round %s: %w", round.ID, err)
	}

	ent := m.cfg.Entropy.Resolve(ctx, round.FinalizeSlot)

	fin := ledger.RoundFinalize{
		ID:            round.ID,
		ServerSeed:    secret,
		Entropy:       ent.Value,
		EntropySource: ent.Source,
	}

	drawEntries := make([]fairness.Entry, len(entries))
	for i, e := range entries {
		drawEntries[i] = fairness.Entry{Wallet: e.Wallet, Tickets: e.Tickets}
	}

	winner, drawn := fairness.WeightedDraw(secret, ent.Value, round.ID, drawEntries)
	if round.Pot > 0 && drawn {
		winnerShare, devShare, burnShare := fairness.Split(round.Pot, m.cfg.DevPct, m.cfg.BurnPct)
		fin.Winner = &winner
		fin.Split = fmt.Sprintf("%d:%d:%d", winnerShare, devShare, burnShare)

		payoutSig, err := m.cfg.Payout.PayJackpotSplit(ctx, winner, winnerShare, devShare, burnShare)
		if err != nil {
			m.log.Error("round: jackpot payout failed", "round_id", round.ID, "winner", winner, "pot", round.Pot, "error", err)
			metrics.PayoutFailuresTotal.WithLabelValues("jackpot").Inc()
			fin.PayoutErr = err.Error()
		} else {
			fin.PayoutSig = &payoutSig
		}
	} else {
		m.log.Info("round: settling without a draw", "round_id", round.ID, "pot", round.Pot, "entries", len(entries))
	}

	err = m.cfg.Store.FinalizeRound(ctx, fin)
	if errors.Is(err, ledger.ErrDuplicate) {
		m.log.Warn("round: already settled elsewhere", "round_id", round.ID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to finalize round %s: %w", round.ID, err)
	}

	outcome := "no_winner"
	if fin.Winner != nil {
		outcome = "winner"
	}
	metrics.RoundsSettledTotal.WithLabelValues(outcome).Inc()
	m.log.Info("round: settled",
		"round_id", round.ID, "pot", round.Pot, "entries", len(entries),
		"winner", winner, "entropy_source", ent.Source, "entropy_slot", ent.Slot)

	return m.reopenAfter(ctx, round)
}

// reopenAfter opens the settled round's successor and sweeps credits onto
// it.
func (m *Manager) reopenAfter(ctx context.Context, round *ledger.Round) (*ledger.Round, error) {
	next, err := m.openRound(ctx, round.ClosesAt)
	if err != nil {
		return nil, fmt.Errorf("failed to open round after %s: %w", round.ID, err)
	}
	m.log.Info("round: opened", "round_id", next.ID, "opens_at", next.OpensAt, "closes_at", next.ClosesAt, "finalize_slot", next.FinalizeSlot)

	m.sweepCredits(ctx, next)

	return next, nil
}

// openRound commits a fresh secret and inserts the next OPEN round. The round
// opens at opensAt or now, whichever is later, so a scheduler that was down
// across several close deadlines does not open rounds entirely in the past.
func (m *Manager) openRound(ctx context.Context, opensAt time.Time) (*ledger.Round, error) {
	now := m.cfg.Clock.Now().UTC()
	if opensAt.Before(now.Add(-m.cfg.RoundDuration)) {
		opensAt = now
	}

	secret, err := fairness.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate round secret: %w", err)
	}
	clientSeed, err := fairness.NewClientSeed()
	if err != nil {
		return nil, fmt.Errorf("failed to generate round client seed: %w", err)
	}

	var finalizeSlot uint64
	if m.cfg.Chain != nil {
		slot, err := m.cfg.Chain.CurrentSlot(ctx)
		if err != nil {
			// Entropy degrades through its fallback chain when the target is
			// unusable; the round still opens.
			m.log.Warn("round: failed to read current slot for entropy target", "error", err)
		} else {
			finalizeSlot = slot + uint64(m.cfg.RoundDuration.Minutes()*float64(m.cfg.SlotsPerMinute))
		}
	}

	return m.cfg.Store.OpenNextRound(ctx, ledger.OpenRoundParams{
		OpensAt:        opensAt,
		ClosesAt:       opensAt.Add(m.cfg.RoundDuration),
		ClientSeed:     clientSeed,
		ServerSeedHash: fairness.Commit(secret),
		ServerSeed:     secret,
		FinalizeSlot:   finalizeSlot,
	})
}

// sweepCredits converts every stored credit balance of at least one ticket
// into an entry on the new round. Sweep failures are logged per wallet and do
// not abort the reopen; the balance stays in place for the next sweep.
func (m *Manager) sweepCredits(ctx context.Context, round *ledger.Round) {
	credits, err := m.cfg.Store.CreditsAtLeast(ctx, m.cfg.TicketPrice)
	if err != nil {
		m.log.Error("round: failed to load credits for sweep", "round_id", round.ID, "error", err)
		return
	}

	for _, c := range credits {
		tickets := c.Balance / m.cfg.TicketPrice
		remainder := c.Balance - tickets*m.cfg.TicketPrice

		err := m.cfg.Store.SweepCredit(ctx, ledger.SweepCreditParams{
			Wallet:    c.Wallet,
			RoundID:   round.ID,
			Tickets:   tickets,
			PotDelta:  tickets * m.cfg.TicketPrice,
			Remainder: remainder,
			TxSig:     fmt.Sprintf("SWEEP:%s:%s", round.ID, c.Wallet),
		})
		if errors.Is(err, ledger.ErrDuplicate) {
			continue
		}
		if err != nil {
			m.log.Error("round: credit sweep failed", "round_id", round.ID, "wallet", c.Wallet, "balance", c.Balance, "error", err)
			continue
		}
		m.log.Info("round: swept credit", "round_id", round.ID, "wallet", c.Wallet, "tickets", tickets, "remainder", remainder)
	}
}
