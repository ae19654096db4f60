// Package settle applies at-least-once-delivered payment confirmation
// events to the ledger with at-most-once financial effect. Idempotency
// rests on two ledger guards: the PENDING-only bet settlement update and
// the unique payment signature on entries.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/trickortreatsol/treatz/engine/pkg/fairness"
	"github.com/trickortreatsol/treatz/engine/pkg/ledger"
	"github.com/trickortreatsol/treatz/engine/pkg/metrics"
)

// Event is one payment confirmation as delivered by the event source.
// Delivery is at-least-once and unordered.
type Event struct {
	Memo        string
	Signature   string
	Amount      int64
	Source      string
	Destination string
	Mint        string
}

// Store is the ledger surface the processor mutates.
type Store interface {
	GetBet(ctx context.Context, id string) (*ledger.Bet, error)
	BetSecret(ctx context.Context, betID string) (string, error)
	SettleBet(ctx context.Context, st ledger.BetSettlement) error
	SetBetPayout(ctx context.Context, betID, payoutSig string) error
	MarkBetPayoutError(ctx context.Context, betID, msg string) error
	MarkShortDeposit(ctx context.Context, betID string, amount int64, txSig string) error

	GetRound(ctx context.Context, id string) (*ledger.Round, error)
	CurrentRound(ctx context.Context) (*ledger.Round, error)
	AddEntry(ctx context.Context, p ledger.AddEntryParams) error
}

// PayoutExecutor moves funds; any failure is non-fatal to settlement.
type PayoutExecutor interface {
	PayCoinflip(ctx context.Context, recipient string, amount int64) (string, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
	Payout PayoutExecutor

	// GameVault and JackpotVault are the deposit destinations for wagers
	// and raffle tickets; events addressed elsewhere are ignored.
	GameVault    string
	JackpotVault string
	// Mint restricts processing to deposits of the game token. Empty
	// disables the check (native deposits).
	Mint string

	TicketPrice   int64
	WinMultiplier int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Payout == nil {
		return errors.New("payout executor is required")
	}
	if cfg.TicketPrice <= 0 {
		return errors.New("ticket price must be greater than 0")
	}
	if cfg.WinMultiplier <= 0 {
		return errors.New("win multiplier must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Processor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// HandleEvent interprets one payment confirmation. A nil return means the
// event is fully absorbed (including the ignore and duplicate cases); an
// error means a ledger or infrastructure failure the source may redeliver.
func (p *Processor) HandleEvent(ctx context.Context, ev Event) error {
	if p.cfg.Mint != "" && ev.Mint != p.cfg.Mint {
		p.log.Debug("settle: ignoring event in wrong asset", "mint", ev.Mint, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "ignored").Inc()
		return nil
	}

	switch {
	case strings.HasPrefix(ev.Memo, "BET:"):
		return p.handleWager(ctx, ev)
	case ev.Memo == "JP" || strings.HasPrefix(ev.Memo, "JP:"):
		return p.handleRaffle(ctx, ev)
	default:
		p.log.Debug("settle: ignoring event with unknown memo", "memo", ev.Memo, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "ignored").Inc()
		return nil
	}
}

// handleWager settles a coin-flip bet on its first adequate deposit.
func (p *Processor) handleWager(ctx context.Context, ev Event) error {
	if p.cfg.GameVault != "" && ev.Destination != p.cfg.GameVault {
		p.log.Debug("settle: wager deposit to wrong vault", "destination", ev.Destination, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("bet", "ignored").Inc()
		return nil
	}

	parts := strings.Split(ev.Memo, ":")
	if len(parts) != 3 {
		p.log.Debug("settle: malformed bet memo", "memo", ev.Memo, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("bet", "ignored").Inc()
		return nil
	}
	betID := parts[1]
	if _, ok := fairness.ParseSide(parts[2]); !ok {
		p.log.Debug("settle: malformed bet memo side", "memo", ev.Memo, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("bet", "ignored").Inc()
		return nil
	}

	bet, err := p.cfg.Store.GetBet(ctx, betID)
	if errors.Is(err, ledger.ErrNotFound) {
		p.log.Debug("settle: deposit for unknown bet", "bet_id", betID, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("bet", "ignored").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load bet %s: %w", betID, err)
	}

	if bet.Status == ledger.BetSettled {
		p.log.Debug("settle: duplicate confirmation for settled bet", "bet_id", betID, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("bet", "duplicate").Inc()
		return nil
	}

	if ev.Amount < bet.Wager {
		// Underfunded deposit: record and wait. Top-ups do not accumulate;
		// a later single deposit covering the full wager settles the bet.
		p.log.Warn("settle: short deposit", "bet_id", betID, "amount", ev.Amount, "wager", bet.Wager, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("bet", "short").Inc()
		return p.cfg.Store.MarkShortDeposit(ctx, betID, ev.Amount, ev.Signature)
	}

	secret, err := p.cfg.Store.BetSecret(ctx, betID)
	if err != nil {
		return fmt.Errorf("failed to load secret for bet %s: %w", betID, err)
	}

	result := fairness.CoinflipOutcome(secret, ev.Signature, bet.ClientSeed)
	win := string(result) == bet.Side

	err = p.cfg.Store.SettleBet(ctx, ledger.BetSettlement{
		ID:        betID,
		Wallet:    ev.Source,
		Result:    string(result),
		Win:       win,
		Reveal:    secret,
		TxSig:     ev.Signature,
		SettledAt: p.cfg.Clock.Now().UTC(),
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		// Lost the race against a concurrent redelivery; the other copy
		// settled the bet.
		p.log.Debug("settle: bet settled concurrently", "bet_id", betID, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("bet", "duplicate").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to settle bet %s: %w", betID, err)
	}

	p.log.Info("settle: bet settled",
		"bet_id", betID, "side", bet.Side, "result", result, "win", win,
		"wager", bet.Wager, "signature", ev.Signature)
	metrics.BetsSettledTotal.WithLabelValues(string(result)).Inc()
	metrics.WebhookEventsTotal.WithLabelValues("bet", "ok").Inc()

	if !win {
		return nil
	}

	amount := bet.Wager * p.cfg.WinMultiplier
	payoutSig, err := p.cfg.Payout.PayCoinflip(ctx, ev.Source, amount)
	if err != nil {
		// Settlement stands; the payout is reconciled out of band.
		p.log.Error("settle: coinflip payout failed", "bet_id", betID, "recipient", ev.Source, "amount", amount, "error", err)
		metrics.PayoutFailuresTotal.WithLabelValues("coinflip").Inc()
		return p.cfg.Store.MarkBetPayoutError(ctx, betID, err.Error())
	}

	if err := p.cfg.Store.SetBetPayout(ctx, betID, payoutSig); err != nil {
		return fmt.Errorf("failed to record payout for bet %s: %w", betID, err)
	}
	p.log.Info("settle: coinflip payout sent", "bet_id", betID, "recipient", ev.Source, "amount", amount, "payout_sig", payoutSig)
	return nil
}

// handleRaffle converts a jackpot deposit into tickets plus credit.
func (p *Processor) handleRaffle(ctx context.Context, ev Event) error {
	if p.cfg.JackpotVault != "" && ev.Destination != p.cfg.JackpotVault {
		p.log.Debug("settle: raffle deposit to wrong vault", "destination", ev.Destination, "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("raffle", "ignored").Inc()
		return nil
	}
	if ev.Amount <= 0 {
		metrics.WebhookEventsTotal.WithLabelValues("raffle", "ignored").Inc()
		return nil
	}

	round, err := p.resolveRound(ctx, ev.Memo)
	if err != nil {
		return err
	}

	tickets := ev.Amount / p.cfg.TicketPrice
	remainder := ev.Amount - tickets*p.cfg.TicketPrice

	err = p.cfg.Store.AddEntry(ctx, ledger.AddEntryParams{
		RoundID:   round.ID,
		Wallet:    ev.Source,
		Tickets:   tickets,
		TxSig:     ev.Signature,
		PotDelta:  tickets * p.cfg.TicketPrice,
		Remainder: remainder,
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		p.log.Debug("settle: duplicate raffle deposit", "signature", ev.Signature)
		metrics.WebhookEventsTotal.WithLabelValues("raffle", "duplicate").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record raffle entry %s: %w", ev.Signature, err)
	}

	p.log.Info("settle: raffle deposit recorded",
		"round_id", round.ID, "wallet", ev.Source, "amount", ev.Amount,
		"tickets", tickets, "remainder", remainder, "signature", ev.Signature)
	metrics.WebhookEventsTotal.WithLabelValues("raffle", "ok").Inc()
	return nil
}

// resolveRound picks the round a raffle deposit belongs to: the memo's
// round when it names one that is still open, otherwise the current round.
func (p *Processor) resolveRound(ctx context.Context, memo string) (*ledger.Round, error) {
	parts := strings.Split(memo, ":")
	if len(parts) >= 2 && parts[1] != "" {
		round, err := p.cfg.Store.GetRound(ctx, parts[1])
		if err == nil && round.Status == ledger.RoundOpen {
			return round, nil
		}
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("failed to load round %s: %w", parts[1], err)
		}
		p.log.Debug("settle: raffle memo names unusable round, using current", "memo_round", parts[1])
	}

	round, err := p.cfg.Store.CurrentRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current round: %w", err)
	}
	if round.Status != ledger.RoundOpen {
		// The pointer briefly lags settlement during close-and-reopen; fail
		// the event so the sender redelivers once the successor is open.
		return nil, fmt.Errorf("current round %s is not open", round.ID)
	}
	return round, nil
}
