package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const betColumns = `id, wallet, client_seed, server_seed_hash, server_seed_reveal,
	wager, side, result, win, status, tx_sig, payout_sig, created_at, settled_at`

// CreateBetParams carries a new PENDING bet and its committed secret.
type CreateBetParams struct {
	Bet        Bet
	ServerSeed string
}

// CreateBet inserts a PENDING bet and stores its server secret in the same
// transaction, so a bet never exists without its committed secret.
func (s *Store) CreateBet(ctx context.Context, p CreateBetParams) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		b := p.Bet
		_, err := tx.Exec(ctx, `
			INSERT INTO bets (id, wallet, client_seed, server_seed_hash, wager, side, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			b.ID, b.Wallet, b.ClientSeed, b.ServerSeedHash, b.Wager, b.Side, BetPending, b.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert bet %s: %w", b.ID, err)
		}
		return kvSetTx(ctx, tx, BetSeedKey(b.ID), p.ServerSeed)
	})
}

// GetBet loads one bet by id.
func (s *Store) GetBet(ctx context.Context, id string) (*Bet, error) {
	var b Bet
	err := s.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id).Scan(
		&b.ID, &b.Wallet, &b.ClientSeed, &b.ServerSeedHash, &b.ServerSeedReveal,
		&b.Wager, &b.Side, &b.Result, &b.Win, &b.Status, &b.TxSig, &b.PayoutSig, &b.CreatedAt, &b.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bet: %w", err)
	}
	return &b, nil
}

// BetSecret returns the committed server secret for a bet.
func (s *Store) BetSecret(ctx context.Context, betID string) (string, error) {
	return s.KVGet(ctx, BetSeedKey(betID))
}

// BetSettlement is the single PENDING→SETTLED transition of a bet.
type BetSettlement struct {
	ID        string
	Wallet    string
	Result    string
	Win       bool
	Reveal    string
	TxSig     string
	SettledAt time.Time
}

// SettleBet applies the settlement exactly once: the guarded UPDATE only
// matches a PENDING row, so a redelivered confirmation yields ErrDuplicate
// instead of a second settlement.
func (s *Store) SettleBet(ctx context.Context, st BetSettlement) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bets
		SET wallet = $2, result = $3, win = $4, status = $5, server_seed_reveal = $6,
		    tx_sig = $7, settled_at = $8
		WHERE id = $1 AND status = $9`,
		st.ID, st.Wallet, st.Result, st.Win, BetSettled, st.Reveal, st.TxSig, st.SettledAt, BetPending)
	if err != nil {
		return fmt.Errorf("failed to settle bet %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bet %s already settled: %w", st.ID, ErrDuplicate)
	}
	return nil
}

// SetBetPayout records the payout transaction signature for a won bet.
func (s *Store) SetBetPayout(ctx context.Context, betID, payoutSig string) error {
	_, err := s.pool.Exec(ctx, `UPDATE bets SET payout_sig = $2 WHERE id = $1`, betID, payoutSig)
	if err != nil {
		return fmt.Errorf("failed to record bet payout %s: %w", betID, err)
	}
	return nil
}

// MarkBetPayoutError records a payout failure marker for manual
// reconciliation; settlement is never rolled back because of it.
func (s *Store) MarkBetPayoutError(ctx context.Context, betID, msg string) error {
	return s.KVSet(ctx, BetPayoutErrKey(betID), msg)
}

// MarkShortDeposit records an underfunded wager deposit. The bet remains
// PENDING; see the settlement processor for the top-up policy.
func (s *Store) MarkShortDeposit(ctx context.Context, betID string, amount int64, txSig string) error {
	return s.KVSet(ctx, ShortDepositKey(betID), fmt.Sprintf("%d:%s", amount, txSig))
}
