package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AddEntryParams records a raffle deposit: whole tickets become an Entry and
// a pot increment, the sub-ticket-price remainder becomes wallet credit.
type AddEntryParams struct {
	RoundID   string
	Wallet    string
	Tickets   int64
	TxSig     string
	PotDelta  int64
	Remainder int64
}

// AddEntry applies a raffle deposit atomically. The unique tx_sig constraint
// absorbs redelivered events: on conflict nothing is written (no entry, no
// pot increment, no credit) and ErrDuplicate is returned.
//
// Tickets may be zero when the deposit is below the ticket price; the entry
// row is still inserted so the tx_sig uniqueness guard covers the credit.
func (s *Store) AddEntry(ctx context.Context, p AddEntryParams) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO entries (round_id, wallet, tickets, tx_sig)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tx_sig) DO NOTHING`,
			p.RoundID, p.Wallet, p.Tickets, p.TxSig)
		if err != nil {
			return fmt.Errorf("failed to insert entry for %s: %w", p.TxSig, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("entry %s already recorded: %w", p.TxSig, ErrDuplicate)
		}

		if p.PotDelta > 0 {
			_, err = tx.Exec(ctx, `UPDATE rounds SET pot = pot + $2 WHERE id = $1`, p.RoundID, p.PotDelta)
			if err != nil {
				return fmt.Errorf("failed to increment pot for round %s: %w", p.RoundID, err)
			}
		}

		if p.Remainder > 0 {
			_, err = tx.Exec(ctx, `
				INSERT INTO credits (wallet, balance) VALUES ($1, $2)
				ON CONFLICT (wallet) DO UPDATE SET balance = credits.balance + EXCLUDED.balance`,
				p.Wallet, p.Remainder)
			if err != nil {
				return fmt.Errorf("failed to add credit for %s: %w", p.Wallet, err)
			}
		}
		return nil
	})
}

// EntriesForRound returns a round's entries in insertion order, which is the
// fixed deterministic order the weighted draw walks.
func (s *Store) EntriesForRound(ctx context.Context, roundID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, wallet, tickets, tx_sig, created_at
		FROM entries WHERE round_id = $1 ORDER BY id ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries for round %s: %w", roundID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RoundID, &e.Wallet, &e.Tickets, &e.TxSig, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastEntryTxSig returns the payment signature of the most recent entry, a
// low-trust entropy fallback when the chain reader is unavailable.
func (s *Store) LastEntryTxSig(ctx context.Context) (string, error) {
	var sig string
	err := s.pool.QueryRow(ctx, `SELECT tx_sig FROM entries ORDER BY id DESC LIMIT 1`).Scan(&sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last entry signature: %w", err)
	}
	return sig, nil
}
