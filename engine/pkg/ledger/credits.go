package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreditBalance returns a wallet's stored remainder, zero if none.
func (s *Store) CreditBalance(ctx context.Context, wallet string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM credits WHERE wallet = $1`, wallet).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read credit for %s: %w", wallet, err)
	}
	return balance, nil
}

// CreditsAtLeast returns all wallets whose credit balance has reached min.
func (s *Store) CreditsAtLeast(ctx context.Context, min int64) ([]Credit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT wallet, balance FROM credits WHERE balance >= $1 ORDER BY wallet`, min)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var out []Credit
	for rows.Next() {
		var c Credit
		if err := rows.Scan(&c.Wallet, &c.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SweepCreditParams converts a wallet's accumulated credit into tickets on a
// freshly opened round. The synthetic signature is derived from the round
// and wallet, so re-running a partially failed sweep cannot double-credit.
type SweepCreditParams struct {
	Wallet    string
	RoundID   string
	Tickets   int64
	PotDelta  int64
	Remainder int64
	TxSig     string
}

// SweepCredit inserts the converted entry, increments the new round's pot,
// and stores the leftover remainder back, all in one transaction.
func (s *Store) SweepCredit(ctx context.Context, p SweepCreditParams) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO entries (round_id, wallet, tickets, tx_sig)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tx_sig) DO NOTHING`,
			p.RoundID, p.Wallet, p.Tickets, p.TxSig)
		if err != nil {
			return fmt.Errorf("failed to insert sweep entry for %s: %w", p.Wallet, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("sweep %s already applied: %w", p.TxSig, ErrDuplicate)
		}

		_, err = tx.Exec(ctx, `UPDATE rounds SET pot = pot + $2 WHERE id = $1`, p.RoundID, p.PotDelta)
		if err != nil {
			return fmt.Errorf("failed to increment pot for round %s: %w", p.RoundID, err)
		}

		_, err = tx.Exec(ctx, `UPDATE credits SET balance = $2 WHERE wallet = $1`, p.Wallet, p.Remainder)
		if err != nil {
			return fmt.Errorf("failed to update credit for %s: %w", p.Wallet, err)
		}
		return nil
	})
}
