package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// KV keys used by the engine. Per-entity keys are built with the helpers
// below.
const (
	KeyCurrentRound = "current_round_id"
	KeyRoundSeq     = "round_seq"
)

func BetSeedKey(betID string) string      { return "bet_seed:" + betID }
func RoundSeedKey(roundID string) string  { return "round_seed:" + roundID }
func ShortDepositKey(betID string) string { return "short_deposit:" + betID }
func BetPayoutErrKey(betID string) string { return "payout_error:bet:" + betID }
func RoundPayoutErrKey(id string) string  { return "payout_error:round:" + id }
func EntropySourceKey(id string) string   { return "entropy_source:" + id }
func SplitKey(roundID string) string      { return "split:" + roundID }

// KVGet reads a value; ErrNotFound when the key is absent.
func (s *Store) KVGet(ctx context.Context, k string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1`, k).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read kv %q: %w", k, err)
	}
	return v, nil
}

// KVSet upserts a key/value pair.
func (s *Store) KVSet(ctx context.Context, k, v string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv (k, v) VALUES ($1, $2)
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`, k, v)
	if err != nil {
		return fmt.Errorf("failed to upsert kv %q: %w", k, err)
	}
	return nil
}

func kvSetTx(ctx context.Context, tx pgx.Tx, k, v string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO kv (k, v) VALUES ($1, $2)
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`, k, v)
	if err != nil {
		return fmt.Errorf("failed to upsert kv %q: %w", k, err)
	}
	return nil
}
