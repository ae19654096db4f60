package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

const roundColumns = `id, status, opens_at, closes_at, pot, client_seed,
	server_seed_hash, server_seed_reveal, finalize_slot, entropy, winner, payout_sig`

func scanRound(row pgx.Row) (*Round, error) {
	var r Round
	err := row.Scan(&r.ID, &r.Status, &r.OpensAt, &r.ClosesAt, &r.Pot, &r.ClientSeed,
		&r.ServerSeedHash, &r.ServerSeedReveal, &r.FinalizeSlot, &r.Entropy, &r.Winner, &r.PayoutSig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan round: %w", err)
	}
	return &r, nil
}

// GetRound loads one round by id.
func (s *Store) GetRound(ctx context.Context, id string) (*Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	return scanRound(row)
}

// CurrentRound resolves the current-round pointer and loads its row. The
// pointer is written only after the round row is committed, so a pointer
// that resolves to no row is a consistency failure, not a race.
func (s *Store) CurrentRound(ctx context.Context) (*Round, error) {
	id, err := s.KVGet(ctx, KeyCurrentRound)
	if err != nil {
		return nil, err
	}
	return s.GetRound(ctx, id)
}

// RecentRounds returns up to limit rounds, newest first.
func (s *Store) RecentRounds(ctx context.Context, limit int) ([]Round, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+` FROM rounds ORDER BY opens_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent rounds: %w", err)
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		var r Round
		if err := rows.Scan(&r.ID, &r.Status, &r.OpensAt, &r.ClosesAt, &r.Pot, &r.ClientSeed,
			&r.ServerSeedHash, &r.ServerSeedReveal, &r.FinalizeSlot, &r.Entropy, &r.Winner, &r.PayoutSig); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpenRoundParams carries everything the lifecycle manager decides about a
// new round; the store only allocates the sequential id and persists.
type OpenRoundParams struct {
	OpensAt        time.Time
	ClosesAt       time.Time
	ClientSeed     string
	ServerSeedHash string
	ServerSeed     string
	FinalizeSlot   uint64
}

// OpenNextRound allocates the next sequential round id, inserts the OPEN
// round, stores its secret, and moves the current-round pointer, all in one
// transaction. The pointer moves last so concurrent readers never observe a
// pointer to an uncommitted round.
func (s *Store) OpenNextRound(ctx context.Context, p OpenRoundParams) (*Round, error) {
	var r Round
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var seqStr string
		err := tx.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1 FOR UPDATE`, KeyRoundSeq).Scan(&seqStr)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read round sequence: %w", err)
		}
		seq, _ := strconv.ParseInt(seqStr, 10, 64)
		seq++

		r = Round{
			ID:             fmt.Sprintf("R%06d", seq),
			Status:         RoundOpen,
			OpensAt:        p.OpensAt,
			ClosesAt:       p.ClosesAt,
			ClientSeed:     p.ClientSeed,
			ServerSeedHash: p.ServerSeedHash,
			FinalizeSlot:   p.FinalizeSlot,
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO rounds (id, status, opens_at, closes_at, pot, client_seed, server_seed_hash, finalize_slot)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $7)`,
			r.ID, r.Status, r.OpensAt, r.ClosesAt, r.ClientSeed, r.ServerSeedHash, int64(r.FinalizeSlot))
		if err != nil {
			return fmt.Errorf("failed to insert round %s: %w", r.ID, err)
		}

		if err := kvSetTx(ctx, tx, KeyRoundSeq, strconv.FormatInt(seq, 10)); err != nil {
			return err
		}
		if err := kvSetTx(ctx, tx, RoundSeedKey(r.ID), p.ServerSeed); err != nil {
			return err
		}
		return kvSetTx(ctx, tx, KeyCurrentRound, r.ID)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RoundFinalize is the terminal mutation of a round: status, reveal,
// entropy, winner, and the audit fields published for verification.
type RoundFinalize struct {
	ID            string
	ServerSeed    string
	Entropy       string
	EntropySource string
	Winner        *string
	PayoutSig     *string
	PayoutErr     string
	Split         string
}

// FinalizeRound marks a round SETTLED and persists the revealed secret,
// resolved entropy, and outcome in one transaction.
func (s *Store) FinalizeRound(ctx context.Context, f RoundFinalize) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rounds
			SET status = $2, server_seed_reveal = $3, entropy = $4, winner = $5, payout_sig = $6
			WHERE id = $1 AND status = $7`,
			f.ID, RoundSettled, f.ServerSeed, f.Entropy, f.Winner, f.PayoutSig, RoundOpen)
		if err != nil {
			return fmt.Errorf("failed to settle round %s: %w", f.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("round %s already settled: %w", f.ID, ErrDuplicate)
		}

		if err := kvSetTx(ctx, tx, EntropySourceKey(f.ID), f.EntropySource); err != nil {
			return err
		}
		if f.Split != "" {
			if err := kvSetTx(ctx, tx, SplitKey(f.ID), f.Split); err != nil {
				return err
			}
		}
		if f.PayoutErr != "" {
			if err := kvSetTx(ctx, tx, RoundPayoutErrKey(f.ID), f.PayoutErr); err != nil {
				return err
			}
		}
		return nil
	})
}

// RoundSecret returns the committed server secret for a round.
func (s *Store) RoundSecret(ctx context.Context, roundID string) (string, error) {
	return s.KVGet(ctx, RoundSeedKey(roundID))
}
