// Package ledgertest provides test doubles for the ledger: an in-memory
// store with the same transactional semantics as the Postgres store, and a
// container-backed Postgres harness for store tests.
package ledgertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/trickortreatsol/treatz/engine/pkg/ledger"
)

// MemoryStore mimics ledger.Store against process memory. It reproduces the
// idempotency guards the engine relies on: PENDING-only bet settlement, the
// unique entry signature, and last-write pointer updates.
type MemoryStore struct {
	mu sync.Mutex

	Rounds  map[string]*ledger.Round
	Bets    map[string]*ledger.Bet
	Entries []ledger.Entry
	Credits map[string]int64
	KV      map[string]string

	// PayoutErrors and ShortDeposits collect the markers the engine writes,
	// keyed by bet id.
	PayoutErrors  map[string]string
	ShortDeposits map[string]string

	seq     int64
	entryID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Rounds:        make(map[string]*ledger.Round),
		Bets:          make(map[string]*ledger.Bet),
		Credits:       make(map[string]int64),
		KV:            make(map[string]string),
		PayoutErrors:  make(map[string]string),
		ShortDeposits: make(map[string]string),
	}
}

func (m *MemoryStore) KVGet(ctx context.Context, k string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.KV[k]
	if !ok {
		return "", ledger.ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) KVSet(ctx context.Context, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KV[k] = v
	return nil
}

func (m *MemoryStore) GetRound(ctx context.Context, id string) (*ledger.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Rounds[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CurrentRound(ctx context.Context) (*ledger.Round, error) {
	m.mu.Lock()
	id, ok := m.KV[ledger.KeyCurrentRound]
	m.mu.Unlock()
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return m.GetRound(ctx, id)
}

func (m *MemoryStore) RecentRounds(ctx context.Context, limit int) ([]ledger.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Round
	for _, r := range m.Rounds {
		out = append(out, *r)
	}
	// Newest first by opens_at.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].OpensAt.After(out[i].OpensAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenNextRound(ctx context.Context, p ledger.OpenRoundParams) (*ledger.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r := &ledger.Round{
		ID:             fmt.Sprintf("R%06d", m.seq),
		Status:         ledger.RoundOpen,
		OpensAt:        p.OpensAt,
		ClosesAt:       p.ClosesAt,
		ClientSeed:     p.ClientSeed,
		ServerSeedHash: p.ServerSeedHash,
		FinalizeSlot:   p.FinalizeSlot,
	}
	m.Rounds[r.ID] = r
	m.KV[ledger.KeyRoundSeq] = strconv.FormatInt(m.seq, 10)
	m.KV[ledger.RoundSeedKey(r.ID)] = p.ServerSeed
	m.KV[ledger.KeyCurrentRound] = r.ID
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FinalizeRound(ctx context.Context, f ledger.RoundFinalize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Rounds[f.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if r.Status != ledger.RoundOpen {
		return fmt.Errorf("round %s already settled: %w", f.ID, ledger.ErrDuplicate)
	}
	r.Status = ledger.RoundSettled
	reveal, entropy := f.ServerSeed, f.Entropy
	r.ServerSeedReveal = &reveal
	r.Entropy = &entropy
	r.Winner = f.Winner
	r.PayoutSig = f.PayoutSig
	m.KV[ledger.EntropySourceKey(f.ID)] = f.EntropySource
	if f.Split != "" {
		m.KV[ledger.SplitKey(f.ID)] = f.Split
	}
	if f.PayoutErr != "" {
		m.KV[ledger.RoundPayoutErrKey(f.ID)] = f.PayoutErr
	}
	return nil
}

func (m *MemoryStore) RoundSecret(ctx context.Context, roundID string) (string, error) {
	return m.KVGet(ctx, ledger.RoundSeedKey(roundID))
}

func (m *MemoryStore) CreateBet(ctx context.Context, p ledger.CreateBetParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Bets[p.Bet.ID]; ok {
		return fmt.Errorf("bet %s exists: %w", p.Bet.ID, ledger.ErrDuplicate)
	}
	b := p.Bet
	b.Status = ledger.BetPending
	m.Bets[b.ID] = &b
	m.KV[ledger.BetSeedKey(b.ID)] = p.ServerSeed
	return nil
}

func (m *MemoryStore) GetBet(ctx context.Context, id string) (*ledger.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Bets[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) BetSecret(ctx context.Context, betID string) (string, error) {
	return m.KVGet(ctx, ledger.BetSeedKey(betID))
}

func (m *MemoryStore) SettleBet(ctx context.Context, st ledger.BetSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Bets[st.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if b.Status != ledger.BetPending {
		return fmt.Errorf("bet %s already settled: %w", st.ID, ledger.ErrDuplicate)
	}
	result, reveal, txSig, settledAt := st.Result, st.Reveal, st.TxSig, st.SettledAt
	win := st.Win
	b.Wallet = st.Wallet
	b.Result = &result
	b.Win = &win
	b.Status = ledger.BetSettled
	b.ServerSeedReveal = &reveal
	b.TxSig = &txSig
	b.SettledAt = &settledAt
	return nil
}

func (m *MemoryStore) SetBetPayout(ctx context.Context, betID, payoutSig string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Bets[betID]
	if !ok {
		return ledger.ErrNotFound
	}
	sig := payoutSig
	b.PayoutSig = &sig
	return nil
}

func (m *MemoryStore) MarkBetPayoutError(ctx context.Context, betID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PayoutErrors[betID] = msg
	m.KV[ledger.BetPayoutErrKey(betID)] = msg
	return nil
}

func (m *MemoryStore) MarkShortDeposit(ctx context.Context, betID string, amount int64, txSig string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := fmt.Sprintf("%d:%s", amount, txSig)
	m.ShortDeposits[betID] = v
	m.KV[ledger.ShortDepositKey(betID)] = v
	return nil
}

func (m *MemoryStore) AddEntry(ctx context.Context, p ledger.AddEntryParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Entries {
		if e.TxSig == p.TxSig {
			return fmt.Errorf("entry %s already recorded: %w", p.TxSig, ledger.ErrDuplicate)
		}
	}
	m.entryID++
	m.Entries = append(m.Entries, ledger.Entry{
		ID:      m.entryID,
		RoundID: p.RoundID,
		Wallet:  p.Wallet,
		Tickets: p.Tickets,
		TxSig:   p.TxSig,
	})
	if p.PotDelta > 0 {
		if r, ok := m.Rounds[p.RoundID]; ok {
			r.Pot += p.PotDelta
		}
	}
	if p.Remainder > 0 {
		m.Credits[p.Wallet] += p.Remainder
	}
	return nil
}

func (m *MemoryStore) EntriesForRound(ctx context.Context, roundID string) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Entry
	for _, e := range m.Entries {
		if e.RoundID == roundID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) LastEntryTxSig(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Entries) == 0 {
		return "", ledger.ErrNotFound
	}
	return m.Entries[len(m.Entries)-1].TxSig, nil
}

func (m *MemoryStore) CreditBalance(ctx context.Context, wallet string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Credits[wallet], nil
}

func (m *MemoryStore) CreditsAtLeast(ctx context.Context, min int64) ([]ledger.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Credit
	for wallet, balance := range m.Credits {
		if balance >= min {
			out = append(out, ledger.Credit{Wallet: wallet, Balance: balance})
		}
	}
	// Deterministic order, as the SQL store sorts by wallet.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Wallet < out[i].Wallet {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SweepCredit(ctx context.Context, p ledger.SweepCreditParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Entries {
		if e.TxSig == p.TxSig {
			return fmt.Errorf("sweep %s already applied: %w", p.TxSig, ledger.ErrDuplicate)
		}
	}
	m.entryID++
	m.Entries = append(m.Entries, ledger.Entry{
		ID:      m.entryID,
		RoundID: p.RoundID,
		Wallet:  p.Wallet,
		Tickets: p.Tickets,
		TxSig:   p.TxSig,
	})
	if r, ok := m.Rounds[p.RoundID]; ok {
		r.Pot += p.PotDelta
	}
	m.Credits[p.Wallet] = p.Remainder
	return nil
}
