package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/trickortreatsol/treatz/engine/pkg/fairness"
	"github.com/trickortreatsol/treatz/engine/pkg/ledger"
	"github.com/trickortreatsol/treatz/engine/pkg/metrics"
	"github.com/trickortreatsol/treatz/engine/pkg/settle"
)

const serviceVersion = "0.1.0"

type createBetRequest struct {
	Amount int64  `json:"amount"`
	Side   string `json:"side"`
}

type createBetResponse struct {
	BetID          string `json:"bet_id"`
	ServerSeedHash string `json:"server_seed_hash"`
	Deposit        string `json:"deposit"`
	Memo           string `json:"memo"`
}

// handleCreateBet records a PENDING bet and returns the deposit address plus
// the memo the deposit must carry. The secret is committed now; only its hash
// leaves the server until settlement.
func (s *Server) handleCreateBet(w http.ResponseWriter, r *http.Request) {
	var req createBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Amount <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount must be greater than 0")
		return
	}
	if req.Amount > s.cfg.MaxWager {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("amount exceeds maximum wager of %d", s.cfg.MaxWager))
		return
	}
	side, ok := fairness.ParseSide(req.Side)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "side must be TRICK or TREAT")
		return
	}

	secret, err := fairness.NewSecret()
	if err != nil {
		s.log.Error("server: failed to generate bet secret", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	bet := ledger.Bet{
		ID:             uuid.NewString(),
		ClientSeed:     randomHex(8),
		ServerSeedHash: fairness.Commit(secret),
		Wager:          req.Amount,
		Side:           string(side),
		CreatedAt:      s.cfg.Clock.Now().UTC(),
	}
	if err := s.cfg.Store.CreateBet(r.Context(), ledger.CreateBetParams{Bet: bet, ServerSeed: secret}); err != nil {
		s.log.Error("server: failed to create bet", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create bet")
		return
	}

	s.log.Info("server: bet created", "bet_id", bet.ID, "wager", bet.Wager, "side", bet.Side)
	s.writeJSON(w, http.StatusOK, createBetResponse{
		BetID:          bet.ID,
		ServerSeedHash: bet.ServerSeedHash,
		Deposit:        s.cfg.GameVault,
		Memo:           fmt.Sprintf("BET:%s:%s", bet.ID, bet.Side),
	})
}

type betResponse struct {
	BetID            string     `json:"bet_id"`
	Status           string     `json:"status"`
	Side             string     `json:"side"`
	Wager            int64      `json:"wager"`
	ServerSeedHash   string     `json:"server_seed_hash"`
	ClientSeed       string     `json:"client_seed"`
	Result           *string    `json:"result,omitempty"`
	Win              *bool      `json:"win,omitempty"`
	ServerSeedReveal *string    `json:"server_seed_reveal,omitempty"`
	TxSig            *string    `json:"tx_sig,omitempty"`
	PayoutSig        *string    `json:"payout_sig,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
}

func (s *Server) handleGetBet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	bet, err := s.cfg.Store.GetBet(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "bet not found")
		return
	}
	if err != nil {
		s.log.Error("server: failed to load bet", "bet_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load bet")
		return
	}

	s.writeJSON(w, http.StatusOK, betResponse{
		BetID:            bet.ID,
		Status:           bet.Status,
		Side:             bet.Side,
		Wager:            bet.Wager,
		ServerSeedHash:   bet.ServerSeedHash,
		ClientSeed:       bet.ClientSeed,
		Result:           bet.Result,
		Win:              bet.Win,
		ServerSeedReveal: bet.ServerSeedReveal,
		TxSig:            bet.TxSig,
		PayoutSig:        bet.PayoutSig,
		SettledAt:        bet.SettledAt,
	})
}

type roundResponse struct {
	RoundID        string    `json:"round_id"`
	Status         string    `json:"status"`
	OpensAt        time.Time `json:"opens_at"`
	ClosesAt       time.Time `json:"closes_at"`
	Pot            int64     `json:"pot"`
	ServerSeedHash string    `json:"server_seed_hash"`
	Winner         *string   `json:"winner,omitempty"`
	Entropy        *string   `json:"entropy,omitempty"`
	Reveal         *string   `json:"server_seed_reveal,omitempty"`
}

func roundToResponse(r *ledger.Round) roundResponse {
	return roundResponse{
		RoundID:        r.ID,
		Status:         r.Status,
		OpensAt:        r.OpensAt,
		ClosesAt:       r.ClosesAt,
		Pot:            r.Pot,
		ServerSeedHash: r.ServerSeedHash,
		Winner:         r.Winner,
		Entropy:        r.Entropy,
		Reveal:         r.ServerSeedReveal,
	}
}

func (s *Server) handleCurrentRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.cfg.Store.CurrentRound(r.Context())
	if errors.Is(err, ledger.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no current round")
		return
	}
	if err != nil {
		s.log.Error("server: failed to load current round", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load current round")
		return
	}
	s.writeJSON(w, http.StatusOK, roundToResponse(round))
}

func (s *Server) handleRecentRounds(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 100 {
		limit = 100
	}

	rounds, err := s.cfg.Store.RecentRounds(r.Context(), limit)
	if err != nil {
		s.log.Error("server: failed to load recent rounds", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load recent rounds")
		return
	}

	out := make([]roundResponse, 0, len(rounds))
	for i := range rounds {
		out = append(out, roundToResponse(&rounds[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// webhookEvent is the Helius-style delivery shape. Alternate field names seen
// in the wild are accepted.
type webhookEvent struct {
	Memo        string `json:"memo"`
	Description string `json:"description"`
	Signature   string `json:"signature"`
	TxHash      string `json:"txHash"`
	Amount      int64  `json:"amount"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Mint        string `json:"mint"`
}

func (e webhookEvent) toEvent() settle.Event {
	memo := e.Memo
	if memo == "" {
		memo = e.Description
	}
	sig := e.Signature
	if sig == "" {
		sig = e.TxHash
	}
	return settle.Event{
		Memo:        memo,
		Signature:   sig,
		Amount:      e.Amount,
		Source:      e.Source,
		Destination: e.Destination,
		Mint:        e.Mint,
	}
}

// handleWebhook ingests one payment event or a batch. Events are applied in
// order; a failing event aborts the batch with a 500 so the sender redelivers
// (processing is idempotent, so replays are safe).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !s.verifyWebhookSignature(r, raw) {
		metrics.WebhookEventsTotal.WithLabelValues("batch", "bad_signature").Inc()
		s.writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var events []webhookEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		var single webhookEvent
		if err := json.Unmarshal(raw, &single); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		events = []webhookEvent{single}
	}

	for _, ev := range events {
		if err := s.cfg.Events.HandleEvent(r.Context(), ev.toEvent()); err != nil {
			s.log.Error("server: webhook event failed", "signature", ev.Signature, "error", err)
			s.writeError(w, http.StatusInternalServerError, "event processing failed")
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// verifyWebhookSignature checks the hex HMAC-SHA256 of the raw body when a
// signature header is configured.
func (s *Server) verifyWebhookSignature(r *http.Request, raw []byte) bool {
	if s.cfg.WebhookSigHeader == "" {
		return true
	}
	sig := r.Header.Get(s.cfg.WebhookSigHeader)
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(raw)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(computed), []byte(sig))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"ts":      s.cfg.Clock.Now().UTC().Format(time.RFC3339),
		"service": "treatz",
		"version": serviceVersion,
	})
}

type vaultStatus struct {
	Address string `json:"address"`
	Balance *int64 `json:"balance,omitempty"`
}

type statusResponse struct {
	Service      string         `json:"service"`
	Version      string         `json:"version"`
	Round        *roundResponse `json:"round,omitempty"`
	GameVault    vaultStatus    `json:"game_vault"`
	JackpotVault *vaultStatus   `json:"jackpot_vault,omitempty"`
}

// handleStatus summarizes the service: the current round and the vault
// addresses, with on-chain balances when a vault reader is configured.
// Balance lookup failures degrade to an address-only response instead of
// failing the endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Service:   "treatz",
		Version:   serviceVersion,
		GameVault: vaultStatus{Address: s.cfg.GameVault},
	}
	if s.cfg.JackpotVault != "" {
		resp.JackpotVault = &vaultStatus{Address: s.cfg.JackpotVault}
	}

	round, err := s.cfg.Store.CurrentRound(r.Context())
	if err == nil {
		rr := roundToResponse(round)
		resp.Round = &rr
	} else if !errors.Is(err, ledger.ErrNotFound) {
		s.log.Error("server: failed to load current round for status", "error", err)
	}

	if s.cfg.Vaults != nil {
		if balance, err := s.cfg.Vaults.VaultBalance(r.Context(), s.cfg.GameVault); err == nil {
			resp.GameVault.Balance = &balance
		} else {
			s.log.Warn("server: failed to read game vault balance", "error", err)
		}
		if resp.JackpotVault != nil {
			if balance, err := s.cfg.Vaults.VaultBalance(r.Context(), s.cfg.JackpotVault); err == nil {
				resp.JackpotVault.Balance = &balance
			} else {
				s.log.Warn("server: failed to read jackpot vault balance", "error", err)
			}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		s.writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
