// Package server exposes the public HTTP surface: bet creation, round
// queries, the payment-event webhook, and health/metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/trickortreatsol/treatz/engine/pkg/ledger"
	"github.com/trickortreatsol/treatz/engine/pkg/settle"
)

// Store is the slice of the ledger the HTTP surface reads and writes.
type Store interface {
	CreateBet(ctx context.Context, p ledger.CreateBetParams) error
	GetBet(ctx context.Context, id string) (*ledger.Bet, error)
	CurrentRound(ctx context.Context) (*ledger.Round, error)
	RecentRounds(ctx context.Context, limit int) ([]ledger.Round, error)
}

// EventSink consumes webhook payment events; the settlement processor
// implements it.
type EventSink interface {
	HandleEvent(ctx context.Context, ev settle.Event) error
}

// VaultReader reports the on-chain token balance of a vault wallet; the
// engine implements it over the chain reader.
type VaultReader interface {
	VaultBalance(ctx context.Context, vault string) (int64, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
	Events EventSink

	ListenAddr     string
	AllowedOrigins []string

	// GameVault is returned as the deposit address for new bets.
	GameVault string
	// JackpotVault is the raffle deposit address, shown on the status
	// surface.
	JackpotVault string
	// Vaults, when set, adds on-chain vault balances to the status surface.
	Vaults VaultReader
	// MaxWager caps a single bet in base units.
	MaxWager int64

	// WebhookSigHeader names the header carrying a hex HMAC-SHA256 of the raw
	// webhook body, keyed with WebhookSecret. Empty disables verification.
	WebhookSigHeader string
	WebhookSecret    string

	// RequestsPerMinute and Burst bound per-IP traffic on the write
	// endpoints.
	RequestsPerMinute int
	Burst             int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Events == nil {
		return errors.New("event sink is required")
	}
	if cfg.GameVault == "" {
		return errors.New("game vault address is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MaxWager <= 0 {
		cfg.MaxWager = 1_000_000_000
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router *chi.Mux
	srv    *http.Server

	// ready reports whether the engine behind the server is serving; wired
	// by the engine at startup.
	ready func() bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
		ready:  func() bool { return true },
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// SetReady installs the readiness probe backing /readyz.
func (s *Server) SetReady(fn func() bool) {
	if fn != nil {
		s.ready = fn
	}
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	writeLimiter := newRateLimiter(rate.Every(time.Minute/time.Duration(s.cfg.RequestsPerMinute)), s.cfg.Burst)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/rounds/current", s.handleCurrentRound)
		r.Get("/rounds/recent", s.handleRecentRounds)
		r.Get("/bets/{id}", s.handleGetBet)

		r.Group(func(r chi.Router) {
			r.Use(rateLimitMiddleware(writeLimiter))
			r.Post("/bets", s.handleCreateBet)
			r.Post("/webhook/helius", s.handleWebhook)
		})
	})

	s.router.Get("/readyz", s.handleReady)
	s.router.Method("GET", "/metrics", promhttp.Handler())
}

func (s *Server) Start() error {
	s.log.Info("server: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server: shutting down")
	return s.srv.Shutdown(ctx)
}
