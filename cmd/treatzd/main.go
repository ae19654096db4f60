package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/trickortreatsol/treatz/engine/pkg/engine"
	"github.com/trickortreatsol/treatz/engine/pkg/ledger"
	"github.com/trickortreatsol/treatz/engine/pkg/metrics"
	"github.com/trickortreatsol/treatz/server/pkg/server"
	"github.com/trickortreatsol/treatz/utils/pkg/logger"
)

const defaultBurnAddress = "1nc1nerator11111111111111111111111111111111"

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; real deployments use the environment directly.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// HTTP server
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins (or set ALLOWED_ORIGINS env var, comma-separated)")
	requestsPerMinuteFlag := flag.Int("requests-per-minute", 120, "per-IP rate limit on write endpoints")
	burstFlag := flag.Int("burst", 20, "per-IP burst allowance on write endpoints")
	webhookSigHeaderFlag := flag.String("webhook-sig-header", "", "header carrying the webhook HMAC signature; empty disables verification (or set WEBHOOK_SIG_HEADER env var)")

	// Database
	databaseURLFlag := flag.String("database-url", "", "Postgres connection URL (or set DATABASE_URL env var)")
	migrateFlag := flag.Bool("migrations-enable", false, "run database migrations on startup")

	// Solana
	rpcURLFlag := flag.String("solana-rpc-url", solanarpc.MainNetBeta_RPC, "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	mintFlag := flag.String("mint", "", "game token mint address; empty disables the mint check (or set TREATZ_MINT env var)")
	decimalsFlag := flag.Int("token-decimals", 6, "game token decimals")
	devWalletFlag := flag.String("dev-wallet", "", "wallet receiving the dev share of jackpots (or set DEV_WALLET env var)")
	burnWalletFlag := flag.String("burn-wallet", defaultBurnAddress, "address receiving the burn share of jackpots (or set BURN_WALLET env var)")

	// Game parameters
	ticketPriceFlag := flag.Int64("ticket-price", 1_000_000, "raffle ticket price in base units")
	winMultiplierFlag := flag.Int64("win-multiplier", 2, "coin-flip payout multiplier")
	maxWagerFlag := flag.Int64("max-wager", 1_000_000_000, "maximum coin-flip wager in base units")
	devPctFlag := flag.Int64("dev-pct", 10, "dev share of the jackpot pot, percent")
	burnPctFlag := flag.Int64("burn-pct", 10, "burn share of the jackpot pot, percent")
	roundDurationFlag := flag.Duration("round-duration", 30*time.Minute, "raffle round duration")
	slotsPerMinuteFlag := flag.Uint64("slots-per-minute", 150, "expected Solana slots per minute, used to anchor the finalize slot")

	flag.Parse()

	log := logger.New(*verboseFlag)

	overrideString("LISTEN_ADDR", listenAddrFlag)
	overrideString("DATABASE_URL", databaseURLFlag)
	overrideString("SOLANA_RPC_URL", rpcURLFlag)
	overrideString("TREATZ_MINT", mintFlag)
	overrideString("DEV_WALLET", devWalletFlag)
	overrideString("BURN_WALLET", burnWalletFlag)
	overrideString("WEBHOOK_SIG_HEADER", webhookSigHeaderFlag)
	overrideInt64("TICKET_PRICE", ticketPriceFlag)
	overrideInt64("WIN_MULTIPLIER", winMultiplierFlag)
	overrideInt64("MAX_WAGER", maxWagerFlag)
	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" && len(*allowedOriginsFlag) == 0 {
		*allowedOriginsFlag = splitCommaList(env)
	}

	if *databaseURLFlag == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}

	// Vault private keys only come from the environment, never flags.
	gameVaultKey, err := solana.PrivateKeyFromBase58(os.Getenv("GAME_VAULT_KEY"))
	if err != nil {
		return fmt.Errorf("invalid GAME_VAULT_KEY: %w", err)
	}
	jackpotVaultKey, err := solana.PrivateKeyFromBase58(os.Getenv("JACKPOT_VAULT_KEY"))
	if err != nil {
		return fmt.Errorf("invalid JACKPOT_VAULT_KEY: %w", err)
	}
	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if *webhookSigHeaderFlag != "" && webhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when --webhook-sig-header is set")
	}

	var mint solana.PublicKey
	if *mintFlag != "" {
		mint, err = solana.PublicKeyFromBase58(*mintFlag)
		if err != nil {
			return fmt.Errorf("invalid mint address: %w", err)
		}
	}
	var devWallet solana.PublicKey
	if *devWalletFlag != "" {
		devWallet, err = solana.PublicKeyFromBase58(*devWalletFlag)
		if err != nil {
			return fmt.Errorf("invalid dev wallet address: %w", err)
		}
	}
	var burnWallet solana.PublicKey
	if *burnWalletFlag != "" {
		burnWallet, err = solana.PublicKeyFromBase58(*burnWalletFlag)
		if err != nil {
			return fmt.Errorf("invalid burn wallet address: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrateFlag {
		if err := ledger.RunMigrations(log, *databaseURLFlag); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := ledger.Connect(ctx, *databaseURLFlag)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	store, err := ledger.NewStore(ledger.StoreConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger store: %w", err)
	}

	rpcClient := solanarpc.New(*rpcURLFlag)

	eng, err := engine.New(engine.Config{
		Logger:          log,
		Store:           store,
		ReaderRPC:       rpcClient,
		PayoutRPC:       rpcClient,
		Mint:            mint,
		Decimals:        uint8(*decimalsFlag),
		GameVaultKey:    gameVaultKey,
		JackpotVaultKey: jackpotVaultKey,
		DevWallet:       devWallet,
		BurnWallet:      burnWallet,
		TicketPrice:     *ticketPriceFlag,
		WinMultiplier:   *winMultiplierFlag,
		DevPct:          *devPctFlag,
		BurnPct:         *burnPctFlag,
		RoundDuration:   *roundDurationFlag,
		SlotsPerMinute:  *slotsPerMinuteFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:            log,
		Store:             store,
		Events:            eng.Processor(),
		ListenAddr:        *listenAddrFlag,
		AllowedOrigins:    *allowedOriginsFlag,
		GameVault:         gameVaultKey.PublicKey().String(),
		JackpotVault:      jackpotVaultKey.PublicKey().String(),
		Vaults:            eng,
		MaxWager:          *maxWagerFlag,
		WebhookSigHeader:  *webhookSigHeaderFlag,
		WebhookSecret:     webhookSecret,
		RequestsPerMinute: *requestsPerMinuteFlag,
		Burst:             *burstFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.SetReady(func() bool {
		probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return eng.Ready(probeCtx)
	})

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	log.Info("starting treatz settlement engine",
		"version", version,
		"listen", *listenAddrFlag,
		"rpc", *rpcURLFlag,
		"game_vault", gameVaultKey.PublicKey(),
		"jackpot_vault", jackpotVaultKey.PublicKey(),
		"round_duration", *roundDurationFlag,
	)

	eng.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	eng.Wait()
	if err != nil {
		return err
	}

	log.Info("treatz settlement engine stopped")
	return nil
}

func overrideString(env string, target *string) {
	if v := os.Getenv(env); v != "" {
		*target = v
	}
}

func overrideInt64(env string, target *int64) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
