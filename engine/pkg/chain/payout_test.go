package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	treatztesting "github.com/trickortreatsol/treatz/utils/pkg/testing"
)

type mockPayoutRPC struct {
	getLatestFunc      func(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	getAccountInfoFunc func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	sendFunc           func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error)

	sent []*solana.Transaction
}

func (m *mockPayoutRPC) GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	if m.getLatestFunc != nil {
		return m.getLatestFunc(ctx, commitment)
	}
	return &solanarpc.GetLatestBlockhashResult{Value: &solanarpc.LatestBlockhashResult{}}, nil
}

func (m *mockPayoutRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
	if m.getAccountInfoFunc != nil {
		return m.getAccountInfoFunc(ctx, account)
	}
	return &solanarpc.GetAccountInfoResult{}, nil
}

func (m *mockPayoutRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error) {
	m.sent = append(m.sent, tx)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, tx, opts)
	}
	return solana.Signature{1}, nil
}

func newTestExecutor(t *testing.T, rpc PayoutRPC) (*Executor, ExecutorConfig) {
	t.Helper()
	cfg := ExecutorConfig{
		Logger:          treatztesting.NewLogger(),
		RPC:             rpc,
		Mint:            solana.NewWallet().PublicKey(),
		Decimals:        6,
		GameVaultKey:    solana.NewWallet().PrivateKey,
		JackpotVaultKey: solana.NewWallet().PrivateKey,
		DevWallet:       solana.NewWallet().PublicKey(),
		BurnWallet:      solana.MustPublicKeyFromBase58("1nc1nerator11111111111111111111111111111111"),
		Retry:           fastRetry(),
	}
	e, err := NewExecutor(cfg)
	require.NoError(t, err)
	return e, cfg
}

func TestTreatz_Chain_Executor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("config validation", func(t *testing.T) {
		t.Parallel()
		_, err := NewExecutor(ExecutorConfig{Logger: treatztesting.NewLogger(), RPC: &mockPayoutRPC{}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "mint is required")
	})

	t.Run("coinflip payout signs with game vault", func(t *testing.T) {
		t.Parallel()
		rpc := &mockPayoutRPC{}
		e, cfg := newTestExecutor(t, rpc)

		winner := solana.NewWallet().PublicKey()
		sig, err := e.PayCoinflip(ctx, winner.String(), 2_000_000)
		require.NoError(t, err)
		require.NotEmpty(t, sig)

		require.Len(t, rpc.sent, 1)
		tx := rpc.sent[0]
		require.Equal(t, cfg.GameVaultKey.PublicKey(), tx.Message.AccountKeys[0])
		// Recipient account already exists, so the transaction is a single
		// transfer instruction.
		require.Len(t, tx.Message.Instructions, 1)
	})

	t.Run("missing recipient account adds a create instruction", func(t *testing.T) {
		t.Parallel()
		rpc := &mockPayoutRPC{
			getAccountInfoFunc: func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
				return nil, solanarpc.ErrNotFound
			},
		}
		e, _ := newTestExecutor(t, rpc)

		winner := solana.NewWallet().PublicKey()
		_, err := e.PayCoinflip(ctx, winner.String(), 2_000_000)
		require.NoError(t, err)

		require.Len(t, rpc.sent, 1)
		require.Len(t, rpc.sent[0].Message.Instructions, 2)
	})

	t.Run("invalid recipient rejected without rpc calls", func(t *testing.T) {
		t.Parallel()
		rpc := &mockPayoutRPC{}
		e, _ := newTestExecutor(t, rpc)

		_, err := e.PayCoinflip(ctx, "not-a-pubkey", 1)
		require.Error(t, err)
		require.Empty(t, rpc.sent)
	})

	t.Run("jackpot split sends three legs in one transaction", func(t *testing.T) {
		t.Parallel()
		rpc := &mockPayoutRPC{}
		e, cfg := newTestExecutor(t, rpc)

		winner := solana.NewWallet().PublicKey()
		sig, err := e.PayJackpotSplit(ctx, winner.String(), 2_400_000, 300_000, 300_000)
		require.NoError(t, err)
		require.NotEmpty(t, sig)

		require.Len(t, rpc.sent, 1)
		tx := rpc.sent[0]
		require.Equal(t, cfg.JackpotVaultKey.PublicKey(), tx.Message.AccountKeys[0])
		require.Len(t, tx.Message.Instructions, 3)
	})

	t.Run("zero legs are skipped", func(t *testing.T) {
		t.Parallel()
		rpc := &mockPayoutRPC{}
		e, _ := newTestExecutor(t, rpc)

		winner := solana.NewWallet().PublicKey()
		_, err := e.PayJackpotSplit(ctx, winner.String(), 2_400_000, 0, 0)
		require.NoError(t, err)

		require.Len(t, rpc.sent, 1)
		require.Len(t, rpc.sent[0].Message.Instructions, 1)
	})

	t.Run("send failure surfaces after retries", func(t *testing.T) {
		t.Parallel()
		rpc := &mockPayoutRPC{
			sendFunc: func(context.Context, *solana.Transaction, solanarpc.TransactionOpts) (solana.Signature, error) {
				return solana.Signature{}, errors.New("rate limit exceeded")
			},
		}
		e, _ := newTestExecutor(t, rpc)

		winner := solana.NewWallet().PublicKey()
		_, err := e.PayCoinflip(ctx, winner.String(), 1)
		require.Error(t, err)
		require.Len(t, rpc.sent, 2)
	})
}
