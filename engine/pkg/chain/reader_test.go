package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/trickortreatsol/treatz/utils/pkg/retry"
	treatztesting "github.com/trickortreatsol/treatz/utils/pkg/testing"
)

type mockReaderRPC struct {
	getSlotFunc         func(context.Context, solanarpc.CommitmentType) (uint64, error)
	getBlockFunc        func(context.Context, uint64, *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error)
	getLatestFunc       func(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	getTokenBalanceFunc func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
}

func (m *mockReaderRPC) GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error) {
	if m.getSlotFunc != nil {
		return m.getSlotFunc(ctx, commitment)
	}
	return 1000, nil
}

func (m *mockReaderRPC) GetBlockWithOpts(ctx context.Context, slot uint64, opts *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error) {
	if m.getBlockFunc != nil {
		return m.getBlockFunc(ctx, slot, opts)
	}
	return &solanarpc.GetBlockResult{}, nil
}

func (m *mockReaderRPC) GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	if m.getLatestFunc != nil {
		return m.getLatestFunc(ctx, commitment)
	}
	return &solanarpc.GetLatestBlockhashResult{Value: &solanarpc.LatestBlockhashResult{}}, nil
}

func (m *mockReaderRPC) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error) {
	if m.getTokenBalanceFunc != nil {
		return m.getTokenBalanceFunc(ctx, account, commitment)
	}
	return &solanarpc.GetTokenAccountBalanceResult{Value: &solanarpc.UiTokenAmount{Amount: "0"}}, nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, BaseBackoff: 1, MaxBackoff: 1}
}

func TestTreatz_Chain_Reader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("config validation", func(t *testing.T) {
		t.Parallel()
		_, err := NewReader(ReaderConfig{Logger: treatztesting.NewLogger()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "rpc client is required")

		r, err := NewReader(ReaderConfig{Logger: treatztesting.NewLogger(), RPC: &mockReaderRPC{}})
		require.NoError(t, err)
		require.Equal(t, solanarpc.CommitmentConfirmed, r.cfg.Commitment)
	})

	t.Run("current slot", func(t *testing.T) {
		t.Parallel()
		rpc := &mockReaderRPC{
			getSlotFunc: func(context.Context, solanarpc.CommitmentType) (uint64, error) {
				return 424242, nil
			},
		}
		r, err := NewReader(ReaderConfig{Logger: treatztesting.NewLogger(), RPC: rpc, Retry: fastRetry()})
		require.NoError(t, err)

		slot, err := r.CurrentSlot(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(424242), slot)
	})

	t.Run("block hash for skipped slot errors", func(t *testing.T) {
		t.Parallel()
		rpc := &mockReaderRPC{
			getBlockFunc: func(_ context.Context, slot uint64, _ *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error) {
				return nil, errors.New("slot was skipped")
			},
		}
		r, err := NewReader(ReaderConfig{Logger: treatztesting.NewLogger(), RPC: rpc, Retry: fastRetry()})
		require.NoError(t, err)

		_, err = r.BlockHash(ctx, 5000)
		require.Error(t, err)
		require.Contains(t, err.Error(), "slot 5000")
	})

	t.Run("block hash requests no transaction detail", func(t *testing.T) {
		t.Parallel()
		var captured *solanarpc.GetBlockOpts
		rpc := &mockReaderRPC{
			getBlockFunc: func(_ context.Context, _ uint64, opts *solanarpc.GetBlockOpts) (*solanarpc.GetBlockResult, error) {
				captured = opts
				return &solanarpc.GetBlockResult{}, nil
			},
		}
		r, err := NewReader(ReaderConfig{Logger: treatztesting.NewLogger(), RPC: rpc, Retry: fastRetry()})
		require.NoError(t, err)

		_, err = r.BlockHash(ctx, 5000)
		require.NoError(t, err)
		require.NotNil(t, captured)
		require.Equal(t, solanarpc.TransactionDetailsNone, captured.TransactionDetails)
		require.NotNil(t, captured.Rewards)
		require.False(t, *captured.Rewards)
	})

	t.Run("token balance parses base units", func(t *testing.T) {
		t.Parallel()
		rpc := &mockReaderRPC{
			getTokenBalanceFunc: func(_ context.Context, _ solana.PublicKey, _ solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error) {
				return &solanarpc.GetTokenAccountBalanceResult{Value: &solanarpc.UiTokenAmount{Amount: "123456789"}}, nil
			},
		}
		r, err := NewReader(ReaderConfig{Logger: treatztesting.NewLogger(), RPC: rpc, Retry: fastRetry()})
		require.NoError(t, err)

		balance, err := r.TokenBalance(ctx, solana.PublicKey{})
		require.NoError(t, err)
		require.Equal(t, int64(123456789), balance)
	})

	t.Run("transient rpc error is retried", func(t *testing.T) {
		t.Parallel()
		var calls int
		rpc := &mockReaderRPC{
			getSlotFunc: func(context.Context, solanarpc.CommitmentType) (uint64, error) {
				calls++
				if calls == 1 {
					return 0, errors.New("rate limit exceeded")
				}
				return 7, nil
			},
		}
		r, err := NewReader(ReaderConfig{Logger: treatztesting.NewLogger(), RPC: rpc, Retry: fastRetry()})
		require.NoError(t, err)

		slot, err := r.CurrentSlot(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(7), slot)
		require.Equal(t, 2, calls)
	})
}
