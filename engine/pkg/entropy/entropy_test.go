package entropy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	treatztesting "github.com/trickortreatsol/treatz/utils/pkg/testing"
)

type fakeChain struct {
	blocks     map[uint64]string
	latest     string
	latestErr  error
	currentErr error
}

func (f *fakeChain) CurrentSlot(ctx context.Context) (uint64, error) {
	if f.currentErr != nil {
		return 0, f.currentErr
	}
	var max uint64
	for slot := range f.blocks {
		if slot > max {
			max = slot
		}
	}
	return max, nil
}

func (f *fakeChain) BlockHash(ctx context.Context, slot uint64) (string, error) {
	hash, ok := f.blocks[slot]
	if !ok {
		return "", errors.New("block not available for slot")
	}
	return hash, nil
}

func (f *fakeChain) LatestBlockHash(ctx context.Context) (string, error) {
	if f.latestErr != nil {
		return "", f.latestErr
	}
	return f.latest, nil
}

type fakeEntries struct {
	sig string
	err error
}

func (f *fakeEntries) LastEntryTxSig(ctx context.Context) (string, error) {
	return f.sig, f.err
}

func newResolver(t *testing.T, chain ChainReader, entries EntryReader) *Resolver {
	t.Helper()
	r, err := New(Config{
		Logger:           treatztesting.NewLogger(),
		Chain:            chain,
		Entries:          entries,
		BackScanSlots:    4,
		ForwardScanSlots: 2,
	})
	require.NoError(t, err)
	return r
}

func TestTreatz_Entropy_New(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Chain: &fakeChain{}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing chain reader", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: treatztesting.NewLogger()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "chain reader is required")
	})
}

func TestTreatz_Entropy_Resolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("exact slot", func(t *testing.T) {
		t.Parallel()
		r := newResolver(t, &fakeChain{blocks: map[uint64]string{100: "hash100"}}, nil)
		res := r.Resolve(ctx, 100)
		require.Equal(t, "hash100", res.Value)
		require.Equal(t, SourceExactSlot, res.Source)
		require.Equal(t, uint64(100), res.Slot)
	})

	t.Run("backward scan finds nearest earlier block", func(t *testing.T) {
		t.Parallel()
		// Slots 100, 99 skipped; 98 exists.
		r := newResolver(t, &fakeChain{blocks: map[uint64]string{98: "hash98", 97: "hash97"}}, nil)
		res := r.Resolve(ctx, 100)
		require.Equal(t, "hash98", res.Value)
		require.Equal(t, SourceBackScan, res.Source)
		require.Equal(t, uint64(98), res.Slot)
	})

	t.Run("forward scan after back window exhausted", func(t *testing.T) {
		t.Parallel()
		// Back window is 4 (slots 96..99 missing); 101 exists.
		r := newResolver(t, &fakeChain{blocks: map[uint64]string{101: "hash101"}}, nil)
		res := r.Resolve(ctx, 100)
		require.Equal(t, "hash101", res.Value)
		require.Equal(t, SourceForwardScan, res.Source)
		require.Equal(t, uint64(101), res.Slot)
	})

	t.Run("latest block fallback", func(t *testing.T) {
		t.Parallel()
		r := newResolver(t, &fakeChain{latest: "latesthash"}, nil)
		res := r.Resolve(ctx, 100)
		require.Equal(t, "latesthash", res.Value)
		require.Equal(t, SourceLatestBlock, res.Source)
		require.Zero(t, res.Slot)
	})

	t.Run("last entry signature fallback", func(t *testing.T) {
		t.Parallel()
		chain := &fakeChain{latestErr: errors.New("rpc down")}
		r := newResolver(t, chain, &fakeEntries{sig: "sigX"})
		res := r.Resolve(ctx, 100)
		require.Equal(t, "sigX", res.Value)
		require.Equal(t, SourceLastEntrySig, res.Source)
	})

	t.Run("local random is the final tier and always succeeds", func(t *testing.T) {
		t.Parallel()
		chain := &fakeChain{latestErr: errors.New("rpc down")}
		r := newResolver(t, chain, &fakeEntries{err: errors.New("no entries")})
		res := r.Resolve(ctx, 100)
		require.Equal(t, SourceLocalRandom, res.Source)
		require.Len(t, res.Value, 64)

		// And it is actually random.
		res2 := r.Resolve(ctx, 100)
		require.NotEqual(t, res.Value, res2.Value)
	})

	t.Run("nil entry reader skips to local random", func(t *testing.T) {
		t.Parallel()
		chain := &fakeChain{latestErr: errors.New("rpc down")}
		r := newResolver(t, chain, nil)
		res := r.Resolve(ctx, 100)
		require.Equal(t, SourceLocalRandom, res.Source)
	})

	t.Run("target slot near zero does not underflow", func(t *testing.T) {
		t.Parallel()
		r := newResolver(t, &fakeChain{blocks: map[uint64]string{3: "hash3"}}, nil)
		res := r.Resolve(ctx, 2)
		require.Equal(t, SourceForwardScan, res.Source)
		require.Equal(t, uint64(3), res.Slot)
	})
}
