package fairness

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreatz_Fairness_CommitReveal(t *testing.T) {
	t.Parallel()

	t.Run("commit matches reveal", func(t *testing.T) {
		t.Parallel()
		secret, err := NewSecret()
		require.NoError(t, err)
		require.Len(t, secret, 64)

		commitment := Commit(secret)
		require.True(t, VerifyCommit(commitment, secret))
	})

	t.Run("wrong reveal fails verification", func(t *testing.T) {
		t.Parallel()
		require.False(t, VerifyCommit(Commit("s1"), "s2"))
	})

	t.Run("secrets are unique", func(t *testing.T) {
		t.Parallel()
		a, err := NewSecret()
		require.NoError(t, err)
		b, err := NewSecret()
		require.NoError(t, err)
		require.NotEqual(t, a, b)
	})
}

func TestTreatz_Fairness_CoinflipOutcome(t *testing.T) {
	t.Parallel()

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		a := CoinflipOutcome("s1", "txA", "c1")
		b := CoinflipOutcome("s1", "txA", "c1")
		require.Equal(t, a, b)
	})

	t.Run("known vectors", func(t *testing.T) {
		t.Parallel()
		// HMAC-SHA256("s1", "txA"+"c1") is even, HMAC-SHA256("s3", ...) is odd.
		require.Equal(t, SideTrick, CoinflipOutcome("s1", "txA", "c1"))
		require.Equal(t, SideTreat, CoinflipOutcome("s3", "txA", "c1"))
	})

	t.Run("input material changes outcome domain", func(t *testing.T) {
		t.Parallel()
		// Not a strict inequality for any pair, but the PRF must depend on
		// every input: flipping any of the three must not be a no-op for all
		// of these vectors at once.
		base := CoinflipOutcome("s1", "txA", "c1")
		diff := 0
		if CoinflipOutcome("s3", "txA", "c1") != base {
			diff++
		}
		if CoinflipOutcome("s1", "txB", "c1") != base {
			diff++
		}
		if CoinflipOutcome("s1", "txA", "c9") != base {
			diff++
		}
		require.Greater(t, diff, 0)
	})
}

func TestTreatz_Fairness_WeightedDraw(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{Wallet: "A", Tickets: 3},
		{Wallet: "B", Tickets: 2},
	}

	t.Run("reduced value 4 lands on B", func(t *testing.T) {
		t.Parallel()
		// HMAC-SHA256("s1", "entropy"+"R000042") mod 5 == 4; cumulative
		// ranges are A:(0,3], B:(3,5], so 4 falls to B.
		winner, ok := WeightedDraw("s1", "entropy", "R000042", entries)
		require.True(t, ok)
		require.Equal(t, "B", winner)
	})

	t.Run("reduced value 1 lands on A", func(t *testing.T) {
		t.Parallel()
		// HMAC-SHA256("s2", "e1"+"R000042") mod 5 == 1.
		winner, ok := WeightedDraw("s2", "e1", "R000042", entries)
		require.True(t, ok)
		require.Equal(t, "A", winner)
	})

	t.Run("zero tickets is a no-op", func(t *testing.T) {
		t.Parallel()
		winner, ok := WeightedDraw("s1", "entropy", "R000042", nil)
		require.False(t, ok)
		require.Empty(t, winner)

		winner, ok = WeightedDraw("s1", "entropy", "R000042", []Entry{{Wallet: "A", Tickets: 0}})
		require.False(t, ok)
		require.Empty(t, winner)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		t.Parallel()
		w1, ok1 := WeightedDraw("s1", "entropy", "R000042", entries)
		w2, ok2 := WeightedDraw("s1", "entropy", "R000042", entries)
		require.Equal(t, ok1, ok2)
		require.Equal(t, w1, w2)
	})

	t.Run("winner always holds a ticket", func(t *testing.T) {
		t.Parallel()
		mixed := []Entry{
			{Wallet: "A", Tickets: 1},
			{Wallet: "B", Tickets: 0},
			{Wallet: "C", Tickets: 7},
		}
		for _, entropy := range []string{"e1", "e2", "e3", "e4", "e5"} {
			winner, ok := WeightedDraw("secret", entropy, "R000001", mixed)
			require.True(t, ok)
			require.NotEqual(t, "B", winner)
		}
	})
}

func TestTreatz_Fairness_Split(t *testing.T) {
	t.Parallel()

	t.Run("shares sum exactly to pot", func(t *testing.T) {
		t.Parallel()
		for _, pot := range []int64{1, 7, 99, 100, 101, 2_500_000, 3_999_999_999} {
			winner, dev, burn := Split(pot, 10, 10)
			require.Equal(t, pot, winner+dev+burn, "pot=%d", pot)
		}
	})

	t.Run("rounding remainder goes to winner", func(t *testing.T) {
		t.Parallel()
		winner, dev, burn := Split(109, 10, 10)
		require.Equal(t, int64(10), dev)
		require.Equal(t, int64(10), burn)
		require.Equal(t, int64(89), winner)
	})

	t.Run("80/10/10 on an even pot", func(t *testing.T) {
		t.Parallel()
		winner, dev, burn := Split(1_000_000, 10, 10)
		require.Equal(t, int64(800_000), winner)
		require.Equal(t, int64(100_000), dev)
		require.Equal(t, int64(100_000), burn)
	})
}

func TestTreatz_Fairness_ParseSide(t *testing.T) {
	t.Parallel()

	side, ok := ParseSide("TRICK")
	require.True(t, ok)
	require.Equal(t, SideTrick, side)

	side, ok = ParseSide("TREAT")
	require.True(t, ok)
	require.Equal(t, SideTreat, side)

	_, ok = ParseSide("HEADS")
	require.False(t, ok)
	_, ok = ParseSide("treat")
	require.False(t, ok)
}
