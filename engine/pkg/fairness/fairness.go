// Package fairness implements the commit-reveal protocol and the
// deterministic draws used by the coin flip and the jackpot raffle.
//
// Every outcome is a pure function of a server secret (committed before the
// outcome is knowable) and public input material the server cannot choose
// (payment signatures, client seeds, chain entropy). Players can recompute
// any outcome after the secret is revealed.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// Side is a coin-flip choice.
type Side string

const (
	SideTrick Side = "TRICK"
	SideTreat Side = "TREAT"
)

// ParseSide returns the Side for s, or false if s is not a valid side.
func ParseSide(s string) (Side, bool) {
	switch Side(s) {
	case SideTrick:
		return SideTrick, true
	case SideTreat:
		return SideTreat, true
	}
	return "", false
}

// Entry is one wallet's ticket stake in a round, in insertion order.
type Entry struct {
	Wallet  string
	Tickets int64
}

// NewSecret generates a fresh 32-byte server secret, hex encoded.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewClientSeed generates the short informational nonce published next to a
// round's commitment.
func NewClientSeed() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Commit returns the public commitment for a server secret.
func Commit(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyCommit reports whether reveal matches a previously published commitment.
func VerifyCommit(commitment, reveal string) bool {
	return hmac.Equal([]byte(Commit(reveal)), []byte(commitment))
}

func keyed(secret, msg string) *big.Int {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return new(big.Int).SetBytes(mac.Sum(nil))
}

// CoinflipOutcome computes the settled side of a coin-flip bet. The keyed
// PRF is computed over the payment signature concatenated with the client
// seed, keyed by the committed server secret: the player cannot predict the
// secret and the server cannot choose the signature. Odd parity is TREAT.
func CoinflipOutcome(serverSecret, paymentRef, clientSeed string) Side {
	v := keyed(serverSecret, paymentRef+clientSeed)
	if v.Bit(0) == 1 {
		return SideTreat
	}
	return SideTrick
}

// WeightedDraw selects the raffle winner for a round. The draw value is the
// keyed PRF over entropy+roundID reduced modulo the total ticket count;
// entries are walked in insertion order and the first entry whose cumulative
// ticket sum strictly exceeds the reduced value wins. Ticket ranges are
// disjoint and ordered, so the result is unambiguous.
//
// A round with zero total tickets has no winner; ok is false and no draw
// occurs. That is a policy no-op, not an error.
func WeightedDraw(serverSecret, entropy, roundID string, entries []Entry) (winner string, ok bool) {
	var total int64
	for _, e := range entries {
		total += e.Tickets
	}
	if total <= 0 {
		return "", false
	}

	v := keyed(serverSecret, entropy+roundID)
	r := new(big.Int).Mod(v, big.NewInt(total)).Int64()

	var cum int64
	for _, e := range entries {
		cum += e.Tickets
		if cum > r {
			return e.Wallet, true
		}
	}
	// Unreachable: cum == total > r always terminates the walk.
	return "", false
}

// Split divides pot into winner/dev/burn shares using integer percentages.
// The rounding remainder goes entirely to the winner, so the three shares
// always sum exactly to pot.
func Split(pot int64, devPct, burnPct int64) (winner, dev, burn int64) {
	dev = pot * devPct / 100
	burn = pot * burnPct / 100
	winner = pot - dev - burn
	return winner, dev, burn
}
