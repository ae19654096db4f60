package ledger

import "time"

// Round statuses. A round is OPEN from creation until the scheduler settles
// it; SETTLED is terminal.
const (
	RoundOpen    = "OPEN"
	RoundSettled = "SETTLED"
)

// Bet statuses.
const (
	BetPending = "PENDING"
	BetSettled = "SETTLED"
)

// Round is one timed raffle cycle.
type Round struct {
	ID               string
	Status           string
	OpensAt          time.Time
	ClosesAt         time.Time
	Pot              int64
	ClientSeed       string
	ServerSeedHash   string
	ServerSeedReveal *string
	FinalizeSlot     uint64
	Entropy          *string
	Winner           *string
	PayoutSig        *string
}

// Bet is one coin-flip wager.
type Bet struct {
	ID               string
	Wallet           string
	ClientSeed       string
	ServerSeedHash   string
	ServerSeedReveal *string
	Wager            int64
	Side             string
	Result           *string
	Win              *bool
	Status           string
	TxSig            *string
	PayoutSig        *string
	CreatedAt        time.Time
	SettledAt        *time.Time
}

// Entry is a jackpot ticket purchase attributed to a round. The payment
// signature is unique across all entries.
type Entry struct {
	ID        int64
	RoundID   string
	Wallet    string
	Tickets   int64
	TxSig     string
	CreatedAt time.Time
}

// Credit is a wallet's stored sub-ticket-price remainder.
type Credit struct {
	Wallet  string
	Balance int64
}
