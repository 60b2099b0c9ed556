// Package store provides data models and Postgres persistence for rounds, bets and claims.
package store

import "time"

// Bet directions and round results.
const (
	DirectionUp   = "UP"
	DirectionDown = "DOWN"

	ResultWin  = "WIN"
	ResultLoss = "LOSS"
)

// TreasuryFeeRate is the fixed fee deducted from the pot before payouts.
const TreasuryFeeRate = 0.03

// Bet sources returned by the smart read path.
const (
	SourceRealtime = "realtime"
	SourceHistory  = "history"
	SourceNone     = "none"
)

// Round is a settled prediction round. Created once on reconciliation of a
// closed round and immutable thereafter.
type Round struct {
	Epoch      int64
	StartTime  time.Time
	LockTime   time.Time
	CloseTime  time.Time
	LockPrice  float64
	ClosePrice float64
	Result     string // UP or DOWN
	TotalAmount float64
	UpAmount    float64
	DownAmount  float64
	UpPayout    float64
	DownPayout  float64
}

// Bet is one wallet's position in one round. Historical rows carry a WIN/LOSS
// result once the owning round is reconciled; provisional rows never do.
type Bet struct {
	Epoch       int64
	BetTime     time.Time
	Wallet      string
	Direction   string // UP or DOWN
	Amount      float64
	TxHash      string // globally unique, the idempotency key
	BlockNumber uint64
	Result      string // WIN/LOSS for historical rows, empty otherwise
	Source      string // realtime/history/none, set by the read path
}

// Claim is a payout collection. BetEpoch may differ from Epoch because claims
// can be deferred and collected in a later round.
type Claim struct {
	Epoch       int64 // claim epoch
	ClaimTime   time.Time
	Wallet      string
	Amount      float64
	BetEpoch    int64 // originating bet round
	TxHash      string
	BlockNumber uint64
}

// FailedEpoch records reconciliation failures for one epoch. Once the count
// reaches the configured maximum the epoch is never retried automatically.
type FailedEpoch struct {
	Epoch         int64
	FailureCount  int
	LastAttemptAt time.Time
	LastError     string
}

// SuspiciousGroup is one wallet's multi-round claim pattern inside a single
// claim epoch. Re-detection upserts counts and amounts rather than duplicating.
type SuspiciousGroup struct {
	ClaimEpoch    int64
	Wallet        string
	RoundsClaimed int
	BetEpochs     []int64
	TotalAmount   float64
	DetectedAt    time.Time
	ReviewStatus  string
}

// WalletNote is a free-text annotation on a wallet, set automatically by the
// live heuristics or manually by an operator.
type WalletNote struct {
	Wallet    string
	Note      string
	CreatedAt time.Time
}

// RoundResult derives the round outcome from its prices. Ties classify as DOWN
// because only a strictly greater close wins for UP.
func RoundResult(lockPrice, closePrice float64) string {
	if closePrice > lockPrice {
		return DirectionUp
	}
	return DirectionDown
}

// PayoutMultiplier computes the payout for one side of the pot. A side with no
// stake pays zero; otherwise the fee-discounted pot is split across the side.
func PayoutMultiplier(totalAmount, sideAmount float64) float64 {
	if sideAmount == 0 {
		return 0
	}
	return totalAmount * (1 - TreasuryFeeRate) / sideAmount
}

// BetOutcome classifies a bet against the settled round result.
func BetOutcome(direction, roundResult string) string {
	if direction == roundResult {
		return ResultWin
	}
	return ResultLoss
}
