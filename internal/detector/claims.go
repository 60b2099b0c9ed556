// Package detector finds anomalous claim patterns in settled rounds.
package detector

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/predwatch/engine/internal/store"
)

// GroupWriter is the persistence capability the detector needs.
type GroupWriter interface {
	UpsertSuspiciousGroup(ctx context.Context, g store.SuspiciousGroup) error
}

// ClaimDetector flags wallets that collect payouts for many distinct bet
// rounds within a single claim epoch. It runs only after the full claim set
// for an epoch has been committed; live claim streams are never epoch-complete.
type ClaimDetector struct {
	groups    GroupWriter
	threshold int
}

// NewClaimDetector creates a detector flagging wallets whose distinct
// bet-epoch count exceeds the threshold.
func NewClaimDetector(groups GroupWriter, threshold int) *ClaimDetector {
	return &ClaimDetector{groups: groups, threshold: threshold}
}

// DetectEpoch groups one epoch's claims by wallet, counts distinct originating
// bet epochs and records every wallet over the threshold. Re-detection upserts
// rather than duplicating, so the operation is idempotent.
func (d *ClaimDetector) DetectEpoch(ctx context.Context, claimEpoch int64, claims []store.Claim) ([]store.SuspiciousGroup, error) {
	type walletAgg struct {
		betEpochs map[int64]struct{}
		total     float64
	}

	byWallet := make(map[string]*walletAgg)
	for _, c := range claims {
		agg, ok := byWallet[c.Wallet]
		if !ok {
			agg = &walletAgg{betEpochs: make(map[int64]struct{})}
			byWallet[c.Wallet] = agg
		}
		agg.betEpochs[c.BetEpoch] = struct{}{}
		agg.total += c.Amount
	}

	var flagged []store.SuspiciousGroup
	now := time.Now().UTC()

	for wallet, agg := range byWallet {
		if len(agg.betEpochs) <= d.threshold {
			continue
		}

		epochs := make([]int64, 0, len(agg.betEpochs))
		for e := range agg.betEpochs {
			epochs = append(epochs, e)
		}
		sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

		group := store.SuspiciousGroup{
			ClaimEpoch:    claimEpoch,
			Wallet:        wallet,
			RoundsClaimed: len(epochs),
			BetEpochs:     epochs,
			TotalAmount:   agg.total,
			DetectedAt:    now,
			ReviewStatus:  "pending",
		}

		if err := d.groups.UpsertSuspiciousGroup(ctx, group); err != nil {
			return flagged, err
		}
		flagged = append(flagged, group)

		slog.Warn("multi_round_claimer_detected",
			"claim_epoch", claimEpoch,
			"wallet", wallet,
			"rounds_claimed", len(epochs),
			"total_amount", agg.total,
		)
	}

	sort.Slice(flagged, func(i, j int) bool { return flagged[i].Wallet < flagged[j].Wallet })
	return flagged, nil
}
