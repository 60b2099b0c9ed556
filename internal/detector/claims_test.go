package detector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/predwatch/engine/internal/store"
)

type fakeGroupWriter struct {
	upserts []store.SuspiciousGroup
}

func (w *fakeGroupWriter) UpsertSuspiciousGroup(_ context.Context, g store.SuspiciousGroup) error {
	w.upserts = append(w.upserts, g)
	return nil
}

func claim(wallet string, betEpoch int64, amount float64) store.Claim {
	return store.Claim{Epoch: 210, Wallet: wallet, BetEpoch: betEpoch, Amount: amount}
}

func TestDetectEpochFlagsMultiRoundClaimer(t *testing.T) {
	writer := &fakeGroupWriter{}
	d := NewClaimDetector(writer, 3)

	claims := []store.Claim{
		// 0xABC collects four deferred payouts in one sweep.
		claim("0xABC", 200, 1.0),
		claim("0xABC", 201, 0.5),
		claim("0xABC", 202, 2.0),
		claim("0xABC", 203, 0.25),
		// 0xDEF collects two: under the threshold.
		claim("0xDEF", 200, 1.0),
		claim("0xDEF", 201, 1.0),
	}

	flagged, err := d.DetectEpoch(context.Background(), 210, claims)
	require.NoError(t, err)
	require.Len(t, flagged, 1)

	g := flagged[0]
	require.Equal(t, int64(210), g.ClaimEpoch)
	require.Equal(t, "0xABC", g.Wallet)
	require.Equal(t, 4, g.RoundsClaimed)
	require.Equal(t, []int64{200, 201, 202, 203}, g.BetEpochs)
	require.InDelta(t, 3.75, g.TotalAmount, 1e-9)
	require.Equal(t, "pending", g.ReviewStatus)

	require.Len(t, writer.upserts, 1)
}

func TestDetectEpochCountsDistinctBetEpochs(t *testing.T) {
	writer := &fakeGroupWriter{}
	d := NewClaimDetector(writer, 3)

	// Six claims but only two distinct bet epochs: not a multi-round sweep.
	var claims []store.Claim
	for i := 0; i < 3; i++ {
		claims = append(claims, claim("0xABC", 200, 1.0), claim("0xABC", 201, 1.0))
	}

	flagged, err := d.DetectEpoch(context.Background(), 210, claims)
	require.NoError(t, err)
	require.Empty(t, flagged)
	require.Empty(t, writer.upserts)
}

func TestDetectEpochThresholdIsExclusive(t *testing.T) {
	writer := &fakeGroupWriter{}
	d := NewClaimDetector(writer, 3)

	// Exactly threshold distinct epochs: not flagged.
	flagged, err := d.DetectEpoch(context.Background(), 210, []store.Claim{
		claim("0xABC", 200, 1),
		claim("0xABC", 201, 1),
		claim("0xABC", 202, 1),
	})
	require.NoError(t, err)
	require.Empty(t, flagged)
}
