package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/predwatch/engine/internal/store"
)

// Risk tiers for the batch audit.
const (
	RiskHigh   = "HIGH"
	RiskMedium = "MEDIUM"
	RiskLow    = "LOW"
)

// ClaimLister provides the full claim table for the batch audit.
type ClaimLister interface {
	AllClaims(ctx context.Context) ([]store.Claim, error)
}

// AuditGroup is one (claim epoch, wallet) pair with more than one claim row.
type AuditGroup struct {
	Epoch       int64
	Wallet      string
	ClaimCount  int
	TotalAmount float64
	Tier        string
}

// AuditReport summarizes a full-table audit pass.
type AuditReport struct {
	Groups     []AuditGroup
	TierCounts map[string]int
	TopWallet  string
	TopCount   int
	Wallets    []string
}

// Audit scans the whole claim table for wallets with multiple claims inside a
// single epoch and classifies them into risk tiers. Unlike DetectEpoch this is
// a periodic offline pass, not part of the reconciliation commit.
func Audit(ctx context.Context, lister ClaimLister) (*AuditReport, error) {
	claims, err := lister.AllClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit claims: %w", err)
	}

	type key struct {
		epoch  int64
		wallet string
	}
	type agg struct {
		count int
		total float64
	}

	grouped := make(map[key]*agg)
	for _, c := range claims {
		k := key{epoch: c.Epoch, wallet: c.Wallet}
		a, ok := grouped[k]
		if !ok {
			a = &agg{}
			grouped[k] = a
		}
		a.count++
		a.total += c.Amount
	}

	report := &AuditReport{TierCounts: map[string]int{}}
	seenWallets := make(map[string]struct{})

	for k, a := range grouped {
		if a.count <= 1 {
			continue
		}

		g := AuditGroup{
			Epoch:       k.epoch,
			Wallet:      k.wallet,
			ClaimCount:  a.count,
			TotalAmount: a.total,
			Tier:        riskTier(a.count, a.total),
		}
		report.Groups = append(report.Groups, g)
		report.TierCounts[g.Tier]++

		if g.ClaimCount > report.TopCount {
			report.TopCount = g.ClaimCount
			report.TopWallet = g.Wallet
		}
		seenWallets[g.Wallet] = struct{}{}
	}

	for w := range seenWallets {
		report.Wallets = append(report.Wallets, w)
	}
	sort.Strings(report.Wallets)
	sort.Slice(report.Groups, func(i, j int) bool {
		if report.Groups[i].Epoch != report.Groups[j].Epoch {
			return report.Groups[i].Epoch < report.Groups[j].Epoch
		}
		return report.Groups[i].Wallet < report.Groups[j].Wallet
	})

	slog.Info("claim_audit_complete",
		"suspicious_groups", len(report.Groups),
		"high", report.TierCounts[RiskHigh],
		"medium", report.TierCounts[RiskMedium],
		"low", report.TierCounts[RiskLow],
		"top_wallet", report.TopWallet,
		"top_count", report.TopCount,
	)

	return report, nil
}

// riskTier classifies a multi-claim group by claim count and total amount.
func riskTier(count int, total float64) string {
	switch {
	case count >= 5 || total >= 5.0:
		return RiskHigh
	case count >= 3 || total >= 1.0:
		return RiskMedium
	default:
		return RiskLow
	}
}
