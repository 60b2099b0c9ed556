// Package live captures bet events as they occur, applies inline heuristics
// and persists provisional rows ahead of historical reconciliation.
package live

import (
	"fmt"
	"sync"
	"time"
)

// HeuristicConfig holds the inline suspicion thresholds.
type HeuristicConfig struct {
	// HighVolumeBets flags wallets exceeding this many bets in the process
	// lifetime.
	HighVolumeBets int
	// WindowBets flags more than this many bets inside the trailing window.
	WindowBets int
	// Window is the trailing frequency window.
	Window time.Duration
	// MaxBetAmount flags any single bet above this amount.
	MaxBetAmount float64
}

// Verdict is the result of one heuristic check.
type Verdict struct {
	Suspicious bool
	Reasons    []string
	TotalBets  int
	WindowBets int
}

type walletState struct {
	totalBets int
	recent    []time.Time
	epochs    map[int64]int
	lastSeen  time.Time
}

// WalletTracker keeps per-wallet bet counters and a rolling timestamp window.
// State lives only in process memory and resets on restart.
type WalletTracker struct {
	cfg HeuristicConfig

	mu      sync.Mutex
	wallets map[string]*walletState
	now     func() time.Time
}

// NewWalletTracker creates an empty tracker.
func NewWalletTracker(cfg HeuristicConfig) *WalletTracker {
	return &WalletTracker{
		cfg:     cfg,
		wallets: make(map[string]*walletState),
		now:     time.Now,
	}
}

// Check records a bet for the wallet and returns the suspicion verdict. The
// window is pruned on every check, so stale timestamps never accumulate.
func (t *WalletTracker) Check(wallet string, epoch int64, amount float64) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	state, ok := t.wallets[wallet]
	if !ok {
		state = &walletState{epochs: make(map[int64]int)}
		t.wallets[wallet] = state
	}

	state.totalBets++
	state.epochs[epoch]++
	state.lastSeen = now

	cutoff := now.Add(-t.cfg.Window)
	kept := state.recent[:0]
	for _, ts := range state.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	state.recent = append(kept, now)

	verdict := Verdict{
		TotalBets:  state.totalBets,
		WindowBets: len(state.recent),
	}

	if state.totalBets > t.cfg.HighVolumeBets {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("high volume: %d bets total", state.totalBets))
	}
	if len(state.recent) > t.cfg.WindowBets {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("rapid betting: %d bets in %s", len(state.recent), t.cfg.Window))
	}
	if amount > t.cfg.MaxBetAmount {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("oversized bet: %.4f", amount))
	}
	if state.epochs[epoch] > 1 {
		verdict.Reasons = append(verdict.Reasons,
			fmt.Sprintf("repeat bet in epoch %d", epoch))
	}

	verdict.Suspicious = len(verdict.Reasons) > 0
	return verdict
}

// Cleanup drops wallets with no activity inside the retention period.
func (t *WalletTracker) Cleanup(retention time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-retention)
	for wallet, state := range t.wallets {
		if state.lastSeen.Before(cutoff) {
			delete(t.wallets, wallet)
		}
	}
}
