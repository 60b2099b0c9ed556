package live

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/predwatch/engine/internal/chain"
	"github.com/predwatch/engine/internal/metrics"
	"github.com/predwatch/engine/internal/push"
	"github.com/predwatch/engine/internal/store"
)

const (
	logBuffer         = 256
	lockTimeFallback  = 30 * time.Second
	dedupEpochHistory = 5
	trackerRetention  = time.Hour
)

// BetStore is the persistence capability the listener needs.
type BetStore interface {
	InsertProvisionalBet(ctx context.Context, bet store.Bet) error
	EnsureWalletNote(ctx context.Context, wallet, note string) error
}

// Publisher delivers serialized messages to live subscribers.
type Publisher interface {
	Publish(msgType string, data any)
}

type dedupKey struct {
	epoch  int64
	wallet string
}

// Listener subscribes to bet and round lifecycle events as they occur,
// deduplicates at-least-once deliveries, applies the inline heuristics and
// publishes push messages. It runs independently of the historical
// reconciler, racing against it under idempotent constraints.
type Listener struct {
	manager  *chain.Manager
	contract *chain.Contract
	bets     BetStore
	hub      Publisher
	heur     *WalletTracker
	tracker  *metrics.Tracker

	// FetchLockTime controls whether LockRound handling reads the lock
	// timestamp from the contract or always uses the fallback.
	FetchLockTime bool

	mu   sync.Mutex
	seen map[dedupKey]struct{}

	betUpID   common.Hash
	betDownID common.Hash
	startID   common.Hash
	lockID    common.Hash
}

// NewListener wires a listener; Run starts it.
func NewListener(manager *chain.Manager, contract *chain.Contract, bets BetStore, hub Publisher, heur *WalletTracker, tracker *metrics.Tracker) *Listener {
	abiSpec := contract.ABI()
	return &Listener{
		manager:       manager,
		contract:      contract,
		bets:          bets,
		hub:           hub,
		heur:          heur,
		tracker:       tracker,
		FetchLockTime: true,
		seen:          make(map[dedupKey]struct{}),
		betUpID:       abiSpec.Events["BetUp"].ID,
		betDownID:     abiSpec.Events["BetDown"].ID,
		startID:       abiSpec.Events["StartRound"].ID,
		lockID:        abiSpec.Events["LockRound"].ID,
	}
}

// Run subscribes and handles events until the context is cancelled or the
// streaming connection is abandoned after exhausting reconnect attempts.
func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("live_session_ended", "error", err)
			if rerr := l.manager.ReconnectWS(ctx); rerr != nil {
				slog.Error("live_path_offline", "error", rerr)
				l.tracker.SetWSStatus("offline")
				return
			}
		}
	}
}

// session opens one subscription on the current streaming handle and consumes
// it until it fails.
func (l *Listener) session(ctx context.Context) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.contract.Address()},
		Topics:    [][]common.Hash{{l.betUpID, l.betDownID, l.startID, l.lockID}},
	}

	logs := make(chan types.Log, logBuffer)
	sub, err := l.manager.WS().SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	l.tracker.SetWSStatus("connected")
	slog.Info("live_subscribed", "contract", l.contract.Address().Hex())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			l.tracker.SetWSStatus("disconnected")
			return fmt.Errorf("subscription: %w", err)
		case lg := <-logs:
			l.handleLog(ctx, lg)
		}
	}
}

func (l *Listener) handleLog(ctx context.Context, lg types.Log) {
	if len(lg.Topics) == 0 {
		return
	}

	switch lg.Topics[0] {
	case l.betUpID:
		l.handleBet(ctx, lg, store.DirectionUp)
	case l.betDownID:
		l.handleBet(ctx, lg, store.DirectionDown)
	case l.startID:
		l.handleRoundStart(lg)
	case l.lockID:
		l.handleRoundLock(ctx, lg)
	}
}

func (l *Listener) handleBet(ctx context.Context, lg types.Log, direction string) {
	event, err := chain.DecodeBetLog(lg, direction, time.Now().UTC())
	if err != nil {
		slog.Warn("live_bet_decode_failed", "error", err)
		return
	}

	// The subscription transport is at-least-once; discard redeliveries.
	key := dedupKey{epoch: event.Epoch, wallet: event.Wallet}
	l.mu.Lock()
	if _, dup := l.seen[key]; dup {
		l.mu.Unlock()
		l.tracker.IncrementDedupDiscards()
		return
	}
	l.seen[key] = struct{}{}
	l.mu.Unlock()

	l.tracker.IncrementLiveBets()

	verdict := l.heur.Check(event.Wallet, event.Epoch, event.Amount)

	bet := store.Bet{
		Epoch:       event.Epoch,
		BetTime:     event.Time,
		Wallet:      event.Wallet,
		Direction:   event.Direction,
		Amount:      event.Amount,
		TxHash:      event.TxHash,
		BlockNumber: event.BlockNumber,
	}
	if err := l.bets.InsertProvisionalBet(ctx, bet); err != nil {
		slog.Error("provisional_insert_failed", "epoch", event.Epoch, "wallet", event.Wallet, "error", err)
	}

	if verdict.Suspicious {
		l.tracker.IncrementSuspiciousFlags()
		note := "auto: " + strings.Join(verdict.Reasons, "; ")
		if err := l.bets.EnsureWalletNote(ctx, event.Wallet, note); err != nil {
			slog.Warn("wallet_note_failed", "wallet", event.Wallet, "error", err)
		}
		slog.Warn("suspicious_wallet",
			"wallet", event.Wallet,
			"epoch", event.Epoch,
			"reasons", strings.Join(verdict.Reasons, "; "),
			"total_bets", verdict.TotalBets,
			"window_bets", verdict.WindowBets,
		)
	}

	l.hub.Publish(push.TypeNewBetData, push.NewBetData{
		Epoch:     event.Epoch,
		Wallet:    event.Wallet,
		Direction: event.Direction,
		Amount:    event.Amount,
		Suspicious: push.SuspicionVerdict{
			IsSuspicious: verdict.Suspicious,
			Flags:        verdict.Reasons,
		},
	})
}

func (l *Listener) handleRoundStart(lg types.Log) {
	event, err := chain.DecodeRoundStartLog(lg)
	if err != nil {
		slog.Warn("round_start_decode_failed", "error", err)
		return
	}

	slog.Info("round_started", "epoch", event.Epoch)
	l.hub.Publish(push.TypeRoundStart, push.RoundStart{Epoch: event.Epoch})

	l.pruneDedup(event.Epoch)
	l.heur.Cleanup(trackerRetention)
}

func (l *Listener) handleRoundLock(ctx context.Context, lg types.Log) {
	event, err := chain.DecodeRoundLockLog(lg)
	if err != nil {
		slog.Warn("round_lock_decode_failed", "error", err)
		return
	}

	lockTime := time.Now().Add(lockTimeFallback).UTC()
	if l.FetchLockTime {
		if round, rerr := l.contract.ReadRound(ctx, event.Epoch); rerr == nil {
			lockTime = round.LockTimestamp
		} else {
			slog.Warn("lock_time_read_failed", "epoch", event.Epoch, "error", rerr)
		}
	}

	slog.Info("round_locked", "epoch", event.Epoch, "lock_time", lockTime)
	l.hub.Publish(push.TypeRoundLock, push.RoundLock{
		Epoch:    event.Epoch,
		LockTime: lockTime.Unix(),
	})
}

// pruneDedup drops dedup entries for epochs long past; bets for those can no
// longer arrive through the subscription.
func (l *Listener) pruneDedup(currentEpoch int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	horizon := currentEpoch - dedupEpochHistory
	for key := range l.seen {
		if key.epoch < horizon {
			delete(l.seen, key)
		}
	}
}
