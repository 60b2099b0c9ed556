// Package reconciler drives the historical backfill: per epoch it resolves the
// block range, fetches events, validates completeness and persists atomically.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/predwatch/engine/internal/chain"
	"github.com/predwatch/engine/internal/metrics"
	"github.com/predwatch/engine/internal/store"
)

// Sentinel outcomes of one epoch pass.
var (
	// ErrRoundNotClosed means settlement has not been recorded yet; the
	// epoch is retried on a later backfill run without a failure mark.
	ErrRoundNotClosed = errors.New("round not yet closed")
	// ErrIncompleteData means the fetched round/bet/claim set failed
	// validation; routed through the failure counter like transport errors.
	ErrIncompleteData = errors.New("incomplete epoch data")
	// ErrEpochSkipped means the epoch has exhausted its failure budget and
	// is permanently skipped.
	ErrEpochSkipped = errors.New("epoch permanently skipped")
)

// headOffset excludes the most recent epochs, whose claims have not fully
// resolved yet.
const headOffset = 2

// ChainSource is what the reconciler needs from the RPC layer.
type ChainSource interface {
	CurrentEpoch(ctx context.Context) (int64, error)
	ReadRound(ctx context.Context, epoch int64) (chain.RoundData, error)
	FindBlock(ctx context.Context, target time.Time) (uint64, error)
	FetchRange(ctx context.Context, fromBlock, toBlock uint64) (*chain.EventBatch, error)
}

// EpochStore is what the reconciler needs from persistence.
type EpochStore interface {
	HasRound(ctx context.Context, epoch int64) (bool, error)
	DeleteRound(ctx context.Context, epoch int64) error
	CommitEpoch(ctx context.Context, round store.Round, bets []store.Bet, claims []store.Claim) error
	DeleteProvisionalBets(ctx context.Context, epoch int64) error
	RecordEpochFailure(ctx context.Context, epoch int64, cause string) (int, error)
	EpochFailureCount(ctx context.Context, epoch int64) (int, error)
}

// ClaimDetector runs over the committed claim set of one epoch.
type ClaimDetector interface {
	DetectEpoch(ctx context.Context, claimEpoch int64, claims []store.Claim) ([]store.SuspiciousGroup, error)
}

// Config holds reconciler pacing and failure policy.
type Config struct {
	// EpochPause is the delay between processed epochs.
	EpochPause time.Duration
	// MaxFailures is the failure budget before an epoch is permanently skipped.
	MaxFailures int
}

// Reconciler walks epochs backward from the chain head, reconciling each into
// the durable store exactly once.
type Reconciler struct {
	chain    ChainSource
	store    EpochStore
	detector ClaimDetector
	tracker  *metrics.Tracker
	cfg      Config

	stopping atomic.Bool
}

// New wires a reconciler.
func New(source ChainSource, epochs EpochStore, detector ClaimDetector, tracker *metrics.Tracker, cfg Config) *Reconciler {
	return &Reconciler{
		chain:    source,
		store:    epochs,
		detector: detector,
		tracker:  tracker,
		cfg:      cfg,
	}
}

// RequestStop asks the backfill loop to stop after the in-flight epoch
// completes. No epoch is interrupted mid-commit.
func (r *Reconciler) RequestStop() {
	r.stopping.Store(true)
}

// Run walks epochs backward from currentEpoch − 2, skipping epochs already
// present, until it reaches epoch 1, the stop flag is set or the context is
// cancelled. An external scheduler restarts it periodically.
func (r *Reconciler) Run(ctx context.Context) error {
	r.stopping.Store(false)

	current, err := r.chain.CurrentEpoch(ctx)
	if err != nil {
		return fmt.Errorf("read current epoch: %w", err)
	}

	cursor := current - headOffset
	slog.Info("backfill_started", "current_epoch", current, "cursor", cursor)

	for epoch := cursor; epoch >= 1; epoch-- {
		if r.stopping.Load() || ctx.Err() != nil {
			slog.Info("backfill_stopped", "cursor", epoch)
			return ctx.Err()
		}

		exists, err := r.store.HasRound(ctx, epoch)
		if err != nil {
			return fmt.Errorf("backfill cursor at %d: %w", epoch, err)
		}
		if exists {
			continue
		}

		switch err := r.ProcessEpoch(ctx, epoch); {
		case err == nil:
			r.tracker.IncrementEpochsCommitted()
		case errors.Is(err, ErrEpochSkipped):
			r.tracker.IncrementEpochsSkipped()
		case errors.Is(err, ErrRoundNotClosed):
			slog.Debug("epoch_not_closed", "epoch", epoch)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			r.tracker.IncrementEpochsFailed()
			slog.Warn("epoch_failed", "epoch", epoch, "error", err)
		}

		if err := r.pause(ctx); err != nil {
			return err
		}
	}

	slog.Info("backfill_complete", "cursor", cursor)
	return nil
}

// ProcessEpoch runs the full pipeline for one epoch: round metadata, block
// range, events, validation, atomic commit, provisional cleanup and claim
// anomaly detection.
func (r *Reconciler) ProcessEpoch(ctx context.Context, epoch int64) error {
	failures, err := r.store.EpochFailureCount(ctx, epoch)
	if err != nil {
		return err
	}
	if failures >= r.cfg.MaxFailures {
		// Exhausted its budget; never retried automatically again.
		return ErrEpochSkipped
	}

	round, err := r.chain.ReadRound(ctx, epoch)
	if err != nil {
		return r.fail(ctx, epoch, fmt.Errorf("read round meta: %w", err))
	}
	if !round.Closed() {
		return ErrRoundNotClosed
	}

	next, err := r.chain.ReadRound(ctx, epoch+1)
	if err != nil {
		return r.fail(ctx, epoch, fmt.Errorf("read next round meta: %w", err))
	}

	fromBlock, err := r.chain.FindBlock(ctx, round.StartTimestamp)
	if err != nil {
		return r.fail(ctx, epoch, fmt.Errorf("resolve range start: %w", err))
	}
	toBlock, err := r.chain.FindBlock(ctx, next.StartTimestamp)
	if err != nil {
		return r.fail(ctx, epoch, fmt.Errorf("resolve range end: %w", err))
	}

	batch, err := r.chain.FetchRange(ctx, fromBlock, toBlock)
	if err != nil {
		return r.fail(ctx, epoch, err)
	}

	roundRow, bets, claims := buildRows(epoch, round, batch)

	if err := validate(round, bets, claims); err != nil {
		return r.fail(ctx, epoch, err)
	}

	if err := r.store.CommitEpoch(ctx, roundRow, bets, claims); err != nil {
		return r.fail(ctx, epoch, fmt.Errorf("commit: %w", err))
	}

	// Post-commit: the historical record supersedes live capture, and the
	// claim set is now epoch-complete.
	if err := r.store.DeleteProvisionalBets(ctx, epoch); err != nil {
		slog.Warn("provisional_cleanup_failed", "epoch", epoch, "error", err)
	}
	if _, err := r.detector.DetectEpoch(ctx, epoch, claims); err != nil {
		slog.Warn("claim_detection_failed", "epoch", epoch, "error", err)
	}

	return nil
}

// fail cleans up any partially written round row, bumps the failure counter
// and reports whether the epoch just became permanently skipped. Cancellation
// is not a failure: the scheduler stops runs by design, and an epoch
// interrupted mid-flight must stay retryable.
func (r *Reconciler) fail(ctx context.Context, epoch int64, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}

	if err := r.store.DeleteRound(ctx, epoch); err != nil {
		slog.Warn("partial_round_cleanup_failed", "epoch", epoch, "error", err)
	}

	count, err := r.store.RecordEpochFailure(ctx, epoch, cause.Error())
	if err != nil {
		return fmt.Errorf("record failure: %w (original: %v)", err, cause)
	}

	if count >= r.cfg.MaxFailures {
		slog.Error("epoch_permanently_skipped", "epoch", epoch, "failures", count, "error", cause)
	}
	return cause
}

func (r *Reconciler) pause(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.EpochPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// buildRows converts on-chain data into store rows, deriving the round result,
// payout multipliers and per-bet outcomes.
func buildRows(epoch int64, round chain.RoundData, batch *chain.EventBatch) (store.Round, []store.Bet, []store.Claim) {
	result := store.RoundResult(round.LockPrice, round.ClosePrice)

	roundRow := store.Round{
		Epoch:       epoch,
		StartTime:   round.StartTimestamp,
		LockTime:    round.LockTimestamp,
		CloseTime:   round.CloseTimestamp,
		LockPrice:   round.LockPrice,
		ClosePrice:  round.ClosePrice,
		Result:      result,
		TotalAmount: round.TotalAmount,
		UpAmount:    round.UpAmount,
		DownAmount:  round.DownAmount,
		UpPayout:    store.PayoutMultiplier(round.TotalAmount, round.UpAmount),
		DownPayout:  store.PayoutMultiplier(round.TotalAmount, round.DownAmount),
	}

	var bets []store.Bet
	appendBets := func(events []chain.BetEvent) {
		for _, ev := range events {
			if ev.Epoch != epoch {
				continue
			}
			bets = append(bets, store.Bet{
				Epoch:       ev.Epoch,
				BetTime:     ev.Time,
				Wallet:      ev.Wallet,
				Direction:   ev.Direction,
				Amount:      ev.Amount,
				TxHash:      ev.TxHash,
				BlockNumber: ev.BlockNumber,
				Result:      store.BetOutcome(ev.Direction, result),
			})
		}
	}
	appendBets(batch.BetUps)
	appendBets(batch.BetDowns)

	claims := make([]store.Claim, 0, len(batch.Claims))
	for _, ev := range batch.Claims {
		claims = append(claims, store.Claim{
			Epoch:       epoch,
			ClaimTime:   ev.Time,
			Wallet:      ev.Wallet,
			Amount:      ev.Amount,
			BetEpoch:    ev.BetEpoch,
			TxHash:      ev.TxHash,
			BlockNumber: ev.BlockNumber,
		})
	}

	return roundRow, bets, claims
}

// validate enforces completeness before commit: all round scalars present, at
// least one bet on each side, and a non-empty claim set. Violations follow the
// same failure policy as transport errors.
func validate(round chain.RoundData, bets []store.Bet, claims []store.Claim) error {
	if round.StartTimestamp.IsZero() || round.LockTimestamp.IsZero() || round.CloseTimestamp.IsZero() {
		return fmt.Errorf("%w: missing round timestamps", ErrIncompleteData)
	}
	if round.LockPrice == 0 || round.ClosePrice == 0 {
		return fmt.Errorf("%w: missing round prices", ErrIncompleteData)
	}
	if round.TotalAmount == 0 {
		return fmt.Errorf("%w: zero total amount", ErrIncompleteData)
	}

	var ups, downs int
	for _, bet := range bets {
		switch bet.Direction {
		case store.DirectionUp:
			ups++
		case store.DirectionDown:
			downs++
		}
	}
	if ups == 0 || downs == 0 {
		return fmt.Errorf("%w: bets missing a side (up=%d down=%d)", ErrIncompleteData, ups, downs)
	}

	if len(claims) == 0 {
		return fmt.Errorf("%w: no claims", ErrIncompleteData)
	}

	return nil
}
