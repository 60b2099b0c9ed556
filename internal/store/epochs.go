package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// HasRound reports whether an epoch has already been reconciled.
func (s *Store) HasRound(ctx context.Context, epoch int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM round WHERE epoch = $1)`, epoch).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check round %d: %w", epoch, err)
	}
	return exists, nil
}

// DeleteRound removes a partially written round row after a failed
// reconciliation attempt.
func (s *Store) DeleteRound(ctx context.Context, epoch int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM round WHERE epoch = $1`, epoch); err != nil {
		return fmt.Errorf("delete round %d: %w", epoch, err)
	}
	return nil
}

// CommitEpoch writes the round, its bets and its claims in one transaction.
// Conflicts on the round primary key and on bet/claim transaction hashes are
// no-ops, so committing the same event set twice yields the same row counts.
func (s *Store) CommitEpoch(ctx context.Context, round Round, bets []Bet, claims []Claim) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin epoch %d commit: %w", round.Epoch, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO round (
			epoch, start_ts, lock_ts, close_ts, lock_price, close_price,
			result, total_amount, up_amount, down_amount, up_payout, down_payout
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (epoch) DO NOTHING`,
		round.Epoch, round.StartTime, round.LockTime, round.CloseTime,
		round.LockPrice, round.ClosePrice, round.Result,
		round.TotalAmount, round.UpAmount, round.DownAmount,
		round.UpPayout, round.DownPayout,
	)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", round.Epoch, err)
	}

	for _, bet := range bets {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hisbet (epoch, bet_ts, wallet, direction, amount, tx_hash, block_number, result)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tx_hash) DO NOTHING`,
			bet.Epoch, bet.BetTime, bet.Wallet, bet.Direction,
			bet.Amount, bet.TxHash, bet.BlockNumber, nullable(bet.Result),
		)
		if err != nil {
			return fmt.Errorf("insert bet %s: %w", bet.TxHash, err)
		}
	}

	for _, claim := range claims {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO claim (epoch, claim_ts, wallet, amount, bet_epoch, tx_hash, block_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tx_hash) DO NOTHING`,
			claim.Epoch, claim.ClaimTime, claim.Wallet, claim.Amount,
			claim.BetEpoch, claim.TxHash, claim.BlockNumber,
		)
		if err != nil {
			return fmt.Errorf("insert claim %s: %w", claim.TxHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit epoch %d: %w", round.Epoch, err)
	}

	slog.Info("epoch_committed", "epoch", round.Epoch, "bets", len(bets), "claims", len(claims))
	return nil
}

// RecordEpochFailure creates or increments the failure record for an epoch and
// returns the new count.
func (s *Store) RecordEpochFailure(ctx context.Context, epoch int64, cause string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO failed_epoch (epoch, failure_count, last_attempt_ts, last_error)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (epoch) DO UPDATE SET
			failure_count = failed_epoch.failure_count + 1,
			last_attempt_ts = EXCLUDED.last_attempt_ts,
			last_error = EXCLUDED.last_error
		RETURNING failure_count`,
		epoch, time.Now().UTC(), cause).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record failure for epoch %d: %w", epoch, err)
	}
	return count, nil
}

// EpochFailureCount returns the recorded failure count, zero if none.
func (s *Store) EpochFailureCount(ctx context.Context, epoch int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT failure_count FROM failed_epoch WHERE epoch = $1`, epoch).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failure count for epoch %d: %w", epoch, err)
	}
	return count, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
