package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// InsertProvisionalBet records a live-captured bet. At most one row exists per
// (epoch, wallet); a duplicate delivery is silently ignored.
func (s *Store) InsertProvisionalBet(ctx context.Context, bet Bet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO realbet (epoch, wallet, direction, amount, bet_ts, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (epoch, wallet) DO NOTHING`,
		bet.Epoch, bet.Wallet, bet.Direction, bet.Amount, bet.BetTime, bet.TxHash,
	)
	if err != nil {
		return fmt.Errorf("insert provisional bet %s: %w", bet.TxHash, err)
	}
	return nil
}

// DeleteProvisionalBets removes live-captured rows for an epoch once the
// historical record has been durably committed.
func (s *Store) DeleteProvisionalBets(ctx context.Context, epoch int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM realbet WHERE epoch = $1`, epoch)
	if err != nil {
		return fmt.Errorf("delete provisional bets for epoch %d: %w", epoch, err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		slog.Debug("provisional_bets_superseded", "epoch", epoch, "rows", rows)
	}
	return nil
}

// BetsForEpoch is the smart read path: provisional rows are preferred while
// the round is open, historical rows once it has been reconciled. The returned
// source tag tells the caller which table answered.
func (s *Store) BetsForEpoch(ctx context.Context, epoch int64) ([]Bet, string, error) {
	provisional, err := s.provisionalBets(ctx, epoch)
	if err != nil {
		return nil, SourceNone, err
	}
	if len(provisional) > 0 {
		return provisional, SourceRealtime, nil
	}

	historical, err := s.historicalBets(ctx, epoch)
	if err != nil {
		return nil, SourceNone, err
	}
	if len(historical) > 0 {
		return historical, SourceHistory, nil
	}

	return nil, SourceNone, nil
}

func (s *Store) provisionalBets(ctx context.Context, epoch int64) ([]Bet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, wallet, direction, amount, bet_ts, tx_hash
		FROM realbet WHERE epoch = $1 ORDER BY bet_ts`, epoch)
	if err != nil {
		return nil, fmt.Errorf("query provisional bets for epoch %d: %w", epoch, err)
	}
	defer rows.Close()

	var bets []Bet
	for rows.Next() {
		bet := Bet{Source: SourceRealtime}
		if err := rows.Scan(&bet.Epoch, &bet.Wallet, &bet.Direction, &bet.Amount, &bet.BetTime, &bet.TxHash); err != nil {
			return nil, fmt.Errorf("scan provisional bet: %w", err)
		}
		bets = append(bets, bet)
	}
	return bets, rows.Err()
}

func (s *Store) historicalBets(ctx context.Context, epoch int64) ([]Bet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, bet_ts, wallet, direction, amount, tx_hash, block_number, result
		FROM hisbet WHERE epoch = $1 ORDER BY bet_ts`, epoch)
	if err != nil {
		return nil, fmt.Errorf("query historical bets for epoch %d: %w", epoch, err)
	}
	defer rows.Close()

	var bets []Bet
	for rows.Next() {
		bet := Bet{Source: SourceHistory}
		var result sql.NullString
		if err := rows.Scan(&bet.Epoch, &bet.BetTime, &bet.Wallet, &bet.Direction,
			&bet.Amount, &bet.TxHash, &bet.BlockNumber, &result); err != nil {
			return nil, fmt.Errorf("scan historical bet: %w", err)
		}
		bet.Result = result.String
		bets = append(bets, bet)
	}
	return bets, rows.Err()
}
