package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// UpsertSuspiciousGroup records one wallet's multi-round claim pattern,
// overwriting counts, amounts and the epoch set on repeat detection.
func (s *Store) UpsertSuspiciousGroup(ctx context.Context, g SuspiciousGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO multi_round_claimer (
			claim_epoch, wallet, rounds_claimed, bet_epochs, total_amount, detected_at, review_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (claim_epoch, wallet) DO UPDATE SET
			rounds_claimed = EXCLUDED.rounds_claimed,
			bet_epochs = EXCLUDED.bet_epochs,
			total_amount = EXCLUDED.total_amount,
			detected_at = EXCLUDED.detected_at`,
		g.ClaimEpoch, g.Wallet, g.RoundsClaimed, pq.Array(g.BetEpochs),
		g.TotalAmount, g.DetectedAt, g.ReviewStatus,
	)
	if err != nil {
		return fmt.Errorf("upsert suspicious group (%d, %s): %w", g.ClaimEpoch, g.Wallet, err)
	}
	return nil
}

// AllClaims returns the full claim table for the periodic batch audit.
func (s *Store) AllClaims(ctx context.Context) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, claim_ts, wallet, amount, bet_epoch, tx_hash, block_number
		FROM claim ORDER BY epoch, wallet`)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.Epoch, &c.ClaimTime, &c.Wallet, &c.Amount,
			&c.BetEpoch, &c.TxHash, &c.BlockNumber); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// EnsureWalletNote writes an explanatory note only if the wallet has none yet.
func (s *Store) EnsureWalletNote(ctx context.Context, wallet, note string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_note (wallet, note) VALUES ($1, $2)
		ON CONFLICT (wallet) DO NOTHING`, wallet, note)
	if err != nil {
		return fmt.Errorf("ensure wallet note %s: %w", wallet, err)
	}
	return nil
}

// SetWalletNote creates or replaces a wallet's note.
func (s *Store) SetWalletNote(ctx context.Context, wallet, note string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_note (wallet, note) VALUES ($1, $2)
		ON CONFLICT (wallet) DO UPDATE SET note = EXCLUDED.note`, wallet, note)
	if err != nil {
		return fmt.Errorf("set wallet note %s: %w", wallet, err)
	}
	return nil
}

// GetWalletNote returns a wallet's note, nil if none exists.
func (s *Store) GetWalletNote(ctx context.Context, wallet string) (*WalletNote, error) {
	var n WalletNote
	err := s.db.QueryRowContext(ctx,
		`SELECT wallet, note, created_at FROM wallet_note WHERE wallet = $1`, wallet).
		Scan(&n.Wallet, &n.Note, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet note %s: %w", wallet, err)
	}
	return &n, nil
}
