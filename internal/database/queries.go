package database

import (
	"context"
	"database/sql"

	"greenreserve/offchain/internal/models"
)

// RecordSighting inserts a deposit sighting, or refreshes last_seen_at and
// the mutable fields when the identifier was already seen.
func (db *DB) RecordSighting(ctx context.Context, s *models.DepositSighting) error {
	query := `
		INSERT INTO deposit_sightings (deposit_id, message_id, recipient, amount, last_outcome, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (deposit_id) DO UPDATE SET
			message_id   = COALESCE(EXCLUDED.message_id, deposit_sightings.message_id),
			recipient    = COALESCE(EXCLUDED.recipient, deposit_sightings.recipient),
			amount       = COALESCE(EXCLUDED.amount, deposit_sightings.amount),
			last_outcome = COALESCE(EXCLUDED.last_outcome, deposit_sightings.last_outcome),
			last_seen_at = NOW()
	`
	_, err := db.ExecContext(ctx, query,
		s.DepositID, s.MessageID, s.Recipient, s.Amount, s.LastOutcome)
	return err
}

// GetSighting retrieves a sighting by deposit id, or nil when never seen.
func (db *DB) GetSighting(ctx context.Context, depositID string) (*models.DepositSighting, error) {
	var sighting models.DepositSighting
	query := `
		SELECT id, deposit_id, message_id, recipient, amount, last_outcome, first_seen_at, last_seen_at
		FROM deposit_sightings
		WHERE deposit_id = $1
	`
	err := db.GetContext(ctx, &sighting, query, depositID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sighting, err
}

// RecentSightings retrieves the most recently seen deposits, newest first.
func (db *DB) RecentSightings(ctx context.Context, limit int) ([]models.DepositSighting, error) {
	var sightings []models.DepositSighting
	query := `
		SELECT id, deposit_id, message_id, recipient, amount, last_outcome, first_seen_at, last_seen_at
		FROM deposit_sightings
		ORDER BY last_seen_at DESC
		LIMIT $1
	`
	err := db.SelectContext(ctx, &sightings, query, limit)
	return sightings, err
}
