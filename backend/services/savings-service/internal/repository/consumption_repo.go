package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"powersave/backend/services/savings-service/internal/models"
)

// ConsumptionRepository stores metered consumption samples.
type ConsumptionRepository struct {
	db *sql.DB
}

// NewConsumptionRepository returns repository.
func NewConsumptionRepository(db *sql.DB) *ConsumptionRepository {
	return &ConsumptionRepository{db: db}
}

// Record upserts samples for a user. A reading for an existing timestamp
// replaces the previous value.
func (r *ConsumptionRepository) Record(ctx context.Context, userID string, samples []models.ConsumptionSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `
		INSERT INTO consumption_samples (user_id, recorded_at, kwh)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, recorded_at) DO UPDATE SET kwh = EXCLUDED.kwh
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, userID, s.Timestamp.UTC(), s.KWh); err != nil {
			return fmt.Errorf("record sample at %s: %w", s.Timestamp.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

// FetchHistory returns samples recorded in [from, to), oldest first.
func (r *ConsumptionRepository) FetchHistory(ctx context.Context, userID string, from, to time.Time) ([]models.ConsumptionSample, error) {
	const query = `
		SELECT recorded_at, kwh
		FROM consumption_samples
		WHERE user_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at
	`
	rows, err := r.db.QueryContext(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.ConsumptionSample
	for rows.Next() {
		var s models.ConsumptionSample
		if err := rows.Scan(&s.Timestamp, &s.KWh); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}
