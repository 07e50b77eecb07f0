package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertModelRating persists a user rating for the on-device model. Ratings
// are an append-only feedback log: nothing but the synced flag ever changes
// and rows are never deleted locally.
func (s *Store) InsertModelRating(ctx context.Context, r *ModelRating) error {
	query := `
		INSERT INTO model_ratings (id, model_id, stars, feedback, diagnosis_correct,
			crop_type, device_info, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var correct sql.NullBool
	if r.DiagnosisCorrect != nil {
		correct = sql.NullBool{Bool: *r.DiagnosisCorrect, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.ModelID, r.Stars, nullString(r.Feedback), correct,
		nullString(r.CropType), nullString(r.DeviceInfo), r.Synced, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert model rating %s: %w", r.ID, err)
	}
	return nil
}

// ListUnsyncedRatings lists ratings awaiting remote acknowledgement, oldest
// first.
func (s *Store) ListUnsyncedRatings(ctx context.Context) ([]*ModelRating, error) {
	query := `
		SELECT id, model_id, stars, feedback, diagnosis_correct, crop_type,
		       device_info, synced, created_at
		FROM model_ratings
		WHERE synced = 0
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced ratings: %w", err)
	}
	defer rows.Close()

	var out []*ModelRating
	for rows.Next() {
		var r ModelRating
		var feedback, cropType, deviceInfo sql.NullString
		var correct sql.NullBool

		err := rows.Scan(&r.ID, &r.ModelID, &r.Stars, &feedback, &correct,
			&cropType, &deviceInfo, &r.Synced, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model rating: %w", err)
		}

		r.Feedback = feedback.String
		r.CropType = cropType.String
		r.DeviceInfo = deviceInfo.String
		if correct.Valid {
			v := correct.Bool
			r.DiagnosisCorrect = &v
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model ratings: %w", err)
	}
	return out, nil
}

// MarkRatingsSynced flips the synced flag for the given rating ids.
func (s *Store) MarkRatingsSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE model_ratings SET synced = 1 WHERE id IN (%s)`, placeholders(len(ids)))
	if _, err := s.db.ExecContext(ctx, query, stringArgs(ids)...); err != nil {
		return fmt.Errorf("failed to mark ratings synced: %w", err)
	}
	return nil
}
