package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetDailyUsage retrieves the usage row for the given date (YYYY-MM-DD).
// Returns nil if no row exists yet for that date.
func (s *Store) GetDailyUsage(ctx context.Context, date string) (*DailyUsage, error) {
	query := `
		SELECT usage_date, attempts_used, daily_limit, is_unlimited, synced, updated_at
		FROM daily_usage
		WHERE usage_date = ?
	`

	u, err := scanDailyUsage(s.db.QueryRowContext(ctx, query, date))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	return u, nil
}

// UpsertDailyUsage stores a usage row wholesale, creating the date's row if
// it does not exist yet. Used both by the quota tracker's optimistic local
// increments (synced=false) and by server-authoritative refreshes
// (synced=true), which overwrite any local drift.
func (s *Store) UpsertDailyUsage(ctx context.Context, u *DailyUsage) error {
	query := `
		INSERT INTO daily_usage (usage_date, attempts_used, daily_limit, is_unlimited, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(usage_date) DO UPDATE SET
			attempts_used = excluded.attempts_used,
			daily_limit = excluded.daily_limit,
			is_unlimited = excluded.is_unlimited,
			synced = excluded.synced,
			updated_at = CURRENT_TIMESTAMP
	`

	var limit sql.NullInt64
	if u.DailyLimit != nil {
		limit = sql.NullInt64{Int64: int64(*u.DailyLimit), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query, u.Date, u.AttemptsUsed, limit, u.IsUnlimited, u.Synced); err != nil {
		return fmt.Errorf("failed to upsert daily usage for %s: %w", u.Date, err)
	}
	return nil
}

// IncrementDailyUsage atomically bumps the attempt counter for the given
// date, creating the row if needed, and marks it unsynced. The limit fields
// are only seeded on first insert; an existing row keeps its limit so a
// refresh-provided limit is never clobbered by an offline increment.
// Returns the post-increment row.
func (s *Store) IncrementDailyUsage(ctx context.Context, date string, dailyLimit *int, unlimited bool) (*DailyUsage, error) {
	var limit sql.NullInt64
	if dailyLimit != nil {
		limit = sql.NullInt64{Int64: int64(*dailyLimit), Valid: true}
	}

	query := `
		INSERT INTO daily_usage (usage_date, attempts_used, daily_limit, is_unlimited, synced, updated_at)
		VALUES (?, 1, ?, ?, 0, CURRENT_TIMESTAMP)
		ON CONFLICT(usage_date) DO UPDATE SET
			attempts_used = daily_usage.attempts_used + 1,
			synced = 0,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := s.db.ExecContext(ctx, query, date, limit, unlimited); err != nil {
		return nil, fmt.Errorf("failed to increment daily usage for %s: %w", date, err)
	}

	u, err := s.GetDailyUsage(ctx, date)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("usage row missing after increment for %s", date)
	}
	return u, nil
}

// ListUsageHistory lists all persisted usage rows, newest date first.
func (s *Store) ListUsageHistory(ctx context.Context) ([]*DailyUsage, error) {
	query := `
		SELECT usage_date, attempts_used, daily_limit, is_unlimited, synced, updated_at
		FROM daily_usage
		ORDER BY usage_date DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage history: %w", err)
	}
	defer rows.Close()

	var out []*DailyUsage
	for rows.Next() {
		u, err := scanDailyUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily usage: %w", err)
	}
	return out, nil
}

func scanDailyUsage(row scanner) (*DailyUsage, error) {
	var u DailyUsage
	var limit sql.NullInt64

	if err := row.Scan(&u.Date, &u.AttemptsUsed, &limit, &u.IsUnlimited, &u.Synced, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if limit.Valid {
		v := int(limit.Int64)
		u.DailyLimit = &v
	}
	return &u, nil
}
