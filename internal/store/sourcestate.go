package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PortNumber53/social-relay/internal/models"
)

// SourceStateRepo owns the source_state table: one row per source carrying
// scheduling metadata and the consecutive-error budget.
type SourceStateRepo struct {
	db *sql.DB
}

// Get returns the state row for a source, or nil when the source has never
// been checked.
func (r *SourceStateRepo) Get(ctx context.Context, sourceID string) (*models.SourceState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT source_id, last_check, last_success, posts_today, last_reset,
		       error_count, last_error, disabled_at, updated_at
		  FROM public.source_state
		 WHERE source_id = $1
	`, sourceID)

	var s models.SourceState
	var lastCheck, lastSuccess, lastReset, disabledAt sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&s.SourceID, &lastCheck, &lastSuccess, &s.PostsToday, &lastReset,
		&s.ErrorCount, &lastError, &disabledAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("source_state get: %w", err)
	}
	if lastCheck.Valid {
		s.LastCheck = &lastCheck.Time
	}
	if lastSuccess.Valid {
		s.LastSuccess = &lastSuccess.Time
	}
	if lastReset.Valid {
		s.LastReset = &lastReset.Time
	}
	if disabledAt.Valid {
		s.DisabledAt = &disabledAt.Time
	}
	if lastError.Valid {
		s.LastError = &lastError.String
	}
	return &s, nil
}

// MarkSuccess records a successful run in one atomic upsert: last_check and
// last_success move to now, the error budget resets, and posts_today either
// resets to the new count (first run of the day) or accumulates.
func (r *SourceStateRepo) MarkSuccess(ctx context.Context, sourceID string, postsPublished int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO public.source_state
		  (source_id, last_check, last_success, posts_today, last_reset, error_count, last_error, updated_at)
		VALUES
		  ($1, NOW(), NOW(), $2, CURRENT_DATE, 0, NULL, NOW())
		ON CONFLICT (source_id) DO UPDATE SET
		  last_check = NOW(),
		  last_success = NOW(),
		  posts_today = CASE
		      WHEN public.source_state.last_reset IS NULL OR public.source_state.last_reset < CURRENT_DATE
		      THEN EXCLUDED.posts_today
		      ELSE public.source_state.posts_today + EXCLUDED.posts_today
		  END,
		  last_reset = CURRENT_DATE,
		  error_count = 0,
		  last_error = NULL,
		  updated_at = NOW()
	`, sourceID, postsPublished)
	if err != nil {
		return fmt.Errorf("mark_success: %w", err)
	}
	return nil
}

// MarkError records a hard failure: last_check moves to now and the
// consecutive-error counter grows.
func (r *SourceStateRepo) MarkError(ctx context.Context, sourceID, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO public.source_state
		  (source_id, last_check, error_count, last_error, updated_at)
		VALUES
		  ($1, NOW(), 1, $2, NOW())
		ON CONFLICT (source_id) DO UPDATE SET
		  last_check = NOW(),
		  error_count = public.source_state.error_count + 1,
		  last_error = EXCLUDED.last_error,
		  updated_at = NOW()
	`, sourceID, msg)
	if err != nil {
		return fmt.Errorf("mark_error: %w", err)
	}
	return nil
}

// MarkChecked records a run that ended on a transient failure: last_check
// moves to now and the error budget is untouched. Statuses published before
// the failure still count against the daily budget, so last_success and
// posts_today advance when postsPublished is nonzero.
func (r *SourceStateRepo) MarkChecked(ctx context.Context, sourceID string, postsPublished int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO public.source_state
		  (source_id, last_check, last_success, posts_today, last_reset, updated_at)
		VALUES
		  ($1, NOW(), CASE WHEN $2 > 0 THEN NOW() END, $2, CURRENT_DATE, NOW())
		ON CONFLICT (source_id) DO UPDATE SET
		  last_check = NOW(),
		  last_success = COALESCE(EXCLUDED.last_success, public.source_state.last_success),
		  posts_today = CASE
		      WHEN public.source_state.last_reset IS NULL OR public.source_state.last_reset < CURRENT_DATE
		      THEN EXCLUDED.posts_today
		      ELSE public.source_state.posts_today + EXCLUDED.posts_today
		  END,
		  last_reset = CURRENT_DATE,
		  updated_at = NOW()
	`, sourceID, postsPublished)
	if err != nil {
		return fmt.Errorf("mark_checked: %w", err)
	}
	return nil
}

// SetDisabled flips the operator gate. Disabled sources are skipped by the
// scheduler until re-enabled.
func (r *SourceStateRepo) SetDisabled(ctx context.Context, sourceID string, disabled bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO public.source_state (source_id, disabled_at, updated_at)
		VALUES ($1, CASE WHEN $2 THEN NOW() END, NOW())
		ON CONFLICT (source_id) DO UPDATE SET
		  disabled_at = CASE WHEN $2 THEN NOW() END,
		  updated_at = NOW()
	`, sourceID, disabled)
	if err != nil {
		return fmt.Errorf("set_disabled: %w", err)
	}
	return nil
}

// SourcesDue lists sources whose last_check is null or older than intervalMin
// minutes, oldest (nulls first) leading. Sources without a state row are the
// scheduler's concern; they have never been checked and are always due.
func (r *SourceStateRepo) SourcesDue(ctx context.Context, intervalMin, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_id
		  FROM public.source_state
		 WHERE last_check IS NULL
		    OR last_check < NOW() - ($1 * INTERVAL '1 minute')
		 ORDER BY last_check ASC NULLS FIRST
		 LIMIT $2
	`, intervalMin, limit)
	if err != nil {
		return nil, fmt.Errorf("sources_due: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sources_due scan: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sources_due rows: %w", err)
	}
	return out, nil
}

// All returns every state row, for the admin API's source listing.
func (r *SourceStateRepo) All(ctx context.Context) ([]models.SourceState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_id, last_check, last_success, posts_today, last_reset,
		       error_count, last_error, disabled_at, updated_at
		  FROM public.source_state
		 ORDER BY source_id
	`)
	if err != nil {
		return nil, fmt.Errorf("source_state all: %w", err)
	}
	defer rows.Close()

	var out []models.SourceState
	for rows.Next() {
		var s models.SourceState
		var lastCheck, lastSuccess, lastReset, disabledAt sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(&s.SourceID, &lastCheck, &lastSuccess, &s.PostsToday, &lastReset,
			&s.ErrorCount, &lastError, &disabledAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("source_state all scan: %w", err)
		}
		if lastCheck.Valid {
			s.LastCheck = &lastCheck.Time
		}
		if lastSuccess.Valid {
			s.LastSuccess = &lastSuccess.Time
		}
		if lastReset.Valid {
			s.LastReset = &lastReset.Time
		}
		if disabledAt.Valid {
			s.DisabledAt = &disabledAt.Time
		}
		if lastError.Valid {
			s.LastError = &lastError.String
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
