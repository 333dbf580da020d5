package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/PortNumber53/social-relay/internal/models"
)

// Valid activity_log actions; the table CHECK constraint mirrors this list.
const (
	ActionFetch          = "fetch"
	ActionPublish        = "publish"
	ActionSkip           = "skip"
	ActionError          = "error"
	ActionProfileSync    = "profile_sync"
	ActionMediaUpload    = "media_upload"
	ActionTransientError = "transient_error"
)

// ActivityRepo appends to the activity_log diagnostic stream. The pipeline
// only ever writes; reads serve the admin API.
type ActivityRepo struct {
	db *sql.DB
}

// Record appends one entry. sourceID may be empty for process-level events.
// Details are stored as jsonb and are opaque to the relay.
func (r *ActivityRepo) Record(ctx context.Context, sourceID, action string, details map[string]any) error {
	var detailsJSON any
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("activity record marshal: %w", err)
		}
		detailsJSON = string(raw)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO public.activity_log (source_id, action, details, created_at)
		VALUES (NULLIF($1, ''), $2, $3::jsonb, NOW())
	`, sourceID, action, detailsJSON)
	if err != nil {
		return fmt.Errorf("activity record: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (r *ActivityRepo) Recent(ctx context.Context, limit int) ([]models.ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_id, action, details, created_at
		  FROM public.activity_log
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("activity recent: %w", err)
	}
	defer rows.Close()

	var out []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var sourceID sql.NullString
		var details []byte
		if err := rows.Scan(&e.ID, &sourceID, &e.Action, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("activity recent scan: %w", err)
		}
		if sourceID.Valid {
			e.SourceID = &sourceID.String
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
