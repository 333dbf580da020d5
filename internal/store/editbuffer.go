package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/PortNumber53/social-relay/internal/models"
)

// EditBufferRepo owns the edit_detection_buffer: a short-lived record of
// recently seen items used to recognize delete-and-repost edits. Rows expire
// after the retention horizon (default 2h) via Cleanup.
type EditBufferRepo struct {
	db *sql.DB
}

// Add upserts a buffer row for (source, postID). On conflict the normalized
// text and hash are replaced; the downstream status id is fill-forward.
func (r *EditBufferRepo) Add(ctx context.Context, sourceID, postID, username, normalized, hash, downstreamID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO public.edit_detection_buffer
		  (source_id, post_id, username, text_normalized, text_hash, downstream_status_id, created_at)
		VALUES
		  ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NOW())
		ON CONFLICT (source_id, post_id) DO UPDATE SET
		  username = EXCLUDED.username,
		  text_normalized = EXCLUDED.text_normalized,
		  text_hash = EXCLUDED.text_hash,
		  downstream_status_id = COALESCE(public.edit_detection_buffer.downstream_status_id, EXCLUDED.downstream_status_id)
	`, sourceID, postID, strings.ToLower(username), normalized, hash, downstreamID)
	if err != nil {
		return fmt.Errorf("buffer add: %w", err)
	}
	return nil
}

// FindByHash looks for an exact normalized-text match from the same author,
// considering only rows younger than one hour. Returns nil on miss.
func (r *EditBufferRepo) FindByHash(ctx context.Context, username, hash string) (*models.EditBufferEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, source_id, post_id, username, text_normalized, COALESCE(text_hash, ''), downstream_status_id, created_at
		  FROM public.edit_detection_buffer
		 WHERE username = $1
		   AND text_hash = $2
		   AND created_at > NOW() - INTERVAL '1 hour'
		 ORDER BY created_at DESC
		 LIMIT 1
	`, strings.ToLower(username), hash)
	e, err := scanBufferEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buffer find_by_hash: %w", err)
	}
	return e, nil
}

// FindRecent returns up to the 10 most recent rows for an author within the
// given window, newest first. Feeds the similarity path.
func (r *EditBufferRepo) FindRecent(ctx context.Context, username string, windowSec int) ([]models.EditBufferEntry, error) {
	if windowSec <= 0 {
		windowSec = 3600
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_id, post_id, username, text_normalized, COALESCE(text_hash, ''), downstream_status_id, created_at
		  FROM public.edit_detection_buffer
		 WHERE username = $1
		   AND created_at > NOW() - ($2 * INTERVAL '1 second')
		 ORDER BY created_at DESC
		 LIMIT 10
	`, strings.ToLower(username), windowSec)
	if err != nil {
		return nil, fmt.Errorf("buffer find_recent: %w", err)
	}
	defer rows.Close()

	var out []models.EditBufferEntry
	for rows.Next() {
		e, err := scanBufferEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("buffer find_recent scan: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Supersede hard-deletes a buffer row whose upstream post was replaced by a
// newer version.
func (r *EditBufferRepo) Supersede(ctx context.Context, sourceID, postID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM public.edit_detection_buffer
		 WHERE source_id = $1 AND post_id = $2
	`, sourceID, postID)
	if err != nil {
		return fmt.Errorf("buffer supersede: %w", err)
	}
	return nil
}

// Cleanup deletes rows older than the retention horizon and returns the count.
func (r *EditBufferRepo) Cleanup(ctx context.Context, retentionHours int) (int64, error) {
	if retentionHours <= 0 {
		retentionHours = 2
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM public.edit_detection_buffer
		 WHERE created_at < NOW() - ($1 * INTERVAL '1 hour')
	`, retentionHours)
	if err != nil {
		return 0, fmt.Errorf("buffer cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("buffer cleanup rows affected: %w", err)
	}
	return n, nil
}

func scanBufferEntry(row rowScanner) (*models.EditBufferEntry, error) {
	var e models.EditBufferEntry
	var downstream sql.NullString
	if err := row.Scan(&e.ID, &e.SourceID, &e.PostID, &e.Username, &e.TextNormalized,
		&e.TextHash, &downstream, &e.CreatedAt); err != nil {
		return nil, err
	}
	if downstream.Valid {
		e.DownstreamStatusID = &downstream.String
	}
	return &e, nil
}
