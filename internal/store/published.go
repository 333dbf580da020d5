package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PortNumber53/social-relay/internal/models"
)

// PublishedRepo owns the published_posts ledger: one row per upstream item
// successfully relayed downstream.
type PublishedRepo struct {
	db *sql.DB
}

// IsPublished reports whether (source, postID) has already been relayed.
func (r *PublishedRepo) IsPublished(ctx context.Context, sourceID, postID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1
		  FROM public.published_posts
		 WHERE source_id = $1 AND post_id = $2
	`, sourceID, postID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is_published: %w", err)
	}
	return true, nil
}

// FindByPlatformURI resolves a post by its upstream canonical URI. Returns nil
// when the URI has not been relayed.
func (r *PublishedRepo) FindByPlatformURI(ctx context.Context, sourceID, uri string) (*models.PublishedPost, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, source_id, post_id, post_url, downstream_status_id, platform_uri, published_at
		  FROM public.published_posts
		 WHERE source_id = $1 AND platform_uri = $2
	`, sourceID, uri)
	p, err := scanPublished(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find_by_platform_uri: %w", err)
	}
	return p, nil
}

// FindRecentThreadParent returns the downstream status id of the most recent
// row published for this source within the last 24 hours, or "" when none.
func (r *PublishedRepo) FindRecentThreadParent(ctx context.Context, sourceID string) (string, error) {
	var downstream string
	err := r.db.QueryRowContext(ctx, `
		SELECT downstream_status_id
		  FROM public.published_posts
		 WHERE source_id = $1
		   AND downstream_status_id IS NOT NULL
		   AND published_at > NOW() - INTERVAL '24 hours'
		 ORDER BY published_at DESC
		 LIMIT 1
	`, sourceID).Scan(&downstream)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find_recent_thread_parent: %w", err)
	}
	return downstream, nil
}

// MarkPublished records a successful publish. The upsert is fill-forward: on
// conflict a non-null incoming downstream id / platform URI replaces an
// existing null but never overwrites an existing value, so concurrent callers
// converge on the most complete row.
func (r *PublishedRepo) MarkPublished(ctx context.Context, sourceID, postID, postURL, downstreamID, platformURI string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO public.published_posts
		  (source_id, post_id, post_url, downstream_status_id, platform_uri, published_at)
		VALUES
		  ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NOW())
		ON CONFLICT (source_id, post_id) DO UPDATE SET
		  post_url = COALESCE(public.published_posts.post_url, EXCLUDED.post_url),
		  downstream_status_id = COALESCE(public.published_posts.downstream_status_id, EXCLUDED.downstream_status_id),
		  platform_uri = COALESCE(public.published_posts.platform_uri, EXCLUDED.platform_uri)
	`, sourceID, postID, postURL, downstreamID, platformURI)
	if err != nil {
		return fmt.Errorf("mark_published: %w", err)
	}
	return nil
}

// MarkUpdated rewrites the upstream identity of the row addressed by its
// downstream status id. Used after an edit replaces one upstream post with
// another while the downstream status stays the same.
func (r *PublishedRepo) MarkUpdated(ctx context.Context, downstreamID, newPostID, newURL string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE public.published_posts
		   SET post_id = $2,
		       post_url = COALESCE(NULLIF($3, ''), post_url)
		 WHERE downstream_status_id = $1
	`, downstreamID, newPostID, newURL)
	if err != nil {
		return fmt.Errorf("mark_updated: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark_updated: no row with downstream_status_id=%s", downstreamID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublished(row rowScanner) (*models.PublishedPost, error) {
	var p models.PublishedPost
	var url, downstream, uri sql.NullString
	if err := row.Scan(&p.ID, &p.SourceID, &p.PostID, &url, &downstream, &uri, &p.PublishedAt); err != nil {
		return nil, err
	}
	if url.Valid {
		p.PostURL = &url.String
	}
	if downstream.Valid {
		p.DownstreamStatusID = &downstream.String
	}
	if uri.Valid {
		p.PlatformURI = &uri.String
	}
	return &p, nil
}
