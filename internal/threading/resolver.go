// Package threading reconstructs author threads across runs: a chain of
// upstream self-replies becomes a chain of downstream reply-statuses.
package threading

import (
	"context"
	"strings"

	"github.com/PortNumber53/social-relay/internal/store"
)

// Resolver maps a thread-continuation post to the downstream status it should
// reply to. One Resolver belongs to one source pipeline for one run; the
// in-memory cache is discarded with it. The published-posts ledger is the
// authoritative fallback.
//
// Callers must present items in upstream chronological order, else threads
// invert.
type Resolver struct {
	published *store.PublishedRepo
	sourceID  string
	// byAuthor maps lowercased author handle to the downstream id of the last
	// status published for that author in this run.
	byAuthor map[string]string
}

func NewResolver(published *store.PublishedRepo, sourceID string) *Resolver {
	return &Resolver{
		published: published,
		sourceID:  sourceID,
		byAuthor:  make(map[string]string),
	}
}

// Parent returns the downstream status id a thread post should reply to, or
// "" when the post should start a fresh status. Cache first, then the ledger's
// most recent thread parent for this source.
func (r *Resolver) Parent(ctx context.Context, author string) (string, error) {
	if id, ok := r.byAuthor[strings.ToLower(author)]; ok && id != "" {
		return id, nil
	}
	return r.published.FindRecentThreadParent(ctx, r.sourceID)
}

// Record remembers the downstream id of a just-published status so the next
// item from the same author in this run chains from it. Called for every
// successful publish, thread post or not.
func (r *Resolver) Record(author, downstreamID string) {
	if author == "" || downstreamID == "" {
		return
	}
	r.byAuthor[strings.ToLower(author)] = downstreamID
}
