// Package editdetect recognizes delete-and-repost edits: an incoming item
// whose text matches a recently seen item from the same author is routed to an
// update of the already-published downstream status instead of a new publish.
package editdetect

import (
	"context"
	"log"

	"github.com/PortNumber53/social-relay/internal/models"
	"github.com/PortNumber53/social-relay/internal/store"
)

// SimilarityThreshold is the minimum Jaccard score for the fuzzy path.
const SimilarityThreshold = 0.80

// similarityWindowSec bounds how far back the fuzzy path looks.
const similarityWindowSec = 3600

type Action int

const (
	// PublishNew: no prior version seen; publish a fresh status.
	PublishNew Action = iota
	// SkipOlderVersion: the incoming item is an older version of something
	// already buffered; drop it.
	SkipOlderVersion
	// UpdateExisting: the incoming item supersedes a buffered item that was
	// already published; rewrite the downstream status in place.
	UpdateExisting
)

func (a Action) String() string {
	switch a {
	case SkipOlderVersion:
		return "skip_older_version"
	case UpdateExisting:
		return "update_existing"
	default:
		return "publish_new"
	}
}

// Decision is the engine's verdict for one incoming item.
type Decision struct {
	Action Action
	// PrevPostID is the buffered post the incoming item matched, set for
	// SkipOlderVersion and UpdateExisting.
	PrevPostID string
	// DownstreamID is the status to rewrite, set for UpdateExisting.
	DownstreamID string
	// Normalized text and its hash, computed once for buffer bookkeeping.
	Normalized string
	Hash       string
}

// Engine decides publish/update/skip for platforms without native edit
// semantics. It is stateless apart from the shared database buffer.
type Engine struct {
	Buffer *store.EditBufferRepo
	Logger *log.Logger
}

func New(buffer *store.EditBufferRepo, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{Buffer: buffer, Logger: logger}
}

// Evaluate runs the decision algorithm for an incoming item. The exact-match
// path (same hash, same author, different post id) wins; otherwise a Jaccard
// similarity scan over the author's recent buffer rows decides. Failures in
// the similarity lookup degrade to PublishNew: a duplicate downstream status
// is preferred over rewriting the wrong one.
func (e *Engine) Evaluate(ctx context.Context, item models.UniformPost) (Decision, error) {
	d := Decision{Action: PublishNew}
	d.Normalized = Normalize(item.Text)
	d.Hash = HashText(item.Text)

	prev, err := e.Buffer.FindByHash(ctx, item.Author.Username, d.Hash)
	if err != nil {
		return d, err
	}
	if prev != nil && prev.PostID != item.ID {
		return e.resolveVersions(item.ID, prev, d), nil
	}

	candidates, err := e.Buffer.FindRecent(ctx, item.Author.Username, similarityWindowSec)
	if err != nil {
		e.Logger.Printf("[EditDetect] similarity lookup failed user=%s postId=%s err=%v", item.Author.Username, item.ID, err)
		return d, nil
	}
	var best *models.EditBufferEntry
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		if c.PostID == item.ID {
			continue
		}
		score := Jaccard(d.Normalized, c.TextNormalized)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best != nil && bestScore >= SimilarityThreshold {
		e.Logger.Printf("[EditDetect] similarity match user=%s postId=%s prevId=%s score=%.2f",
			item.Author.Username, item.ID, best.PostID, bestScore)
		return e.resolveVersions(item.ID, best, d), nil
	}
	return d, nil
}

// resolveVersions applies the age comparison: the newer platform id wins.
func (e *Engine) resolveVersions(incomingID string, prev *models.EditBufferEntry, d Decision) Decision {
	d.PrevPostID = prev.PostID
	if !NewerID(incomingID, prev.PostID) {
		d.Action = SkipOlderVersion
		return d
	}
	if prev.DownstreamStatusID != nil && *prev.DownstreamStatusID != "" {
		d.Action = UpdateExisting
		d.DownstreamID = *prev.DownstreamStatusID
		return d
	}
	// Newer version of an item that never made it downstream; publish fresh.
	d.Action = PublishNew
	return d
}
