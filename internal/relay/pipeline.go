package relay

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/PortNumber53/social-relay/internal/config"
	"github.com/PortNumber53/social-relay/internal/editdetect"
	"github.com/PortNumber53/social-relay/internal/models"
	"github.com/PortNumber53/social-relay/internal/publisher"
	"github.com/PortNumber53/social-relay/internal/sources"
	"github.com/PortNumber53/social-relay/internal/store"
	"github.com/PortNumber53/social-relay/internal/threading"
)

// DefaultErrorThreshold is the consecutive-error count surfaced to monitoring.
// The relay never auto-disables a source; that stays an operator decision.
const DefaultErrorThreshold = 5

// Outcome is the per-source result of one pipeline run.
type Outcome struct {
	SourceID  string
	Fetched   int
	Published int
	Updated   int
	Skipped   int
	// Transient marks runs that ended on a temporary failure: last_check moved,
	// error budget untouched.
	Transient bool
	// Err is set for hard failures only (validation, internal).
	Err error
}

// Pipeline drives one source through fetch, filter, process and publish for a
// single run. Items are handled strictly serially in upstream chronological
// order so the threading resolver always sees item i recorded before item i+1
// asks for its parent.
type Pipeline struct {
	Source     config.Source
	Store      *store.Store
	Adapter    sources.Adapter
	Publisher  publisher.Publisher
	Engine     *editdetect.Engine
	Resolver   *threading.Resolver
	Downloader MediaDownloader
	Logger     *log.Logger

	// Now is replaced in tests that exercise skip-hours.
	Now func() time.Time
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run executes one full pass for the source. It always leaves source_state
// consistent: mark_success on clean runs, mark_error on hard failures,
// mark_checked on transient ones (error budget untouched, publishes that
// landed before the failure still counted).
func (p *Pipeline) Run(ctx context.Context) Outcome {
	out := Outcome{SourceID: p.Source.ID}
	l := p.logger()

	state, err := p.Store.Sources.Get(ctx, p.Source.ID)
	if err != nil {
		out.Err = fmt.Errorf("load source state: %w", err)
		return out
	}
	if state != nil && state.DisabledAt != nil {
		l.Printf("[Pipeline] skipped source=%s reason=disabled", p.Source.ID)
		return out
	}
	if p.Source.SkipHour(p.now().Hour()) {
		// Deliberately leaves last_check stale so the source is retried as soon
		// as the skip window ends.
		l.Printf("[Pipeline] skipped source=%s reason=skip_hour hour=%d", p.Source.ID, p.now().Hour())
		return out
	}

	items, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return out
		}
		out.Transient = true
		l.Printf("[Pipeline] fetch failed source=%s err=%v", p.Source.ID, err)
		_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionTransientError,
			map[string]any{"stage": "fetch", "error": truncate(err.Error(), 300)})
		if err := p.Store.Sources.MarkChecked(ctx, p.Source.ID, 0); err != nil {
			l.Printf("[Pipeline] mark_checked failed source=%s err=%v", p.Source.ID, err)
		}
		return out
	}
	out.Fetched = len(items)
	_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionFetch, map[string]any{"items": len(items)})

	// Enforce the chronological contract regardless of adapter behavior.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.Before(items[j].PublishedAt)
	})

	dailyUsed := 0
	if state != nil && state.LastReset != nil && sameDay(*state.LastReset, p.now()) {
		dailyUsed = state.PostsToday
	}

	published := 0
	var hardErr error

itemLoop:
	for i := range items {
		item := &items[i]

		// Cooperative cancellation between items: finish the current publish,
		// leave the rest for the next run.
		if ctx.Err() != nil {
			l.Printf("[Pipeline] deadline reached source=%s processed=%d/%d", p.Source.ID, i, len(items))
			break
		}
		if published >= p.Source.MaxPostsPerRun {
			l.Printf("[Pipeline] per-run cap reached source=%s cap=%d", p.Source.ID, p.Source.MaxPostsPerRun)
			break
		}
		if p.Source.DailyLimit > 0 && dailyUsed+published >= p.Source.DailyLimit {
			l.Printf("[Pipeline] daily cap reached source=%s cap=%d", p.Source.ID, p.Source.DailyLimit)
			break
		}

		if reason := p.filterReason(item); reason != "" {
			out.Skipped++
			_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionSkip,
				map[string]any{"postId": item.ID, "reason": reason})
			continue
		}

		already, err := p.Store.Published.IsPublished(ctx, p.Source.ID, item.ID)
		if err != nil {
			hardErr = fmt.Errorf("is_published %s: %w", item.ID, err)
			break
		}
		if already {
			out.Skipped++
			continue
		}

		decision := editdetect.Decision{Action: editdetect.PublishNew}
		if p.Engine != nil && !p.Adapter.NativeEdits() {
			decision, err = p.Engine.Evaluate(ctx, *item)
			if err != nil {
				hardErr = fmt.Errorf("edit detection %s: %w", item.ID, err)
				break
			}
		}

		switch decision.Action {
		case editdetect.SkipOlderVersion:
			out.Skipped++
			_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionSkip,
				map[string]any{"postId": item.ID, "reason": "older_version", "supersededBy": decision.PrevPostID})
			continue

		case editdetect.UpdateExisting:
			ok, transient, err := p.updateExisting(ctx, item, decision)
			if err != nil {
				hardErr = err
				break itemLoop
			}
			if transient {
				out.Transient = true
				break itemLoop
			}
			if ok {
				out.Updated++
				published++
				continue
			}
			// Downstream status vanished or refused the edit; reconcile by
			// publishing fresh.
			fallthrough

		default:
			transient, err := p.publishNew(ctx, item, decision)
			if err != nil {
				hardErr = err
				break itemLoop
			}
			if transient {
				out.Transient = true
				break itemLoop
			}
			out.Published++
			published++
		}
	}

	switch {
	case hardErr != nil:
		out.Err = hardErr
		msg := truncate(hardErr.Error(), 500)
		_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionError, map[string]any{"error": msg})
		if err := p.Store.Sources.MarkError(ctx, p.Source.ID, msg); err != nil {
			l.Printf("[Pipeline] mark_error failed source=%s err=%v", p.Source.ID, err)
		}
		p.surfaceErrorBudget(ctx, state)

	case out.Transient:
		// Publishes that landed before the transient failure still count
		// against the daily budget.
		if err := p.Store.Sources.MarkChecked(ctx, p.Source.ID, published); err != nil {
			l.Printf("[Pipeline] mark_checked failed source=%s err=%v", p.Source.ID, err)
		}

	default:
		if err := p.Store.Sources.MarkSuccess(ctx, p.Source.ID, published); err != nil {
			l.Printf("[Pipeline] mark_success failed source=%s err=%v", p.Source.ID, err)
		}
	}

	l.Printf("[Pipeline] done source=%s fetched=%d published=%d updated=%d skipped=%d transient=%v err=%v",
		p.Source.ID, out.Fetched, out.Published, out.Updated, out.Skipped, out.Transient, out.Err)
	return out
}

// fetch pulls the upstream feed, retrying transient failures with exponential
// backoff before giving up for this run.
func (p *Pipeline) fetch(ctx context.Context) ([]models.UniformPost, error) {
	var items []models.UniformPost
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		var ferr error
		items, ferr = p.Adapter.Fetch(ctx)
		return ferr
	}, policy)
	return items, err
}

func (p *Pipeline) filterReason(item *models.UniformPost) string {
	if strings.TrimSpace(item.Text) == "" && len(item.Media) == 0 {
		return "empty_item"
	}
	f := p.Source.Filtering
	if f.SkipReplies && item.IsReply && !item.IsThreadPost {
		return "reply"
	}
	if f.SkipRetweets && item.IsRepost {
		return "retweet"
	}
	if f.SkipQuotes && item.IsQuote {
		return "quote"
	}
	return ""
}

// updateExisting rewrites an already-published downstream status in place of
// publishing a new one. ok=false with nil error means the edit was refused
// downstream and the caller should publish fresh.
func (p *Pipeline) updateExisting(ctx context.Context, item *models.UniformPost, d editdetect.Decision) (ok, transient bool, err error) {
	l := p.logger()
	st, err := p.Publisher.Update(ctx, d.DownstreamID, item.Text, nil)
	if err != nil {
		switch {
		case publisher.IsNotFound(err) || publisher.IsEditNotAllowed(err):
			l.Printf("[Pipeline] edit refused source=%s postId=%s downstream=%s err=%v",
				p.Source.ID, item.ID, d.DownstreamID, err)
			return false, false, nil
		case publisher.IsTransient(err):
			_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionTransientError,
				map[string]any{"stage": "update", "postId": item.ID, "error": truncate(err.Error(), 300)})
			return false, true, nil
		default:
			return false, false, fmt.Errorf("update %s: %w", item.ID, err)
		}
	}

	if err := p.Store.Published.MarkUpdated(ctx, d.DownstreamID, item.ID, item.URL); err != nil {
		return false, false, err
	}
	if err := p.Store.Buffer.Add(ctx, p.Source.ID, item.ID, item.Author.Username,
		d.Normalized, d.Hash, d.DownstreamID); err != nil {
		l.Printf("[Pipeline] buffer add failed source=%s postId=%s err=%v", p.Source.ID, item.ID, err)
	}
	if d.PrevPostID != "" {
		if err := p.Store.Buffer.Supersede(ctx, p.Source.ID, d.PrevPostID); err != nil {
			l.Printf("[Pipeline] buffer supersede failed source=%s postId=%s err=%v", p.Source.ID, d.PrevPostID, err)
		}
	}
	p.Resolver.Record(item.Author.Username, d.DownstreamID)
	_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionPublish,
		map[string]any{"postId": item.ID, "downstreamId": d.DownstreamID, "edit": true})
	l.Printf("[Pipeline] updated source=%s postId=%s downstream=%s url=%s", p.Source.ID, item.ID, d.DownstreamID, st.URL)
	return true, false, nil
}

// publishNew relays one item as a fresh downstream status.
func (p *Pipeline) publishNew(ctx context.Context, item *models.UniformPost, d editdetect.Decision) (transient bool, err error) {
	l := p.logger()
	engineActive := p.Engine != nil && !p.Adapter.NativeEdits()

	// Buffer before publish so a concurrent duplicate converges on the unique
	// constraint instead of double-publishing.
	if engineActive {
		if err := p.Store.Buffer.Add(ctx, p.Source.ID, item.ID, item.Author.Username,
			d.Normalized, d.Hash, ""); err != nil {
			l.Printf("[Pipeline] buffer add failed source=%s postId=%s err=%v", p.Source.ID, item.ID, err)
		}
	}

	mediaIDs := p.uploadMedia(ctx, item)

	inReplyTo := ""
	if item.IsThreadPost && p.Source.ThreadHandling.Mode == "reply" {
		parent, perr := p.Resolver.Parent(ctx, item.Author.Username)
		if perr != nil {
			l.Printf("[Pipeline] thread parent lookup failed source=%s postId=%s err=%v", p.Source.ID, item.ID, perr)
		} else {
			inReplyTo = parent
		}
	}

	st, err := p.Publisher.Publish(ctx, publisher.StatusParams{
		Text:       item.Text,
		MediaIDs:   mediaIDs,
		Visibility: p.Source.Visibility,
		InReplyTo:  inReplyTo,
	})
	if err != nil {
		switch {
		case publisher.IsTransient(err):
			_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionTransientError,
				map[string]any{"stage": "publish", "postId": item.ID, "error": truncate(err.Error(), 300)})
			return true, nil
		default:
			return false, fmt.Errorf("publish %s: %w", item.ID, err)
		}
	}

	if err := p.Store.Published.MarkPublished(ctx, p.Source.ID, item.ID, item.URL, st.ID, item.PlatformURI); err != nil {
		return false, err
	}
	if engineActive {
		if err := p.Store.Buffer.Add(ctx, p.Source.ID, item.ID, item.Author.Username,
			d.Normalized, d.Hash, st.ID); err != nil {
			l.Printf("[Pipeline] buffer fill failed source=%s postId=%s err=%v", p.Source.ID, item.ID, err)
		}
	}
	p.Resolver.Record(item.Author.Username, st.ID)
	_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionPublish,
		map[string]any{"postId": item.ID, "downstreamId": st.ID})
	l.Printf("[Pipeline] published source=%s postId=%s downstream=%s inReplyTo=%s", p.Source.ID, item.ID, st.ID, inReplyTo)
	return false, nil
}

// uploadMedia downloads and uploads the item's attachments, at most four in
// parallel. Failures shrink the attachment list, never abort the publish.
func (p *Pipeline) uploadMedia(ctx context.Context, item *models.UniformPost) []string {
	if p.Downloader == nil || len(item.Media) == 0 {
		return nil
	}
	l := p.logger()
	files := make([]publisher.MediaFile, 0, len(item.Media))
	for _, m := range item.Media {
		f, err := p.Downloader.Download(ctx, m.URL)
		if err != nil {
			l.Printf("[Pipeline] media download failed source=%s url=%s err=%v", p.Source.ID, m.URL, err)
			continue
		}
		f.AltText = m.AltText
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil
	}
	ids := publisher.UploadAll(ctx, p.Publisher, files, l)
	_ = p.Store.Activity.Record(ctx, p.Source.ID, store.ActionMediaUpload,
		map[string]any{"postId": item.ID, "requested": len(item.Media), "uploaded": len(ids)})
	return ids
}

// surfaceErrorBudget logs when a source crosses the critical consecutive-error
// threshold so monitoring can pick it up.
func (p *Pipeline) surfaceErrorBudget(ctx context.Context, prev *models.SourceState) {
	threshold := DefaultErrorThreshold
	count := 1
	if prev != nil {
		count = prev.ErrorCount + 1
	}
	if count >= threshold {
		p.logger().Printf("[Pipeline] WARNING source=%s consecutive errors=%d threshold=%d", p.Source.ID, count, threshold)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
