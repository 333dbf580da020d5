package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/social-relay/internal/config"
	"github.com/PortNumber53/social-relay/internal/editdetect"
	"github.com/PortNumber53/social-relay/internal/publisher"
	"github.com/PortNumber53/social-relay/internal/sources"
	"github.com/PortNumber53/social-relay/internal/store"
	"github.com/PortNumber53/social-relay/internal/threading"
)

const (
	defaultGlobalMinIntervalMin = 5
	defaultGlobalLimit          = 50
	defaultPerPlatformParallel  = 4
	defaultRunTimeout           = 10 * time.Minute
)

// Summary aggregates one orchestrator run.
type Summary struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Outcomes []Outcome
}

// HardErrors counts sources that ended with an uncaught error.
func (s *Summary) HardErrors() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// ExitCode maps the run result to the process exit contract: 0 all sources OK
// or transient-only, 1 at least one hard error.
func (s *Summary) ExitCode() int {
	if s.HardErrors() > 0 {
		return 1
	}
	return 0
}

// EventFunc receives scheduler lifecycle events for the realtime stream.
type EventFunc func(event string, payload map[string]any)

// Scheduler selects due sources, bounds per-platform concurrency, and drives
// one pipeline per selected source. Workers share the publisher adapter and
// the store's connection pool; each pipeline owns its thread cache.
type Scheduler struct {
	Store      *store.Store
	Config     *config.Config
	Registry   *sources.Registry
	Publisher  publisher.Publisher
	Downloader MediaDownloader
	Logger     *log.Logger
	Events     EventFunc

	GlobalMinIntervalMin int
	GlobalLimit          int
	PerPlatform          int
	RunTimeout           time.Duration
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Scheduler) emit(event string, payload map[string]any) {
	if s.Events != nil {
		s.Events(event, payload)
	}
}

// Run executes one orchestrator pass. The returned error is reserved for
// configuration/database unavailability (exit code 2); per-source failures are
// reported through the summary.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	l := s.logger()
	sum := &Summary{RunID: uuid.NewString(), Started: time.Now()}

	selected, err := s.selectDue(ctx)
	if err != nil {
		return nil, err
	}
	l.Printf("[Scheduler] run=%s due=%d", sum.RunID, len(selected))
	s.emit("run.started", map[string]any{"runId": sum.RunID, "sources": len(selected)})

	if len(selected) > 0 {
		timeout := s.RunTimeout
		if timeout <= 0 {
			timeout = defaultRunTimeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		perPlatform := s.PerPlatform
		if perPlatform <= 0 {
			perPlatform = defaultPerPlatformParallel
		}

		byPlatform := make(map[string][]config.Source)
		for _, src := range selected {
			byPlatform[src.Platform] = append(byPlatform[src.Platform], src)
		}

		var mu sync.Mutex
		var outer errgroup.Group
		for _, group := range byPlatform {
			group := group
			outer.Go(func() error {
				var g errgroup.Group
				g.SetLimit(perPlatform)
				for _, src := range group {
					src := src
					g.Go(func() error {
						o := s.runSource(runCtx, src)
						mu.Lock()
						sum.Outcomes = append(sum.Outcomes, o)
						mu.Unlock()
						return nil
					})
				}
				return g.Wait()
			})
		}
		_ = outer.Wait()
	}

	sum.Duration = time.Since(sum.Started)
	for _, o := range sum.Outcomes {
		l.Printf("[Scheduler] run=%s source=%s fetched=%d published=%d updated=%d skipped=%d transient=%v err=%v",
			sum.RunID, o.SourceID, o.Fetched, o.Published, o.Updated, o.Skipped, o.Transient, o.Err)
	}
	l.Printf("[Scheduler] run=%s done sources=%d hardErrors=%d dur=%s",
		sum.RunID, len(sum.Outcomes), sum.HardErrors(), sum.Duration)
	s.emit("run.done", map[string]any{
		"runId": sum.RunID, "sources": len(sum.Outcomes),
		"hardErrors": sum.HardErrors(), "durationMs": sum.Duration.Milliseconds(),
	})
	return sum, nil
}

// selectDue intersects sources_due with the enabled set, then applies each
// source's own priority-tier interval. Enabled sources with no state row have
// never been checked and are always due; disabled sources are excluded.
func (s *Scheduler) selectDue(ctx context.Context) ([]config.Source, error) {
	minInterval := s.GlobalMinIntervalMin
	if minInterval <= 0 {
		minInterval = defaultGlobalMinIntervalMin
	}
	limit := s.GlobalLimit
	if limit <= 0 {
		limit = defaultGlobalLimit
	}

	dueIDs, err := s.Store.Sources.SourcesDue(ctx, minInterval, limit)
	if err != nil {
		return nil, fmt.Errorf("sources_due: %w", err)
	}
	dueSet := make(map[string]struct{}, len(dueIDs))
	for _, id := range dueIDs {
		dueSet[id] = struct{}{}
	}

	var selected []config.Source
	for _, src := range s.Config.Enabled() {
		state, err := s.Store.Sources.Get(ctx, src.ID)
		if err != nil {
			return nil, fmt.Errorf("source state %s: %w", src.ID, err)
		}
		if state == nil {
			selected = append(selected, src)
			continue
		}
		if state.DisabledAt != nil {
			continue
		}
		if _, due := dueSet[src.ID]; !due {
			continue
		}
		if state.LastCheck != nil &&
			time.Since(*state.LastCheck) < time.Duration(src.Interval())*time.Minute {
			continue
		}
		selected = append(selected, src)
	}
	return selected, nil
}

// runSource builds and runs one source pipeline.
func (s *Scheduler) runSource(ctx context.Context, src config.Source) Outcome {
	adapter, err := s.Registry.Build(src)
	if err != nil {
		// Misconfiguration counts against the source's error budget; an
		// operator has to act either way.
		msg := truncate(err.Error(), 500)
		_ = s.Store.Sources.MarkError(ctx, src.ID, msg)
		_ = s.Store.Activity.Record(ctx, src.ID, store.ActionError, map[string]any{"error": msg})
		return Outcome{SourceID: src.ID, Err: err}
	}

	p := &Pipeline{
		Source:     src,
		Store:      s.Store,
		Adapter:    adapter,
		Publisher:  s.Publisher,
		Engine:     editdetect.New(s.Store.Buffer, s.logger()),
		Resolver:   threading.NewResolver(s.Store.Published, src.ID),
		Downloader: s.Downloader,
		Logger:     s.logger(),
	}
	o := p.Run(ctx)
	event := "source.done"
	if o.Err != nil {
		event = "source.error"
	}
	s.emit(event, map[string]any{
		"sourceId": o.SourceID, "fetched": o.Fetched, "published": o.Published,
		"updated": o.Updated, "skipped": o.Skipped, "transient": o.Transient,
	})
	return o
}

// RunSource runs a single source immediately, ignoring dueness. Serves the
// webhook intake; the disabled gate still applies inside the pipeline.
func (s *Scheduler) RunSource(ctx context.Context, sourceID string) (Outcome, error) {
	src, ok := s.Config.ByID(sourceID)
	if !ok {
		return Outcome{}, fmt.Errorf("unknown source %q", sourceID)
	}
	if !src.Enabled {
		return Outcome{}, fmt.Errorf("source %q is not enabled", sourceID)
	}
	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.runSource(runCtx, src), nil
}
