package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"

	"github.com/PortNumber53/social-relay/internal/config"
	"github.com/PortNumber53/social-relay/internal/models"
	"golang.org/x/time/rate"
)

// FeedAdapter consumes a facade endpoint that already emits uniform posts as
// JSON (the HTML/RSS scraping facades in front of the upstream platforms all
// expose this shape). Items are returned oldest-first, the order the pipeline
// and threading resolver require.
type FeedAdapter struct {
	platform    string
	feedURL     string
	nativeEdits bool
	client      *http.Client
	limiter     *rate.Limiter
	logger      *log.Logger
}

func NewFeedAdapter(platform string, nativeEdits bool) Factory {
	return func(cfg config.Source, client *http.Client, limiter *rate.Limiter, logger *log.Logger) (Adapter, error) {
		if cfg.Source.FeedURL == "" {
			return nil, fmt.Errorf("source %s: feed_url required for platform %s", cfg.ID, platform)
		}
		return &FeedAdapter{
			platform:    platform,
			feedURL:     cfg.Source.FeedURL,
			nativeEdits: nativeEdits,
			client:      client,
			limiter:     limiter,
			logger:      logger,
		}, nil
	}
}

func (a *FeedAdapter) Platform() string  { return a.platform }
func (a *FeedAdapter) NativeEdits() bool { return a.nativeEdits }

func (a *FeedAdapter) Fetch(ctx context.Context) ([]models.UniformPost, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("feed_non_2xx platform=%s status=%d body=%s", a.platform, res.StatusCode, snippet(body))
	}

	var payload struct {
		Items []models.UniformPost `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		// Some facades return a bare array instead of {items: [...]}.
		if arrErr := json.Unmarshal(body, &payload.Items); arrErr != nil {
			return nil, fmt.Errorf("feed_decode platform=%s: %w", a.platform, err)
		}
	}

	items := payload.Items
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.Before(items[j].PublishedAt)
	})
	return items, nil
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 300 {
		return s[:300]
	}
	return s
}

var _ Adapter = (*FeedAdapter)(nil)
