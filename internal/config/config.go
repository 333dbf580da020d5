package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Priority tiers map to default polling intervals (minutes).
const (
	IntervalHighMin   = 5
	IntervalNormalMin = 20
	IntervalLowMin    = 55
)

type Origin struct {
	Handle  string `yaml:"handle"`
	FeedURL string `yaml:"feed_url"`
}

type Target struct {
	AccountID string `yaml:"account_id"`
}

type Filtering struct {
	SkipReplies  bool `yaml:"skip_replies"`
	SkipRetweets bool `yaml:"skip_retweets"`
	SkipQuotes   bool `yaml:"skip_quotes"`
}

type ThreadHandling struct {
	Mode string `yaml:"mode"` // reply (default) or flat
}

// Source is one configured upstream feed. Unknown keys are carried in Extra
// so forward-compatible options survive a round trip.
type Source struct {
	ID              string         `yaml:"id"`
	Platform        string         `yaml:"platform"`
	Enabled         bool           `yaml:"enabled"`
	Source          Origin         `yaml:"source"`
	Target          Target         `yaml:"target"`
	Priority        string         `yaml:"priority"`
	IntervalMinutes int            `yaml:"interval_minutes"`
	MaxPostsPerRun  int            `yaml:"max_posts_per_run"`
	DailyLimit      int            `yaml:"daily_limit"`
	SkipHours       []int          `yaml:"skip_hours"`
	Filtering       Filtering      `yaml:"filtering"`
	ThreadHandling  ThreadHandling `yaml:"thread_handling"`
	Visibility      string         `yaml:"visibility"`
	Extra           map[string]any `yaml:",inline"`
}

type Config struct {
	Sources []Source `yaml:"sources"`
}

// Interval returns the effective polling interval in minutes: an explicit
// interval_minutes wins, otherwise the priority tier decides.
func (s Source) Interval() int {
	if s.IntervalMinutes > 0 {
		return s.IntervalMinutes
	}
	switch strings.ToLower(s.Priority) {
	case "high":
		return IntervalHighMin
	case "low":
		return IntervalLowMin
	default:
		return IntervalNormalMin
	}
}

// SkipHour reports whether fetching is suppressed during the given local hour.
func (s Source) SkipHour(hour int) bool {
	for _, h := range s.SkipHours {
		if h == hour {
			return true
		}
	}
	return false
}

// Load reads and validates the sources YAML file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a sources YAML document and validates it.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if strings.TrimSpace(s.ID) == "" {
			return nil, fmt.Errorf("source %d: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if strings.TrimSpace(s.Platform) == "" {
			return nil, fmt.Errorf("source %s: platform is required", s.ID)
		}
		if s.Source.Handle == "" && s.Source.FeedURL == "" {
			return nil, fmt.Errorf("source %s: source.handle or source.feed_url is required", s.ID)
		}
		if s.MaxPostsPerRun <= 0 {
			s.MaxPostsPerRun = 5
		}
		if s.Visibility == "" {
			s.Visibility = "public"
		}
		if s.ThreadHandling.Mode == "" {
			s.ThreadHandling.Mode = "reply"
		}
	}
	return &cfg, nil
}

// Enabled returns the enabled sources only.
func (c *Config) Enabled() []Source {
	out := make([]Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// ByID returns the source with the given id, enabled or not.
func (c *Config) ByID(id string) (Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}
