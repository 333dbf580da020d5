// Package sources holds the upstream adapter framework: the Adapter interface
// every platform implements, per-platform rate limiting, and the registry the
// scheduler builds adapters from. Platform-specific payload parsing lives in
// the adapters, not in the relay core.
package sources

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/social-relay/internal/config"
	"github.com/PortNumber53/social-relay/internal/models"
	"golang.org/x/time/rate"
)

// Adapter fetches the current items of one upstream feed as uniform posts.
// Implementations should respect the provided limiter for every outbound call.
type Adapter interface {
	Platform() string
	// NativeEdits reports whether the platform carries edits natively. The
	// edit-detection engine only runs for platforms that return false.
	NativeEdits() bool
	Fetch(ctx context.Context) ([]models.UniformPost, error)
}

// Factory builds an adapter for one configured source.
type Factory func(cfg config.Source, client *http.Client, limiter *rate.Limiter, logger *log.Logger) (Adapter, error)

// Registry maps platform name to adapter factory.
type Registry struct {
	factories map[string]Factory
	Client    *http.Client
	Logger    *log.Logger
}

func NewRegistry(client *http.Client, logger *log.Logger) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		Client:    client,
		Logger:    logger,
	}
}

func (r *Registry) Register(platform string, f Factory) {
	r.factories[platform] = f
}

// Build constructs the adapter for one source, wiring in the platform's rate
// limiter.
func (r *Registry) Build(cfg config.Source) (Adapter, error) {
	f, ok := r.factories[cfg.Platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", cfg.Platform)
	}
	lim, _ := limiterForPlatform(cfg.Platform)
	return f(cfg, r.Client, lim, r.Logger)
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimits returns conservative per-platform limits; override via env
// to match each upstream's quota policy.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"nitter":  {RequestsPerSecond: 0.5, Burst: 1},
		"bluesky": {RequestsPerSecond: 2, Burst: 3},
		"rss":     {RequestsPerSecond: 1, Burst: 2},
		"youtube": {RequestsPerSecond: 1, Burst: 2},
	}
}

func rateLimitFromEnv(platform string, def RateLimitConfig) RateLimitConfig {
	// Env vars, e.g.:
	// RELAY_NITTER_RPS=0.25
	// RELAY_NITTER_BURST=1
	prefix := "RELAY_" + strings.ToUpper(strings.ReplaceAll(platform, "-", "_")) + "_"
	if v := os.Getenv(prefix + "RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			def.RequestsPerSecond = f
		}
	}
	if v := os.Getenv(prefix + "BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			def.Burst = n
		}
	}
	return def
}

func limiterForPlatform(platform string) (*rate.Limiter, RateLimitConfig) {
	cfg, ok := DefaultRateLimits()[platform]
	if !ok {
		cfg = RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	}
	cfg = rateLimitFromEnv(platform, cfg)
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst), cfg
}
