// Command relay polls the configured upstream sources and republishes their
// posts to the downstream service. It runs either as a looping daemon (with
// the operator API alongside) or as a single pass with -once for cron-style
// deployments.
//
// Exit codes: 0 all sources OK or transient-only, 1 at least one source
// reported a hard error, 2 configuration or database unreachable.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/PortNumber53/social-relay/internal/config"
	"github.com/PortNumber53/social-relay/internal/handlers"
	"github.com/PortNumber53/social-relay/internal/publisher"
	"github.com/PortNumber53/social-relay/internal/relay"
	"github.com/PortNumber53/social-relay/internal/sources"
	"github.com/PortNumber53/social-relay/internal/store"
	"github.com/PortNumber53/social-relay/internal/workers"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if it exists
	_ = godotenv.Load()

	var (
		once       = flag.Bool("once", false, "Run a single scheduler pass and exit")
		configPath = flag.String("config", envOr("RELAY_CONFIG", "sources.yaml"), "Path to the sources YAML file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Relay] config error: %v", err)
		return 2
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Printf("[Relay] DATABASE_URL environment variable is required")
		return 2
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Printf("[Relay] failed to open database: %v", err)
		return 2
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Printf("[Relay] failed to ping database: %v", err)
		return 2
	}

	if err := migrateUp(db); err != nil {
		log.Printf("[Relay] database migration failed: %v", err)
		return 2
	}
	log.Println("[Relay] database is up-to-date")

	baseURL := os.Getenv("MASTODON_BASE_URL")
	accessToken := os.Getenv("MASTODON_ACCESS_TOKEN")
	if baseURL == "" || accessToken == "" {
		log.Printf("[Relay] MASTODON_BASE_URL and MASTODON_ACCESS_TOKEN are required")
		return 2
	}

	st := store.New(db)
	registry := sources.DefaultRegistry(sources.NewRegistry(nil, log.Default()))
	sched := &relay.Scheduler{
		Store:      st,
		Config:     cfg,
		Registry:   registry,
		Publisher:  publisher.NewClient(baseURL, accessToken, log.Default()),
		Downloader: relay.NewHTTPMediaDownloader(),
		Logger:     log.Default(),
		RunTimeout: envDuration("RELAY_RUN_TIMEOUT_SECONDS", 10*time.Minute),
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		sum, err := sched.Run(rootCtx)
		if err != nil {
			log.Printf("[Relay] run failed: %v", err)
			return 2
		}
		return sum.ExitCode()
	}

	return runDaemon(rootCtx, cancel, st, cfg, sched)
}

// runDaemon loops the scheduler and serves the operator API until SIGINT or
// SIGTERM.
func runDaemon(ctx context.Context, cancel context.CancelFunc, st *store.Store, cfg *config.Config, sched *relay.Scheduler) int {
	h := handlers.New(st, cfg, log.Default())
	sched.Events = h.Emit

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	port := envOr("PORT", "18920")
	srv := &http.Server{
		Handler:      c.Handler(handlers.Routes(h)),
		Addr:         ":" + port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	go func() {
		log.Printf("[Relay] operator API listening on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Relay] http server error: %v", err)
		}
	}()

	cleanup := &workers.BufferCleanupWorker{
		Buffer:         st.Buffer,
		RetentionHours: envInt("RELAY_BUFFER_RETENTION_HOURS", 2),
		Interval:       envDuration("RELAY_BUFFER_CLEANUP_INTERVAL_SECONDS", 30*time.Minute),
	}
	go cleanup.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	tick := envDuration("RELAY_TICK_SECONDS", time.Minute)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	log.Printf("[Relay] scheduler loop started tick=%s", tick)

	runPass := func() {
		if _, err := sched.Run(ctx); err != nil {
			log.Printf("[Relay] scheduler pass failed: %v", err)
		}
	}

	runPass()
	for {
		select {
		case <-stop:
			log.Println("[Relay] shutting down...")
			cancel()
			shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			h.Shutdown(shutdownCtx)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("[Relay] server shutdown error: %v", err)
			}
			log.Println("[Relay] stopped")
			return 0

		case sourceID := <-h.TriggerCh():
			out, err := sched.RunSource(ctx, sourceID)
			if err != nil {
				log.Printf("[Relay] triggered run failed source=%s err=%v", sourceID, err)
				continue
			}
			log.Printf("[Relay] triggered run done source=%s published=%d updated=%d err=%v",
				out.SourceID, out.Published, out.Updated, out.Err)

		case <-ticker.C:
			runPass()
		}
	}
}

func migrateUp(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
