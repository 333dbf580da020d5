package workers

import (
	"context"
	"log"
	"time"

	"github.com/PortNumber53/social-relay/internal/store"
)

// BufferCleanupWorker expires edit-detection buffer rows past the retention
// horizon.
type BufferCleanupWorker struct {
	Buffer         *store.EditBufferRepo
	RetentionHours int           // how long buffer rows stay eligible (default: 2)
	Interval       time.Duration // sweep cadence (default: 30m)
	Logger         *log.Logger
}

// Start begins the cleanup loop. Blocks until ctx is cancelled.
func (w *BufferCleanupWorker) Start(ctx context.Context) {
	if w.RetentionHours <= 0 {
		w.RetentionHours = 2
	}
	if w.Interval <= 0 {
		w.Interval = 30 * time.Minute
	}
	l := w.Logger
	if l == nil {
		l = log.Default()
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	l.Printf("[BufferCleanup] started retention=%dh interval=%s", w.RetentionHours, w.Interval)

	w.sweep(ctx, l)
	for {
		select {
		case <-ctx.Done():
			l.Printf("[BufferCleanup] stopped")
			return
		case <-ticker.C:
			w.sweep(ctx, l)
		}
	}
}

func (w *BufferCleanupWorker) sweep(ctx context.Context, l *log.Logger) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deleted, err := w.Buffer.Cleanup(sweepCtx, w.RetentionHours)
	if err != nil {
		l.Printf("[BufferCleanup] error: %v", err)
		return
	}
	if deleted > 0 {
		l.Printf("[BufferCleanup] deleted %d expired buffer rows", deleted)
	}
}
