package workers

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/PortNumber53/social-relay/internal/store"
)

func TestBufferCleanupSweepsOnStart(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := store.New(db)

	mock.ExpectExec(`DELETE FROM public\.edit_detection_buffer`).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 3))

	w := &BufferCleanupWorker{
		Buffer:   s.Buffer,
		Interval: time.Hour, // far enough out that only the startup sweep runs
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	// The startup sweep runs before the first tick; give it a moment, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop on cancel")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBufferCleanupDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := store.New(db)

	// Zero-value config falls back to the 2h retention.
	mock.ExpectExec(`DELETE FROM public\.edit_detection_buffer`).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := &BufferCleanupWorker{Buffer: s.Buffer}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if w.RetentionHours != 2 || w.Interval != 30*time.Minute {
		t.Fatalf("defaults not applied: retention=%d interval=%s", w.RetentionHours, w.Interval)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
