package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestBufferAddLowercasesUsername(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db)

	mock.ExpectExec(`INSERT INTO public\.edit_detection_buffer[\s\S]*ON CONFLICT \(source_id, post_id\) DO UPDATE SET`).
		WithArgs("news-feed", "12345", "newsbot", "breaking story here", "abc123", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.Buffer.Add(context.Background(), "news-feed", "12345", "NewsBot", "breaking story here", "abc123", "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBufferFindByHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db)

	created := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM public\.edit_detection_buffer\s+WHERE username = \$1\s+AND text_hash = \$2`).
		WithArgs("newsbot", "abc123").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_id", "post_id", "username", "text_normalized", "text_hash", "downstream_status_id", "created_at",
		}).AddRow(int64(4), "news-feed", "12345", "newsbot", "breaking story here", "abc123", "109", created))

	e, err := s.Buffer.FindByHash(context.Background(), "NewsBot", "abc123")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if e == nil {
		t.Fatalf("expected a hit")
	}
	if e.PostID != "12345" || e.DownstreamStatusID == nil || *e.DownstreamStatusID != "109" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBufferFindByHashMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db)

	mock.ExpectQuery(`FROM public\.edit_detection_buffer`).
		WithArgs("newsbot", "nope").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_id", "post_id", "username", "text_normalized", "text_hash", "downstream_status_id", "created_at",
		}))

	e, err := s.Buffer.FindByHash(context.Background(), "newsbot", "nope")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if e != nil {
		t.Fatalf("expected nil on miss, got %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBufferFindRecentDefaultsWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db)

	created := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM public\.edit_detection_buffer\s+WHERE username = \$1\s+AND created_at > NOW\(\)`).
		WithArgs("newsbot", 3600).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "source_id", "post_id", "username", "text_normalized", "text_hash", "downstream_status_id", "created_at",
		}).
			AddRow(int64(2), "news-feed", "12346", "newsbot", "second post", "h2", nil, created).
			AddRow(int64(1), "news-feed", "12345", "newsbot", "first post", "h1", "109", created.Add(-time.Minute)))

	got, err := s.Buffer.FindRecent(context.Background(), "newsbot", 0)
	if err != nil {
		t.Fatalf("FindRecent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].PostID != "12346" {
		t.Fatalf("expected newest first, got %+v", got[0])
	}
	if got[0].DownstreamStatusID != nil {
		t.Fatalf("expected nil downstream on unpublished entry")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBufferSupersede(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db)

	mock.ExpectExec(`DELETE FROM public\.edit_detection_buffer\s+WHERE source_id = \$1 AND post_id = \$2`).
		WithArgs("news-feed", "12345").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Buffer.Supersede(context.Background(), "news-feed", "12345"); err != nil {
		t.Fatalf("Supersede: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBufferCleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := New(db)

	mock.ExpectExec(`DELETE FROM public\.edit_detection_buffer\s+WHERE created_at < NOW\(\)`).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.Buffer.Cleanup(context.Background(), 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 deleted rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
