// Package store is the sole SQL surface of the relay. It exposes four narrow
// repositories over one shared *sql.DB pool; no other package issues queries.
package store

import "database/sql"

type Store struct {
	db *sql.DB

	Published *PublishedRepo
	Sources   *SourceStateRepo
	Activity  *ActivityRepo
	Buffer    *EditBufferRepo
}

func New(db *sql.DB) *Store {
	return &Store{
		db:        db,
		Published: &PublishedRepo{db: db},
		Sources:   &SourceStateRepo{db: db},
		Activity:  &ActivityRepo{db: db},
		Buffer:    &EditBufferRepo{db: db},
	}
}

// DB exposes the underlying pool for lifecycle management (ping, close).
func (s *Store) DB() *sql.DB { return s.db }
