// Package memstore provides a sqlite-backed remote.Store: one database
// file, one row per (store, index) entry. It is the local stand-in for a
// real backend service, durable enough that a second process can find a
// first process's named store already built and adopt it.
package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/pathvault/obliviousfs/remote"
)

// Store is a remote.Store backed by a sqlite database on disk. A single
// mutex serializes all statements: callers may issue requests from many
// goroutines (concurrent level evictions do), and sqlite handles
// concurrent write transactions poorly.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) a memstore database at loc.
func Open(loc string) (*Store, error) {
	if dir := filepath.Dir(loc); dir != "." {
		if err := os.MkdirAll(dir, 0o744); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", loc)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE,
			n INTEGER NOT NULL,
			entry_size INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store_id INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			val BLOB NOT NULL,
			PRIMARY KEY (store_id, idx)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Initialize(ctx context.Context, opts remote.InitOpts) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.EntrySize == 0 {
		return 0, false, remote.ErrInvalidArgument
	}

	if opts.Name != "" && !opts.FirstBuild {
		var id uint64
		var n, entrySize uint64
		err := s.db.QueryRowContext(ctx,
			`SELECT id, n, entry_size FROM stores WHERE name = ?`, opts.Name,
		).Scan(&id, &n, &entrySize)
		if err == nil {
			if n != opts.N || entrySize != opts.EntrySize {
				return 0, false, fmt.Errorf("%w: prebuilt store %q has mismatched dimensions", remote.ErrFailedPrecondition, opts.Name)
			}
			return id, true, nil
		} else if err != sql.ErrNoRows {
			return 0, false, err
		}
	}

	var name interface{}
	if opts.Name != "" {
		name = opts.Name
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stores (name, n, entry_size) VALUES (?, ?, ?)`,
		name, opts.N, opts.EntrySize)
	if err != nil {
		return 0, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return uint64(id), false, nil
}

func (s *Store) ReadMany(ctx context.Context, id uint64, idxs []uint64) (map[uint64][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entrySize uint64
	if err := s.db.QueryRowContext(ctx, `SELECT entry_size FROM stores WHERE id = ?`, id).Scan(&entrySize); err != nil {
		if err == sql.ErrNoRows {
			return nil, remote.ErrFailedPrecondition
		}
		return nil, err
	}

	out := make(map[uint64][]byte, len(idxs))
	for _, idx := range idxs {
		var val []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT val FROM entries WHERE store_id = ? AND idx = ?`, id, idx,
		).Scan(&val)
		if err == sql.ErrNoRows {
			out[idx] = make([]byte, entrySize)
			continue
		} else if err != nil {
			return nil, err
		}
		out[idx] = val
	}
	return out, nil
}

func (s *Store) WriteMany(ctx context.Context, id uint64, entries map[uint64][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entrySize uint64
	if err := s.db.QueryRowContext(ctx, `SELECT entry_size FROM stores WHERE id = ?`, id).Scan(&entrySize); err != nil {
		if err == sql.ErrNoRows {
			return remote.ErrFailedPrecondition
		}
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for idx, val := range entries {
		if uint64(len(val)) != entrySize {
			tx.Rollback()
			return remote.ErrInvalidArgument
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (store_id, idx, val) VALUES (?, ?, ?)
			 ON CONFLICT(store_id, idx) DO UPDATE SET val = excluded.val`,
			id, idx, val,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Destroy releases backend state for id. A store registered under a name is
// kept on disk untouched, so a later Initialize with the same name can
// adopt it; an unnamed store is fully released.
func (s *Store) Destroy(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT name FROM stores WHERE id = ?`, id).Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return remote.ErrFailedPrecondition
		}
		return err
	}
	if name.Valid && name.String != "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE store_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM stores WHERE id = ?`, id)
	return err
}
