// Package dedup persists which posts have already been delivered, so
// stateless runs never notify the same post twice.
package dedup

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"boardwatch/lib/scrapers/avdbs"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the dedup database at path and
// applies the schema. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		os.MkdirAll(filepath.Dir(path), 0777)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dedup db: %w", err)
	}
	// sqlite write concurrency, see
	// https://stackoverflow.com/questions/35804884
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open dedup db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate dedup db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Key identifies a post within its board.
type Key struct {
	Board  string
	PostID string
}

// Load reads the full seen-set into memory. The set stays small enough
// (one row per ever-dispatched post) that this beats per-post queries.
func (s *Store) Load(ctx context.Context) (map[Key]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT board, post_id FROM dispatched")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[Key]bool{}
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Board, &k.PostID); err != nil {
			return nil, err
		}
		seen[k] = true
	}
	return seen, rows.Err()
}

// DiffNew filters a listing snapshot down to posts absent from the
// seen-set, preserving the snapshot's order.
func DiffNew(seen map[Key]bool, summaries []avdbs.PostSummary) []avdbs.PostSummary {
	var fresh []avdbs.PostSummary
	for _, summary := range summaries {
		if seen[Key{Board: summary.Board, PostID: summary.ID}] {
			continue
		}
		fresh = append(fresh, summary)
	}
	return fresh
}

// Commit marks posts as dispatched. INSERT OR IGNORE keeps re-commits
// of an already-recorded post harmless, so a crash between dispatch
// and commit costs at most one duplicate notification, never a lost
// record.
func (s *Store) Commit(ctx context.Context, runID string, posts ...avdbs.PostSummary) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, post := range posts {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO dispatched
			 (board, post_id, url, dispatched_at, run_id)
			 VALUES (?, ?, ?, ?, ?)`,
			post.Board, post.ID, post.URL, now, runID,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count reports how many posts have ever been dispatched.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dispatched").Scan(&n)
	return n, err
}

// Reset drops the entire seen-set. Every currently visible post will
// be re-delivered on the next run.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dispatched")
	return err
}
