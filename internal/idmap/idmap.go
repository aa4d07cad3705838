// Package idmap is the persistent identity map between wiki revisions
// and commit identities.
//
// Each entry pairs (repository path, wiki revision id) with the commit
// identity that materialized it: a fast-import mark during export, or
// a push record for revisions created by a push. The table is
// append-only; an entry is never rewritten once created. The map is
// what makes repeated fetches incremental and what gives push its
// optimistic-concurrency baseline.
//
// Storage is a SQLite database (WAL mode) in the helper's state
// directory, typically .git/dokuwiki/idmap.db. A missing database
// means "nothing synchronized yet" and is created empty.
package idmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS revisions (
	path       TEXT    NOT NULL,
	revision   INTEGER NOT NULL,
	commit_id  TEXT    NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT    NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (path, revision)
);

CREATE TABLE IF NOT EXISTS squash_bases (
	path     TEXT PRIMARY KEY,
	revision INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_revisions_path ON revisions(path, revision DESC);
`

// Map is an open identity map. Close it when done.
type Map struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the identity map database at path.
func Open(path string) (*Map, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity map directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open identity map: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open identity map: %w", err)
	}

	// Single-process access, but WAL keeps a crashed run recoverable.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create identity map schema: %w", err)
	}

	return &Map{conn: conn, path: path}, nil
}

// Close flushes and closes the database.
func (m *Map) Close() error {
	return m.conn.Close()
}

// Entry is one identity-map row.
type Entry struct {
	Path     string
	Revision int64
	CommitID string
	// Deleted marks a revision that removed the path (a wiki delete
	// tombstone). The newest entry being deleted means the path no
	// longer exists remotely as far as this clone knows.
	Deleted bool
}

// Record appends a (path, revision) -> commit identity entry. Entries
// are immutable: recording the same pair again is a no-op and the
// original identity wins.
func (m *Map) Record(ctx context.Context, path string, revision int64, commitID string, deleted bool) error {
	_, err := m.conn.ExecContext(ctx,
		`INSERT INTO revisions (path, revision, commit_id, deleted) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path, revision) DO NOTHING`,
		path, revision, commitID, deleted)
	if err != nil {
		return fmt.Errorf("record %s@%d: %w", path, revision, err)
	}
	return nil
}

// Lookup returns the commit identity for (path, revision).
func (m *Map) Lookup(ctx context.Context, path string, revision int64) (string, bool, error) {
	var id string
	err := m.conn.QueryRowContext(ctx,
		`SELECT commit_id FROM revisions WHERE path = ? AND revision = ?`,
		path, revision).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %s@%d: %w", path, revision, err)
	}
	return id, true, nil
}

// Get returns the full entry for (path, revision).
func (m *Map) Get(ctx context.Context, path string, revision int64) (Entry, bool, error) {
	e := Entry{Path: path, Revision: revision}
	err := m.conn.QueryRowContext(ctx,
		`SELECT commit_id, deleted FROM revisions WHERE path = ? AND revision = ?`,
		path, revision).Scan(&e.CommitID, &e.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s@%d: %w", path, revision, err)
	}
	return e, true, nil
}

// Has reports whether (path, revision) is already mapped.
func (m *Map) Has(ctx context.Context, path string, revision int64) (bool, error) {
	_, ok, err := m.Lookup(ctx, path, revision)
	return ok, err
}

// Latest returns the newest mapped revision for a path. ok is false
// when the path has never been synchronized.
func (m *Map) Latest(ctx context.Context, path string) (Entry, bool, error) {
	e := Entry{Path: path}
	err := m.conn.QueryRowContext(ctx,
		`SELECT revision, commit_id, deleted FROM revisions WHERE path = ?
		 ORDER BY revision DESC LIMIT 1`,
		path).Scan(&e.Revision, &e.CommitID, &e.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("latest for %s: %w", path, err)
	}
	return e, true, nil
}

// Count returns the number of mapped revisions. Zero means nothing has
// been synchronized yet.
func (m *Map) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := m.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count revisions: %w", err)
	}
	return n, nil
}

// RecordSquashBase notes that history older than revision was squashed
// into a single base commit for path.
func (m *Map) RecordSquashBase(ctx context.Context, path string, revision int64) error {
	_, err := m.conn.ExecContext(ctx,
		`INSERT INTO squash_bases (path, revision) VALUES (?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		path, revision)
	if err != nil {
		return fmt.Errorf("record squash base %s@%d: %w", path, revision, err)
	}
	return nil
}

// SquashBase returns the squashed-base revision for path, if any.
func (m *Map) SquashBase(ctx context.Context, path string) (int64, bool, error) {
	var rev int64
	err := m.conn.QueryRowContext(ctx,
		`SELECT revision FROM squash_bases WHERE path = ?`, path).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("squash base for %s: %w", path, err)
	}
	return rev, true, nil
}

// RefHead returns the last exported head identity for a ref.
func (m *Map) RefHead(ctx context.Context, ref string) (string, bool, error) {
	return m.getMeta(ctx, "head:"+ref)
}

// SetRefHead records the head identity reached by the latest export or
// push of a ref.
func (m *Map) SetRefHead(ctx context.Context, ref, commitID string) error {
	return m.setMeta(ctx, "head:"+ref, commitID)
}

// MarkBase returns the first fast-import mark number the next export
// should use. Marks stay unique across runs so a mark recorded in the
// map never aliases a commit from an earlier stream.
func (m *Map) MarkBase(ctx context.Context) (uint64, error) {
	v, ok, err := m.getMeta(ctx, "mark_base")
	if err != nil || !ok {
		return 1, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 1, nil
	}
	return n, nil
}

// SetMarkBase stores the next unused mark number.
func (m *Map) SetMarkBase(ctx context.Context, next uint64) error {
	return m.setMeta(ctx, "mark_base", strconv.FormatUint(next, 10))
}

func (m *Map) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := m.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("meta %s: %w", key, err)
	}
	return v, true, nil
}

func (m *Map) setMeta(ctx context.Context, key, value string) error {
	_, err := m.conn.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
