package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var memoryDBCounter atomic.Int64

// SQLiteStorage stores all caches in a single SQLite database.
// A Put on a deleted cache re-creates it.
type SQLiteStorage struct {
	db *sql.DB
}

type sqliteCache struct {
	name string
	db   *sql.DB
}

// NewSQLiteStorage opens the storage with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	inMemory := filename == ""
	if inMemory {
		filename = fmt.Sprintf("file:swcache-%d?mode=memory&cache=shared", memoryDBCounter.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// one connection serializes writers and keeps a shared in-memory db alive
	db.SetMaxOpenConns(1)
	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ensureCache(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteCache{name: name, db: s.db}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var storedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT e.stored_at, e.bytes
		FROM entries e JOIN caches c ON c.name = e.cache
		WHERE e.key = ? ORDER BY c.rowid LIMIT 1`, key).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureCache(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	return err
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE cache = ? AND key = ?", c.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, entry CacheEntry) error {
	return c.PutAll(ctx, []CacheEntry{entry})
}

func (c *sqliteCache) PutAll(ctx context.Context, entries []CacheEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureCache(ctx, tx, c.name); err != nil {
		return err
	}
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(cache, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			c.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	result, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE cache = ? AND key = ?", c.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT key FROM entries WHERE cache = ? ORDER BY key", c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
