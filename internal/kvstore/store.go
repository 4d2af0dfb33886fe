package kvstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store is an ordered byte-key/value store backed by a single SQLite table.
//
// Keys are stored as BLOBs, which SQLite compares byte-wise, so range scans
// come back in the same order a sorted byte-string map would produce.
type Store struct {
	db *sql.DB
}

// Entry is one key/value pair returned by a scan.
type Entry struct {
	Key   []byte
	Value []byte
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the value stored under key. A missing key reports found=false
// with a nil error.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(key) == 0 {
		return nil, false, errors.New("empty key")
	}

	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Put(ctx context.Context, key []byte, value []byte) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(key) == 0 {
		return errors.New("empty key")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv(k, v) VALUES(?, ?)
ON CONFLICT(k) DO UPDATE SET v = excluded.v
`, key, value)
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(key) == 0 {
		return errors.New("empty key")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key)
	return err
}

// ScanPrefix returns every entry whose key starts with prefix, in key order.
func (s *Store) ScanPrefix(ctx context.Context, prefix []byte) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := prefixRange(prefix)
	rows, err := s.db.QueryContext(ctx, `SELECT k, v FROM kv `+where+` ORDER BY k ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		// Range bounds already select the prefix; keep the check so a
		// driver that coerces BLOBs to TEXT cannot leak neighbours.
		if !bytes.HasPrefix(e.Key, prefix) {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePrefix removes every key under prefix and reports how many were removed.
func (s *Store) DeletePrefix(ctx context.Context, prefix []byte) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(prefix) == 0 {
		return 0, errors.New("empty prefix")
	}

	where, args := prefixRange(prefix)
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv `+where, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear wipes every key in the store.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv`)
	return err
}

func prefixRange(prefix []byte) (string, []any) {
	if len(prefix) == 0 {
		return "", nil
	}
	upper := prefixSuccessor(prefix)
	if upper == nil {
		return "WHERE k >= ?", []any{prefix}
	}
	return "WHERE k >= ? AND k < ?", []any{prefix, upper}
}

// prefixSuccessor returns the smallest key greater than every key starting
// with prefix, or nil when no such key exists (prefix is all 0xff).
func prefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS kv (
  k BLOB PRIMARY KEY,
  v BLOB NOT NULL
) WITHOUT ROWID;
`); err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}
