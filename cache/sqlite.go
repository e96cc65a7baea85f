package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore persists partitions in a single SQLite database. Writes are
// serialized with a mutex since the driver allows only one writer at a time.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the db at the given filename.
// If filename is empty, a shared in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (name TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		`CREATE INDEX IF NOT EXISTS entries_partition_idx ON entries (partition)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) OpenPartition(ctx context.Context, name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name)
	if err != nil {
		return nil, err
	}
	return &sqlitePartition{store: s, name: name}, nil
}

func (s *SQLiteStore) PartitionNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) DeletePartition(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlitePartition struct {
	store *SQLiteStore
	name  string
}

func (p *sqlitePartition) Name() string { return p.name }

func (p *sqlitePartition) Match(ctx context.Context, identity string) (Entry, bool, error) {
	var storedAt int64
	var bytes []byte
	err := p.store.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		p.name, identity,
	).Scan(&storedAt, &bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Bytes: bytes, StoredAt: time.Unix(storedAt, 0)}, true, nil
}

func (p *sqlitePartition) Put(ctx context.Context, identity string, entry Entry) error {
	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()
	_, err := p.store.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		p.name, identity, entry.StoredAt.Unix(), entry.Bytes)
	return err
}

func (p *sqlitePartition) Len(ctx context.Context) (int, error) {
	var count int
	err := p.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE partition = ?", p.name,
	).Scan(&count)
	return count, err
}
