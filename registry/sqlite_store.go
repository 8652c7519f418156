package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps endpoint configuration in a local SQLite file, for single relays that
// need their endpoints to survive a restart without running etcd.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens (creating if needed) the database at path and applies the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, path: path}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			info TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s: %w", s.path, err)
		}
	}
	return nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Get(ctx context.Context, id EndpointID) (EndpointConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, address, info FROM endpoints WHERE id = ?`, string(id))
	cfg, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EndpointConfig{}, ErrNotFound
	}
	return cfg, err
}

func (s *SQLiteStore) Set(ctx context.Context, cfg EndpointConfig) error {
	info, err := json.Marshal(cfg.Info)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO endpoints(id, address, info) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET address = excluded.address, info = excluded.info;
	`, string(cfg.ID), cfg.Address, string(info))
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, id EndpointID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, string(id))
	return err
}

// List returns all endpoints ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]EndpointConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, address, info FROM endpoints ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EndpointConfig
	for rows.Next() {
		cfg, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (EndpointConfig, error) {
	var (
		id, address string
		info        string
	)
	if err := row.Scan(&id, &address, &info); err != nil {
		return EndpointConfig{}, err
	}
	cfg := EndpointConfig{ID: EndpointID(id), Address: address}
	if err := json.Unmarshal([]byte(info), &cfg.Info); err != nil {
		return EndpointConfig{}, fmt.Errorf("decode endpoint %s: %w", id, err)
	}
	return cfg, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
