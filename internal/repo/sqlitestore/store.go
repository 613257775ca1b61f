// Package sqlitestore implements the repository contract on a single
// SQLite database file. Item content and provenance records are kept as
// blobs; records travel as JSON. The store is meant for self-contained
// single-host deployments where a directory tree of small files is
// undesirable.
package sqlitestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/repo"
)

// Store is a repository backed by one SQLite database.
type Store struct {
	db      *sql.DB
	scratch string
}

// New opens (creating if needed) the database at path. Fetched items are
// materialized below scratchDir.
func New(path, scratchDir string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS items (
		row_id  TEXT NOT NULL,
		col_id  TEXT NOT NULL,
		stage   TEXT NOT NULL,
		output  TEXT NOT NULL,
		data    BLOB NOT NULL,
		digest  TEXT NOT NULL,
		PRIMARY KEY (row_id, col_id, stage, output)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating items table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		row_id  TEXT NOT NULL,
		col_id  TEXT NOT NULL,
		stage   TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (row_id, col_id, stage)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating records table: %w", err)
	}
	return &Store{db: db, scratch: scratchDir}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func itemKey(item repo.Item) (string, string, string, string) {
	return string(item.Node.Row), string(item.Node.Column), item.Stage, item.Output
}

// Exists implements repo.Repository.
func (s *Store) Exists(ctx context.Context, item repo.Item) (bool, error) {
	row, col, stage, output := itemKey(item)
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM items WHERE row_id = ? AND col_id = ? AND stage = ? AND output = ?`,
		row, col, stage, output).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", item, err)
	}
	return true, nil
}

func (s *Store) content(ctx context.Context, item repo.Item) ([]byte, string, error) {
	row, col, stage, output := itemKey(item)
	var data []byte
	var digest string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, digest FROM items WHERE row_id = ? AND col_id = ? AND stage = ? AND output = ?`,
		row, col, stage, output).Scan(&data, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", item, err)
	}
	return data, digest, nil
}

// Checksum implements repo.Repository by hashing the stored content.
func (s *Store) Checksum(ctx context.Context, item repo.Item) (string, error) {
	data, _, err := s.content(ctx, item)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RecordedChecksum implements repo.Repository.
func (s *Store) RecordedChecksum(ctx context.Context, item repo.Item) (string, error) {
	_, digest, err := s.content(ctx, item)
	if err != nil {
		return "", err
	}
	return digest, nil
}

// Fetch implements repo.Repository, materializing the blob into the
// scratch directory.
func (s *Store) Fetch(ctx context.Context, item repo.Item) (string, error) {
	data, _, err := s.content(ctx, item)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(s.scratch, "fetch-*")
	if err != nil {
		return "", fmt.Errorf("creating fetch directory: %w", err)
	}
	p := filepath.Join(dir, item.Output)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("writing fetched %s: %w", item, err)
	}
	return p, nil
}

// Store implements repo.Repository. An empty digest is computed from the
// data.
func (s *Store) Store(ctx context.Context, item repo.Item, data []byte, digest string) error {
	if digest == "" {
		sum := sha256.Sum256(data)
		digest = hex.EncodeToString(sum[:])
	}
	row, col, stage, output := itemKey(item)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (row_id, col_id, stage, output, data, digest)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (row_id, col_id, stage, output)
		 DO UPDATE SET data = excluded.data, digest = excluded.digest`,
		row, col, stage, output, data, digest)
	if err != nil {
		return fmt.Errorf("storing %s: %w", item, err)
	}
	return nil
}

// ReadRecord implements repo.Repository.
func (s *Store) ReadRecord(ctx context.Context, n grid.Node, stageName string) (provenance.Record, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE row_id = ? AND col_id = ? AND stage = ?`,
		string(n.Row), string(n.Column), stageName).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record for %s at %s: %w", stageName, n, repo.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record for %s at %s: %w", stageName, n, err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decoding record for %s at %s: %w", stageName, n, err)
	}
	return provenance.Record(m), nil
}

// WriteRecord implements repo.Repository.
func (s *Store) WriteRecord(ctx context.Context, n grid.Node, stageName string, rec provenance.Record) error {
	payload, err := json.Marshal(map[string]any(rec))
	if err != nil {
		return fmt.Errorf("encoding record for %s at %s: %w", stageName, n, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (row_id, col_id, stage, payload)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (row_id, col_id, stage)
		 DO UPDATE SET payload = excluded.payload`,
		string(n.Row), string(n.Column), stageName, payload)
	if err != nil {
		return fmt.Errorf("writing record for %s at %s: %w", stageName, n, err)
	}
	return nil
}

var _ repo.Repository = (*Store)(nil)
