// Package mem provides an ephemeral, thread-safe, in-memory repository.
// It backs unit tests and single-process planning sessions where nothing
// needs to survive the run.
package mem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/repo"
)

type entry struct {
	data     []byte
	digest   string
	recorded string
}

type recordKey struct {
	node  grid.Node
	stage string
}

// Store is an in-memory repo.Repository guarded by a single RWMutex; the
// scheduler reads far more often than the workflow engine writes.
type Store struct {
	mu      sync.RWMutex
	items   map[repo.Item]*entry
	records map[recordKey]provenance.Record
	scratch string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		items:   make(map[repo.Item]*entry),
		records: make(map[recordKey]provenance.Record),
	}
}

// Digest returns the hex sha256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Exists implements repo.Repository.
func (s *Store) Exists(_ context.Context, item repo.Item) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[item]
	return ok, nil
}

// Checksum implements repo.Repository.
func (s *Store) Checksum(_ context.Context, item repo.Item) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[item]
	if !ok {
		return "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	return e.digest, nil
}

// RecordedChecksum implements repo.Repository.
func (s *Store) RecordedChecksum(_ context.Context, item repo.Item) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[item]
	if !ok {
		return "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	return e.recorded, nil
}

// Fetch implements repo.Repository by materializing the item into a
// scratch directory.
func (s *Store) Fetch(_ context.Context, item repo.Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[item]
	if !ok {
		return "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	if s.scratch == "" {
		dir, err := os.MkdirTemp("", "stagegrid-mem-*")
		if err != nil {
			return "", fmt.Errorf("create scratch dir: %w", err)
		}
		s.scratch = dir
	}
	path := filepath.Join(s.scratch, fmt.Sprintf("%x", sha256.Sum256([]byte(item.String()))))
	if err := os.WriteFile(path, e.data, 0o644); err != nil {
		return "", fmt.Errorf("materialize %s: %w", item, err)
	}
	return path, nil
}

// Store implements repo.Repository. Storing records the digest as both the
// current and the recorded checksum.
func (s *Store) Store(_ context.Context, item repo.Item, data []byte, digest string) error {
	if digest == "" {
		digest = Digest(data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item] = &entry{data: append([]byte(nil), data...), digest: digest, recorded: digest}
	return nil
}

// ReadRecord implements repo.Repository.
func (s *Store) ReadRecord(_ context.Context, node grid.Node, stageName string) (provenance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{node: node, stage: stageName}]
	if !ok {
		return nil, fmt.Errorf("record for %s at %s: %w", stageName, node, repo.ErrNotFound)
	}
	return rec, nil
}

// WriteRecord implements repo.Repository.
func (s *Store) WriteRecord(_ context.Context, node grid.Node, stageName string, rec provenance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{node: node, stage: stageName}] = rec
	return nil
}

// Corrupt overwrites the item's content without touching the recorded
// checksum, simulating a manual edit outside the scheduler. Test helper.
func (s *Store) Corrupt(item repo.Item, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[item]
	if !ok {
		return fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	e.data = append([]byte(nil), data...)
	e.digest = Digest(data)
	return nil
}

// Delete removes an item, simulating data lost outside the scheduler.
// Test helper.
func (s *Store) Delete(item repo.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, item)
}

var _ repo.Repository = (*Store)(nil)
