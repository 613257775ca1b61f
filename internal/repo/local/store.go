// Package local implements the repository contract on a plain directory
// tree, and a caching wrapper that mirrors a remote repository into such
// a tree with checksum-stamped reuse.
//
// Layout: <root>/<row>/<column>/<stage>/<output>, with "__all__" standing
// in for the aggregated axis of row-, column- and grid-level nodes.
// Each item carries a ".sha256" sidecar recording the checksum stamped at
// store time; provenance records live next to the items as
// "__record__.yaml".
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/repo"
)

const (
	// allDir stands in for the aggregated axis in node directories.
	allDir = "__all__"

	recordFile    = "__record__.yaml"
	sidecarSuffix = ".sha256"
)

// Store is a repository rooted at a local directory.
type Store struct {
	root string
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating repository root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// nodeDir maps a node to its directory below the root.
func nodeDir(n grid.Node) string {
	row, col := string(n.Row), string(n.Column)
	if row == "" {
		row = allDir
	}
	if col == "" {
		col = allDir
	}
	return filepath.Join(row, col)
}

func (s *Store) itemPath(item repo.Item) string {
	return filepath.Join(s.root, nodeDir(item.Node), item.Stage, item.Output)
}

func (s *Store) recordPath(n grid.Node, stageName string) string {
	return filepath.Join(s.root, nodeDir(n), stageName, recordFile)
}

// Exists implements repo.Repository.
func (s *Store) Exists(_ context.Context, item repo.Item) (bool, error) {
	_, err := os.Stat(s.itemPath(item))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", item, err)
	}
	return true, nil
}

// Checksum implements repo.Repository by hashing the item's current
// content.
func (s *Store) Checksum(_ context.Context, item repo.Item) (string, error) {
	f, err := os.Open(s.itemPath(item))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", item, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", item, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RecordedChecksum implements repo.Repository by reading the sidecar
// written at store time.
func (s *Store) RecordedChecksum(_ context.Context, item repo.Item) (string, error) {
	raw, err := os.ReadFile(s.itemPath(item) + sidecarSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading checksum sidecar for %s: %w", item, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Fetch implements repo.Repository. Items are already local, so the
// item's own path is returned.
func (s *Store) Fetch(_ context.Context, item repo.Item) (string, error) {
	p := s.itemPath(item)
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	} else if err != nil {
		return "", fmt.Errorf("stat %s: %w", item, err)
	}
	return p, nil
}

// Store implements repo.Repository. An empty digest is computed from the
// data. The item is written atomically via a temp file rename so readers
// never observe partial content.
func (s *Store) Store(_ context.Context, item repo.Item, data []byte, digest string) error {
	if digest == "" {
		sum := sha256.Sum256(data)
		digest = hex.EncodeToString(sum[:])
	}
	p := s.itemPath(item)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating item directory for %s: %w", item, err)
	}
	if err := writeAtomic(p, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", item, err)
	}
	if err := writeAtomic(p+sidecarSuffix, []byte(digest+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing checksum sidecar for %s: %w", item, err)
	}
	return nil
}

// ReadRecord implements repo.Repository.
func (s *Store) ReadRecord(_ context.Context, n grid.Node, stageName string) (provenance.Record, error) {
	f, err := os.Open(s.recordPath(n, stageName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("record for %s at %s: %w", stageName, n, repo.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record for %s at %s: %w", stageName, n, err)
	}
	defer f.Close()
	rec, err := provenance.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding record for %s at %s: %w", stageName, n, err)
	}
	return rec, nil
}

// WriteRecord implements repo.Repository.
func (s *Store) WriteRecord(_ context.Context, n grid.Node, stageName string, rec provenance.Record) error {
	p := s.recordPath(n, stageName)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}
	var buf strings.Builder
	if err := rec.Encode(&buf); err != nil {
		return fmt.Errorf("encoding record for %s at %s: %w", stageName, n, err)
	}
	return writeAtomic(p, []byte(buf.String()), 0o644)
}

// writeAtomic writes data to path through a same-directory temp file and
// rename, so concurrent readers see either the old or the new content.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ repo.Repository = (*Store)(nil)
