package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/repo"
)

const stagingSuffix = ".download"

// Cache mirrors a remote repository into a local directory. Fetched items
// are stamped with the origin's checksum and reused while the stamps
// match. Concurrent fetches of one item, including fetches by independent
// processes sharing the cache directory, are collapsed through an
// exclusive staging directory: late arrivals wait for the winner and then
// reuse its download. A staging directory that stops making progress is
// treated as abandoned and taken over.
type Cache struct {
	origin repo.Repository
	dir    string

	// stallAfter is how long a staging dir may go without modification
	// before a waiter takes the download over.
	stallAfter time.Duration
}

// NewCache builds a cache for origin rooted at dir.
func NewCache(origin repo.Repository, dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{origin: origin, dir: dir, stallAfter: time.Minute}, nil
}

func (c *Cache) cachePath(item repo.Item) string {
	return filepath.Join(c.dir, nodeDir(item.Node), item.Stage, item.Output)
}

// Exists implements repo.Repository.
func (c *Cache) Exists(ctx context.Context, item repo.Item) (bool, error) {
	return c.origin.Exists(ctx, item)
}

// Checksum implements repo.Repository.
func (c *Cache) Checksum(ctx context.Context, item repo.Item) (string, error) {
	return c.origin.Checksum(ctx, item)
}

// RecordedChecksum implements repo.Repository.
func (c *Cache) RecordedChecksum(ctx context.Context, item repo.Item) (string, error) {
	return c.origin.RecordedChecksum(ctx, item)
}

// ReadRecord implements repo.Repository.
func (c *Cache) ReadRecord(ctx context.Context, n grid.Node, stageName string) (provenance.Record, error) {
	return c.origin.ReadRecord(ctx, n, stageName)
}

// WriteRecord implements repo.Repository.
func (c *Cache) WriteRecord(ctx context.Context, n grid.Node, stageName string, rec provenance.Record) error {
	return c.origin.WriteRecord(ctx, n, stageName, rec)
}

// Store implements repo.Repository, writing through to the origin and
// refreshing the local mirror so a follow-up fetch does not re-download.
func (c *Cache) Store(ctx context.Context, item repo.Item, data []byte, digest string) error {
	if err := c.origin.Store(ctx, item, data, digest); err != nil {
		return err
	}
	want, err := c.origin.RecordedChecksum(ctx, item)
	if err != nil {
		return fmt.Errorf("reading back checksum for %s: %w", item, err)
	}
	p := c.cachePath(item)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating cache directory for %s: %w", item, err)
	}
	if err := writeAtomic(p, data, 0o644); err != nil {
		return fmt.Errorf("mirroring %s: %w", item, err)
	}
	return writeAtomic(p+sidecarSuffix, []byte(want+"\n"), 0o644)
}

// Fetch implements repo.Repository. The returned path lives inside the
// cache directory and stays valid across runs while the origin's checksum
// is unchanged.
func (c *Cache) Fetch(ctx context.Context, item repo.Item) (string, error) {
	logger := ctxlog.FromContext(ctx)

	want, err := c.origin.RecordedChecksum(ctx, item)
	if errors.Is(err, repo.ErrNotFound) {
		// Origin never stamped the item; fall back to its live checksum.
		if want, err = c.origin.Checksum(ctx, item); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	p := c.cachePath(item)
	if c.fresh(p, want) {
		return p, nil
	}

	staging := p + stagingSuffix
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory for %s: %w", item, err)
	}

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	for {
		err := os.Mkdir(staging, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("claiming download of %s: %w", item, err)
		}

		// Another process holds the download. Wait and re-check: it may
		// finish (reuse its result) or stall (take the download over).
		logger.Debug("Item is being downloaded by another process, waiting.", "item", item.String())
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.Duration()):
		}

		if c.fresh(p, want) {
			logger.Debug("Concurrent download finished, reusing it.", "item", item.String())
			return p, nil
		}
		info, statErr := os.Stat(staging)
		if errors.Is(statErr, fs.ErrNotExist) {
			continue
		}
		if statErr == nil && time.Since(info.ModTime()) > c.stallAfter {
			logger.Warn("Stale download directory found, previous download assumed dead.", "item", item.String(), "dir", staging)
			if err := os.RemoveAll(staging); err != nil {
				return "", fmt.Errorf("removing stale download dir for %s: %w", item, err)
			}
		}
	}
	defer os.RemoveAll(staging)

	logger.Debug("Downloading item from origin.", "item", item.String())
	src, err := c.origin.Fetch(ctx, item)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("reading fetched %s: %w", item, err)
	}
	if err := writeAtomic(p, data, 0o644); err != nil {
		return "", fmt.Errorf("caching %s: %w", item, err)
	}
	if err := writeAtomic(p+sidecarSuffix, []byte(want+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("stamping %s: %w", item, err)
	}
	return p, nil
}

// fresh reports whether the cached copy at p carries the wanted checksum
// stamp.
func (c *Cache) fresh(p, want string) bool {
	if _, err := os.Stat(p); err != nil {
		return false
	}
	raw, err := os.ReadFile(p + sidecarSuffix)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(raw)) == want
}

var _ repo.Repository = (*Cache)(nil)
