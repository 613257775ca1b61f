// Package rest implements the repository contract against a remote
// archive's HTTP API. Items live under /items/{row}/{column}/{stage}/
// {output} and provenance records under /records/{row}/{column}/{stage},
// with "__all__" standing in for the aggregated axis of low-frequency
// nodes. Fetched content is materialized into a scratch directory; wrap
// the client in a local.Cache to reuse downloads across runs.
package rest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"resty.dev/v3"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/repo"
)

const allSegment = "__all__"

// checksumPayload is the archive's checksum resource.
type checksumPayload struct {
	Checksum string `json:"checksum"`
}

// Option configures a Client.
type Option func(*Client)

// WithAuthToken sends a bearer token with every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.http.SetAuthToken(token) }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithRetries retries idempotent requests on transient failures.
func WithRetries(n int) Option {
	return func(c *Client) { c.http.SetRetryCount(n) }
}

// Client talks to a remote archive.
type Client struct {
	http    *resty.Client
	scratch string
}

// New builds a client for the archive at baseURL. Fetched items are
// written below scratchDir.
func New(baseURL, scratchDir string, opts ...Option) (*Client, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	c := &Client{
		http:    resty.New().SetBaseURL(baseURL),
		scratch: scratchDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.http.Close()
}

func nodeSegments(n grid.Node) (string, string) {
	row, col := string(n.Row), string(n.Column)
	if row == "" {
		row = allSegment
	}
	if col == "" {
		col = allSegment
	}
	return row, col
}

func itemPath(item repo.Item) string {
	row, col := nodeSegments(item.Node)
	return fmt.Sprintf("/items/%s/%s/%s/%s", row, col, item.Stage, item.Output)
}

func recordPath(n grid.Node, stageName string) string {
	row, col := nodeSegments(n)
	return fmt.Sprintf("/records/%s/%s/%s", row, col, stageName)
}

// Exists implements repo.Repository.
func (c *Client) Exists(ctx context.Context, item repo.Item) (bool, error) {
	res, err := c.http.R().SetContext(ctx).Head(itemPath(item))
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", item, err)
	}
	switch res.StatusCode() {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("checking %s: archive returned %s", item, res.Status())
}

func (c *Client) checksum(ctx context.Context, item repo.Item, resource string) (string, error) {
	var payload checksumPayload
	res, err := c.http.R().SetContext(ctx).SetResult(&payload).Get(itemPath(item) + "/" + resource)
	if err != nil {
		return "", fmt.Errorf("reading %s of %s: %w", resource, item, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	if !res.IsSuccess() {
		return "", fmt.Errorf("reading %s of %s: archive returned %s", resource, item, res.Status())
	}
	return payload.Checksum, nil
}

// Checksum implements repo.Repository.
func (c *Client) Checksum(ctx context.Context, item repo.Item) (string, error) {
	return c.checksum(ctx, item, "checksum")
}

// RecordedChecksum implements repo.Repository.
func (c *Client) RecordedChecksum(ctx context.Context, item repo.Item) (string, error) {
	return c.checksum(ctx, item, "recorded_checksum")
}

// Fetch implements repo.Repository, materializing the item into the
// scratch directory. Every call downloads afresh; layering a local.Cache
// on top gives checksum-stamped reuse.
func (c *Client) Fetch(ctx context.Context, item repo.Item) (string, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Downloading item from archive.", "item", item.String())

	res, err := c.http.R().SetContext(ctx).Get(itemPath(item))
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", item, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return "", fmt.Errorf("%s: %w", item, repo.ErrNotFound)
	}
	if !res.IsSuccess() {
		return "", fmt.Errorf("fetching %s: archive returned %s", item, res.Status())
	}

	dir, err := os.MkdirTemp(c.scratch, "fetch-*")
	if err != nil {
		return "", fmt.Errorf("creating fetch directory: %w", err)
	}
	p := filepath.Join(dir, item.Output)
	if err := os.WriteFile(p, res.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing fetched %s: %w", item, err)
	}
	return p, nil
}

// Store implements repo.Repository. An empty digest is computed from the
// data before upload; the archive records it as the item's stamp.
func (c *Client) Store(ctx context.Context, item repo.Item, data []byte, digest string) error {
	if digest == "" {
		sum := sha256.Sum256(data)
		digest = hex.EncodeToString(sum[:])
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader("X-Content-Digest", digest).
		SetBody(data).
		Put(itemPath(item))
	if err != nil {
		return fmt.Errorf("storing %s: %w", item, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("storing %s: archive returned %s", item, res.Status())
	}
	return nil
}

// ReadRecord implements repo.Repository. Records travel as JSON on the
// wire.
func (c *Client) ReadRecord(ctx context.Context, n grid.Node, stageName string) (provenance.Record, error) {
	var rec map[string]any
	res, err := c.http.R().SetContext(ctx).SetResult(&rec).Get(recordPath(n, stageName))
	if err != nil {
		return nil, fmt.Errorf("reading record for %s at %s: %w", stageName, n, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("record for %s at %s: %w", stageName, n, repo.ErrNotFound)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("reading record for %s at %s: archive returned %s", stageName, n, res.Status())
	}
	return provenance.Record(rec), nil
}

// WriteRecord implements repo.Repository.
func (c *Client) WriteRecord(ctx context.Context, n grid.Node, stageName string, rec provenance.Record) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any(rec)).
		Put(recordPath(n, stageName))
	if err != nil {
		return fmt.Errorf("writing record for %s at %s: %w", stageName, n, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("writing record for %s at %s: archive returned %s", stageName, n, res.Status())
	}
	return nil
}

var _ repo.Repository = (*Client)(nil)
