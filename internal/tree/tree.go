// Package tree exposes the repository topology the scheduler plans over:
// the current row and column identifier sets, and which of them have
// incomplete coverage. A Cached wrapper makes the cache an explicitly
// owned, explicitly invalidated object instead of hidden process state.
package tree

import (
	"context"
	"sync"

	"github.com/vk/stagegridgo/internal/grid"
)

// Provider reports the current topology of the data store.
type Provider interface {
	Rows(ctx context.Context) ([]grid.RowID, error)
	Columns(ctx context.Context) ([]grid.ColumnID, error)

	// IncompleteRows lists rows missing data for one or more columns.
	// Stages with low-frequency outputs refuse to run while any exist.
	IncompleteRows(ctx context.Context) ([]grid.RowID, error)

	// IncompleteColumns is the column-axis counterpart of IncompleteRows.
	IncompleteColumns(ctx context.Context) ([]grid.ColumnID, error)
}

// Static is a fixed topology, useful for tests and for configurations
// that declare their grid up front.
type Static struct {
	RowIDs      []grid.RowID
	ColumnIDs   []grid.ColumnID
	IncompleteR []grid.RowID
	IncompleteC []grid.ColumnID
}

// Rows implements Provider.
func (s *Static) Rows(context.Context) ([]grid.RowID, error) {
	return append([]grid.RowID(nil), s.RowIDs...), nil
}

// Columns implements Provider.
func (s *Static) Columns(context.Context) ([]grid.ColumnID, error) {
	return append([]grid.ColumnID(nil), s.ColumnIDs...), nil
}

// IncompleteRows implements Provider.
func (s *Static) IncompleteRows(context.Context) ([]grid.RowID, error) {
	return append([]grid.RowID(nil), s.IncompleteR...), nil
}

// IncompleteColumns implements Provider.
func (s *Static) IncompleteColumns(context.Context) ([]grid.ColumnID, error) {
	return append([]grid.ColumnID(nil), s.IncompleteC...), nil
}

// Cached caches another provider's answers until Invalidate is called.
// The scheduler invalidates it after any run that wrote derivatives back,
// since write-backs can change the topology.
type Cached struct {
	origin Provider

	mu     sync.Mutex
	loaded bool
	rows   []grid.RowID
	cols   []grid.ColumnID
	incR   []grid.RowID
	incC   []grid.ColumnID
}

// NewCached wraps the origin provider.
func NewCached(origin Provider) *Cached {
	return &Cached{origin: origin}
}

func (c *Cached) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	var err error
	if c.rows, err = c.origin.Rows(ctx); err != nil {
		return err
	}
	if c.cols, err = c.origin.Columns(ctx); err != nil {
		return err
	}
	if c.incR, err = c.origin.IncompleteRows(ctx); err != nil {
		return err
	}
	if c.incC, err = c.origin.IncompleteColumns(ctx); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

// Rows implements Provider.
func (c *Cached) Rows(ctx context.Context) ([]grid.RowID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return append([]grid.RowID(nil), c.rows...), nil
}

// Columns implements Provider.
func (c *Cached) Columns(ctx context.Context) ([]grid.ColumnID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return append([]grid.ColumnID(nil), c.cols...), nil
}

// IncompleteRows implements Provider.
func (c *Cached) IncompleteRows(ctx context.Context) ([]grid.RowID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return append([]grid.RowID(nil), c.incR...), nil
}

// IncompleteColumns implements Provider.
func (c *Cached) IncompleteColumns(ctx context.Context) ([]grid.ColumnID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return append([]grid.ColumnID(nil), c.incC...), nil
}

// Invalidate drops the cached topology so the next read goes back to the
// origin.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.rows, c.cols, c.incR, c.incC = nil, nil, nil, nil
}
