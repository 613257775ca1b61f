package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegridgo/internal/grid"
)

// countingProvider wraps Static and counts origin reads.
type countingProvider struct {
	Static
	calls int
}

func (c *countingProvider) Rows(ctx context.Context) ([]grid.RowID, error) {
	c.calls++
	return c.Static.Rows(ctx)
}

func TestCached(t *testing.T) {
	origin := &countingProvider{Static: Static{
		RowIDs:    []grid.RowID{"S1", "S2"},
		ColumnIDs: []grid.ColumnID{"V1"},
	}}
	c := NewCached(origin)
	ctx := context.Background()

	rows, err := c.Rows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []grid.RowID{"S1", "S2"}, rows)

	// Further reads are served from the cache.
	_, err = c.Rows(ctx)
	require.NoError(t, err)
	_, err = c.Columns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, origin.calls)

	// Invalidate forces a reload, picking up topology changes.
	origin.RowIDs = append(origin.RowIDs, "S3")
	c.Invalidate()
	rows, err = c.Rows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, 2, origin.calls)
}

func TestStaticIncomplete(t *testing.T) {
	s := &Static{IncompleteR: []grid.RowID{"S2"}}
	inc, err := s.IncompleteRows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []grid.RowID{"S2"}, inc)
	incC, err := s.IncompleteColumns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, incC)
}
