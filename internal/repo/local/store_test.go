package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
	"github.com/vk/stagegridgo/internal/repo"
)

func cellItem(stage, output, row, col string) repo.Item {
	return repo.Item{Stage: stage, Output: output, Node: grid.CellNode(grid.RowID(row), grid.ColumnID(col))}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	item := cellItem("smooth", "smoothed", "S1", "V1")
	data := []byte("smoothed image payload")

	exists, err := s.Exists(ctx, item)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Store(ctx, item, data, ""))

	exists, err = s.Exists(ctx, item)
	require.NoError(t, err)
	assert.True(t, exists)

	sum := sha256.Sum256(data)
	wantDigest := hex.EncodeToString(sum[:])

	got, err := s.Checksum(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, got)

	recorded, err := s.RecordedChecksum(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, recorded)

	p, err := s.Fetch(ctx, item)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestChecksumDivergesAfterManualEdit(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	item := cellItem("smooth", "smoothed", "S1", "V1")
	require.NoError(t, s.Store(ctx, item, []byte("original"), ""))

	p, err := s.Fetch(ctx, item)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("edited by hand"), 0o644))

	live, err := s.Checksum(ctx, item)
	require.NoError(t, err)
	recorded, err := s.RecordedChecksum(ctx, item)
	require.NoError(t, err)
	assert.NotEqual(t, recorded, live)
}

func TestLowFrequencyNodeLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	cases := []struct {
		node grid.Node
		dir  string
	}{
		{grid.RowNode("S1"), filepath.Join("S1", "__all__")},
		{grid.ColumnNode("V2"), filepath.Join("__all__", "V2")},
		{grid.GridNode(), filepath.Join("__all__", "__all__")},
	}
	for _, tc := range cases {
		t.Run(tc.dir, func(t *testing.T) {
			item := repo.Item{Stage: "stats", Output: "summary", Node: tc.node}
			require.NoError(t, s.Store(ctx, item, []byte("x"), ""))
			_, err := os.Stat(filepath.Join(root, tc.dir, "stats", "summary"))
			assert.NoError(t, err)
		})
	}
}

func TestMissingItemErrors(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	item := cellItem("smooth", "smoothed", "S1", "V1")
	_, err = s.Checksum(ctx, item)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = s.RecordedChecksum(ctx, item)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = s.Fetch(ctx, item)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = s.ReadRecord(ctx, grid.CellNode("S1", "V1"), "smooth")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	node := grid.CellNode("S1", "V1")
	rec := provenance.Record{
		"pipeline":   map[string]any{"name": "smooth", "nodes": map[string]any{"fit": map[string]any{"pkg_version": "1.2"}}},
		"parameters": map[string]any{"fwhm": 4.5},
	}
	require.NoError(t, s.WriteRecord(ctx, node, "smooth", rec))

	got, err := s.ReadRecord(ctx, node, "smooth")
	require.NoError(t, err)
	assert.Empty(t, got.Mismatches(rec, provenance.MustCompilePaths([]string{".*"}), provenance.PathSet{}))
}
