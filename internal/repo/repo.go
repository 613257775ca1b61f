// Package repo defines the repository collaborator the scheduler makes
// its decisions against: existence checks, content and recorded checksums,
// idempotent fetches, and provenance record storage. Implementations live
// in the subpackages mem, local, rest and sqlitestore.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/stagegridgo/internal/grid"
	"github.com/vk/stagegridgo/internal/provenance"
)

// Item addresses a single stored artifact: one output of one stage at a
// cell, row, column or grid scope.
type Item struct {
	Stage  string
	Output string
	Node   grid.Node
}

// String renders the item for diagnostics, e.g. "smooth/smoothed@cell(S1,V2)".
func (i Item) String() string {
	return fmt.Sprintf("%s/%s@%s", i.Stage, i.Output, i.Node)
}

// ErrNotFound is returned by Fetch, Checksum and ReadRecord when the
// addressed item or record does not exist.
var ErrNotFound = errors.New("not found in repository")

// Repository stores and retrieves data items and provenance records.
//
// Fetch must be idempotent and safe under concurrent callers: a second
// caller must never observe a partial or corrupt read and may reuse a
// download completed by the first. If an item exists, both Checksum and
// RecordedChecksum are defined for it.
type Repository interface {
	// Exists reports whether the item is present.
	Exists(ctx context.Context, item Item) (bool, error)

	// Checksum returns the digest of the item's current content.
	Checksum(ctx context.Context, item Item) (string, error)

	// RecordedChecksum returns the digest saved alongside the provenance
	// record when the item was created.
	RecordedChecksum(ctx context.Context, item Item) (string, error)

	// Fetch makes the item available locally and returns a handle (a
	// filesystem path) to it.
	Fetch(ctx context.Context, item Item) (string, error)

	// Store writes the item's content together with its digest. An empty
	// digest is computed from the data.
	Store(ctx context.Context, item Item, data []byte, digest string) error

	// ReadRecord returns the provenance record stored for a stage at a
	// node, or ErrNotFound.
	ReadRecord(ctx context.Context, node grid.Node, stageName string) (provenance.Record, error)

	// WriteRecord stores the provenance record for a stage at a node,
	// replacing any previous one.
	WriteRecord(ctx context.Context, node grid.Node, stageName string, rec provenance.Record) error
}
