// Package index implements corvus's secondary index layer: BTree (ordered),
// Hash (equality), and Bitmap (low-cardinality boolean) structures, plus
// composite multi-column indexes built as a BTree over a CompositeKey.
//
// Index entries carry primary-key handles, never pointers into a version
// chain: a lookup narrows the candidate set, but visibility and predicate
// re-checks always go back through the table's primary map.
package index

import (
	"fmt"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
)

// DefaultBTreeFanout is the B-tree node fanout BTreeIndex (and a Table's
// primary-key tree) use when the engine wasn't opened with an explicit
// storage.EngineOptions.BTreeFanout override.
const DefaultBTreeFanout = 32

// Type is the index structure kind, explicit via CREATE INDEX ... USING or
// chosen automatically from the indexed column types (see AutoSelect).
type Type int

const (
	BTree Type = iota
	Hash
	Bitmap
	MultiColumn
)

func (t Type) String() string {
	switch t {
	case BTree:
		return "BTREE"
	case Hash:
		return "HASH"
	case Bitmap:
		return "BITMAP"
	case MultiColumn:
		return "MULTICOLUMN"
	default:
		return "UNKNOWN"
	}
}

// ParseType resolves a USING clause identifier into a Type.
func ParseType(name string) (Type, bool) {
	switch name {
	case "BTREE":
		return BTree, true
	case "HASH":
		return Hash, true
	case "BITMAP":
		return Bitmap, true
	case "MULTICOLUMN", "COMPOSITE":
		return MultiColumn, true
	default:
		return 0, false
	}
}

// AutoSelect implements spec's index-type auto-selection: single
// Integer/Float/Timestamp columns get a BTree, single Text/Json get a
// Hash, single Boolean gets a Bitmap, and any multi-column index gets a
// composite BTree.
func AutoSelect(columnTypes []types.DataType) Type {
	if len(columnTypes) != 1 {
		return MultiColumn
	}
	switch columnTypes[0] {
	case types.Integer, types.Float, types.Timestamp:
		return BTree
	case types.Text, types.Json:
		return Hash
	case types.Boolean:
		return Bitmap
	default:
		return Hash
	}
}

// Index is the common contract every index structure satisfies: insert,
// delete, and equality lookup against primary-key handles.
type Index interface {
	Name() string
	Columns() []string
	Unique() bool
	Type() Type

	// Insert adds key -> pk. On a unique index it fails with
	// UniqueViolationError if key is already present.
	Insert(key types.Comparable, pk int64) error

	// Delete removes the (key, pk) entry. A no-op if absent.
	Delete(key types.Comparable, pk int64) error

	// Lookup returns every pk currently associated with key.
	Lookup(key types.Comparable) []int64
}

// RangeIndex is implemented by index structures that support ordered range
// scans (BTree and composite-BTree, not Hash or Bitmap).
type RangeIndex interface {
	Index
	// Range returns every pk for keys k with lo <= k <= hi in ascending
	// key order. A nil bound is open on that side.
	Range(lo, hi types.Comparable) []int64
}

func keyString(key types.Comparable) string {
	return fmt.Sprintf("%v", key)
}

func uniqueViolation(name string, key types.Comparable) error {
	return &errors.UniqueViolationError{Index: name, Key: keyString(key)}
}
