package index

import (
	"github.com/corvusdb/corvus/pkg/btree"
	"github.com/corvusdb/corvus/pkg/types"
)

// minPK/maxPK bound the pk tiebreaker range used to turn a value-only
// lookup into a range scan over a non-unique index's composite keys.
const (
	minPK = int64(-1 << 63)
	maxPK = int64(1<<63 - 1)
)

// BTreeIndex is an ordered secondary index backed by pkg/btree. Unique
// indexes store the column value directly as the tree key (one pk per
// value). Non-unique indexes append the pk as a tiebreaker
// (CompositeKey{value, pk}) so duplicate values each get their own tree
// entry; Lookup then becomes a bounded Range over that value's tiebreaker
// span.
type BTreeIndex struct {
	name    string
	columns []string
	unique  bool
	tree    *btree.BPlusTree
}

// NewBTreeIndex creates a BTree-backed index over a single indexed value
// (column or composite tuple already folded by the caller into one
// Comparable). fanout <= 0 falls back to DefaultBTreeFanout.
func NewBTreeIndex(name string, columns []string, unique bool, fanout int) *BTreeIndex {
	if fanout <= 0 {
		fanout = DefaultBTreeFanout
	}
	var tree *btree.BPlusTree
	if unique {
		tree = btree.NewUniqueTree(fanout)
	} else {
		tree = btree.NewTree(fanout)
	}
	return &BTreeIndex{name: name, columns: columns, unique: unique, tree: tree}
}

func (idx *BTreeIndex) Name() string      { return idx.name }
func (idx *BTreeIndex) Columns() []string { return idx.columns }
func (idx *BTreeIndex) Unique() bool      { return idx.unique }
func (idx *BTreeIndex) Type() Type        { return BTree }

func (idx *BTreeIndex) Insert(key types.Comparable, pk int64) error {
	if idx.unique {
		if err := idx.tree.Insert(key, pk); err != nil {
			return uniqueViolation(idx.name, key)
		}
		return nil
	}
	return idx.tree.Insert(types.CompositeKey{key, types.IntKey(pk)}, pk)
}

func (idx *BTreeIndex) Delete(key types.Comparable, pk int64) error {
	if idx.unique {
		idx.tree.Delete(key)
		return nil
	}
	idx.tree.Delete(types.CompositeKey{key, types.IntKey(pk)})
	return nil
}

func (idx *BTreeIndex) Lookup(key types.Comparable) []int64 {
	if idx.unique {
		if pk, ok := idx.tree.Get(key); ok {
			return []int64{pk}
		}
		return nil
	}
	return idx.tree.Range(
		types.CompositeKey{key, types.IntKey(minPK)},
		types.CompositeKey{key, types.IntKey(maxPK)},
	)
}

func (idx *BTreeIndex) Range(lo, hi types.Comparable) []int64 {
	if idx.unique {
		return idx.tree.Range(lo, hi)
	}

	var loKey, hiKey types.Comparable
	if lo != nil {
		loKey = types.CompositeKey{lo, types.IntKey(minPK)}
	}
	if hi != nil {
		hiKey = types.CompositeKey{hi, types.IntKey(maxPK)}
	}
	return idx.tree.Range(loKey, hiKey)
}
