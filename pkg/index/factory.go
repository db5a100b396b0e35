package index

// New builds the concrete Index implementation for typ. MultiColumn
// indexes are composite BTrees: the caller folds the column values into a
// single types.CompositeKey before calling Insert/Delete/Lookup, so
// BTreeIndex needs no separate multi-column code path. fanout is ignored by
// Hash/Bitmap indexes; pass 0 to use DefaultBTreeFanout.
func New(name string, columns []string, unique bool, typ Type, fanout int) Index {
	switch typ {
	case Hash:
		return NewHashIndex(name, columns, unique)
	case Bitmap:
		return NewBitmapIndex(name, columns, unique)
	case BTree, MultiColumn:
		return NewBTreeIndex(name, columns, unique, fanout)
	default:
		return NewBTreeIndex(name, columns, unique, fanout)
	}
}
