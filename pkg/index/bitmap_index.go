package index

import (
	"sync"

	"github.com/corvusdb/corvus/pkg/types"
)

// BitmapIndex indexes a single Boolean column as two plain pk slices, one
// per value. Cardinality 2 doesn't justify a compressed bitmap encoding
// (RoaringBitmap or similar): two slices already are the bitmap.
type BitmapIndex struct {
	mu      sync.RWMutex
	name    string
	columns []string
	unique  bool
	trueSet  []int64
	falseSet []int64
}

func NewBitmapIndex(name string, columns []string, unique bool) *BitmapIndex {
	return &BitmapIndex{name: name, columns: columns, unique: unique}
}

func (idx *BitmapIndex) Name() string      { return idx.name }
func (idx *BitmapIndex) Columns() []string { return idx.columns }
func (idx *BitmapIndex) Unique() bool      { return idx.unique }
func (idx *BitmapIndex) Type() Type        { return Bitmap }

func (idx *BitmapIndex) bucket(key types.Comparable) *[]int64 {
	if bool(key.(types.BoolKey)) {
		return &idx.trueSet
	}
	return &idx.falseSet
}

func (idx *BitmapIndex) Insert(key types.Comparable, pk int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	bucket := idx.bucket(key)
	if idx.unique && len(*bucket) > 0 {
		return uniqueViolation(idx.name, key)
	}
	*bucket = append(*bucket, pk)
	return nil
}

func (idx *BitmapIndex) Delete(key types.Comparable, pk int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	bucket := idx.bucket(key)
	for i, existing := range *bucket {
		if existing == pk {
			*bucket = append((*bucket)[:i], (*bucket)[i+1:]...)
			break
		}
	}
	return nil
}

func (idx *BitmapIndex) Lookup(key types.Comparable) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bucket := idx.bucket(key)
	out := make([]int64, len(*bucket))
	copy(out, *bucket)
	return out
}
