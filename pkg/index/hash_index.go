package index

import (
	"sync"

	"github.com/corvusdb/corvus/pkg/types"
)

// HashIndex is an equality-only secondary index: a locked map from the
// key's canonical string form to its primary-key handles. Grounded in the
// same per-structure RWMutex latch style as btree.Node, scaled down to one
// lock for the whole map since hash buckets have no useful substructure to
// crab-latch across.
type HashIndex struct {
	mu      sync.RWMutex
	name    string
	columns []string
	unique  bool
	buckets map[string][]int64
}

func NewHashIndex(name string, columns []string, unique bool) *HashIndex {
	return &HashIndex{
		name:    name,
		columns: columns,
		unique:  unique,
		buckets: make(map[string][]int64),
	}
}

func (idx *HashIndex) Name() string      { return idx.name }
func (idx *HashIndex) Columns() []string { return idx.columns }
func (idx *HashIndex) Unique() bool      { return idx.unique }
func (idx *HashIndex) Type() Type        { return Hash }

func (idx *HashIndex) Insert(key types.Comparable, pk int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k := keyString(key)
	if idx.unique && len(idx.buckets[k]) > 0 {
		return uniqueViolation(idx.name, key)
	}
	idx.buckets[k] = append(idx.buckets[k], pk)
	return nil
}

func (idx *HashIndex) Delete(key types.Comparable, pk int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	k := keyString(key)
	pks := idx.buckets[k]
	for i, existing := range pks {
		if existing == pk {
			pks = append(pks[:i], pks[i+1:]...)
			break
		}
	}
	if len(pks) == 0 {
		delete(idx.buckets, k)
	} else {
		idx.buckets[k] = pks
	}
	return nil
}

func (idx *HashIndex) Lookup(key types.Comparable) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	pks := idx.buckets[keyString(key)]
	out := make([]int64, len(pks))
	copy(out, pks)
	return out
}
