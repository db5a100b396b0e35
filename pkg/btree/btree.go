package btree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/corvusdb/corvus/pkg/errors"
	"github.com/corvusdb/corvus/pkg/types"
)

// BPlusTree is a concurrent B+ Tree mapping ordered keys to int64 data
// pointers (heap offsets). Structural operations use latch crabbing: a
// lock is acquired on a child before the parent's lock is released, so
// readers and writers on disjoint subtrees never block each other.
type BPlusTree struct {
	T         int
	Root      *Node
	UniqueKey bool // if true, rejects duplicate keys
	mu        sync.RWMutex
}

// NewTree creates a tree that allows duplicate keys.
func NewTree(t int) *BPlusTree {
	return &BPlusTree{
		T:         t,
		Root:      NewNode(t, true),
		UniqueKey: false,
	}
}

// NewUniqueTree creates a tree that rejects duplicate keys.
func NewUniqueTree(t int) *BPlusTree {
	return &BPlusTree{
		T:         t,
		Root:      NewNode(t, true),
		UniqueKey: true,
	}
}

// Insert adds key -> dataPtr, honoring the tree's uniqueness setting.
func (b *BPlusTree) Insert(key types.Comparable, dataPtr int64) error {
	return b.insertHelper(key, dataPtr, b.UniqueKey)
}

// Replace unconditionally sets key's value, used when an MVCC update on a
// unique index repoints an existing key at a new version chain head.
func (b *BPlusTree) Replace(key types.Comparable, dataPtr int64) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		return dataPtr, nil
	})
}

// Upsert runs fn against the key's current value (if any) and stores the
// result. fn executes while the target leaf is locked, making the
// read-modify-write atomic with respect to concurrent tree operations.
func (b *BPlusTree) Upsert(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	return b.upsertHelper(key, fn)
}

func (b *BPlusTree) insertHelper(key types.Comparable, dataPtr int64, uniqueKey bool) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		if exists && uniqueKey {
			return 0, &errors.DuplicateKeyError{Key: fmt.Sprintf("%v", key)}
		}
		return dataPtr, nil
	})
}

func (b *BPlusTree) upsertHelper(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {

	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.IsFull() {
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()

		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

// upsertTopDown descends the tree, splitting full nodes preventively so the
// leaf it lands on is guaranteed not to be full. curr must already be
// locked by the caller; unlocks are managed by hand rather than defer-chain
// because latch crabbing reassigns curr as it descends.
func (b *BPlusTree) upsertTopDown(curr *Node, key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {

	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}

		child := curr.Children[i]
		child.Lock()

		if child.IsFull() {
			curr.SplitChild(i)

			if key.Compare(curr.Keys[i]) >= 0 {
				// The original left child no longer holds the target key;
				// move to the newly split-off right sibling.
				child.Unlock()
				child = curr.Children[i+1]
				child.Lock()
			}
		}

		// Latch crabbing: release the parent, keep the child.
		curr.Unlock()
		curr = child
	}

	// Preventive splitting guarantees the leaf we land on isn't full.
	return curr.UpsertNonFull(key, fn)
}

// Delete removes key from the tree, reporting whether it was present.
func (b *BPlusTree) Delete(key types.Comparable) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	root := b.Root
	root.Lock()
	ok := root.remove(key)
	root.Unlock()

	if !root.Leaf && root.N == 0 {
		b.Root = root.Children[0]
	}
	return ok
}

// Search locates key using RLock coupling, returning the owning leaf still
// RLocked. The caller must RUnlock it.
func (b *BPlusTree) Search(key types.Comparable) (*Node, bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()

		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()

	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr, true
		}
	}
	return nil, false
}

// Get returns the data pointer for key, thread-safe via internal latching.
func (b *BPlusTree) Get(key types.Comparable) (int64, bool) {
	if b == nil {
		return 0, false
	}
	b.mu.RLock()
	curr := b.Root
	if curr == nil {
		b.mu.RUnlock()
		return 0, false
	}
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()

		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()

	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr.DataPtrs[j], true
		}
	}
	return 0, false
}

// FindLeafLowerBound locates the leaf and in-leaf index of the first key
// >= key (or the first leaf/index 0 when key is nil). The returned node is
// RLocked; the caller must RUnlock it.
func (b *BPlusTree) FindLeafLowerBound(key types.Comparable) (*Node, int) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		var i int
		if key == nil {
			i = 0
		} else {
			i = sort.Search(curr.N, func(i int) bool {
				return curr.Keys[i].Compare(key) >= 0
			})
		}

		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	var idx int
	if key == nil {
		idx = 0
	} else {
		idx = sort.Search(curr.N, func(i int) bool {
			return curr.Keys[i].Compare(key) >= 0
		})
	}

	return curr, idx
}

// findLeafLowerBound is an internal wrapper kept for older call sites;
// returns the node unlocked.
func (b *BPlusTree) findLeafLowerBound(key types.Comparable) (*Node, int) {
	node, idx := b.FindLeafLowerBound(key)
	if node != nil {
		node.RUnlock()
	}
	return node, idx
}

// Range returns the data pointers for every key k with lo <= k <= hi,
// in ascending key order. A nil lo starts at the first key; a nil hi runs
// to the last key. This is the BTree index's range-scan contract: WHERE
// clauses on an ordered column lower-bound into the leaf chain once and
// then walk the Next links instead of re-descending the tree per row.
func (b *BPlusTree) Range(lo, hi types.Comparable) []int64 {
	var out []int64

	node, idx := b.FindLeafLowerBound(lo)
	for node != nil {
		for ; idx < node.N; idx++ {
			if hi != nil && node.Keys[idx].Compare(hi) > 0 {
				node.RUnlock()
				return out
			}
			out = append(out, node.DataPtrs[idx])
		}
		next := node.Next
		if next != nil {
			next.RLock()
		}
		node.RUnlock()
		node = next
		idx = 0
	}

	return out
}
