package radix

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// Tree is an immutable radix tree. Every mutation returns a new Tree;
// the previous Tree remains valid and unaffected, which is what lets the
// high-water tracker hold on to (or discard) a tree pointer without any
// locking — the reconciler goroutine is the tree's only writer.
type Tree[K constraints.Ordered, T any] struct {
	root *Node[K, T]
	size int
}

// New returns an empty Tree.
func New[K constraints.Ordered, T any]() *Tree[K, T] {
	return &Tree[K, T]{root: &Node[K, T]{}}
}

// Len returns the number of leaves in the tree.
func (t *Tree[K, T]) Len() int {
	return t.size
}

// Root exposes the root node for read-only traversal (Get, LongestPrefix,
// Walk, WalkPrefix).
func (t *Tree[K, T]) Root() *Node[K, T] {
	return t.root
}

// Get looks up an exact key.
func (t *Tree[K, T]) Get(k []K) (T, bool) {
	return t.root.Get(k)
}

// Txn starts a new transaction against this tree. A Txn is not safe for
// concurrent use; each tracker operation creates, mutates, and commits its
// own short-lived Txn.
type Txn[K constraints.Ordered, T any] struct {
	root     *Node[K, T]
	size     int
	writable *writableCache[K, T]
}

// Txn begins a transaction rooted at the tree's current state.
func (t *Tree[K, T]) Txn() *Txn[K, T] {
	return &Txn[K, T]{root: t.root, size: t.size}
}

// Commit finalizes the transaction and returns the resulting Tree.
func (txn *Txn[K, T]) Commit() *Tree[K, T] {
	return &Tree[K, T]{root: txn.root, size: txn.size}
}

func (txn *Txn[K, T]) writeNode(n *Node[K, T]) *Node[K, T] {
	if txn.writable == nil {
		txn.writable = newWritableCache[K, T](defaultWritableCacheSize)
	}
	if txn.writable.has(n) {
		return n
	}
	nc := &Node[K, T]{
		leaf:   n.leaf,
		prefix: slices.Clone(n.prefix),
		edges:  slices.Clone(n.edges),
	}
	txn.writable.mark(nc)
	return nc
}

// mergeChild collapses n with its single remaining child.
func (txn *Txn[K, T]) mergeChild(n *Node[K, T]) {
	child := n.edges[0].node
	n.prefix = append(n.prefix, child.prefix...)
	n.leaf = child.leaf
	n.edges = slices.Clone(child.edges)
}

// Insert adds or updates k, returning the previous value if any.
func (txn *Txn[K, T]) Insert(k []K, v T) (T, bool) {
	newRoot, oldVal, didUpdate := txn.insert(txn.root, k, k, v)
	if newRoot != nil {
		txn.root = newRoot
	}
	if !didUpdate {
		txn.size++
	}
	return oldVal, didUpdate
}

func (txn *Txn[K, T]) insert(n *Node[K, T], k, search []K, v T) (*Node[K, T], T, bool) {
	var zero T

	if len(search) == 0 {
		var oldVal T
		didUpdate := false
		if n.isLeaf() {
			oldVal = n.leaf.val
			didUpdate = true
		}
		nc := txn.writeNode(n)
		nc.leaf = &leafNode[K, T]{key: k, val: v}
		return nc, oldVal, didUpdate
	}

	idx, child := n.getEdge(search[0])
	if child == nil {
		nc := txn.writeNode(n)
		nc.addEdge(edge[K, T]{
			label: search[0],
			node: &Node[K, T]{
				leaf:   &leafNode[K, T]{key: k, val: v},
				prefix: search,
			},
		})
		return nc, zero, false
	}

	common := longestCommonPrefix(search, child.prefix)
	if common == len(child.prefix) {
		search = search[common:]
		newChild, oldVal, didUpdate := txn.insert(child, k, search, v)
		if newChild != nil {
			nc := txn.writeNode(n)
			nc.edges[idx].node = newChild
			return nc, oldVal, didUpdate
		}
		return nil, oldVal, didUpdate
	}

	nc := txn.writeNode(n)
	split := &Node[K, T]{prefix: search[:common]}
	nc.replaceEdge(edge[K, T]{label: search[0], node: split})

	modChild := txn.writeNode(child)
	split.addEdge(edge[K, T]{label: modChild.prefix[common], node: modChild})
	modChild.prefix = modChild.prefix[common:]

	leaf := &leafNode[K, T]{key: k, val: v}
	search = search[common:]
	if len(search) == 0 {
		split.leaf = leaf
		return nc, zero, false
	}

	split.addEdge(edge[K, T]{
		label: search[0],
		node:  &Node[K, T]{leaf: leaf, prefix: search},
	})
	return nc, zero, false
}

// Delete removes an exact key, returning the old value if any.
func (txn *Txn[K, T]) Delete(k []K) (T, bool) {
	var zero T
	newRoot, leaf := txn.delete(txn.root, k)
	if newRoot != nil {
		txn.root = newRoot
	}
	if leaf != nil {
		txn.size--
		return leaf.val, true
	}
	return zero, false
}

func (txn *Txn[K, T]) delete(n *Node[K, T], search []K) (*Node[K, T], *leafNode[K, T]) {
	if len(search) == 0 {
		if !n.isLeaf() {
			return nil, nil
		}
		oldLeaf := n.leaf
		nc := txn.writeNode(n)
		nc.leaf = nil
		if n != txn.root && len(nc.edges) == 1 {
			txn.mergeChild(nc)
		}
		return nc, oldLeaf
	}

	label := search[0]
	idx, child := n.getEdge(label)
	if child == nil || !keyHasPrefix(search, child.prefix) {
		return nil, nil
	}

	search = search[len(child.prefix):]
	newChild, leaf := txn.delete(child, search)
	if newChild == nil {
		return nil, nil
	}

	nc := txn.writeNode(n)
	if newChild.leaf == nil && len(newChild.edges) == 0 {
		nc.delEdge(label)
		if n != txn.root && len(nc.edges) == 1 && !nc.isLeaf() {
			txn.mergeChild(nc)
		}
	} else {
		nc.edges[idx].node = newChild
	}
	return nc, leaf
}

// DeletePrefix removes every leaf whose key has the given prefix. It
// returns true if anything was removed.
func (txn *Txn[K, T]) DeletePrefix(prefix []K) bool {
	newRoot, numDeletions := txn.deletePrefix(txn.root, prefix)
	if newRoot != nil {
		txn.root = newRoot
		txn.size -= numDeletions
		return true
	}
	return false
}

func (txn *Txn[K, T]) deletePrefix(n *Node[K, T], search []K) (*Node[K, T], int) {
	if len(search) == 0 {
		nc := txn.writeNode(n)
		count := countLeaves(n)
		nc.leaf = nil
		nc.edges = nil
		return nc, count
	}

	label := search[0]
	idx, child := n.getEdge(label)
	if child == nil || (!keyHasPrefix(child.prefix, search) && !keyHasPrefix(search, child.prefix)) {
		return nil, 0
	}

	if len(child.prefix) > len(search) {
		search = search[:0]
	} else {
		search = search[len(child.prefix):]
	}
	newChild, numDeletions := txn.deletePrefix(child, search)
	if newChild == nil {
		return nil, 0
	}

	nc := txn.writeNode(n)
	if newChild.leaf == nil && len(newChild.edges) == 0 {
		nc.delEdge(label)
		if n != txn.root && len(nc.edges) == 1 && !nc.isLeaf() {
			txn.mergeChild(nc)
		}
	} else {
		nc.edges[idx].node = newChild
	}
	return nc, numDeletions
}

func countLeaves[K constraints.Ordered, T any](n *Node[K, T]) int {
	count := 0
	if n.leaf != nil {
		count = 1
	}
	for _, e := range n.edges {
		count += countLeaves(e.node)
	}
	return count
}

// Insert is a convenience wrapper that runs a single-operation transaction.
func (t *Tree[K, T]) Insert(k []K, v T) (*Tree[K, T], T, bool) {
	txn := t.Txn()
	old, ok := txn.Insert(k, v)
	return txn.Commit(), old, ok
}

// Delete is a convenience wrapper that runs a single-operation transaction.
func (t *Tree[K, T]) Delete(k []K) (*Tree[K, T], T, bool) {
	txn := t.Txn()
	old, ok := txn.Delete(k)
	return txn.Commit(), old, ok
}

// DeletePrefix is a convenience wrapper that runs a single-operation
// transaction.
func (t *Tree[K, T]) DeletePrefix(k []K) (*Tree[K, T], bool) {
	txn := t.Txn()
	ok := txn.DeletePrefix(k)
	return txn.Commit(), ok
}
