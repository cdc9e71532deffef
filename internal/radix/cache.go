package radix

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/constraints"
)

// writableCache remembers which node pointers a transaction has already
// copy-on-written, so a second mutation that touches the same shared
// ancestor can keep mutating in place instead of copying again. It is a
// pure optimization: snapshot ingestion can touch hundreds of thousands of
// keys in a single burst, so the cache is bounded with an LRU policy
// rather than a plain map. Losing an entry to eviction only costs an extra
// copy, never correctness, since a fresh copy is always a valid substitute.
type writableCache[K constraints.Ordered, T any] struct {
	c *lru.Cache[*Node[K, T], struct{}]
}

const defaultWritableCacheSize = 4096

func newWritableCache[K constraints.Ordered, T any](size int) *writableCache[K, T] {
	if size <= 0 {
		size = defaultWritableCacheSize
	}
	c, err := lru.New[*Node[K, T], struct{}](size)
	if err != nil {
		// Only returns an error for size <= 0, which we've just ruled out.
		panic(err)
	}
	return &writableCache[K, T]{c: c}
}

func (w *writableCache[K, T]) has(n *Node[K, T]) bool {
	_, ok := w.c.Get(n)
	return ok
}

func (w *writableCache[K, T]) mark(n *Node[K, T]) {
	w.c.Add(n, struct{}{})
}
