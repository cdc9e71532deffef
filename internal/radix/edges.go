package radix

import "golang.org/x/exp/constraints"

type edges[K constraints.Ordered, T any] []edge[K, T]

func (e edges[K, T]) Len() int           { return len(e) }
func (e edges[K, T]) Less(i, j int) bool { return e[i].label < e[j].label }
func (e edges[K, T]) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }
