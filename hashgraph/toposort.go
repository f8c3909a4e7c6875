// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashgraph

import (
	"container/heap"

	"github.com/luxfi/ids"
)

// TopologicalSort returns every vertex hash in an order consistent with
// dependencies. Concurrent vertices are tie-broken by ascending timestamp,
// then ascending hash, so every peer derives the same order. When keepRoot
// is false the root is omitted.
func (hg *HashGraph) TopologicalSort(keepRoot bool) []ids.ID {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	return hg.sortBetween(keepRoot, hg.Root(), nil, true)
}

// TopologicalSortFrom restricts the sort to the subgraph reachable from
// origin. When keepOrigin is false the origin vertex is omitted.
func (hg *HashGraph) TopologicalSortFrom(keepOrigin bool, origin ids.ID) ([]ids.ID, error) {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	if err := hg.checkKnown(origin); err != nil {
		return nil, err
	}
	return hg.sortBetween(keepOrigin, origin, nil, true), nil
}

// sortBetween orders a subgraph above origin. With descendantsOnly the
// members are the vertices reachable from origin. Without it the members
// are every vertex not at-or-below origin — replay needs this wider rule:
// an ancestor of a head that is concurrent with the origin still carries
// an operation the origin snapshot has not seen. When heads is non-nil,
// members are further clipped to ancestors-or-equals of the heads. The
// caller must hold at least a read lock.
func (hg *HashGraph) sortBetween(keepOrigin bool, origin ids.ID, heads []ids.ID, descendantsOnly bool) []ids.ID {
	member := func(h ids.ID) bool {
		if descendantsOnly {
			if h != origin && !hg.reachable[h].Get(uint(hg.indices[origin])) {
				return false
			}
		} else if h == origin || hg.reachable[origin].Get(uint(hg.indices[h])) {
			return false
		}
		if heads == nil {
			return true
		}
		for _, head := range heads {
			if h == head || hg.reachable[head].Get(uint(hg.indices[h])) {
				return true
			}
		}
		return false
	}

	indegree := make(map[ids.ID]int)
	for _, h := range hg.order {
		if !member(h) {
			continue
		}
		n := 0
		for _, dep := range hg.vertices[h].Dependencies {
			if member(dep) {
				n++
			}
		}
		indegree[h] = n
	}

	ready := &vertexHeap{}
	heap.Init(ready)
	for h, n := range indegree {
		if n == 0 {
			heap.Push(ready, heapEntry{timestamp: hg.vertices[h].Timestamp, hash: h})
		}
	}

	out := make([]ids.ID, 0, len(indegree))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(heapEntry).hash
		out = append(out, next)
		for _, child := range hg.forwardEdges[next] {
			if _, ok := indegree[child]; !ok {
				continue
			}
			indegree[child]--
			if indegree[child] == 0 {
				heap.Push(ready, heapEntry{timestamp: hg.vertices[child].Timestamp, hash: child})
			}
		}
	}

	if !keepOrigin && len(out) > 0 && out[0] == origin {
		out = out[1:]
	}
	return out
}

type heapEntry struct {
	timestamp int64
	hash      ids.ID
}

type vertexHeap []heapEntry

func (h vertexHeap) Len() int { return len(h) }

func (h vertexHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return compareHashes(h[i].hash, h[j].hash) < 0
}

func (h vertexHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *vertexHeap) Push(x any) { *h = append(*h, x.(heapEntry)) }

func (h *vertexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
