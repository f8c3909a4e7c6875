// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashgraph

import (
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/drp/types"
	"github.com/luxfi/drp/utils/bitset"
)

// AreCausallyRelatedUsingBitsets reports whether one vertex is a causal
// ancestor of the other (or they are the same vertex). O(1) per query.
func (hg *HashGraph) AreCausallyRelatedUsingBitsets(a, b ids.ID) (bool, error) {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	if err := hg.checkKnown(a, b); err != nil {
		return false, err
	}
	return hg.related(a, b), nil
}

func (hg *HashGraph) related(a, b ids.ID) bool {
	if a == b {
		return true
	}
	return hg.reachable[a].Get(uint(hg.indices[b])) ||
		hg.reachable[b].Get(uint(hg.indices[a]))
}

// IsAncestor reports whether a is a strict causal ancestor of b.
func (hg *HashGraph) IsAncestor(a, b ids.ID) (bool, error) {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	if err := hg.checkKnown(a, b); err != nil {
		return false, err
	}
	return hg.reachable[b].Get(uint(hg.indices[a])), nil
}

// AreCausallyRelatedUsingBFS is the reference implementation of causal
// reachability, used as an oracle against the bitset answer.
func (hg *HashGraph) AreCausallyRelatedUsingBFS(a, b ids.ID) (bool, error) {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	if err := hg.checkKnown(a, b); err != nil {
		return false, err
	}
	return hg.reachesBFS(a, b) || hg.reachesBFS(b, a), nil
}

// reachesBFS walks dependencies from start looking for target.
func (hg *HashGraph) reachesBFS(start, target ids.ID) bool {
	if start == target {
		return true
	}
	visited := map[ids.ID]struct{}{start: {}}
	queue := []ids.ID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range hg.vertices[cur].Dependencies {
			if dep == target {
				return true
			}
			if _, ok := visited[dep]; ok {
				continue
			}
			visited[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return false
}

// SwapReachablePredecessors exchanges the bitset columns assigned to a and
// b, relabeling their positions in the stable ordering. Reachability is
// preserved; only the tie-break position of the two vertices changes. Used
// by the pair linearizer's Swap action.
func (hg *HashGraph) SwapReachablePredecessors(a, b ids.ID) error {
	hg.mu.Lock()
	defer hg.mu.Unlock()
	if err := hg.checkKnown(a, b); err != nil {
		return err
	}
	hg.swapReachablePredecessors(a, b)
	return nil
}

func (hg *HashGraph) swapReachablePredecessors(a, b ids.ID) {
	ia, ib := hg.indices[a], hg.indices[b]
	for _, bits := range hg.reachable {
		bits.Swap(uint(ia), uint(ib))
	}
	hg.indices[a], hg.indices[b] = ib, ia
	hg.order[ia], hg.order[ib] = b, a
}

// LowestCommonAncestor returns the causally-greatest vertex that is an
// ancestor of (or equal to) every target. With a single shared root the
// result always exists.
func (hg *HashGraph) LowestCommonAncestor(targets []ids.ID) (ids.ID, error) {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	return hg.lowestCommonAncestor(targets)
}

func (hg *HashGraph) lowestCommonAncestor(targets []ids.ID) (ids.ID, error) {
	if len(targets) == 0 {
		return ids.Empty, fmt.Errorf("%w: no targets", ErrVertexNotFound)
	}
	if err := hg.checkKnown(targets...); err != nil {
		return ids.Empty, err
	}
	if len(targets) == 1 {
		return targets[0], nil
	}

	acc := hg.selfBits(targets[0])
	for _, t := range targets[1:] {
		acc = acc.And(hg.selfBits(t))
	}
	var members []ids.ID
	for i := range hg.order {
		if acc.Get(uint(i)) {
			members = append(members, hg.order[i])
		}
	}

	// Pick among the causally-maximal common ancestors. Concurrent
	// maximal candidates are tie-broken on (timestamp, hash) like the
	// topological sort, so every peer derives the same base regardless
	// of the order it learned the vertices in.
	best := ids.Empty
	var bestTS int64
	for _, m := range members {
		maximal := true
		for _, other := range members {
			if other != m && hg.reachable[other].Get(uint(hg.indices[m])) {
				maximal = false
				break
			}
		}
		if !maximal {
			continue
		}
		ts := hg.vertices[m].Timestamp
		if best == ids.Empty || ts > bestTS || (ts == bestTS && compareHashes(m, best) < 0) {
			best, bestTS = m, ts
		}
	}
	if best == ids.Empty {
		// Unreachable: the root is a common ancestor of every vertex.
		best = types.RootHash
	}
	return best, nil
}

// selfBits is a vertex's ancestor bitset including the vertex itself.
func (hg *HashGraph) selfBits(hash ids.ID) *bitset.Bits {
	bits := hg.reachable[hash].Clone()
	bits.Set(uint(hg.indices[hash]), true)
	return bits
}

func (hg *HashGraph) checkKnown(hashes ...ids.ID) error {
	for _, h := range hashes {
		if _, ok := hg.vertices[h]; !ok {
			return fmt.Errorf("%w: %s", ErrVertexNotFound, types.HashHex(h))
		}
	}
	return nil
}
