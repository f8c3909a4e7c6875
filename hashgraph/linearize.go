// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hashgraph

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/drp/types"
)

// Linearize replays the subgraph above origin into a canonical operation
// sequence, dropping vertices that lose their conflict resolutions. The
// members are the vertices not already covered by the origin snapshot —
// everything not at-or-below origin — so an ancestor of a head that is
// concurrent with the origin is still replayed. When heads is non-nil
// the subgraph is clipped to ancestors-or-equals of the heads, which is
// how pre-states are derived. The origin itself, and any vertex with an
// inert (nil-value) operation, is never emitted.
//
// Given the same subgraph and resolvers, every peer derives the same
// sequence: the underlying sort is deterministic and resolvers are
// required to be pure.
func (hg *HashGraph) Linearize(origin ids.ID, heads []ids.ID) ([]*types.Vertex, error) {
	hg.mu.Lock()
	defer hg.mu.Unlock()
	if err := hg.checkKnown(origin); err != nil {
		return nil, err
	}
	if err := hg.checkKnown(heads...); err != nil {
		return nil, err
	}

	order := hg.sortBetween(false, origin, heads, false)
	pos := make(map[ids.ID]int, len(order))
	for i, h := range order {
		pos[h] = i
	}
	dropped := make([]bool, len(order))

	for i := 0; i < len(order); i++ {
		if dropped[i] {
			continue
		}
		anchor := hg.vertices[order[i]]
		semantics := hg.semantics
		if anchor.Operation == nil || anchor.Operation.DRPType == types.DRPTypeACL {
			semantics = types.SemanticsPair
		}
		switch semantics {
		case types.SemanticsPair:
			hg.pairScan(order, dropped, pos, i)
		case types.SemanticsMultiple:
			hg.groupScan(order, dropped, pos, i)
		}
	}

	out := make([]*types.Vertex, 0, len(order))
	for i, h := range order {
		if dropped[i] {
			continue
		}
		v := hg.vertices[h]
		if v.Operation == nil || v.Operation.Value == nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// pairScan resolves the anchor at position i against every later vertex
// concurrent with it, two at a time. A Swap exchanges the two positions
// (and their reachability columns) and restarts the scan just past the
// anchor with the swapped-in vertex as the new anchor.
func (hg *HashGraph) pairScan(order []ids.ID, dropped []bool, pos map[ids.ID]int, i int) {
	anchor := order[i]
	j := i + 1
	for j < len(order) {
		if dropped[j] || hg.related(anchor, order[j]) {
			j++
			continue
		}
		res := hg.resolveConflicts([]*types.Vertex{hg.vertices[anchor], hg.vertices[order[j]]})
		switch res.Action {
		case types.ActionDropLeft:
			dropped[i] = true
			return
		case types.ActionDropRight:
			dropped[j] = true
			j++
		case types.ActionSwap:
			hg.swapReachablePredecessors(anchor, order[j])
			order[i], order[j] = order[j], order[i]
			pos[order[i]], pos[order[j]] = i, j
			anchor = order[i]
			j = i + 1
		default:
			j++
		}
	}
}

// groupScan hands the anchor and everything later and concurrent with it
// to the resolver in one call; the resolver answers with the set of
// vertices to drop.
func (hg *HashGraph) groupScan(order []ids.ID, dropped []bool, pos map[ids.ID]int, i int) {
	anchor := order[i]
	group := []*types.Vertex{hg.vertices[anchor]}
	for j := i + 1; j < len(order); j++ {
		if dropped[j] || hg.related(anchor, order[j]) {
			continue
		}
		group = append(group, hg.vertices[order[j]])
	}
	if len(group) == 1 {
		return
	}
	res := hg.resolveConflicts(group)
	if res.Action != types.ActionDrop {
		return
	}
	for _, h := range res.Vertices {
		if p, ok := pos[h]; ok {
			dropped[p] = true
		}
	}
}
