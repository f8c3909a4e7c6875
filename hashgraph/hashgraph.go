// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hashgraph implements the content-addressed DAG of operation
// vertices: vertex storage, frontier maintenance, causal reachability,
// deterministic topological ordering, and conflict-driven linearization.
package hashgraph

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/drp/types"
	"github.com/luxfi/drp/utils/bitset"
	"github.com/luxfi/drp/utils/objectset"
)

var (
	ErrInvalidHash         = errors.New("vertex hash does not match canonical recomputation")
	ErrInvalidDependencies = errors.New("invalid vertex dependencies")
	ErrVertexNotFound      = errors.New("vertex not found")
)

// Config parameterizes a graph.
type Config struct {
	// PeerID is the local identity used by CreateVertex.
	PeerID ids.NodeID

	// ACLResolver and DRPResolver order concurrent vertices of the
	// corresponding program. A nil resolver yields Nop for its type.
	ACLResolver types.ConflictResolver
	DRPResolver types.ConflictResolver

	// Semantics selects the linearizer for DRP subgraphs.
	Semantics types.SemanticsType
}

// HashGraph is an append-only DAG of vertices keyed by content hash.
// Vertices are never mutated or removed once added.
type HashGraph struct {
	mu sync.RWMutex

	peerID    ids.NodeID
	semantics types.SemanticsType

	aclResolver types.ConflictResolver
	drpResolver types.ConflictResolver

	vertices     map[ids.ID]*types.Vertex
	forwardEdges map[ids.ID][]ids.ID
	frontier     *objectset.Set[ids.ID]

	// order assigns every vertex an index, its insertion position unless a
	// Swap exchanged it with a concurrent vertex; the index is also the
	// vertex's column in the reachability bitsets.
	order     []ids.ID
	indices   map[ids.ID]int
	reachable map[ids.ID]*bitset.Bits
}

// New creates a graph holding only the root vertex.
func New(cfg Config) *HashGraph {
	root := types.RootVertex()
	hg := &HashGraph{
		peerID:       cfg.PeerID,
		semantics:    cfg.Semantics,
		aclResolver:  cfg.ACLResolver,
		drpResolver:  cfg.DRPResolver,
		vertices:     map[ids.ID]*types.Vertex{root.Hash: root},
		forwardEdges: make(map[ids.ID][]ids.ID),
		frontier:     objectset.Of(root.Hash),
		order:        []ids.ID{root.Hash},
		indices:      map[ids.ID]int{root.Hash: 0},
		reachable:    map[ids.ID]*bitset.Bits{root.Hash: bitset.New(1)},
	}
	return hg
}

// Root returns the root vertex hash.
func (hg *HashGraph) Root() ids.ID {
	return types.RootHash
}

// PeerID returns the local identity.
func (hg *HashGraph) PeerID() ids.NodeID {
	return hg.peerID
}

// Semantics returns the DRP linearization semantics.
func (hg *HashGraph) Semantics() types.SemanticsType {
	return hg.semantics
}

// CreateVertex builds an unsigned vertex for the local peer over the given
// dependencies. The vertex is not added to the graph; signing and insertion
// belong to the applier.
func (hg *HashGraph) CreateVertex(op *types.Operation, deps []ids.ID, timestamp int64) *types.Vertex {
	sorted := slices.Clone(deps)
	sortHashes(sorted)
	return &types.Vertex{
		Hash:         types.ComputeVertexHash(hg.peerID, op, sorted, timestamp),
		PeerID:       hg.peerID,
		Operation:    op,
		Dependencies: sorted,
		Timestamp:    timestamp,
	}
}

// AddVertex inserts v, wiring forward edges, the frontier, and the
// reachability bitsets. All dependencies must already be present and the
// declared hash must match its canonical recomputation. Re-adding a known
// vertex is a no-op.
func (hg *HashGraph) AddVertex(v *types.Vertex) error {
	hg.mu.Lock()
	defer hg.mu.Unlock()
	return hg.addVertex(v)
}

func (hg *HashGraph) addVertex(v *types.Vertex) error {
	if _, ok := hg.vertices[v.Hash]; ok {
		return nil
	}
	if types.ComputeVertexHash(v.PeerID, v.Operation, v.Dependencies, v.Timestamp) != v.Hash {
		return fmt.Errorf("%w: %s", ErrInvalidHash, types.HashHex(v.Hash))
	}
	if len(v.Dependencies) == 0 {
		return fmt.Errorf("%w: non-root vertex without dependencies", ErrInvalidDependencies)
	}
	for _, dep := range v.Dependencies {
		if _, ok := hg.vertices[dep]; !ok {
			return fmt.Errorf("%w: unknown dependency %s", ErrInvalidDependencies, types.HashHex(dep))
		}
	}

	hg.vertices[v.Hash] = v

	index := len(hg.order)
	hg.order = append(hg.order, v.Hash)
	hg.indices[v.Hash] = index

	bits := bitset.New(uint(index))
	for _, dep := range v.Dependencies {
		edges := hg.forwardEdges[dep]
		at, _ := slices.BinarySearchFunc(edges, v.Hash, compareHashes)
		hg.forwardEdges[dep] = slices.Insert(edges, at, v.Hash)
		hg.frontier.Remove(dep)

		bits.Or(hg.reachable[dep])
		bits.Set(uint(hg.indices[dep]), true)
	}
	hg.reachable[v.Hash] = bits

	// A new vertex has no children yet.
	hg.frontier.Add(v.Hash)
	return nil
}

// GetVertex returns the vertex with the given hash.
func (hg *HashGraph) GetVertex(hash ids.ID) (*types.Vertex, error) {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	v, ok := hg.vertices[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVertexNotFound, types.HashHex(hash))
	}
	return v, nil
}

// Contains reports whether the hash is known.
func (hg *HashGraph) Contains(hash ids.ID) bool {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	_, ok := hg.vertices[hash]
	return ok
}

// VertexCount returns the number of vertices including the root.
func (hg *HashGraph) VertexCount() int {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	return len(hg.vertices)
}

// Vertices returns all vertices in index order: insertion order, except
// that each pair-linearizer Swap exchanges the positions of the two
// concurrent vertices it swaps.
func (hg *HashGraph) Vertices() []*types.Vertex {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	out := make([]*types.Vertex, len(hg.order))
	for i, h := range hg.order {
		out[i] = hg.vertices[h]
	}
	return out
}

// Frontier returns the hashes of all vertices without children, sorted.
func (hg *HashGraph) Frontier() []ids.ID {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	out := hg.frontier.List()
	sortHashes(out)
	return out
}

// Children returns the forward edges of a vertex, sorted.
func (hg *HashGraph) Children(hash ids.ID) []ids.ID {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	return slices.Clone(hg.forwardEdges[hash])
}

// ResolveConflicts dispatches a concurrent vertex group to the resolver of
// its program type. Groups with a member that carries no operation, or
// with mixed program types, resolve to Nop.
func (hg *HashGraph) ResolveConflicts(vertices []*types.Vertex) types.ConflictResolution {
	hg.mu.RLock()
	defer hg.mu.RUnlock()
	return hg.resolveConflicts(vertices)
}

func (hg *HashGraph) resolveConflicts(vertices []*types.Vertex) types.ConflictResolution {
	if len(vertices) == 0 {
		return types.ConflictResolution{Action: types.ActionNop}
	}
	drpType := types.DRPTypeDRP
	for i, v := range vertices {
		if v.Operation == nil {
			return types.ConflictResolution{Action: types.ActionNop}
		}
		if i == 0 {
			drpType = v.Operation.DRPType
		} else if v.Operation.DRPType != drpType {
			return types.ConflictResolution{Action: types.ActionNop}
		}
	}
	var resolver types.ConflictResolver
	switch drpType {
	case types.DRPTypeACL:
		resolver = hg.aclResolver
	case types.DRPTypeDRP:
		resolver = hg.drpResolver
	}
	if resolver == nil {
		return types.ConflictResolution{Action: types.ActionNop}
	}
	return resolver.ResolveConflicts(vertices)
}

func compareHashes(a, b ids.ID) int {
	return bytes.Compare(a[:], b[:])
}

func sortHashes(hashes []ids.ID) {
	slices.SortFunc(hashes, compareHashes)
}
