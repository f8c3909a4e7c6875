// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the vertex model shared by the hashgraph, the
// linearizers, and the object applier.
package types

import (
	"github.com/luxfi/ids"
)

// DRPType discriminates which replicated program a vertex operates on.
type DRPType uint8

const (
	// DRPTypeACL targets the built-in access-control program.
	DRPTypeACL DRPType = iota
	// DRPTypeDRP targets the user program.
	DRPTypeDRP
)

// SemanticsType selects the conflict-resolution shape of a program.
type SemanticsType uint8

const (
	// SemanticsPair resolves conflicts two concurrent vertices at a time.
	SemanticsPair SemanticsType = iota
	// SemanticsMultiple resolves a whole concurrent group at once.
	SemanticsMultiple
)

// ActionType is the outcome of a conflict resolution.
type ActionType uint8

const (
	ActionNop ActionType = iota
	ActionDropLeft
	ActionDropRight
	ActionSwap
	ActionDrop
)

// ConflictResolution is returned by a resolver. Vertices is only consulted
// for ActionDrop, where it names the vertices to discard.
type ConflictResolution struct {
	Action   ActionType
	Vertices []ids.ID
}

// Operation is the payload of a non-root vertex. A nil Value marks an inert
// operation that is never emitted by the linearizers.
type Operation struct {
	DRPType DRPType
	OpType  string
	Value   []any
}

// Vertex is the atomic unit of replication. Identity is the Hash field,
// which must equal the canonical recomputation over the remaining fields.
// Dependencies are kept sorted.
type Vertex struct {
	Hash         ids.ID
	PeerID       ids.NodeID
	Operation    *Operation
	Dependencies []ids.ID
	Timestamp    int64
	Signature    []byte
}

// IsRoot reports whether v is the well-known root vertex.
func (v *Vertex) IsRoot() bool {
	return v.Operation == nil && len(v.Dependencies) == 0
}

// ConflictResolver resolves ordering between concurrent vertices.
type ConflictResolver interface {
	ResolveConflicts(vertices []*Vertex) ConflictResolution
}

// DRP is a replicated program. State-changing calls go through Apply, a
// dispatch over declared operation names; read-only queries are ordinary
// methods on the concrete type and never produce vertices. Apply receives
// the identity of the vertex creator so that replay preserves authorship.
// Implementations must keep all replicated state in exported fields and
// must resolve conflicts as a pure function of the supplied vertices.
type DRP interface {
	ConflictResolver

	Semantics() SemanticsType
	Apply(caller ids.NodeID, opType string, args []any) (any, error)
}
