// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package drptest provides replicated programs and fixtures shared by the
// package tests.
package drptest

import (
	"fmt"
	"slices"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/drp/acl"
	"github.com/luxfi/drp/keychain"
	"github.com/luxfi/drp/types"
)

// AddMulDRP is a pair-semantics counter. A concurrent add and mul are
// reordered so the mul applies first.
type AddMulDRP struct {
	Value int64
}

func (*AddMulDRP) Semantics() types.SemanticsType {
	return types.SemanticsPair
}

func (d *AddMulDRP) Apply(_ ids.NodeID, opType string, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s wants 1 argument, got %d", opType, len(args))
	}
	n, ok := types.Int64Value(args[0])
	if !ok {
		return nil, fmt.Errorf("%s wants a number, got %T", opType, args[0])
	}
	switch opType {
	case "add":
		d.Value += n
	case "mul":
		d.Value *= n
	default:
		return nil, fmt.Errorf("unknown operation %q", opType)
	}
	return d.Value, nil
}

func (*AddMulDRP) ResolveConflicts(vertices []*types.Vertex) types.ConflictResolution {
	if len(vertices) != 2 || vertices[0].Operation == nil || vertices[1].Operation == nil {
		return types.ConflictResolution{Action: types.ActionNop}
	}
	if vertices[0].Operation.OpType == "add" && vertices[1].Operation.OpType == "mul" {
		return types.ConflictResolution{Action: types.ActionSwap}
	}
	return types.ConflictResolution{Action: types.ActionNop}
}

// QueryValue returns the counter without producing a vertex.
func (d *AddMulDRP) QueryValue() int64 {
	return d.Value
}

// SetDRP is a multiple-semantics add-wins set of integers: a removal that
// is concurrent with an addition of the same element loses.
type SetDRP struct {
	Elements map[int64]bool
}

// NewSetDRP creates an empty set program.
func NewSetDRP() *SetDRP {
	return &SetDRP{Elements: make(map[int64]bool)}
}

func (*SetDRP) Semantics() types.SemanticsType {
	return types.SemanticsMultiple
}

func (d *SetDRP) Apply(_ ids.NodeID, opType string, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s wants 1 argument, got %d", opType, len(args))
	}
	n, ok := types.Int64Value(args[0])
	if !ok {
		return nil, fmt.Errorf("%s wants a number, got %T", opType, args[0])
	}
	if d.Elements == nil {
		d.Elements = make(map[int64]bool)
	}
	switch opType {
	case "add":
		d.Elements[n] = true
	case "remove":
		delete(d.Elements, n)
	default:
		return nil, fmt.Errorf("unknown operation %q", opType)
	}
	return nil, nil
}

func (*SetDRP) ResolveConflicts(vertices []*types.Vertex) types.ConflictResolution {
	added := make(map[int64]struct{})
	for _, v := range vertices {
		if op := v.Operation; op != nil && op.OpType == "add" && len(op.Value) == 1 {
			if n, ok := types.Int64Value(op.Value[0]); ok {
				added[n] = struct{}{}
			}
		}
	}
	var drop []ids.ID
	for _, v := range vertices {
		op := v.Operation
		if op == nil || op.OpType != "remove" || len(op.Value) != 1 {
			continue
		}
		if n, ok := types.Int64Value(op.Value[0]); ok {
			if _, ok := added[n]; ok {
				drop = append(drop, v.Hash)
			}
		}
	}
	if len(drop) == 0 {
		return types.ConflictResolution{Action: types.ActionNop}
	}
	return types.ConflictResolution{
		Action:   types.ActionDrop,
		Vertices: drop,
	}
}

// QueryContains reports membership without producing a vertex.
func (d *SetDRP) QueryContains(n int64) bool {
	return d.Elements[n]
}

// QueryElements returns the members in ascending order.
func (d *SetDRP) QueryElements() []int64 {
	out := make([]int64, 0, len(d.Elements))
	for n := range d.Elements {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// OddDropDRP appends put values to a log; its pair resolver drops any
// vertex carrying an odd value.
type OddDropDRP struct {
	Log []int64
}

func (*OddDropDRP) Semantics() types.SemanticsType {
	return types.SemanticsPair
}

func (d *OddDropDRP) Apply(_ ids.NodeID, opType string, args []any) (any, error) {
	if opType != "put" || len(args) != 1 {
		return nil, fmt.Errorf("unknown operation %q", opType)
	}
	n, ok := types.Int64Value(args[0])
	if !ok {
		return nil, fmt.Errorf("put wants a number, got %T", args[0])
	}
	d.Log = append(d.Log, n)
	return nil, nil
}

func (*OddDropDRP) ResolveConflicts(vertices []*types.Vertex) types.ConflictResolution {
	if len(vertices) != 2 {
		return types.ConflictResolution{Action: types.ActionNop}
	}
	if odd(vertices[0]) {
		return types.ConflictResolution{Action: types.ActionDropLeft}
	}
	if odd(vertices[1]) {
		return types.ConflictResolution{Action: types.ActionDropRight}
	}
	return types.ConflictResolution{Action: types.ActionNop}
}

func odd(v *types.Vertex) bool {
	if v.Operation == nil || len(v.Operation.Value) != 1 {
		return false
	}
	n, ok := types.Int64Value(v.Operation.Value[0])
	return ok && n%2 != 0
}

// NewKeychain generates a keychain or fails the test.
func NewKeychain(tb testing.TB) *keychain.Keychain {
	tb.Helper()
	kc, err := keychain.New()
	require.NoError(tb, err)
	return kc
}

// SharedACL builds a fresh ACL whose admins are the given keychains.
// Call once per replica: instances must not be shared between objects.
func SharedACL(keychains ...*keychain.Keychain) *acl.ACL {
	admins := make(map[ids.NodeID][]byte, len(keychains))
	for _, kc := range keychains {
		admins[kc.PeerID()] = kc.PublicBLS()
	}
	return acl.New(acl.Config{Admins: admins})
}

// MakeVertex builds and signs a vertex by hand, for tests that need
// control over timestamps and dependencies.
func MakeVertex(tb testing.TB, kc *keychain.Keychain, op *types.Operation, deps []ids.ID, timestamp int64) *types.Vertex {
	tb.Helper()
	sorted := slices.Clone(deps)
	slices.SortFunc(sorted, func(a, b ids.ID) int {
		return slices.Compare(a[:], b[:])
	})
	v := &types.Vertex{
		Hash:         types.ComputeVertexHash(kc.PeerID(), op, sorted, timestamp),
		PeerID:       kc.PeerID(),
		Operation:    op,
		Dependencies: sorted,
		Timestamp:    timestamp,
	}
	sig, err := kc.Sign(v.Hash)
	require.NoError(tb, err)
	v.Signature = sig
	return v
}
