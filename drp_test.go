// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package drp

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/drp/acl"
	"github.com/luxfi/drp/drptest"
	"github.com/luxfi/drp/keychain"
	"github.com/luxfi/drp/state"
	"github.com/luxfi/drp/types"
)

func newObject(t *testing.T, kc *keychain.Keychain, program types.DRP, admins ...*keychain.Keychain) *Object {
	t.Helper()
	if len(admins) == 0 {
		admins = []*keychain.Keychain{kc}
	}
	obj, err := New(Options{
		Signer: kc,
		ID:     "shared-object",
		DRP:    program,
		ACL:    drptest.SharedACL(admins...),
	})
	require.NoError(t, err)
	return obj
}

func replicate(t *testing.T, dst, src *Object) {
	t.Helper()
	_, missing := dst.ApplyVertices(src.Vertices())
	require.Empty(t, missing)
}

func TestNewRequiresSigner(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestNewDefaults(t *testing.T) {
	kc := drptest.NewKeychain(t)
	obj, err := New(Options{Signer: kc})
	require.NoError(t, err)
	require.NotEmpty(t, obj.ID())
	require.Equal(t, kc.PeerID(), obj.PeerID())
	require.True(t, obj.ACL().QueryIsAdmin(kc.PeerID()))
	require.Equal(t, 1, obj.HashGraph().VertexCount())

	// No user program: Apply refuses, ApplyACL works.
	_, err = obj.Apply("add", int64(1))
	require.ErrorIs(t, err, ErrNoDRP)
}

func TestLocalApplyPipeline(t *testing.T) {
	kc := drptest.NewKeychain(t)
	obj := newObject(t, kc, &drptest.AddMulDRP{})

	var gotOrigin Origin
	var gotVertices []*types.Vertex
	obj.Subscribe(func(_ *Object, origin Origin, vertices []*types.Vertex) {
		gotOrigin = origin
		gotVertices = vertices
	})

	ret, err := obj.Apply("add", int64(3))
	require.NoError(t, err)
	require.Equal(t, int64(3), ret)
	require.Equal(t, int64(3), obj.DRP().(*drptest.AddMulDRP).QueryValue())

	require.Equal(t, 2, obj.HashGraph().VertexCount())
	frontier := obj.HashGraph().Frontier()
	require.Len(t, frontier, 1)

	v, err := obj.HashGraph().GetVertex(frontier[0])
	require.NoError(t, err)
	require.Equal(t, kc.PeerID(), v.PeerID)
	require.Equal(t, []ids.ID{types.RootHash}, v.Dependencies)

	// The vertex signature recovers the creator.
	signedBy, err := keychain.RecoverPeerID(v.Hash, v.Signature)
	require.NoError(t, err)
	require.Equal(t, kc.PeerID(), signedBy)

	// Snapshots are recorded under the new vertex.
	_, drpState, err := obj.GetStates(v.Hash)
	require.NoError(t, err)
	val, ok := drpState.Get("Value")
	require.True(t, ok)
	require.Equal(t, int64(3), val)

	require.Equal(t, OriginLocal, gotOrigin)
	require.Len(t, gotVertices, 1)
	require.Equal(t, v.Hash, gotVertices[0].Hash)

	// Local operations chain on the prior local vertex.
	_, err = obj.Apply("add", int64(2))
	require.NoError(t, err)
	tip, err := obj.HashGraph().GetVertex(obj.HashGraph().Frontier()[0])
	require.NoError(t, err)
	require.Equal(t, []ids.ID{v.Hash}, tip.Dependencies)
}

func TestFailingOperationEmitsNoVertex(t *testing.T) {
	kc := drptest.NewKeychain(t)
	obj := newObject(t, kc, &drptest.AddMulDRP{})

	_, err := obj.Apply("add", int64(1))
	require.NoError(t, err)

	// Wrong arity fails inside the program; state rolls back and no
	// vertex is emitted.
	_, err = obj.Apply("add")
	require.Error(t, err)
	require.Equal(t, 2, obj.HashGraph().VertexCount())
	require.Equal(t, int64(1), obj.DRP().(*drptest.AddMulDRP).QueryValue())

	_, err = obj.Apply("frobnicate", int64(1))
	require.Error(t, err)
	require.Equal(t, int64(1), obj.DRP().(*drptest.AddMulDRP).QueryValue())
}

func TestUnauthorizedLocalWrite(t *testing.T) {
	kcAdmin := drptest.NewKeychain(t)
	kcOther := drptest.NewKeychain(t)

	obj := newObject(t, kcOther, &drptest.AddMulDRP{}, kcAdmin)
	_, err := obj.Apply("add", int64(1))
	require.ErrorIs(t, err, ErrUnauthorizedOperation)
	require.Equal(t, 1, obj.HashGraph().VertexCount())

	_, err = obj.ApplyACL(acl.OpGrant, kcOther.PeerID(), acl.GroupWriter)
	require.ErrorIs(t, err, ErrUnauthorizedOperation)
}

// A concurrent add(3) and mul(2) linearize mul-first on both peers,
// whichever peer issued which.
func TestAddMulSwapConvergence(t *testing.T) {
	for _, aAdds := range []bool{true, false} {
		kcA := drptest.NewKeychain(t)
		kcB := drptest.NewKeychain(t)

		objA := newObject(t, kcA, &drptest.AddMulDRP{}, kcA, kcB)
		objB := newObject(t, kcB, &drptest.AddMulDRP{}, kcA, kcB)

		if aAdds {
			_, err := objA.Apply("add", int64(3))
			require.NoError(t, err)
			_, err = objB.Apply("mul", int64(2))
			require.NoError(t, err)
		} else {
			_, err := objA.Apply("mul", int64(2))
			require.NoError(t, err)
			_, err = objB.Apply("add", int64(3))
			require.NoError(t, err)
		}

		replicate(t, objB, objA)
		replicate(t, objA, objB)

		require.Equal(t, int64(3), objA.DRP().(*drptest.AddMulDRP).QueryValue(), "aAdds=%v", aAdds)
		require.Equal(t, int64(3), objB.DRP().(*drptest.AddMulDRP).QueryValue(), "aAdds=%v", aAdds)

		// Live states are equal field for field.
		require.Equal(t, state.Capture(objA.DRP()), state.Capture(objB.DRP()))
		require.Equal(t, state.Capture(objA.ACL()), state.Capture(objB.ACL()))
	}
}

// A criss-cross merge leaves two concurrent maximal common ancestors in
// every later LCA computation; no operation may be lost or double-applied
// and both peers must still converge.
func TestCrissCrossConvergence(t *testing.T) {
	kcA := drptest.NewKeychain(t)
	kcB := drptest.NewKeychain(t)

	objA := newObject(t, kcA, &drptest.AddMulDRP{}, kcA, kcB)
	objB := newObject(t, kcB, &drptest.AddMulDRP{}, kcA, kcB)

	_, err := objA.Apply("add", int64(1))
	require.NoError(t, err)
	_, err = objB.Apply("add", int64(2))
	require.NoError(t, err)
	replicate(t, objB, objA)
	replicate(t, objA, objB)

	// Both peers now extend the same two-tip frontier concurrently.
	_, err = objA.Apply("add", int64(4))
	require.NoError(t, err)
	_, err = objB.Apply("add", int64(8))
	require.NoError(t, err)
	replicate(t, objB, objA)
	replicate(t, objA, objB)

	require.Equal(t, int64(15), objA.DRP().(*drptest.AddMulDRP).QueryValue())
	require.Equal(t, int64(15), objB.DRP().(*drptest.AddMulDRP).QueryValue())
}

// Three peers add and delete concurrently; after exhaustive merges
// every replica answers the same set.
func TestSetConvergenceUnderDeletes(t *testing.T) {
	kc1 := drptest.NewKeychain(t)
	kc2 := drptest.NewKeychain(t)
	kc3 := drptest.NewKeychain(t)
	all := []*keychain.Keychain{kc1, kc2, kc3}

	obj1 := newObject(t, kc1, drptest.NewSetDRP(), all...)
	obj2 := newObject(t, kc2, drptest.NewSetDRP(), all...)
	obj3 := newObject(t, kc3, drptest.NewSetDRP(), all...)

	_, err := obj1.Apply("add", int64(1))
	require.NoError(t, err)
	_, err = obj1.Apply("add", int64(2))
	require.NoError(t, err)

	_, err = obj2.Apply("remove", int64(2))
	require.NoError(t, err)
	_, err = obj2.Apply("add", int64(3))
	require.NoError(t, err)

	_, err = obj3.Apply("add", int64(3))
	require.NoError(t, err)
	_, err = obj3.Apply("remove", int64(1))
	require.NoError(t, err)

	objs := []*Object{obj1, obj2, obj3}
	for round := 0; round < 2; round++ {
		for _, dst := range objs {
			for _, src := range objs {
				if dst != src {
					replicate(t, dst, src)
				}
			}
		}
	}

	want := obj1.DRP().(*drptest.SetDRP).QueryElements()
	require.Equal(t, want, obj2.DRP().(*drptest.SetDRP).QueryElements())
	require.Equal(t, want, obj3.DRP().(*drptest.SetDRP).QueryElements())

	// Concurrent removes lose to adds, so everything added survives.
	require.Equal(t, []int64{1, 2, 3}, want)
}

// Grant finality, install a BLS key, write, attest; a later revoke
// only affects vertices created after it.
func TestGrantSetKeyWriteAttest(t *testing.T) {
	kcA := drptest.NewKeychain(t)
	kcB := drptest.NewKeychain(t)

	objA := newObject(t, kcA, &drptest.AddMulDRP{}, kcA)
	objB := newObject(t, kcB, &drptest.AddMulDRP{}, kcA)

	_, err := objA.ApplyACL(acl.OpGrant, kcB.PeerID(), acl.GroupFinality)
	require.NoError(t, err)
	replicate(t, objB, objA)
	require.True(t, objB.ACL().QueryIsFinalitySigner(kcB.PeerID()))

	_, err = objB.ApplyACL(acl.OpSetKey, kcB.PublicBLS())
	require.NoError(t, err)
	replicate(t, objA, objB)

	key, ok := objA.ACL().QueryGetPeerKey(kcB.PeerID())
	require.True(t, ok)
	require.Equal(t, kcB.PublicBLS(), key)

	_, err = objA.Apply("add", int64(1))
	require.NoError(t, err)
	vAdd := objA.HashGraph().Frontier()[0]
	replicate(t, objB, objA)

	require.True(t, objA.FinalityStore().CanSign(kcB.PeerID(), vAdd))

	att, err := objB.AttestVertex(vAdd)
	require.NoError(t, err)
	require.NoError(t, objA.AddAttestation(kcB.PeerID(), att))

	n, err := objA.FinalityStore().NumberOfSignatures(vAdd)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Revoke B's finality membership and write again.
	_, err = objA.ApplyACL(acl.OpRevoke, kcB.PeerID(), acl.GroupFinality)
	require.NoError(t, err)
	_, err = objA.Apply("add", int64(2))
	require.NoError(t, err)
	vAdd2 := objA.HashGraph().Frontier()[0]

	require.False(t, objA.FinalityStore().CanSign(kcB.PeerID(), vAdd2))
	require.True(t, objA.FinalityStore().CanSign(kcB.PeerID(), vAdd), "existing signer sets are untouched")

	n, err = objA.FinalityStore().NumberOfSignatures(vAdd)
	require.NoError(t, err)
	require.Equal(t, 1, n, "existing signatures survive the revoke")
}

// A vertex with an absent dependency is reported missing and nothing
// is applied.
func TestMissingDependency(t *testing.T) {
	kc := drptest.NewKeychain(t)
	src := newObject(t, kc, &drptest.AddMulDRP{})

	_, err := src.Apply("add", int64(1))
	require.NoError(t, err)
	_, err = src.Apply("add", int64(2))
	require.NoError(t, err)

	vertices := src.Vertices()
	parent, child := vertices[1], vertices[2]

	dst := newObject(t, kc, &drptest.AddMulDRP{})
	applied, missing := dst.ApplyVertices([]*types.Vertex{child})
	require.False(t, applied)
	require.Equal(t, []ids.ID{parent.Hash}, missing)
	require.Equal(t, 1, dst.HashGraph().VertexCount())

	// Delivering the parent clears the debt.
	applied, missing = dst.ApplyVertices([]*types.Vertex{child, parent})
	require.True(t, applied)
	require.Empty(t, missing)
	require.Equal(t, 3, dst.HashGraph().VertexCount())
	require.Equal(t, int64(3), dst.DRP().(*drptest.AddMulDRP).QueryValue())
}

// Far-future timestamps are rejected.
func TestFutureTimestampRejected(t *testing.T) {
	kc := drptest.NewKeychain(t)
	obj := newObject(t, kc, &drptest.AddMulDRP{})

	op := &types.Operation{DRPType: types.DRPTypeDRP, OpType: "add", Value: []any{int64(1)}}
	future := drptest.MakeVertex(t, kc, op, []ids.ID{types.RootHash}, time.Now().Add(time.Hour).UnixMilli())

	applied, missing := obj.ApplyVertices([]*types.Vertex{future})
	require.False(t, applied)
	require.Empty(t, missing)
	require.Equal(t, 1, obj.HashGraph().VertexCount())
}

// A vertex older than its parent is rejected.
func TestTimestampBelowParentRejected(t *testing.T) {
	kc := drptest.NewKeychain(t)
	obj := newObject(t, kc, &drptest.AddMulDRP{})

	now := time.Now().UnixMilli()
	op1 := &types.Operation{DRPType: types.DRPTypeDRP, OpType: "add", Value: []any{int64(1)}}
	op2 := &types.Operation{DRPType: types.DRPTypeDRP, OpType: "add", Value: []any{int64(2)}}
	parent := drptest.MakeVertex(t, kc, op1, []ids.ID{types.RootHash}, now)
	child := drptest.MakeVertex(t, kc, op2, []ids.ID{parent.Hash}, now-10_000)

	applied, missing := obj.ApplyVertices([]*types.Vertex{parent, child})
	require.True(t, applied, "the valid parent still lands")
	require.Empty(t, missing)
	require.Equal(t, 2, obj.HashGraph().VertexCount())
}

func TestTamperedSignatureRejected(t *testing.T) {
	kcA := drptest.NewKeychain(t)
	kcB := drptest.NewKeychain(t)
	obj := newObject(t, kcA, &drptest.AddMulDRP{}, kcA, kcB)

	op := &types.Operation{DRPType: types.DRPTypeDRP, OpType: "add", Value: []any{int64(1)}}
	v := drptest.MakeVertex(t, kcB, op, []ids.ID{types.RootHash}, time.Now().UnixMilli())

	// Re-sign with the wrong key: recovery no longer matches the peer.
	sig, err := kcA.Sign(v.Hash)
	require.NoError(t, err)
	v.Signature = sig

	applied, _ := obj.ApplyVertices([]*types.Vertex{v})
	require.False(t, applied)
	require.Equal(t, 1, obj.HashGraph().VertexCount())
}

func TestUnauthorizedRemoteWriteRejected(t *testing.T) {
	kcAdmin := drptest.NewKeychain(t)
	kcOther := drptest.NewKeychain(t)
	obj := newObject(t, kcAdmin, &drptest.AddMulDRP{}, kcAdmin)

	op := &types.Operation{DRPType: types.DRPTypeDRP, OpType: "add", Value: []any{int64(5)}}
	v := drptest.MakeVertex(t, kcOther, op, []ids.ID{types.RootHash}, time.Now().UnixMilli())

	applied, _ := obj.ApplyVertices([]*types.Vertex{v})
	require.False(t, applied)
	require.Equal(t, 1, obj.HashGraph().VertexCount())
	require.Equal(t, int64(0), obj.DRP().(*drptest.AddMulDRP).QueryValue())
}

// The root snapshot never changes.
func TestRootSnapshotImmutable(t *testing.T) {
	kc := drptest.NewKeychain(t)
	obj := newObject(t, kc, &drptest.AddMulDRP{})

	aclBefore, drpBefore, err := obj.GetStates(types.RootHash)
	require.NoError(t, err)

	for i := int64(1); i < 5; i++ {
		_, err := obj.Apply("add", i)
		require.NoError(t, err)
	}

	aclAfter, drpAfter, err := obj.GetStates(types.RootHash)
	require.NoError(t, err)
	require.Equal(t, aclBefore, aclAfter)
	require.Equal(t, drpBefore, drpAfter)
}

func TestSubscribersSeeRemoteBatchInOrder(t *testing.T) {
	kcA := drptest.NewKeychain(t)
	kcB := drptest.NewKeychain(t)

	objA := newObject(t, kcA, &drptest.AddMulDRP{}, kcA, kcB)
	objB := newObject(t, kcB, &drptest.AddMulDRP{}, kcA, kcB)

	for i := int64(1); i <= 3; i++ {
		_, err := objA.Apply("add", i)
		require.NoError(t, err)
	}

	var origins []Origin
	var batches [][]*types.Vertex
	objB.Subscribe(func(_ *Object, origin Origin, vertices []*types.Vertex) {
		origins = append(origins, origin)
		batches = append(batches, vertices)
	})

	replicate(t, objB, objA)
	require.Equal(t, []Origin{OriginRemote}, origins)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)

	// Batch respects dependency order.
	seen := map[ids.ID]bool{types.RootHash: true}
	for _, v := range batches[0] {
		for _, dep := range v.Dependencies {
			require.True(t, seen[dep])
		}
		seen[v.Hash] = true
	}
}

func TestMergeAlias(t *testing.T) {
	kc := drptest.NewKeychain(t)
	src := newObject(t, kc, &drptest.AddMulDRP{})
	_, err := src.Apply("add", int64(1))
	require.NoError(t, err)

	dst := newObject(t, kc, &drptest.AddMulDRP{})
	applied, missing := dst.Merge(src.Vertices())
	require.True(t, applied)
	require.Empty(t, missing)
}

func TestGetStatesUnknownVertex(t *testing.T) {
	kc := drptest.NewKeychain(t)
	obj := newObject(t, kc, &drptest.AddMulDRP{})

	_, _, err := obj.GetStates(ids.GenerateTestID())
	require.ErrorIs(t, err, state.ErrStateNotFound)
}

func TestSetStateOverrides(t *testing.T) {
	kc := drptest.NewKeychain(t)
	obj := newObject(t, kc, &drptest.AddMulDRP{})

	hash := ids.GenerateTestID()
	obj.SetDRPState(hash, types.DRPState{
		State: []types.DRPStateEntry{{Key: "Value", Value: int64(9)}},
	})
	obj.SetACLState(hash, types.DRPState{})

	aclState, drpState, err := obj.GetStates(hash)
	require.NoError(t, err)
	require.Empty(t, aclState.State)
	val, ok := drpState.Get("Value")
	require.True(t, ok)
	require.Equal(t, int64(9), val)
}

func TestPermissionlessObject(t *testing.T) {
	kcAdmin := drptest.NewKeychain(t)
	kcOther := drptest.NewKeychain(t)

	open := acl.New(acl.Config{
		Admins:         map[ids.NodeID][]byte{kcAdmin.PeerID(): kcAdmin.PublicBLS()},
		Permissionless: true,
	})
	obj, err := New(Options{
		Signer: kcOther,
		ID:     "open-object",
		DRP:    &drptest.AddMulDRP{},
		ACL:    open,
	})
	require.NoError(t, err)

	// A stranger writes on a permissionless object.
	_, err = obj.Apply("add", int64(4))
	require.NoError(t, err)
	require.Equal(t, int64(4), obj.DRP().(*drptest.AddMulDRP).QueryValue())
}
