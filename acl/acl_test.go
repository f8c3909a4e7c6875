// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package acl

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/drp/types"
)

func newTestACL(t *testing.T) (*ACL, ids.NodeID) {
	t.Helper()
	admin := ids.GenerateTestNodeID()
	a := New(Config{
		Admins: map[ids.NodeID][]byte{admin: nil},
	})
	return a, admin
}

func TestInitialAdminHoldsAllGroups(t *testing.T) {
	a, admin := newTestACL(t)
	require.True(t, a.QueryIsAdmin(admin))
	require.True(t, a.QueryIsWriter(admin))
	require.True(t, a.QueryIsFinalitySigner(admin))
	require.False(t, a.QueryIsPermissionless())

	stranger := ids.GenerateTestNodeID()
	require.False(t, a.QueryIsAdmin(stranger))
	require.False(t, a.QueryIsWriter(stranger))
}

func TestGrantRevoke(t *testing.T) {
	a, admin := newTestACL(t)
	peer := ids.GenerateTestNodeID()

	_, err := a.Apply(admin, OpGrant, []any{peer, GroupWriter})
	require.NoError(t, err)
	require.True(t, a.QueryIsWriter(peer))
	require.False(t, a.QueryIsAdmin(peer))

	_, err = a.Apply(admin, OpRevoke, []any{peer, GroupWriter})
	require.NoError(t, err)
	require.False(t, a.QueryIsWriter(peer))
}

func TestGrantParsesWireArguments(t *testing.T) {
	a, admin := newTestACL(t)
	peer := ids.GenerateTestNodeID()

	// Arguments as they arrive after a wire round-trip: the peer as its
	// string form, the group as a float.
	_, err := a.Apply(admin, OpGrant, []any{peer.String(), float64(GroupFinality)})
	require.NoError(t, err)
	require.True(t, a.QueryIsFinalitySigner(peer))
}

func TestRevokeAdminRejected(t *testing.T) {
	a, admin := newTestACL(t)

	_, err := a.Apply(admin, OpRevoke, []any{admin, GroupAdmin})
	require.ErrorIs(t, err, ErrCannotRevokeAdmin)
	require.True(t, a.QueryIsAdmin(admin))

	// Not even another group may be stripped from an admin.
	_, err = a.Apply(admin, OpRevoke, []any{admin, GroupFinality})
	require.ErrorIs(t, err, ErrCannotRevokeAdmin)
	require.True(t, a.QueryIsFinalitySigner(admin))
}

func TestGrantWriterOnPermissionless(t *testing.T) {
	admin := ids.GenerateTestNodeID()
	a := New(Config{
		Admins:         map[ids.NodeID][]byte{admin: nil},
		Permissionless: true,
	})

	_, err := a.Apply(admin, OpGrant, []any{ids.GenerateTestNodeID(), GroupWriter})
	require.ErrorIs(t, err, ErrWriterPermissionless)

	// Everyone writes on a permissionless ACL.
	require.True(t, a.QueryIsWriter(ids.GenerateTestNodeID()))

	// Other groups can still be granted.
	peer := ids.GenerateTestNodeID()
	_, err = a.Apply(admin, OpGrant, []any{peer, GroupFinality})
	require.NoError(t, err)
	require.True(t, a.QueryIsFinalitySigner(peer))
}

func TestSetKey(t *testing.T) {
	a, admin := newTestACL(t)

	key := []byte{1, 2, 3}
	_, err := a.Apply(admin, OpSetKey, []any{key})
	require.NoError(t, err)

	got, ok := a.QueryGetPeerKey(admin)
	require.True(t, ok)
	require.Equal(t, key, got)

	signers := a.QueryGetFinalitySigners()
	require.Equal(t, map[ids.NodeID][]byte{admin: key}, signers)
}

func TestUnknownOperation(t *testing.T) {
	a, admin := newTestACL(t)
	_, err := a.Apply(admin, "promote", nil)
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestAuthorize(t *testing.T) {
	a, admin := newTestACL(t)
	writer := ids.GenerateTestNodeID()
	_, err := a.Apply(admin, OpGrant, []any{writer, GroupWriter})
	require.NoError(t, err)

	drpOp := &types.Operation{DRPType: types.DRPTypeDRP, OpType: "add", Value: []any{int64(1)}}
	require.NoError(t, a.Authorize(admin, drpOp))
	require.NoError(t, a.Authorize(writer, drpOp))
	require.ErrorIs(t, a.Authorize(ids.GenerateTestNodeID(), drpOp), ErrNotWriter)

	grantOp := &types.Operation{DRPType: types.DRPTypeACL, OpType: OpGrant, Value: []any{writer, GroupFinality}}
	require.NoError(t, a.Authorize(admin, grantOp))
	require.ErrorIs(t, a.Authorize(writer, grantOp), ErrNotAdmin)

	setKeyOp := &types.Operation{DRPType: types.DRPTypeACL, OpType: OpSetKey, Value: []any{[]byte{1}}}
	require.NoError(t, a.Authorize(admin, setKeyOp))
	require.ErrorIs(t, a.Authorize(writer, setKeyOp), ErrNotFinalitySigner)
}

func resolve(t *testing.T, a *ACL, left, right *types.Operation) types.ActionType {
	t.Helper()
	peer := ids.GenerateTestNodeID()
	lv := &types.Vertex{Hash: ids.GenerateTestID(), PeerID: peer, Operation: left}
	rv := &types.Vertex{Hash: ids.GenerateTestID(), PeerID: peer, Operation: right}
	return a.ResolveConflicts([]*types.Vertex{lv, rv}).Action
}

func TestResolveConflicts(t *testing.T) {
	a, _ := newTestACL(t)
	target := ids.GenerateTestNodeID()
	other := ids.GenerateTestNodeID()

	grant := &types.Operation{DRPType: types.DRPTypeACL, OpType: OpGrant, Value: []any{target, GroupWriter}}
	revoke := &types.Operation{DRPType: types.DRPTypeACL, OpType: OpRevoke, Value: []any{target, GroupWriter}}
	revokeOther := &types.Operation{DRPType: types.DRPTypeACL, OpType: OpRevoke, Value: []any{other, GroupWriter}}
	setKey := &types.Operation{DRPType: types.DRPTypeACL, OpType: OpSetKey, Value: []any{[]byte{1}}}

	// GrantWins drops the revoke side.
	require.Equal(t, types.ActionDropRight, resolve(t, a, grant, revoke))
	require.Equal(t, types.ActionDropLeft, resolve(t, a, revoke, grant))

	// Different targets or same op types commute.
	require.Equal(t, types.ActionNop, resolve(t, a, grant, revokeOther))
	require.Equal(t, types.ActionNop, resolve(t, a, grant, grant))
	require.Equal(t, types.ActionNop, resolve(t, a, revoke, revoke))

	// setKey never conflicts.
	require.Equal(t, types.ActionNop, resolve(t, a, setKey, revoke))
	require.Equal(t, types.ActionNop, resolve(t, a, grant, setKey))

	rw := New(Config{Policy: RevokeWins})
	require.Equal(t, types.ActionDropLeft, resolve(t, rw, grant, revoke))
	require.Equal(t, types.ActionDropRight, resolve(t, rw, revoke, grant))
}
