// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package acl implements the built-in access-control program co-located
// with every replicated object. It is itself a DRP with pair semantics;
// its state evolves through the same vertex pipeline as the user program.
package acl

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/drp/types"
)

// Operation names dispatched through Apply.
const (
	OpGrant  = "grant"
	OpRevoke = "revoke"
	OpSetKey = "setKey"
)

var (
	ErrNotAdmin             = errors.New("peer is not an admin")
	ErrNotWriter            = errors.New("peer is not a writer")
	ErrNotFinalitySigner    = errors.New("peer is not a finality signer")
	ErrCannotRevokeAdmin    = errors.New("admins cannot be demoted")
	ErrWriterPermissionless = errors.New("cannot grant writer on a permissionless ACL")
	ErrUnknownOperation     = errors.New("unknown ACL operation")
	ErrBadArgument          = errors.New("bad ACL operation argument")
)

// Group is a permission group.
type Group uint8

const (
	GroupAdmin Group = iota
	GroupFinality
	GroupWriter
)

// GroupSet is a bitmask of groups.
type GroupSet uint8

// Has reports membership of g.
func (s GroupSet) Has(g Group) bool {
	return s&(1<<g) != 0
}

// With returns s with g added.
func (s GroupSet) With(g Group) GroupSet {
	return s | 1<<g
}

// Without returns s with g removed.
func (s GroupSet) Without(g Group) GroupSet {
	return s &^ (1 << g)
}

// ConflictPolicy decides the loser when a grant and a revoke of the same
// peer are concurrent.
type ConflictPolicy uint8

const (
	GrantWins ConflictPolicy = iota
	RevokeWins
)

// PeerPermissions is one peer's ACL entry. BLSKey holds the compressed
// BLS public key installed by setKey, nil until then.
type PeerPermissions struct {
	BLSKey []byte
	Groups GroupSet
}

// ACL is the replicated access-control state. All fields are exported so
// the state manager can snapshot and rebuild instances.
type ACL struct {
	Permissionless bool
	Policy         ConflictPolicy
	Authorized     map[ids.NodeID]PeerPermissions
}

// Config parameterizes a fresh ACL.
type Config struct {
	// Admins maps the initial admins to their compressed BLS public keys;
	// a nil key is allowed and may be installed later via setKey. Initial
	// admins hold all three groups.
	Admins map[ids.NodeID][]byte

	// Permissionless opens writing to every peer; the writer group then
	// cannot be granted.
	Permissionless bool

	Policy ConflictPolicy
}

// New creates an ACL with the given initial admins.
func New(cfg Config) *ACL {
	a := &ACL{
		Permissionless: cfg.Permissionless,
		Policy:         cfg.Policy,
		Authorized:     make(map[ids.NodeID]PeerPermissions, len(cfg.Admins)),
	}
	all := GroupSet(0).With(GroupAdmin).With(GroupFinality).With(GroupWriter)
	for peer, key := range cfg.Admins {
		a.Authorized[peer] = PeerPermissions{
			BLSKey: key,
			Groups: all,
		}
	}
	return a
}

// Semantics implements types.DRP.
func (*ACL) Semantics() types.SemanticsType {
	return types.SemanticsPair
}

// Apply implements types.DRP dispatch for grant, revoke and setKey.
func (a *ACL) Apply(caller ids.NodeID, opType string, args []any) (any, error) {
	switch opType {
	case OpGrant:
		target, group, err := peerGroupArgs(args)
		if err != nil {
			return nil, err
		}
		return nil, a.grant(target, group)
	case OpRevoke:
		target, group, err := peerGroupArgs(args)
		if err != nil {
			return nil, err
		}
		return nil, a.revoke(target, group)
	case OpSetKey:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: setKey wants 1 argument, got %d", ErrBadArgument, len(args))
		}
		key, ok := types.BytesValue(args[0])
		if !ok {
			return nil, fmt.Errorf("%w: setKey wants a key", ErrBadArgument)
		}
		a.setKey(caller, key)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, opType)
	}
}

func (a *ACL) grant(target ids.NodeID, group Group) error {
	if group == GroupWriter && a.Permissionless {
		return ErrWriterPermissionless
	}
	entry := a.Authorized[target]
	entry.Groups = entry.Groups.With(group)
	a.Authorized[target] = entry
	return nil
}

func (a *ACL) revoke(target ids.NodeID, group Group) error {
	if a.Authorized[target].Groups.Has(GroupAdmin) {
		return ErrCannotRevokeAdmin
	}
	entry := a.Authorized[target]
	entry.Groups = entry.Groups.Without(group)
	a.Authorized[target] = entry
	return nil
}

func (a *ACL) setKey(caller ids.NodeID, key []byte) {
	entry := a.Authorized[caller]
	entry.BLSKey = key
	a.Authorized[caller] = entry
}

// ResolveConflicts implements the pair resolver: a concurrent grant and
// revoke of the same peer is decided by the policy; everything else
// commutes.
func (a *ACL) ResolveConflicts(vertices []*types.Vertex) types.ConflictResolution {
	nop := types.ConflictResolution{Action: types.ActionNop}
	if len(vertices) != 2 {
		return nop
	}
	left, right := vertices[0].Operation, vertices[1].Operation
	if left == nil || right == nil {
		return nop
	}
	if left.OpType == OpSetKey || right.OpType == OpSetKey {
		return nop
	}
	if left.OpType == right.OpType {
		return nop
	}
	leftTarget, _, lerr := peerGroupArgs(left.Value)
	rightTarget, _, rerr := peerGroupArgs(right.Value)
	if lerr != nil || rerr != nil || leftTarget != rightTarget {
		return nop
	}

	revokeIsLeft := left.OpType == OpRevoke
	dropRevoke := types.ActionDropRight
	dropGrant := types.ActionDropLeft
	if revokeIsLeft {
		dropRevoke = types.ActionDropLeft
		dropGrant = types.ActionDropRight
	}
	if a.Policy == GrantWins {
		return types.ConflictResolution{Action: dropRevoke}
	}
	return types.ConflictResolution{Action: dropGrant}
}

// Authorize reports whether peer may create a vertex carrying op when
// this ACL is the pre-state.
func (a *ACL) Authorize(peer ids.NodeID, op *types.Operation) error {
	if op == nil {
		return nil
	}
	if op.DRPType == types.DRPTypeDRP {
		if !a.QueryIsWriter(peer) {
			return fmt.Errorf("%w: %s", ErrNotWriter, peer)
		}
		return nil
	}
	switch op.OpType {
	case OpGrant, OpRevoke:
		if !a.QueryIsAdmin(peer) {
			return fmt.Errorf("%w: %s", ErrNotAdmin, peer)
		}
	case OpSetKey:
		if !a.QueryIsFinalitySigner(peer) {
			return fmt.Errorf("%w: %s", ErrNotFinalitySigner, peer)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op.OpType)
	}
	return nil
}

// QueryIsAdmin reports admin membership.
func (a *ACL) QueryIsAdmin(peer ids.NodeID) bool {
	return a.Authorized[peer].Groups.Has(GroupAdmin)
}

// QueryIsWriter reports write permission; a permissionless ACL admits
// every peer.
func (a *ACL) QueryIsWriter(peer ids.NodeID) bool {
	return a.Permissionless || a.Authorized[peer].Groups.Has(GroupWriter)
}

// QueryIsFinalitySigner reports finality-group membership.
func (a *ACL) QueryIsFinalitySigner(peer ids.NodeID) bool {
	return a.Authorized[peer].Groups.Has(GroupFinality)
}

// QueryIsPermissionless reports whether writing is open to all peers.
func (a *ACL) QueryIsPermissionless() bool {
	return a.Permissionless
}

// QueryGetPeerKey returns the BLS public key installed for peer.
func (a *ACL) QueryGetPeerKey(peer ids.NodeID) ([]byte, bool) {
	entry, ok := a.Authorized[peer]
	if !ok || entry.BLSKey == nil {
		return nil, false
	}
	return entry.BLSKey, true
}

// QueryGetFinalitySigners returns the finality group and its keys.
func (a *ACL) QueryGetFinalitySigners() map[ids.NodeID][]byte {
	out := make(map[ids.NodeID][]byte)
	for peer, entry := range a.Authorized {
		if entry.Groups.Has(GroupFinality) {
			out[peer] = entry.BLSKey
		}
	}
	return out
}

func peerGroupArgs(args []any) (ids.NodeID, Group, error) {
	if len(args) != 2 {
		return ids.EmptyNodeID, 0, fmt.Errorf("%w: want (peer, group), got %d arguments", ErrBadArgument, len(args))
	}
	var target ids.NodeID
	switch t := args[0].(type) {
	case ids.NodeID:
		target = t
	case string:
		parsed, err := ids.NodeIDFromString(t)
		if err != nil {
			return ids.EmptyNodeID, 0, fmt.Errorf("%w: %v", ErrBadArgument, err)
		}
		target = parsed
	default:
		return ids.EmptyNodeID, 0, fmt.Errorf("%w: peer must be a node ID", ErrBadArgument)
	}
	switch t := args[1].(type) {
	case Group:
		return target, t, nil
	default:
		n, ok := types.Int64Value(args[1])
		if !ok || n < 0 || n > int64(GroupWriter) {
			return ids.EmptyNodeID, 0, fmt.Errorf("%w: unknown group %v", ErrBadArgument, t)
		}
		return target, Group(n), nil
	}
}
