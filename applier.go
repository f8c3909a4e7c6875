// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package drp

import (
	"fmt"

	"github.com/luxfi/ids"
	"go.uber.org/zap"

	"github.com/luxfi/drp/acl"
	"github.com/luxfi/drp/hashgraph"
	"github.com/luxfi/drp/keychain"
	"github.com/luxfi/drp/metrics"
	"github.com/luxfi/drp/state"
	"github.com/luxfi/drp/types"
)

// Apply runs a state-changing operation of the user program through the
// local pipeline: it executes on the live instance, then commits a signed
// vertex over the pre-call frontier. The operation's return value is
// passed through. On error no vertex is emitted and the live state is
// rolled back.
func (o *Object) Apply(opType string, args ...any) (any, error) {
	if o.drp == nil {
		return nil, ErrNoDRP
	}
	return o.applyLocal(types.DRPTypeDRP, opType, args)
}

// ApplyACL runs an access-control operation (grant, revoke, setKey)
// through the same pipeline.
func (o *Object) ApplyACL(opType string, args ...any) (any, error) {
	return o.applyLocal(types.DRPTypeACL, opType, args)
}

func (o *Object) applyLocal(drpType types.DRPType, opType string, args []any) (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Frontier capture, timestamp derivation and hash computation share
	// this critical section; nothing may suspend between them and the
	// graph insertion below.
	deps := o.graph.Frontier()
	timestamp := o.now().UnixMilli()
	for _, dep := range deps {
		if parent, err := o.graph.GetVertex(dep); err == nil && parent.Timestamp > timestamp {
			timestamp = parent.Timestamp
		}
	}

	op := &types.Operation{
		DRPType: drpType,
		OpType:  opType,
		Value:   args,
	}

	// The pre-state of a local operation is the live state itself.
	if err := o.acl.Authorize(o.peerID, op); err != nil {
		o.metrics.Reject(metrics.ReasonUnauthorized)
		return nil, unauthorized(err)
	}
	signers := o.acl.QueryGetFinalitySigners()

	// Snapshot before execution so a failing operation can roll back.
	aclSnap := state.Capture(o.acl)
	var drpSnap types.DRPState
	if o.drp != nil {
		drpSnap = state.Capture(o.drp)
	}
	rollback := func() {
		o.acl = state.RebuildLike(o.acl, aclSnap).(*acl.ACL)
		if o.drp != nil {
			o.drp = state.RebuildLike(o.drp, drpSnap).(types.DRP)
		}
	}

	var target types.DRP = o.acl
	if drpType == types.DRPTypeDRP {
		target = o.drp
	}
	ret, err := target.Apply(o.peerID, opType, args)
	if err != nil {
		rollback()
		return nil, err
	}

	v := o.graph.CreateVertex(op, deps, timestamp)
	sig, err := o.signer.Sign(v.Hash)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("signing vertex: %w", err)
	}
	v.Signature = sig

	if err := o.graph.AddVertex(v); err != nil {
		rollback()
		return nil, err
	}

	o.states.StoreACL(v.Hash, o.acl)
	if o.drp != nil {
		o.states.StoreDRP(v.Hash, o.drp)
	}
	o.finality.InitializeState(v.Hash, signers)
	o.metrics.VerticesAdded.Inc()

	o.notify(OriginLocal, []*types.Vertex{v})
	return ret, nil
}

// ApplyVertices merges remote vertices in an order consistent with their
// dependencies. Invalid vertices are logged and skipped; the returned
// hashes are dependencies absent both locally and from the batch, for the
// caller to fetch. applied is true iff at least one vertex was added.
func (o *Object) ApplyVertices(vertices []*types.Vertex) (bool, []ids.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	inBatch := make(map[ids.ID]struct{}, len(vertices))
	pending := make([]*types.Vertex, 0, len(vertices))
	for _, v := range vertices {
		if v == nil || v.IsRoot() || o.graph.Contains(v.Hash) {
			continue
		}
		if _, ok := inBatch[v.Hash]; ok {
			continue
		}
		inBatch[v.Hash] = struct{}{}
		pending = append(pending, v)
	}

	var applied []*types.Vertex
	for progress := true; progress && len(pending) > 0; {
		progress = false
		var next []*types.Vertex
		for _, v := range pending {
			ready := true
			for _, dep := range v.Dependencies {
				if !o.graph.Contains(dep) {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, v)
				continue
			}
			progress = true
			if err := o.applyRemote(v); err != nil {
				o.log.Debug("rejecting vertex",
					zap.Stringer("vertex", v.Hash),
					zap.Stringer("peer", v.PeerID),
					zap.Error(err),
				)
				continue
			}
			applied = append(applied, v)
		}
		pending = next
	}

	var missing []ids.ID
	seen := make(map[ids.ID]struct{})
	for _, v := range pending {
		for _, dep := range v.Dependencies {
			if o.graph.Contains(dep) {
				continue
			}
			if _, ok := inBatch[dep]; ok {
				continue
			}
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			missing = append(missing, dep)
		}
	}

	if len(applied) > 0 {
		if err := o.recomputeLiveState(); err != nil {
			o.log.Error("recomputing live state", zap.Error(err))
		}
		o.notify(OriginRemote, applied)
	}
	return len(applied) > 0, missing
}

// Merge is the legacy alias for ApplyVertices.
func (o *Object) Merge(vertices []*types.Vertex) (bool, []ids.ID) {
	return o.ApplyVertices(vertices)
}

// applyRemote validates, authorizes and commits one vertex whose
// dependencies are all present. The caller holds the object lock.
func (o *Object) applyRemote(v *types.Vertex) error {
	if types.ComputeVertexHash(v.PeerID, v.Operation, v.Dependencies, v.Timestamp) != v.Hash {
		o.metrics.Reject(metrics.ReasonInvalidHash)
		return fmt.Errorf("%w: declared %s", hashgraph.ErrInvalidHash, types.HashHex(v.Hash))
	}
	if v.Timestamp > o.now().UnixMilli() {
		o.metrics.Reject(metrics.ReasonInvalidTimestamp)
		return fmt.Errorf("%w: %d is in the future", ErrInvalidTimestamp, v.Timestamp)
	}
	for _, dep := range v.Dependencies {
		parent, err := o.graph.GetVertex(dep)
		if err != nil {
			return err
		}
		if v.Timestamp < parent.Timestamp {
			o.metrics.Reject(metrics.ReasonInvalidTimestamp)
			return fmt.Errorf("%w: %d precedes parent %d", ErrInvalidTimestamp, v.Timestamp, parent.Timestamp)
		}
	}
	signedBy, err := keychain.RecoverPeerID(v.Hash, v.Signature)
	if err != nil {
		o.metrics.Reject(metrics.ReasonInvalidSignature)
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signedBy != v.PeerID {
		o.metrics.Reject(metrics.ReasonInvalidSignature)
		return fmt.Errorf("%w: signed by %s, declared %s", ErrInvalidSignature, signedBy, v.PeerID)
	}

	preACL, preDRP, err := o.preState(v.Dependencies)
	if err != nil {
		return err
	}
	if err := preACL.Authorize(v.PeerID, v.Operation); err != nil {
		o.metrics.Reject(metrics.ReasonUnauthorized)
		return unauthorized(err)
	}
	signers := preACL.QueryGetFinalitySigners()

	if err := o.graph.AddVertex(v); err != nil {
		o.metrics.Reject(metrics.ReasonMissingDependencies)
		return err
	}

	// Advance the pre-state instances through the vertex's own operation
	// to obtain the state at the vertex.
	o.applyOperation(preACL, preDRP, v)
	o.states.StoreACL(v.Hash, preACL)
	if preDRP != nil {
		o.states.StoreDRP(v.Hash, preDRP)
	}
	o.finality.InitializeState(v.Hash, signers)

	if v.Operation != nil && v.Operation.DRPType == types.DRPTypeACL {
		o.refreshDownstreamSigners(v.Hash)
	}
	o.metrics.VerticesAdded.Inc()
	return nil
}

// preState reconstructs the ACL and user program as of the merged heads:
// the snapshot at the lowest common ancestor of the heads, advanced
// through the linearized operations between the LCA and the heads.
func (o *Object) preState(heads []ids.ID) (*acl.ACL, types.DRP, error) {
	lca, err := o.graph.LowestCommonAncestor(heads)
	if err != nil {
		return nil, nil, err
	}
	aclAny, err := o.states.ReconstructACL(lca)
	if err != nil {
		return nil, nil, err
	}
	preACL := aclAny.(*acl.ACL)

	var preDRP types.DRP
	if o.drp != nil {
		drpAny, err := o.states.ReconstructDRP(lca)
		if err != nil {
			return nil, nil, err
		}
		preDRP = drpAny.(types.DRP)
	}
	o.metrics.Replays.Inc()

	linearized, err := o.graph.Linearize(lca, heads)
	if err != nil {
		return nil, nil, err
	}
	for _, lv := range linearized {
		o.applyOperation(preACL, preDRP, lv)
	}
	return preACL, preDRP, nil
}

// applyOperation replays one vertex's operation onto the given instances. A
// failing replay leaves the state unchanged, which is itself
// deterministic: every peer replays the same sequence.
func (o *Object) applyOperation(toACL *acl.ACL, toDRP types.DRP, v *types.Vertex) {
	op := v.Operation
	if op == nil || op.Value == nil {
		return
	}
	var err error
	switch op.DRPType {
	case types.DRPTypeACL:
		_, err = toACL.Apply(v.PeerID, op.OpType, op.Value)
	case types.DRPTypeDRP:
		if toDRP == nil {
			return
		}
		_, err = toDRP.Apply(v.PeerID, op.OpType, op.Value)
	}
	if err != nil {
		o.log.Debug("replayed operation failed",
			zap.Stringer("vertex", v.Hash),
			zap.String("opType", op.OpType),
			zap.Error(err),
		)
	}
}

// recomputeLiveState rebuilds the live instances to the merged state of
// the current frontier and swaps them in atomically.
func (o *Object) recomputeLiveState() error {
	frontier := o.graph.Frontier()
	liveACL, liveDRP, err := o.preState(frontier)
	if err != nil {
		return err
	}
	o.acl = liveACL
	if liveDRP != nil {
		o.drp = liveDRP
	}
	return nil
}

// refreshDownstreamSigners re-derives the finality signer sets of every
// descendant of an ACL vertex. Signer sets derive from pre-states, so
// only vertices that causally follow the ACL change can be affected.
func (o *Object) refreshDownstreamSigners(aclVertex ids.ID) {
	for _, v := range o.graph.Vertices() {
		if v.Hash == aclVertex || v.IsRoot() {
			continue
		}
		descends, err := o.graph.IsAncestor(aclVertex, v.Hash)
		if err != nil || !descends {
			continue
		}
		preACL, _, err := o.preState(v.Dependencies)
		if err != nil {
			continue
		}
		signers := preACL.QueryGetFinalitySigners()
		current, err := o.finality.Signers(v.Hash)
		if err != nil {
			o.finality.InitializeState(v.Hash, signers)
			continue
		}
		if !sameSigners(current, signers) {
			o.finality.ResetState(v.Hash, signers)
		}
	}
}

func sameSigners(current []ids.NodeID, signers map[ids.NodeID][]byte) bool {
	if len(current) != len(signers) {
		return false
	}
	for _, peer := range current {
		if _, ok := signers[peer]; !ok {
			return false
		}
	}
	return true
}
