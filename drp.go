// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package drp replicates user-defined programs across peers. Every
// state-changing call is recorded as a signed vertex in a content-addressed
// DAG; peers that hold the same vertex set converge to identical state by
// deterministic replay from the lowest common ancestor.
package drp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/crypto/hashing"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/drp/acl"
	"github.com/luxfi/drp/finality"
	"github.com/luxfi/drp/hashgraph"
	"github.com/luxfi/drp/metrics"
	"github.com/luxfi/drp/state"
	"github.com/luxfi/drp/types"
)

var (
	ErrNoSigner              = errors.New("a signer is required")
	ErrNoDRP                 = errors.New("object has no user program")
	ErrInvalidTimestamp      = errors.New("invalid vertex timestamp")
	ErrInvalidSignature      = errors.New("invalid vertex signature")
	ErrUnauthorizedOperation = errors.New("operation forbidden by ACL pre-state")
)

// Origin tells a subscriber whether vertices were produced by a local
// call or merged from a remote peer.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// SubscribeFn receives committed vertices in commit order. Callbacks run
// on the applier's critical path and must not call back into the object.
type SubscribeFn func(obj *Object, origin Origin, vertices []*types.Vertex)

// Signer is the opaque signing collaborator supplied by the node. The
// peer identity must derive deterministically from the secp256k1 key so
// that vertex signatures prove authorship.
type Signer interface {
	PeerID() ids.NodeID
	Sign(hash ids.ID) ([]byte, error)
	SignBLS(hash ids.ID) ([]byte, error)
	PublicBLS() []byte
}

// Options parameterizes a replicated object.
type Options struct {
	// Signer is required.
	Signer Signer

	// ID names the object; peers sharing an object must agree on it.
	// Defaults to a digest of the creator's peer ID.
	ID string

	// DRP is the user program. An object without one still replicates
	// its ACL.
	DRP types.DRP

	// ACL defaults to one with the local peer as sole admin.
	ACL *acl.ACL

	// FinalityThreshold defaults to finality.DefaultThreshold.
	FinalityThreshold float64

	Log        log.Logger
	Registerer prometheus.Registerer

	// Clock overrides the wall clock, mostly for tests.
	Clock func() time.Time
}

// Object is the replication façade. The live program and ACL instances
// are owned by the applier; the hashgraph, snapshots and finality store
// are only mutated through it.
type Object struct {
	mu sync.Mutex

	id     string
	signer Signer
	peerID ids.NodeID

	drp types.DRP
	acl *acl.ACL

	graph    *hashgraph.HashGraph
	states   *state.Manager
	finality *finality.Store

	subscribers []SubscribeFn

	log     log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a replicated object rooted at the well-known root vertex.
func New(opts Options) (*Object, error) {
	if opts.Signer == nil {
		return nil, ErrNoSigner
	}
	peerID := opts.Signer.PeerID()

	logger := opts.Log
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, err
	}

	aclInstance := opts.ACL
	if aclInstance == nil {
		aclInstance = acl.New(acl.Config{
			Admins: map[ids.NodeID][]byte{
				peerID: opts.Signer.PublicBLS(),
			},
		})
	}

	id := opts.ID
	if id == "" {
		id = hex.EncodeToString(hashing.ComputeHash256(peerID.Bytes()))
	}

	semantics := types.SemanticsPair
	if opts.DRP != nil {
		semantics = opts.DRP.Semantics()
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	var drpResolver types.ConflictResolver
	if opts.DRP != nil {
		drpResolver = opts.DRP
	}

	o := &Object{
		id:     id,
		signer: opts.Signer,
		peerID: peerID,
		drp:    opts.DRP,
		acl:    aclInstance,
		graph: hashgraph.New(hashgraph.Config{
			PeerID:      peerID,
			ACLResolver: aclInstance,
			DRPResolver: drpResolver,
			Semantics:   semantics,
		}),
		finality: finality.NewStore(opts.FinalityThreshold, logger),
		log:      logger,
		metrics:  m,
		now:      now,
	}
	if opts.DRP != nil {
		o.states = state.NewManager(opts.DRP, aclInstance)
	} else {
		o.states = state.NewManager(nil, aclInstance)
	}
	return o, nil
}

// ID returns the object identifier.
func (o *Object) ID() string {
	return o.id
}

// PeerID returns the local peer identity.
func (o *Object) PeerID() ids.NodeID {
	return o.peerID
}

// DRP returns the live user program. Read-only access only; mutations go
// through Apply.
func (o *Object) DRP() types.DRP {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drp
}

// ACL returns the live access-control state. Read-only access only;
// mutations go through ApplyACL.
func (o *Object) ACL() *acl.ACL {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.acl
}

// HashGraph returns the vertex DAG.
func (o *Object) HashGraph() *hashgraph.HashGraph {
	return o.graph
}

// FinalityStore returns the attestation store.
func (o *Object) FinalityStore() *finality.Store {
	return o.finality
}

// Vertices returns every vertex in the hashgraph's index order (see
// hashgraph.HashGraph.Vertices).
func (o *Object) Vertices() []*types.Vertex {
	return o.graph.Vertices()
}

// Subscribe registers a callback for committed vertices.
func (o *Object) Subscribe(fn SubscribeFn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

// GetStates returns the ACL and user-program snapshots recorded at a
// vertex. The program snapshot is empty for objects without one.
func (o *Object) GetStates(hash ids.ID) (types.DRPState, types.DRPState, error) {
	aclState, err := o.states.ACLState(hash)
	if err != nil {
		return types.DRPState{}, types.DRPState{}, err
	}
	if o.drp == nil {
		return aclState, types.DRPState{}, nil
	}
	drpState, err := o.states.DRPState(hash)
	if err != nil {
		return types.DRPState{}, types.DRPState{}, err
	}
	return aclState, drpState, nil
}

// SetACLState installs an externally supplied ACL snapshot.
func (o *Object) SetACLState(hash ids.ID, st types.DRPState) {
	o.states.SetACLState(hash, st)
}

// SetDRPState installs an externally supplied program snapshot.
func (o *Object) SetDRPState(hash ids.ID, st types.DRPState) {
	o.states.SetDRPState(hash, st)
}

// AttestVertex signs a vertex hash with the local BLS key and aggregates
// the attestation, returning it for broadcast. The local peer must be in
// the vertex's signer set.
func (o *Object) AttestVertex(hash ids.ID) (types.Attestation, error) {
	sig, err := o.signer.SignBLS(hash)
	if err != nil {
		return types.Attestation{}, err
	}
	wasFinal := o.finality.IsFinalized(hash)
	if err := o.finality.AddSignature(o.peerID, hash, sig, false); err != nil {
		return types.Attestation{}, err
	}
	o.metrics.SignaturesAdded.Inc()
	if !wasFinal && o.finality.IsFinalized(hash) {
		o.metrics.FinalizedVertices.Inc()
	}
	return types.Attestation{
		Data:      hash,
		Signature: sig,
	}, nil
}

// AddAttestation aggregates a remote peer's attestation after verifying
// it against the signer's published BLS key.
func (o *Object) AddAttestation(peer ids.NodeID, att types.Attestation) error {
	wasFinal := o.finality.IsFinalized(att.Data)
	if err := o.finality.AddSignature(peer, att.Data, att.Signature, true); err != nil {
		return err
	}
	o.metrics.SignaturesAdded.Inc()
	if !wasFinal && o.finality.IsFinalized(att.Data) {
		o.metrics.FinalizedVertices.Inc()
	}
	return nil
}

// MergeAttestations installs externally aggregated attestations.
// Verification failures are logged and skipped.
func (o *Object) MergeAttestations(attestations []types.AggregatedAttestation) {
	o.finality.MergeAttestations(attestations)
}

func (o *Object) notify(origin Origin, vertices []*types.Vertex) {
	for _, fn := range o.subscribers {
		fn(o, origin, vertices)
	}
}

func unauthorized(err error) error {
	return fmt.Errorf("%w: %v", ErrUnauthorizedOperation, err)
}
