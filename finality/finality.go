// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package finality aggregates BLS attestations per vertex and answers
// quorum queries. The signer set of a vertex is set at initialization
// from the ACL finality group of the vertex's pre-state and is replaced
// only by ResetState. Signatures aggregate incrementally. An externally
// aggregated attestation is merged only while the vertex holds no
// aggregate; a merged state is not frozen, and signatures added after the
// merge are aggregated on top of it.
package finality

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/drp/types"
	"github.com/luxfi/drp/utils/bitset"
)

// DefaultThreshold is the quorum fraction when none is configured.
const DefaultThreshold = 0.51

var (
	ErrStateNotFound    = errors.New("no finality state for vertex")
	ErrUnknownSigner    = errors.New("peer is not in the signer set")
	ErrNoSignerKey      = errors.New("signer has no published BLS key")
	ErrInvalidSignature = errors.New("invalid BLS signature")
)

// State tracks attestation progress for one vertex.
type State struct {
	data    ids.ID
	signers []ids.NodeID
	indices map[ids.NodeID]int
	keys    []*bls.PublicKey

	bits      *bitset.Bits
	aggregate *bls.Signature
	count     int
}

func newState(hash ids.ID, signers map[ids.NodeID][]byte) *State {
	peers := make([]ids.NodeID, 0, len(signers))
	for peer := range signers {
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, func(a, b ids.NodeID) int {
		return bytes.Compare(a[:], b[:])
	})

	s := &State{
		data:    hash,
		signers: peers,
		indices: make(map[ids.NodeID]int, len(peers)),
		keys:    make([]*bls.PublicKey, len(peers)),
		bits:    bitset.New(uint(len(peers))),
	}
	for i, peer := range peers {
		s.indices[peer] = i
		if raw := signers[peer]; raw != nil {
			if key, err := bls.PublicKeyFromCompressedBytes(raw); err == nil {
				s.keys[i] = key
			}
		}
	}
	return s
}

// Store holds the finality state of every accepted vertex.
type Store struct {
	mu sync.RWMutex

	log       log.Logger
	threshold float64
	states    map[ids.ID]*State
}

// NewStore creates a store with the given quorum fraction; a
// non-positive threshold selects the default.
func NewStore(threshold float64, logger log.Logger) *Store {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Store{
		log:       logger,
		threshold: threshold,
		states:    make(map[ids.ID]*State),
	}
}

// InitializeState registers the signer set for a newly accepted vertex.
// Signer order is the sorted peer order, so every peer assigns the same
// aggregation-bit indices. Re-initializing a known vertex is a no-op.
func (s *Store) InitializeState(hash ids.ID, signers map[ids.NodeID][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[hash]; ok {
		return
	}
	s.states[hash] = newState(hash, signers)
}

// ResetState re-derives the signer set of a vertex after its pre-state
// ACL changed. Accumulated signatures are discarded: the old aggregate
// covers a signer set that no longer exists.
func (s *Store) ResetState(hash ids.ID, signers map[ids.NodeID][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.states[hash]
	if ok && old.count > 0 {
		s.log.Debug("discarding finality signatures on signer-set change",
			zap.Stringer("vertex", hash),
			zap.Int("discarded", old.count),
		)
	}
	s.states[hash] = newState(hash, signers)
}

// Signers returns the sorted signer set of a vertex.
func (s *Store) Signers(hash ids.ID) ([]ids.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(hash))
	}
	return slices.Clone(st.signers), nil
}

// CanSign reports whether peer belongs to the vertex's signer set.
func (s *Store) CanSign(peer ids.NodeID, hash ids.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[hash]
	if !ok {
		return false
	}
	_, ok = st.indices[peer]
	return ok
}

// SignedBy reports whether peer's signature is already aggregated.
func (s *Store) SignedBy(peer ids.NodeID, hash ids.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[hash]
	if !ok {
		return false
	}
	idx, ok := st.indices[peer]
	return ok && st.bits.Get(uint(idx))
}

// AddSignature aggregates one peer's BLS signature over the vertex hash.
// A repeated signature is a silent no-op. With verify set, the signature
// is checked against the signer's published key before aggregation.
func (s *Store) AddSignature(peer ids.NodeID, hash ids.ID, signature []byte, verify bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(hash))
	}
	idx, ok := st.indices[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, peer)
	}
	if st.bits.Get(uint(idx)) {
		return nil
	}

	sig, err := bls.SignatureFromBytes(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if verify {
		key := st.keys[idx]
		if key == nil {
			return fmt.Errorf("%w: %s", ErrNoSignerKey, peer)
		}
		if !bls.Verify(key, sig, types.SigningMessage(hash)) {
			return fmt.Errorf("%w: peer %s on vertex %s", ErrInvalidSignature, peer, types.HashHex(hash))
		}
	}

	if st.aggregate == nil {
		st.aggregate = sig
	} else {
		agg, err := bls.AggregateSignatures([]*bls.Signature{st.aggregate, sig})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		st.aggregate = agg
	}
	st.bits.Set(uint(idx), true)
	st.count++
	return nil
}

// NumberOfSignatures returns how many signers have been aggregated.
func (s *Store) NumberOfSignatures(hash ids.ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[hash]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(hash))
	}
	return st.count, nil
}

// Quorum returns the signature count required to finalize the vertex.
func (s *Store) Quorum(hash ids.ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[hash]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(hash))
	}
	return quorum(len(st.signers), s.threshold), nil
}

// IsFinalized reports whether the vertex reached quorum. Finality is
// monotone: additional signatures or merges never clear it.
func (s *Store) IsFinalized(hash ids.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[hash]
	return ok && st.count >= quorum(len(st.signers), s.threshold)
}

// GetAttestation returns the current aggregate for broadcast.
func (s *Store) GetAttestation(hash ids.ID) (types.AggregatedAttestation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[hash]
	if !ok || st.aggregate == nil {
		return types.AggregatedAttestation{}, false
	}
	return types.AggregatedAttestation{
		Data:            hash,
		AggregationBits: st.bits.Bytes(),
		Signature:       bls.SignatureToBytes(st.aggregate),
	}, true
}

// MergeAttestations installs externally aggregated attestations. A state
// that already holds an aggregate keeps it; verification failures are
// logged and skipped, never aborting the batch.
func (s *Store) MergeAttestations(attestations []types.AggregatedAttestation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, att := range attestations {
		if err := s.merge(att); err != nil {
			s.log.Debug("skipping aggregated attestation",
				zap.Stringer("vertex", att.Data),
				zap.Error(err),
			)
		}
	}
}

func (s *Store) merge(att types.AggregatedAttestation) error {
	st, ok := s.states[att.Data]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(att.Data))
	}
	if st.aggregate != nil {
		// Already aggregated; keep local state.
		return nil
	}

	bits := bitset.FromBytes(uint(len(st.signers)), att.AggregationBits)
	var keys []*bls.PublicKey
	for i := range st.signers {
		if !bits.Get(uint(i)) {
			continue
		}
		if st.keys[i] == nil {
			return fmt.Errorf("%w: %s", ErrNoSignerKey, st.signers[i])
		}
		keys = append(keys, st.keys[i])
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty aggregation", ErrInvalidSignature)
	}

	sig, err := bls.SignatureFromBytes(att.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	multi, err := bls.AggregatePublicKeys(keys)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !bls.Verify(multi, sig, types.SigningMessage(att.Data)) {
		return fmt.Errorf("%w: aggregate on vertex %s", ErrInvalidSignature, types.HashHex(att.Data))
	}

	st.bits = bits
	st.aggregate = sig
	st.count = bits.Count()
	return nil
}

func quorum(signers int, threshold float64) int {
	return int(math.Ceil(float64(signers) * threshold))
}
