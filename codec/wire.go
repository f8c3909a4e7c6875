// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/drp/types"
)

// Wire message shapes. Hashes travel as hex, peers as their string form,
// and operation arguments as canonical JSON bytes.

// Vertex is the wire form of types.Vertex.
type Vertex struct {
	Hash         string     `json:"hash"`
	PeerID       string     `json:"peerId"`
	Operation    *Operation `json:"operation,omitempty"`
	Dependencies []string   `json:"dependencies"`
	Timestamp    int64      `json:"timestamp"`
	Signature    []byte     `json:"signature,omitempty"`
}

// Operation is the wire form of types.Operation.
type Operation struct {
	DRPType int32    `json:"drpType"`
	OpType  string   `json:"opType"`
	Value   [][]byte `json:"value,omitempty"`
}

// Attestation is the wire form of types.Attestation.
type Attestation struct {
	Data      string `json:"data"`
	Signature []byte `json:"signature"`
}

// AggregatedAttestation is the wire form of types.AggregatedAttestation.
type AggregatedAttestation struct {
	Data            string `json:"data"`
	AggregationBits []byte `json:"aggregationBits"`
	Signature       []byte `json:"signature"`
}

// DRPStateEntry is one captured field on the wire.
type DRPStateEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// DRPState is the wire form of a program snapshot.
type DRPState struct {
	State []DRPStateEntry `json:"state"`
}

// VertexToWire converts a vertex for transmission.
func VertexToWire(v *types.Vertex) *Vertex {
	out := &Vertex{
		Hash:         types.HashHex(v.Hash),
		PeerID:       v.PeerID.String(),
		Dependencies: make([]string, len(v.Dependencies)),
		Timestamp:    v.Timestamp,
		Signature:    v.Signature,
	}
	for i, dep := range v.Dependencies {
		out.Dependencies[i] = types.HashHex(dep)
	}
	if op := v.Operation; op != nil {
		wireOp := &Operation{
			DRPType: int32(op.DRPType),
			OpType:  op.OpType,
		}
		if op.Value != nil {
			wireOp.Value = make([][]byte, len(op.Value))
			for i, arg := range op.Value {
				wireOp.Value[i] = types.CanonicalMarshal(arg)
			}
		}
		out.Operation = wireOp
	}
	return out
}

// VertexFromWire parses a received vertex. The declared hash is carried
// through; validation against the canonical recomputation happens at
// apply time.
func VertexFromWire(w *Vertex) (*types.Vertex, error) {
	hash, err := types.HashFromHex(w.Hash)
	if err != nil {
		return nil, fmt.Errorf("parsing vertex hash: %w", err)
	}
	peer := ids.EmptyNodeID
	if w.PeerID != "" {
		peer, err = ids.NodeIDFromString(w.PeerID)
		if err != nil {
			return nil, fmt.Errorf("parsing vertex peer: %w", err)
		}
	}
	out := &types.Vertex{
		Hash:      hash,
		PeerID:    peer,
		Timestamp: w.Timestamp,
		Signature: w.Signature,
	}
	if len(w.Dependencies) > 0 {
		out.Dependencies = make([]ids.ID, len(w.Dependencies))
		for i, dep := range w.Dependencies {
			out.Dependencies[i], err = types.HashFromHex(dep)
			if err != nil {
				return nil, fmt.Errorf("parsing dependency: %w", err)
			}
		}
	}
	if w.Operation != nil {
		op := &types.Operation{
			DRPType: types.DRPType(w.Operation.DRPType),
			OpType:  w.Operation.OpType,
		}
		if w.Operation.Value != nil {
			op.Value = make([]any, len(w.Operation.Value))
			for i, raw := range w.Operation.Value {
				var arg any
				if err := json.Unmarshal(raw, &arg); err != nil {
					return nil, fmt.Errorf("parsing operation argument: %w", err)
				}
				op.Value[i] = arg
			}
		}
		out.Operation = op
	}
	return out, nil
}

// AttestationToWire converts an attestation for transmission.
func AttestationToWire(a types.Attestation) Attestation {
	return Attestation{
		Data:      types.HashHex(a.Data),
		Signature: a.Signature,
	}
}

// AttestationFromWire parses a received attestation.
func AttestationFromWire(w Attestation) (types.Attestation, error) {
	hash, err := types.HashFromHex(w.Data)
	if err != nil {
		return types.Attestation{}, fmt.Errorf("parsing attestation data: %w", err)
	}
	return types.Attestation{
		Data:      hash,
		Signature: w.Signature,
	}, nil
}

// AggregatedAttestationToWire converts an aggregate for transmission.
func AggregatedAttestationToWire(a types.AggregatedAttestation) AggregatedAttestation {
	return AggregatedAttestation{
		Data:            types.HashHex(a.Data),
		AggregationBits: a.AggregationBits,
		Signature:       a.Signature,
	}
}

// AggregatedAttestationFromWire parses a received aggregate.
func AggregatedAttestationFromWire(w AggregatedAttestation) (types.AggregatedAttestation, error) {
	hash, err := types.HashFromHex(w.Data)
	if err != nil {
		return types.AggregatedAttestation{}, fmt.Errorf("parsing attestation data: %w", err)
	}
	return types.AggregatedAttestation{
		Data:            hash,
		AggregationBits: w.AggregationBits,
		Signature:       w.Signature,
	}, nil
}

// DRPStateToWire converts a snapshot for transmission.
func DRPStateToWire(s types.DRPState) DRPState {
	out := DRPState{State: make([]DRPStateEntry, len(s.State))}
	for i, e := range s.State {
		out.State[i] = DRPStateEntry{
			Key:   e.Key,
			Value: types.CanonicalMarshal(e.Value),
		}
	}
	return out
}

// DRPStateFromWire parses a received snapshot. Values decode to generic
// JSON shapes; installing them into a live instance goes through the
// state manager's conversion.
func DRPStateFromWire(w DRPState) (types.DRPState, error) {
	out := types.DRPState{State: make([]types.DRPStateEntry, len(w.State))}
	for i, e := range w.State {
		var val any
		if len(e.Value) > 0 {
			if err := json.Unmarshal(e.Value, &val); err != nil {
				return types.DRPState{}, fmt.Errorf("parsing state value %q: %w", e.Key, err)
			}
		}
		out.State[i] = types.DRPStateEntry{
			Key:   e.Key,
			Value: val,
		}
	}
	return out, nil
}

// MarshalVertices encodes a batch of vertices in a versioned envelope.
func MarshalVertices(vertices []*types.Vertex) ([]byte, error) {
	wire := make([]*Vertex, len(vertices))
	for i, v := range vertices {
		wire[i] = VertexToWire(v)
	}
	return marshalEnvelope(wire)
}

// UnmarshalVertices decodes a batch of vertices.
func UnmarshalVertices(data []byte) ([]*types.Vertex, error) {
	var wire []*Vertex
	if err := unmarshalEnvelope(data, &wire); err != nil {
		return nil, err
	}
	out := make([]*types.Vertex, len(wire))
	for i, w := range wire {
		v, err := VertexFromWire(w)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// MarshalAggregatedAttestations encodes a batch of aggregates in a
// versioned envelope.
func MarshalAggregatedAttestations(attestations []types.AggregatedAttestation) ([]byte, error) {
	wire := make([]AggregatedAttestation, len(attestations))
	for i, att := range attestations {
		wire[i] = AggregatedAttestationToWire(att)
	}
	return marshalEnvelope(wire)
}

// UnmarshalAggregatedAttestations decodes a batch of aggregates.
func UnmarshalAggregatedAttestations(data []byte) ([]types.AggregatedAttestation, error) {
	var wire []AggregatedAttestation
	if err := unmarshalEnvelope(data, &wire); err != nil {
		return nil, err
	}
	out := make([]types.AggregatedAttestation, len(wire))
	for i, w := range wire {
		att, err := AggregatedAttestationFromWire(w)
		if err != nil {
			return nil, err
		}
		out[i] = att
	}
	return out, nil
}

// MarshalDRPState encodes a snapshot in a versioned envelope.
func MarshalDRPState(state types.DRPState) ([]byte, error) {
	return marshalEnvelope(DRPStateToWire(state))
}

// UnmarshalDRPState decodes a snapshot.
func UnmarshalDRPState(data []byte) (types.DRPState, error) {
	var wire DRPState
	if err := unmarshalEnvelope(data, &wire); err != nil {
		return types.DRPState{}, err
	}
	return DRPStateFromWire(wire)
}
