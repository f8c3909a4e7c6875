// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/luxfi/crypto/hashing"
	"github.com/luxfi/ids"
)

// RootHash is the identity of the well-known root vertex: the canonical
// hash of an empty peer, nil operation, no dependencies, zero timestamp.
var RootHash = ComputeVertexHash(ids.EmptyNodeID, nil, nil, 0)

// RootVertex returns a fresh copy of the root vertex. The root carries no
// operation and no signature; it exists only to anchor the graph.
func RootVertex() *Vertex {
	return &Vertex{
		Hash:   RootHash,
		PeerID: ids.EmptyNodeID,
	}
}

// ComputeVertexHash derives a vertex identity from its canonical fields.
// The pre-image is the UTF-8 of a whitespace-free serialization in field
// order {operation, deps, peerId, timestamp}; nested keys are emitted in
// sorted order and byte slices are encoded as integer arrays, so every
// peer derives the same bytes for the same operation.
func ComputeVertexHash(peerID ids.NodeID, op *Operation, deps []ids.ID, timestamp int64) ids.ID {
	var sb strings.Builder
	sb.WriteString(`{"operation":`)
	writeOperation(&sb, op)
	sb.WriteString(`,"deps":[`)
	for i, dep := range deps {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(HashHex(dep))
		sb.WriteByte('"')
	}
	sb.WriteString(`],"peerId":`)
	writeString(&sb, peerID.String())
	sb.WriteString(`,"timestamp":`)
	sb.WriteString(strconv.FormatInt(timestamp, 10))
	sb.WriteByte('}')

	id, _ := ids.ToID(hashing.ComputeHash256([]byte(sb.String())))
	return id
}

// HashHex is the wire and signing form of a vertex hash.
func HashHex(id ids.ID) string {
	return hex.EncodeToString(id[:])
}

// HashFromHex parses the wire form of a vertex hash.
func HashFromHex(s string) (ids.ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ids.Empty, err
	}
	return ids.ToID(b)
}

// SigningMessage is the byte string covered by both the secp256k1 vertex
// signature and the BLS finality attestations for a vertex.
func SigningMessage(hash ids.ID) []byte {
	return []byte(HashHex(hash))
}

// CanonicalMarshal renders a single operation argument in the canonical
// form used inside the hash pre-image. The wire codec reuses it so that a
// vertex survives a round-trip with its hash intact.
func CanonicalMarshal(v any) []byte {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return []byte(sb.String())
}

func writeOperation(sb *strings.Builder, op *Operation) {
	if op == nil {
		sb.WriteString("null")
		return
	}
	sb.WriteString(`{"drpType":`)
	sb.WriteString(strconv.Itoa(int(op.DRPType)))
	sb.WriteString(`,"opType":`)
	writeString(sb, op.OpType)
	sb.WriteString(`,"value":`)
	if op.Value == nil {
		sb.WriteString("null")
	} else {
		writeCanonical(sb, op.Value)
	}
	sb.WriteByte('}')
}

// writeCanonical emits a deterministic JSON rendering of v. Integral
// floats collapse to integers so that a value survives a wire round-trip
// with its hash intact.
func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case string:
		writeString(sb, t)
	case int:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case uint:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(t, 10))
	case float32:
		writeFloat(sb, float64(t))
	case float64:
		writeFloat(sb, t)
	case []byte:
		sb.WriteByte('[')
		for i, b := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(int(b)))
		}
		sb.WriteByte(']')
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, k)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case ids.ID:
		writeString(sb, HashHex(t))
	case ids.NodeID:
		writeString(sb, t.String())
	default:
		// Last resort for user-defined argument types; encoding/json is
		// deterministic for a fixed struct definition.
		b, err := json.Marshal(t)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%q", fmt.Sprintf("%v", t)))
			return
		}
		sb.Write(b)
	}
}

func writeFloat(sb *strings.Builder, f float64) {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func writeString(sb *strings.Builder, s string) {
	b, _ := json.Marshal(s)
	sb.Write(b)
}
