// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "github.com/luxfi/ids"

// Attestation is one peer's BLS signature over a vertex hash.
type Attestation struct {
	Data      ids.ID
	Signature []byte
}

// AggregatedAttestation carries the aggregate BLS signature for a vertex
// together with the bitset identifying which of the vertex's signers, in
// sorted peer order, contributed to it.
type AggregatedAttestation struct {
	Data            ids.ID
	AggregationBits []byte
	Signature       []byte
}
