// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec provides encoding/decoding for the replication wire
// schema: vertex batches, attestations, and program-state snapshots.
// Every message travels inside a versioned envelope so the schema can
// evolve without breaking older peers.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CodecVersion identifies the wire schema revision.
type CodecVersion uint16

// CurrentVersion is the wire schema revision this module speaks.
const CurrentVersion CodecVersion = 0

var errUnsupportedVersion = errors.New("unsupported codec version")

// envelope wraps every wire message with its schema revision.
type envelope struct {
	Version CodecVersion    `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

func marshalEnvelope(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Version: CurrentVersion,
		Payload: raw,
	})
}

func unmarshalEnvelope(data []byte, payload any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", errUnsupportedVersion, env.Version)
	}
	return json.Unmarshal(env.Payload, payload)
}
