// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keychain holds a peer's signing identities: a secp256k1 key for
// vertex signatures and a BLS key for finality attestations. The peer ID
// derives deterministically from the secp256k1 public key, so a vertex
// signature doubles as proof of authorship.
package keychain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/luxfi/crypto"
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/crypto/bls/signer/localsigner"
	"github.com/luxfi/crypto/hashing"
	"github.com/luxfi/ids"

	"github.com/luxfi/drp/types"
)

// SignatureLen is the length of a recoverable secp256k1 signature.
const SignatureLen = 65

var ErrInvalidSignature = errors.New("invalid vertex signature")

type blsSigner interface {
	Sign(msg []byte) (*bls.Signature, error)
	PublicKey() *bls.PublicKey
}

// Keychain implements the signer consumed by the object applier.
type Keychain struct {
	secp   *ecdsa.PrivateKey
	bls    blsSigner
	peerID ids.NodeID
}

// New generates a fresh keychain.
func New() (*Keychain, error) {
	secp, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return FromECDSA(secp)
}

// FromECDSA builds a keychain around an existing secp256k1 key; the BLS
// key is generated.
func FromECDSA(secp *ecdsa.PrivateKey) (*Keychain, error) {
	signer, err := localsigner.New()
	if err != nil {
		return nil, fmt.Errorf("generating BLS key: %w", err)
	}
	peerID, err := peerIDFromPub(&secp.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Keychain{
		secp:   secp,
		bls:    signer,
		peerID: peerID,
	}, nil
}

// PeerID returns the identity derived from the secp256k1 public key.
func (k *Keychain) PeerID() ids.NodeID {
	return k.peerID
}

// Sign produces the 65-byte recoverable secp256k1 signature over the
// vertex hash.
func (k *Keychain) Sign(hash ids.ID) ([]byte, error) {
	return crypto.Sign(signingDigest(hash), k.secp)
}

// SignBLS produces the BLS attestation signature over the vertex hash.
func (k *Keychain) SignBLS(hash ids.ID) ([]byte, error) {
	sig, err := k.bls.Sign(types.SigningMessage(hash))
	if err != nil {
		return nil, err
	}
	return bls.SignatureToBytes(sig), nil
}

// PublicBLS returns the compressed BLS public key, the form stored in the
// ACL by setKey.
func (k *Keychain) PublicBLS() []byte {
	return bls.PublicKeyToCompressedBytes(k.bls.PublicKey())
}

// RecoverPeerID recovers the signing peer from a vertex signature. Vertex
// validation compares the result against the declared creator.
func RecoverPeerID(hash ids.ID, signature []byte) (ids.NodeID, error) {
	if len(signature) != SignatureLen {
		return ids.EmptyNodeID, fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(signature))
	}
	pub, err := crypto.SigToPub(signingDigest(hash), signature)
	if err != nil {
		return ids.EmptyNodeID, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return peerIDFromPub(pub)
}

// signingDigest is the 32-byte digest handed to the curve: the hash of
// the hex form of the vertex hash, shared with BLS signing.
func signingDigest(hash ids.ID) []byte {
	return hashing.ComputeHash256(types.SigningMessage(hash))
}

func peerIDFromPub(pub *ecdsa.PublicKey) (ids.NodeID, error) {
	digest := hashing.ComputeHash256(crypto.CompressPubkey(pub))
	return ids.ToNodeID(digest[:ids.NodeIDLen])
}
