// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// omemoid package manages the long lived OMEMO key material of a device:
// the identity key pair, signed pre-keys and one-time pre-keys.
package omemoid

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
)

var (
	prng = rand.Reader

	ErrVerify = errors.New("verify error")
)

const (
	// FingerprintSize is the length of the hex encoded fingerprint of an
	// identity public key.
	FingerprintSize = sha256.Size * 2
)

// PublicIdentity is the public half of a device identity: an X25519 key used
// in the X3DH handshakes and an ed25519 key used to sign pre-keys.
type PublicIdentity struct {
	DHKey  FixedSizeX25519Public     `json:"dhKey"`
	SigKey FixedSizeEd25519PublicKey `json:"sigKey"`
}

// FullIdentity is the complete identity of the local device, including the
// private halves of both keys.
type FullIdentity struct {
	Public        PublicIdentity             `json:"publicIdentity"`
	PrivateDHKey  FixedSizeX25519Private     `json:"privateDhKey"`
	PrivateSigKey FixedSizeEd25519PrivateKey `json:"privateSigKey"`
}

// NewWithRNG generates a new identity, drawing randomness from the given
// reader.
func NewWithRNG(prng io.Reader) (*FullIdentity, error) {
	ed25519Pub, ed25519Priv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}

	dhPriv, dhPub, err := newX25519Pair(prng)
	if err != nil {
		return nil, err
	}

	fi := new(FullIdentity)
	fi.Public.DHKey = *dhPub
	copy(fi.Public.SigKey[:], ed25519Pub)
	fi.PrivateDHKey = *dhPriv
	copy(fi.PrivateSigKey[:], ed25519Priv)

	zero(ed25519Priv[:])

	return fi, nil
}

// New generates a new identity.
func New() (*FullIdentity, error) {
	return NewWithRNG(prng)
}

// MustNew generates a new identity or panics.
func MustNew() *FullIdentity {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// SignMessage signs a message with the identity signing key.
func (fi *FullIdentity) SignMessage(message []byte) FixedSizeSignature {
	var sig FixedSizeSignature
	copy(sig[:], ed25519.Sign(fi.PrivateSigKey[:], message))
	return sig
}

// VerifyMessage verifies a message signature against the identity signing
// key.
func (p PublicIdentity) VerifyMessage(msg []byte, sig *FixedSizeSignature) bool {
	return ed25519.Verify(p.SigKey[:], msg, sig[:])
}

// Fingerprint returns the lowercase hex encoded sha256 digest of the DH
// public key. This is the string shown to users for out of band
// verification.
func (p PublicIdentity) Fingerprint() string {
	return Fingerprint(p.DHKey)
}

func (p PublicIdentity) String() string {
	return p.Fingerprint()
}

// Fingerprint returns the fingerprint of an arbitrary X25519 public key.
func Fingerprint(pub FixedSizeX25519Public) string {
	digest := sha256.Sum256(pub[:])
	return hex.EncodeToString(digest[:])
}

// PrettyFingerprint formats a fingerprint as eight groups of eight chars,
// the conventional presentation in client UIs.
func PrettyFingerprint(fp string) string {
	if len(fp) != FingerprintSize {
		return fp
	}
	out := make([]byte, 0, FingerprintSize+7)
	for i := 0; i < FingerprintSize; i += 8 {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, fp[i:i+8]...)
	}
	return string(out)
}

// PreKey is a single use key pair published in advance so that peers may
// initiate sessions while this device is offline.
type PreKey struct {
	ID      uint32                 `json:"id"`
	Public  FixedSizeX25519Public  `json:"public"`
	Private FixedSizeX25519Private `json:"private"`
}

// NewPreKey generates a new one-time pre-key with the given id.
func NewPreKey(id uint32) (*PreKey, error) {
	priv, pub, err := newX25519Pair(prng)
	if err != nil {
		return nil, err
	}
	return &PreKey{ID: id, Public: *pub, Private: *priv}, nil
}

// SignedPreKey is a medium lived key pair whose public half is signed by the
// identity key and rotated periodically.
type SignedPreKey struct {
	ID        uint32                 `json:"id"`
	Public    FixedSizeX25519Public  `json:"public"`
	Private   FixedSizeX25519Private `json:"private"`
	Signature FixedSizeSignature     `json:"signature"`
	CreatedAt time.Time              `json:"createdAt"`
}

// NewSignedPreKey generates a new signed pre-key, signed by the given
// identity.
func NewSignedPreKey(id uint32, fi *FullIdentity) (*SignedPreKey, error) {
	priv, pub, err := newX25519Pair(prng)
	if err != nil {
		return nil, err
	}
	spk := &SignedPreKey{
		ID:        id,
		Public:    *pub,
		Private:   *priv,
		CreatedAt: time.Now().UTC(),
	}
	spk.Signature = fi.SignMessage(spk.Public[:])
	return spk, nil
}

// VerifySignedPreKey verifies a remote signed pre-key public against the
// remote identity signing key.
func VerifySignedPreKey(pub FixedSizeX25519Public, sig *FixedSizeSignature,
	identity PublicIdentity) bool {
	return identity.VerifyMessage(pub[:], sig)
}

// DH computes the X25519 shared secret between a private and a public key.
func DH(priv FixedSizeX25519Private, pub FixedSizeX25519Public) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return shared, nil
}

func newX25519Pair(prng io.Reader) (*FixedSizeX25519Private, *FixedSizeX25519Public, error) {
	var priv FixedSizeX25519Private
	if _, err := io.ReadFull(prng, priv[:]); err != nil {
		return nil, nil, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	var pub FixedSizeX25519Public
	copy(pub[:], pubBytes)
	return &priv, &pub, nil
}

// Zero out a byte slice.
func zero(in []byte) {
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
