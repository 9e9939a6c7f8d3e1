// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"github.com/companyzero/omemo/omemoid"
	"golang.org/x/crypto/hkdf"
)

// KeyAgreementSize is the serialized size of a KeyAgreement prelude.
const KeyAgreementSize = 32 + 32 + 32 + 4 + 4

var (
	ErrBadSignature   = errors.New("ratchet: bad signed pre-key signature")
	ErrShortAgreement = errors.New("ratchet: short key agreement prelude")

	x3dhInfo = []byte("omemo x3dh")
	x3dhSalt = make([]byte, 32)
)

// BundleKeys is the subset of a published pre-key bundle needed to initiate
// a session: the peer identity, its current signed pre-key and optionally
// one one-time pre-key.
type BundleKeys struct {
	Identity              omemoid.PublicIdentity
	SignedPreKeyID        uint32
	SignedPreKey          omemoid.FixedSizeX25519Public
	SignedPreKeySignature omemoid.FixedSizeSignature

	// PreKey is nil when the bundle carried no one-time pre-keys.
	PreKeyID uint32
	PreKey   *omemoid.FixedSizeX25519Public
}

// KeyAgreement is the X3DH prelude carried on pre-key messages. It gives the
// responder everything needed to derive the shared session secret.
type KeyAgreement struct {
	IdentityKey    omemoid.FixedSizeX25519Public
	EphemeralKey   omemoid.FixedSizeX25519Public
	BaseKey        omemoid.FixedSizeX25519Public // initiator's first ratchet key
	SignedPreKeyID uint32
	PreKeyID       uint32 // 0 when no one-time pre-key was consumed
}

// Marshal serializes the prelude into its fixed size wire form.
func (ka *KeyAgreement) Marshal() []byte {
	out := make([]byte, KeyAgreementSize)
	copy(out, ka.IdentityKey[:])
	copy(out[32:], ka.EphemeralKey[:])
	copy(out[64:], ka.BaseKey[:])
	binary.BigEndian.PutUint32(out[96:], ka.SignedPreKeyID)
	binary.BigEndian.PutUint32(out[100:], ka.PreKeyID)
	return out
}

// UnmarshalKeyAgreement parses a serialized prelude.
func UnmarshalKeyAgreement(b []byte) (*KeyAgreement, error) {
	if len(b) < KeyAgreementSize {
		return nil, ErrShortAgreement
	}
	ka := new(KeyAgreement)
	copy(ka.IdentityKey[:], b[:32])
	copy(ka.EphemeralKey[:], b[32:64])
	copy(ka.BaseKey[:], b[64:96])
	ka.SignedPreKeyID = binary.BigEndian.Uint32(b[96:100])
	ka.PreKeyID = binary.BigEndian.Uint32(b[100:104])
	return ka, nil
}

// deriveSecret runs the X3DH KDF over the concatenated DH outputs.
func deriveSecret(dhs ...[]byte) []byte {
	var concat []byte
	for _, dh := range dhs {
		concat = append(concat, dh...)
	}
	rd := hkdf.New(sha256.New, concat, x3dhSalt, x3dhInfo)
	secret := make([]byte, 32)
	_, _ = io.ReadFull(rd, secret)
	return secret
}

// Initiate runs the initiator side of X3DH against a peer bundle and
// initializes the ratchet for sending. The returned KeyAgreement must be
// attached to every outgoing message until the peer answers.
func (r *Ratchet) Initiate(our *omemoid.FullIdentity, peer *BundleKeys) (*KeyAgreement, error) {
	if !omemoid.VerifySignedPreKey(peer.SignedPreKey,
		&peer.SignedPreKeySignature, peer.Identity) {
		return nil, ErrBadSignature
	}

	ephPriv, ephPub, err := r.randomKeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := omemoid.DH(our.PrivateDHKey, peer.SignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := omemoid.DH(ephPriv, peer.Identity.DHKey)
	if err != nil {
		return nil, err
	}
	dh3, err := omemoid.DH(ephPriv, peer.SignedPreKey)
	if err != nil {
		return nil, err
	}

	var secret []byte
	if peer.PreKey != nil {
		dh4, err := omemoid.DH(ephPriv, *peer.PreKey)
		if err != nil {
			return nil, err
		}
		secret = deriveSecret(dh1, dh2, dh3, dh4)
	} else {
		secret = deriveSecret(dh1, dh2, dh3)
	}

	r.rootKey = secret
	r.associatedData = append(append([]byte(nil),
		our.Public.DHKey[:]...), peer.Identity.DHKey[:]...)

	// The peer's signed pre-key doubles as its initial ratchet key.
	r.recvRatchetPub = peer.SignedPreKey
	r.haveRecvRatchet = true
	if err := r.dhStep(); err != nil {
		return nil, err
	}

	ka := &KeyAgreement{
		IdentityKey:    our.Public.DHKey,
		EphemeralKey:   ephPub,
		BaseKey:        r.sendRatchetPub,
		SignedPreKeyID: peer.SignedPreKeyID,
	}
	if peer.PreKey != nil {
		ka.PreKeyID = peer.PreKeyID
	}
	return ka, nil
}

// Respond runs the responder side of X3DH from a received KeyAgreement and
// initializes the ratchet for receiving. opk is nil when the prelude names
// no one-time pre-key.
func (r *Ratchet) Respond(our *omemoid.FullIdentity, spk *omemoid.SignedPreKey,
	opk *omemoid.PreKey, ka *KeyAgreement) error {

	dh1, err := omemoid.DH(spk.Private, ka.IdentityKey)
	if err != nil {
		return err
	}
	dh2, err := omemoid.DH(our.PrivateDHKey, ka.EphemeralKey)
	if err != nil {
		return err
	}
	dh3, err := omemoid.DH(spk.Private, ka.EphemeralKey)
	if err != nil {
		return err
	}

	var secret []byte
	if opk != nil {
		dh4, err := omemoid.DH(opk.Private, ka.EphemeralKey)
		if err != nil {
			return err
		}
		secret = deriveSecret(dh1, dh2, dh3, dh4)
	} else {
		secret = deriveSecret(dh1, dh2, dh3)
	}

	r.rootKey = secret
	r.associatedData = append(append([]byte(nil),
		ka.IdentityKey[:]...), our.Public.DHKey[:]...)

	// Our signed pre-key is our initial ratchet key; the first inbound
	// message performs the DH step against the initiator's base key.
	r.sendRatchetPriv = spk.Private
	r.sendRatchetPub = spk.Public

	return nil
}
