// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package omemoid

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// FixedSizeX25519Public is a 32-byte, fixed size X25519 public key. Fixed
// size arrays are used instead of byte slices to ensure compact encoding
// into json.
type FixedSizeX25519Public [32]byte

// String returns the hex encoding of the FixedSizeX25519Public.
func (u FixedSizeX25519Public) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeX25519Public) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a
// FixedSizeX25519Public.
func (u *FixedSizeX25519Public) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a FixedSizeX25519Public. s must contain an
// hex-encoded key of the correct length.
func (u *FixedSizeX25519Public) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return u.FromBytes(h)
}

// FromBytes copies the key from the given byte slice. The passed slice must
// have the correct length.
func (u *FixedSizeX25519Public) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid FixedSizeX25519Public length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// FixedSizeX25519Private is a 32-byte, fixed size X25519 private key.
type FixedSizeX25519Private [32]byte

// String returns the hex encoding of the FixedSizeX25519Private.
func (u FixedSizeX25519Private) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeX25519Private) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a
// FixedSizeX25519Private.
func (u *FixedSizeX25519Private) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a FixedSizeX25519Private. s must contain an
// hex-encoded key of the correct length.
func (u *FixedSizeX25519Private) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid FixedSizeX25519Private length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FixedSizeSignature is a 64-byte, fixed size ed25519 signature.
type FixedSizeSignature [64]byte

// FixedSizeEd25519PrivateKey is a 64-byte, fixed size ed25519 private key.
type FixedSizeEd25519PrivateKey = FixedSizeSignature

// FixedSizeEd25519PublicKey is a 32-byte, fixed size ed25519 public key.
type FixedSizeEd25519PublicKey [32]byte

// String returns the hex encoding of the FixedSizeSignature.
func (u FixedSizeSignature) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the signature into a json string.
func (u FixedSizeSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a FixedSizeSignature.
func (u *FixedSizeSignature) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a FixedSizeSignature. s must contain an
// hex-encoded signature of the correct length.
func (u *FixedSizeSignature) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return u.FromBytes(h)
}

// FromBytes copies the signature from the given byte slice. The passed slice
// must have the correct length.
func (u *FixedSizeSignature) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid FixedSizeSignature length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// String returns the hex encoding of the FixedSizeEd25519PublicKey.
func (u FixedSizeEd25519PublicKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeEd25519PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a
// FixedSizeEd25519PublicKey.
func (u *FixedSizeEd25519PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a FixedSizeEd25519PublicKey. s must contain an
// hex-encoded key of the correct length.
func (u *FixedSizeEd25519PublicKey) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	return u.FromBytes(h)
}

// FromBytes copies the key from the given byte slice. The passed slice must
// have the correct length.
func (u *FixedSizeEd25519PublicKey) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid FixedSizeEd25519PublicKey length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}
