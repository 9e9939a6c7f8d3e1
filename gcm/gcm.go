// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package gcm

// Package gcm wraps crypto/aes + crypto/cipher GCM and hides the awkward
// append interface. The OMEMO v0 profile uses AES-128-GCM with a 12 byte IV
// and a 16 byte authentication tag; 32 byte keys are also accepted for
// internal ratchet message keys.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

const (
	// KeySize is the size of a payload encryption key.
	KeySize = 16

	// IVSize is the size of the GCM nonce.
	IVSize = 12

	// TagSize is the size of the GCM authentication tag.
	TagSize = 16
)

// ErrOpen is returned when a ciphertext fails authentication.
var ErrOpen = errors.New("gcm: message authentication failed")

// NewKey generates a random payload key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewIV generates a random GCM nonce.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	return iv, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts message with the provided key and iv and returns the
// ciphertext with the authentication tag appended.
func Seal(key, iv, additionalData, message []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, message, additionalData), nil
}

// Open decrypts a box produced by Seal (ciphertext with appended tag). It
// returns ErrOpen if the message is corrupt.
func Open(key, iv, additionalData, box []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	data, err := aead.Open(nil, iv, box, additionalData)
	if err != nil {
		return nil, ErrOpen
	}
	return data, nil
}

// SplitTag splits a sealed box into ciphertext and authentication tag.
func SplitTag(box []byte) (ciphertext, tag []byte, err error) {
	if len(box) < TagSize {
		return nil, nil, errors.New("gcm: box shorter than tag")
	}
	return box[:len(box)-TagSize], box[len(box)-TagSize:], nil
}

// SealedSize returns the size of a sealed box for the given message size.
func SealedSize(msgSize int) int {
	return msgSize + TagSize
}
