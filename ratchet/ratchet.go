// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ratchet implements the Double Ratchet over an X3DH initial key
// agreement, as used by the OMEMO envelope encryption. The ratchet encrypts
// short key-transport blobs (the per-message payload key and auth tag), not
// message bodies.
package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/companyzero/omemo/gcm"
	"github.com/companyzero/omemo/omemoid"
	"github.com/companyzero/omemo/ratchet/disk"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// MaxSkip bounds the number of message keys that may be skipped and
	// cached within a single receiving chain.
	MaxSkip = 1000

	// headerSize is the size of the cleartext ratchet message header:
	// ratchet public key, previous chain length, message number.
	headerSize = 32 + 4 + 4

	// msgKeySize is the AES-256 key derived per message.
	msgKeySize = 32
)

var (
	ErrDecrypt         = errors.New("ratchet: cannot decrypt")
	ErrDuplicate       = errors.New("ratchet: duplicate or old message")
	ErrSkippedOverflow = errors.New("ratchet: too many skipped messages")
	ErrNotEstablished  = errors.New("ratchet: no remote ratchet key known")
	ErrCorruptState    = errors.New("ratchet: corrupt serialized state")

	kdfRootInfo = []byte("omemo root chain")
	kdfMsgInfo  = []byte("omemo message keys")
)

type savedKey struct {
	key     [msgKeySize]byte
	created time.Time
}

// Ratchet is a single Double Ratchet session between the local device and
// one remote device. It is not safe for concurrent use; callers serialize
// access.
type Ratchet struct {
	rand io.Reader

	rootKey      []byte
	sendChainKey []byte
	recvChainKey []byte

	sendRatchetPriv omemoid.FixedSizeX25519Private
	sendRatchetPub  omemoid.FixedSizeX25519Public
	recvRatchetPub  omemoid.FixedSizeX25519Public
	haveRecvRatchet bool

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	// associatedData binds every message to the two identity keys agreed
	// on during X3DH: initiator identity followed by responder identity.
	associatedData []byte

	// saved holds skipped message keys, keyed by the ratchet public key
	// of their chain and the message number within it.
	saved map[omemoid.FixedSizeX25519Public]map[uint32]savedKey
}

// New returns an empty ratchet that draws randomness from rand. The ratchet
// must be initialized via the key agreement entry points or Unmarshal
// before use.
func New(rand io.Reader) *Ratchet {
	return &Ratchet{
		rand:  rand,
		saved: make(map[omemoid.FixedSizeX25519Public]map[uint32]savedKey),
	}
}

// randomKeyPair generates a fresh ratchet key pair.
func (r *Ratchet) randomKeyPair() (priv omemoid.FixedSizeX25519Private,
	pub omemoid.FixedSizeX25519Public, err error) {

	if _, err = io.ReadFull(r.rand, priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pubBytes []byte
	pubBytes, err = curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubBytes)
	return
}

// kdfRootKey advances the root KDF chain with a DH output, producing the
// next root key and a chain key.
func kdfRootKey(rootKey, dhOut []byte) (newRoot, chainKey []byte) {
	rd := hkdf.New(sha256.New, dhOut, rootKey, kdfRootInfo)
	newRoot = make([]byte, 32)
	chainKey = make([]byte, 32)
	_, _ = io.ReadFull(rd, newRoot)
	_, _ = io.ReadFull(rd, chainKey)
	return
}

// kdfChainKey advances a sending or receiving chain one step.
func kdfChainKey(chainKey []byte) (nextChainKey []byte, msgKey [msgKeySize]byte) {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{1})
	copy(msgKey[:], mac.Sum(nil))

	mac.Reset()
	mac.Write([]byte{2})
	nextChainKey = mac.Sum(nil)
	return
}

// msgCipherKeys expands a message key into an AEAD key and nonce.
func msgCipherKeys(msgKey [msgKeySize]byte) (key, nonce []byte) {
	rd := hkdf.New(sha256.New, msgKey[:], nil, kdfMsgInfo)
	key = make([]byte, msgKeySize)
	nonce = make([]byte, gcm.IVSize)
	_, _ = io.ReadFull(rd, key)
	_, _ = io.ReadFull(rd, nonce)
	return
}

// dhStep performs a DH ratchet step against the current remote ratchet key,
// resetting the sending chain.
func (r *Ratchet) dhStep() error {
	priv, pub, err := r.randomKeyPair()
	if err != nil {
		return err
	}
	dhOut, err := curve25519.X25519(priv[:], r.recvRatchetPub[:])
	if err != nil {
		return err
	}

	r.prevSendCount = r.sendCount
	r.sendCount = 0
	r.sendRatchetPriv = priv
	r.sendRatchetPub = pub
	r.rootKey, r.sendChainKey = kdfRootKey(r.rootKey, dhOut)
	return nil
}

// Encrypt advances the sending chain one step and encrypts message,
// returning the serialized ratchet message (header plus sealed box).
func (r *Ratchet) Encrypt(message []byte) ([]byte, error) {
	if r.sendChainKey == nil {
		if !r.haveRecvRatchet {
			return nil, ErrNotEstablished
		}
		if err := r.dhStep(); err != nil {
			return nil, err
		}
	}

	var msgKey [msgKeySize]byte
	r.sendChainKey, msgKey = kdfChainKey(r.sendChainKey)

	header := make([]byte, headerSize)
	copy(header, r.sendRatchetPub[:])
	binary.BigEndian.PutUint32(header[32:], r.prevSendCount)
	binary.BigEndian.PutUint32(header[36:], r.sendCount)
	r.sendCount++

	key, nonce := msgCipherKeys(msgKey)
	box, err := gcm.Seal(key, nonce, r.adFor(header), message)
	if err != nil {
		return nil, err
	}

	return append(header, box...), nil
}

// EncryptedSize returns the size of an encrypted ratchet message for the
// given cleartext size.
func EncryptedSize(msgSize int) int {
	return headerSize + gcm.SealedSize(msgSize)
}

func (r *Ratchet) adFor(header []byte) []byte {
	ad := make([]byte, 0, len(r.associatedData)+len(header))
	ad = append(ad, r.associatedData...)
	return append(ad, header...)
}

// trySavedKey attempts to decrypt using a previously skipped message key.
// The second return reports whether a cached key existed for the message.
func (r *Ratchet) trySavedKey(ratchetPub omemoid.FixedSizeX25519Public,
	msgNum uint32, header, box []byte) ([]byte, bool, error) {

	chain, ok := r.saved[ratchetPub]
	if !ok {
		return nil, false, nil
	}
	sk, ok := chain[msgNum]
	if !ok {
		return nil, false, nil
	}

	key, nonce := msgCipherKeys(sk.key)
	cleartext, err := gcm.Open(key, nonce, r.adFor(header), box)
	if err != nil {
		return nil, true, ErrDecrypt
	}

	delete(chain, msgNum)
	if len(chain) == 0 {
		delete(r.saved, ratchetPub)
	}
	return cleartext, true, nil
}

type skippedEntry struct {
	pub omemoid.FixedSizeX25519Public
	num uint32
	key [msgKeySize]byte
}

// walkChain advances chainKey from count up to and including msgNum,
// collecting the skipped intermediate keys, and returns the cleartext, the
// chain key after the step, and the collected keys. The ratchet itself is
// not modified; callers commit on success.
func (r *Ratchet) walkChain(chainKey []byte, count, msgNum uint32,
	chainPub omemoid.FixedSizeX25519Public, header, box []byte) (
	cleartext, nextChainKey []byte, skipped []skippedEntry, err error) {

	if msgNum < count {
		return nil, nil, nil, ErrDuplicate
	}
	if uint64(msgNum-count)+uint64(len(r.saved[chainPub])) > MaxSkip {
		return nil, nil, nil, ErrSkippedOverflow
	}

	var msgKey [msgKeySize]byte
	for count <= msgNum {
		chainKey, msgKey = kdfChainKey(chainKey)
		if count < msgNum {
			skipped = append(skipped, skippedEntry{
				pub: chainPub, num: count, key: msgKey,
			})
		}
		count++
	}

	key, nonce := msgCipherKeys(msgKey)
	cleartext, err = gcm.Open(key, nonce, r.adFor(header), box)
	if err != nil {
		return nil, nil, nil, ErrDecrypt
	}
	return cleartext, chainKey, skipped, nil
}

// closeChain derives the remaining message keys of the previous receiving
// chain up to prevCount so reordered stragglers still decrypt after a DH
// step.
func (r *Ratchet) closeChain(prevCount uint32) ([]skippedEntry, error) {
	if r.recvChainKey == nil {
		return nil, nil
	}
	if prevCount > r.recvCount && uint64(prevCount-r.recvCount)+
		uint64(len(r.saved[r.recvRatchetPub])) > MaxSkip {
		return nil, ErrSkippedOverflow
	}

	var skipped []skippedEntry
	chainKey := r.recvChainKey
	var msgKey [msgKeySize]byte
	for count := r.recvCount; count < prevCount; count++ {
		chainKey, msgKey = kdfChainKey(chainKey)
		skipped = append(skipped, skippedEntry{
			pub: r.recvRatchetPub, num: count, key: msgKey,
		})
	}
	return skipped, nil
}

func (r *Ratchet) saveSkipped(entries []skippedEntry) {
	now := time.Now()
	for _, e := range entries {
		chain, ok := r.saved[e.pub]
		if !ok {
			chain = make(map[uint32]savedKey)
			r.saved[e.pub] = chain
		}
		chain[e.num] = savedKey{key: e.key, created: now}
	}
}

// Decrypt decrypts a serialized ratchet message, advancing the receiving
// chain and stepping the DH ratchet when the remote ratchet key changed.
// Failed decryptions leave the ratchet state untouched.
func (r *Ratchet) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < headerSize+gcm.TagSize {
		return nil, ErrDecrypt
	}
	header := ciphertext[:headerSize]
	box := ciphertext[headerSize:]

	var theirRatchetPub omemoid.FixedSizeX25519Public
	copy(theirRatchetPub[:], header[:32])
	prevCount := binary.BigEndian.Uint32(header[32:36])
	msgNum := binary.BigEndian.Uint32(header[36:40])

	// Messages from an older chain, or reordered within the current one,
	// decrypt with a cached skipped key.
	if cleartext, used, err := r.trySavedKey(theirRatchetPub, msgNum, header, box); used {
		return cleartext, err
	}

	sameChain := r.haveRecvRatchet &&
		bytes.Equal(theirRatchetPub[:], r.recvRatchetPub[:])

	if sameChain {
		cleartext, nextChainKey, skipped, err := r.walkChain(
			r.recvChainKey, r.recvCount, msgNum, r.recvRatchetPub,
			header, box)
		if err != nil {
			return nil, err
		}
		r.saveSkipped(skipped)
		r.recvChainKey = nextChainKey
		r.recvCount = msgNum + 1
		return cleartext, nil
	}

	// The remote ratcheted. Close out the previous receiving chain, run
	// the DH step and decrypt within the new chain, all without touching
	// the committed state until the message authenticates.
	oldSkipped, err := r.closeChain(prevCount)
	if err != nil {
		return nil, err
	}

	dhOut, err := curve25519.X25519(r.sendRatchetPriv[:], theirRatchetPub[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	newRoot, newRecvChain := kdfRootKey(r.rootKey, dhOut)

	cleartext, nextChainKey, newSkipped, err := r.walkChain(
		newRecvChain, 0, msgNum, theirRatchetPub, header, box)
	if err != nil {
		return nil, err
	}

	// Commit.
	r.saveSkipped(oldSkipped)
	r.saveSkipped(newSkipped)
	r.rootKey = newRoot
	r.recvRatchetPub = theirRatchetPub
	r.haveRecvRatchet = true
	r.recvChainKey = nextChainKey
	r.recvCount = msgNum + 1
	// The next Encrypt performs our half of the DH step.
	r.sendChainKey = nil
	return cleartext, nil
}

// SavedKeyCount returns the number of cached skipped message keys.
func (r *Ratchet) SavedKeyCount() int {
	var n int
	for _, chain := range r.saved {
		n += len(chain)
	}
	return n
}

// DiskState serializes the ratchet. Saved message keys older than
// maxLifetime are dropped.
func (r *Ratchet) DiskState(maxLifetime time.Duration) *disk.RatchetState {
	now := time.Now()
	s := &disk.RatchetState{
		RootKey:            append([]byte(nil), r.rootKey...),
		SendChainKey:       append([]byte(nil), r.sendChainKey...),
		RecvChainKey:       append([]byte(nil), r.recvChainKey...),
		SendRatchetPrivate: append([]byte(nil), r.sendRatchetPriv[:]...),
		SendRatchetPublic:  append([]byte(nil), r.sendRatchetPub[:]...),
		RecvRatchetPublic:  append([]byte(nil), r.recvRatchetPub[:]...),
		HaveRecvRatchet:    r.haveRecvRatchet,
		SendCount:          r.sendCount,
		RecvCount:          r.recvCount,
		PrevSendCount:      r.prevSendCount,
		AssociatedData:     append([]byte(nil), r.associatedData...),
	}

	for pub, chain := range r.saved {
		sk := disk.RatchetState_SavedKeys{
			RatchetPublic: append([]byte(nil), pub[:]...),
		}
		for num, key := range chain {
			if maxLifetime > 0 && now.Sub(key.created) > maxLifetime {
				continue
			}
			sk.MessageKeys = append(sk.MessageKeys,
				disk.RatchetState_SavedKeys_MessageKey{
					Num:          num,
					Key:          append([]byte(nil), key.key[:]...),
					CreationTime: key.created.Unix(),
				})
		}
		if len(sk.MessageKeys) > 0 {
			s.SavedKeys = append(s.SavedKeys, sk)
		}
	}

	return s
}

// Unmarshal restores a ratchet from its serialized state.
func (r *Ratchet) Unmarshal(s *disk.RatchetState) error {
	if len(s.RootKey) != 32 {
		return ErrCorruptState
	}
	dup := func(dst *omemoid.FixedSizeX25519Public, src []byte) error {
		if len(src) != 32 {
			return ErrCorruptState
		}
		copy(dst[:], src)
		return nil
	}

	r.rootKey = append([]byte(nil), s.RootKey...)
	r.sendChainKey = nil
	if len(s.SendChainKey) > 0 {
		r.sendChainKey = append([]byte(nil), s.SendChainKey...)
	}
	r.recvChainKey = nil
	if len(s.RecvChainKey) > 0 {
		r.recvChainKey = append([]byte(nil), s.RecvChainKey...)
	}
	if len(s.SendRatchetPrivate) != 32 {
		return ErrCorruptState
	}
	copy(r.sendRatchetPriv[:], s.SendRatchetPrivate)
	if err := dup(&r.sendRatchetPub, s.SendRatchetPublic); err != nil {
		return err
	}
	if err := dup(&r.recvRatchetPub, s.RecvRatchetPublic); err != nil {
		return err
	}
	r.haveRecvRatchet = s.HaveRecvRatchet
	r.sendCount = s.SendCount
	r.recvCount = s.RecvCount
	r.prevSendCount = s.PrevSendCount
	r.associatedData = append([]byte(nil), s.AssociatedData...)

	r.saved = make(map[omemoid.FixedSizeX25519Public]map[uint32]savedKey)
	for _, sk := range s.SavedKeys {
		var pub omemoid.FixedSizeX25519Public
		if err := dup(&pub, sk.RatchetPublic); err != nil {
			return err
		}
		chain := make(map[uint32]savedKey)
		for _, mk := range sk.MessageKeys {
			if len(mk.Key) != msgKeySize {
				return ErrCorruptState
			}
			var key [msgKeySize]byte
			copy(key[:], mk.Key)
			chain[mk.Num] = savedKey{
				key:     key,
				created: time.Unix(mk.CreationTime, 0),
			}
		}
		if len(chain) > 0 {
			r.saved[pub] = chain
		}
	}

	return nil
}
