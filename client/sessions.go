package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/omemoid"
	"github.com/companyzero/omemo/ratchet"
	"github.com/companyzero/omemo/wire"
)

// corruptResetThreshold is the number of consecutive corrupted messages
// from one peer device that force a session reset.
const corruptResetThreshold = 3

// HasSession reports whether a usable session with peer exists.
func (c *Client) HasSession(peer clientintf.Device) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	_, err := c.db.Session(peer)
	if errorsIsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// ResetSession deletes the session with peer. The next outbound message
// rebuilds it from a fresh bundle fetch.
func (c *Client) ResetSession(peer clientintf.Device) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.log.Infof("Resetting session with %s", peer)
	return c.db.DeleteSession(peer)
}

// ensureSession guarantees a stored session with peer, establishing one
// from a bundle fetch when absent. The network fetch runs outside the core
// lock.
func (c *Client) ensureSession(ctx context.Context, peer clientintf.Device) error {
	c.mtx.Lock()
	_, err := c.db.Session(peer)
	c.mtx.Unlock()
	if err == nil {
		return nil
	}
	if !errorsIsNotFound(err) {
		return err
	}

	fb, err := c.fetchBundle(ctx, peer)
	if err != nil {
		return err
	}
	return c.establishSession(peer, fb)
}

// establishSession commits a session built from an already fetched bundle,
// unless a concurrent establishment won the race.
func (c *Client) establishSession(peer clientintf.Device, fb *fetchedBundle) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, err := c.db.Session(peer); err == nil {
		return nil
	} else if !errorsIsNotFound(err) {
		return err
	}

	if err := c.selectPreKeyLocked(peer, fb); err != nil {
		return err
	}
	return c.establishSessionLocked(peer, fb)
}

// establishSessionLocked runs the initiator X3DH against a fetched bundle
// and persists the resulting pending session. Callers hold the core lock.
func (c *Client) establishSessionLocked(peer clientintf.Device, fb *fetchedBundle) error {
	r := ratchet.New(rand.Reader)
	ka, err := r.Initiate(c.id, fb.keys)
	if err != nil {
		return err
	}

	if err := c.db.SaveFingerprint(peer, fb.fingerprint); err != nil {
		return err
	}

	rec := &clientintf.SessionRecord{
		State:               clientintf.SessionPendingKX,
		Ratchet:             r.DiskState(0),
		PendingKeyAgreement: ka.Marshal(),
		IdentityFingerprint: fb.fingerprint,
	}
	if err := c.db.SaveSession(peer, rec); err != nil {
		return err
	}
	c.log.Debugf("Established pending session with %s (pre-key %d)",
		peer, ka.PreKeyID)
	return nil
}

// encryptKeyForLocked advances the sending chain of the session with peer and
// wraps keyMaterial. The returned flag reports whether the wrapped blob
// carries the X3DH prelude. Callers hold the core lock.
func (c *Client) encryptKeyForLocked(peer clientintf.Device, keyMaterial []byte) ([]byte, bool, error) {
	rec, err := c.db.Session(peer)
	if errorsIsNotFound(err) {
		return nil, false, errNoSession
	} else if err != nil {
		return nil, false, err
	}

	r := ratchet.New(rand.Reader)
	if err := r.Unmarshal(rec.Ratchet); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errCorruptedKey, err)
	}

	wrapped, err := r.Encrypt(keyMaterial)
	if err != nil {
		return nil, false, err
	}

	prekey := rec.State == clientintf.SessionPendingKX
	if prekey {
		wrapped = append(append([]byte(nil),
			rec.PendingKeyAgreement...), wrapped...)
	}

	rec.Ratchet = r.DiskState(c.cfg.SignedPreKeyGrace)
	if err := c.db.SaveSession(peer, rec); err != nil {
		return nil, false, err
	}
	return wrapped, prekey, nil
}

// lookupSignedPreKey finds the local signed pre-key with the given id among
// the current and grace-window generations.
func (c *Client) lookupSignedPreKey(id uint32) (*omemoid.SignedPreKey, error) {
	cur, prev, err := c.db.SignedPreKeys()
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.ID == id {
		return cur, nil
	}
	if prev != nil && prev.ID == id {
		return prev, nil
	}
	return nil, fmt.Errorf("%w: unknown signed pre-key id %d",
		errNoSession, id)
}

// decryptKeyFrom unwraps keyMaterial sent by the given peer device. For
// pre-key messages without an existing session the responder X3DH runs
// first, consuming the named one-time pre-key. It returns the unwrapped
// key material, the fingerprint of the peer identity and whether a local
// one-time pre-key was consumed.
func (c *Client) decryptKeyFrom(sender clientintf.Device, wrapped []byte,
	prekey bool) ([]byte, string, bool, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	rec, err := c.db.Session(sender)
	haveSession := err == nil
	if err != nil && !errorsIsNotFound(err) {
		return nil, "", false, err
	}

	if prekey {
		ka, err := ratchet.UnmarshalKeyAgreement(wrapped)
		if err != nil {
			return nil, "", false, fmt.Errorf("%w: %v", errCorrupted, err)
		}
		rest := wrapped[ratchet.KeyAgreementSize:]

		if !haveSession {
			keyMaterial, fingerprint, err := c.respondLocked(sender, ka, rest)
			return keyMaterial, fingerprint, err == nil && ka.PreKeyID != 0, err
		}

		// Repeated pre-key message for an already established
		// session: the one-time pre-key must not be consumed again;
		// decrypt via the existing session.
		keyMaterial, fingerprint, err := c.decryptWithSessionLocked(sender, rec, rest)
		return keyMaterial, fingerprint, false, err
	}

	if !haveSession {
		return nil, "", false, errNoSession
	}
	keyMaterial, fingerprint, err := c.decryptWithSessionLocked(sender, rec, wrapped)
	return keyMaterial, fingerprint, false, err
}

// respondLocked runs the responder X3DH for a first pre-key message and
// decrypts its ratchet message. The session is persisted only after the
// message authenticates, and the consumed one-time pre-key is deleted
// before the session is offered for use.
func (c *Client) respondLocked(sender clientintf.Device, ka *ratchet.KeyAgreement,
	ratchetMsg []byte) ([]byte, string, error) {

	spk, err := c.lookupSignedPreKey(ka.SignedPreKeyID)
	if err != nil {
		return nil, "", err
	}

	var opk *omemoid.PreKey
	if ka.PreKeyID != 0 {
		opk, err = c.db.PreKey(ka.PreKeyID)
		if errorsIsNotFound(err) {
			// Already consumed and no session: nothing to respond
			// with.
			return nil, "", fmt.Errorf("%w: one-time pre-key %d "+
				"already consumed", errNoSession, ka.PreKeyID)
		} else if err != nil {
			return nil, "", err
		}
	}

	r := ratchet.New(rand.Reader)
	if err := r.Respond(c.id, spk, opk, ka); err != nil {
		return nil, "", err
	}

	keyMaterial, err := r.Decrypt(ratchetMsg)
	if err != nil {
		return nil, "", mapRatchetErr(err)
	}

	// The message authenticated: commit pre-key consumption first, then
	// the fully initialized session.
	if opk != nil {
		if err := c.db.DeletePreKey(opk.ID); err != nil {
			return nil, "", err
		}
	}

	fingerprint := c.engine.Fingerprint(ka.IdentityKey)
	if err := c.db.SaveFingerprint(sender, fingerprint); err != nil {
		return nil, "", err
	}
	rec := &clientintf.SessionRecord{
		State:               clientintf.SessionEstablished,
		Ratchet:             r.DiskState(c.cfg.SignedPreKeyGrace),
		IdentityFingerprint: fingerprint,
	}
	if err := c.db.SaveSession(sender, rec); err != nil {
		return nil, "", err
	}

	c.log.Debugf("Answered session establishment from %s", sender)
	return keyMaterial, fingerprint, nil
}

// decryptWithSessionLocked decrypts a ratchet message with an existing
// session, handling the three-strike corruption reset.
func (c *Client) decryptWithSessionLocked(sender clientintf.Device,
	rec *clientintf.SessionRecord, ratchetMsg []byte) ([]byte, string, error) {

	r := ratchet.New(rand.Reader)
	if err := r.Unmarshal(rec.Ratchet); err != nil {
		return nil, "", fmt.Errorf("%w: %v", errCorruptedKey, err)
	}

	keyMaterial, err := r.Decrypt(ratchetMsg)
	if err != nil {
		mapped := mapRatchetErr(err)
		if !errors.Is(mapped, errCorrupted) {
			return nil, "", mapped
		}

		// A corrupted message does not tear the session down by
		// itself; transient storage glitches would otherwise destroy
		// healthy sessions. Three consecutive corrupted messages do.
		rec.CorruptCount++
		if rec.CorruptCount >= corruptResetThreshold {
			c.log.Warnf("Resetting session with %s after %d "+
				"consecutive corrupted messages", sender,
				rec.CorruptCount)
			if derr := c.db.DeleteSession(sender); derr != nil {
				return nil, "", derr
			}
			return nil, "", mapped
		}
		if serr := c.db.SaveSession(sender, rec); serr != nil {
			return nil, "", serr
		}
		return nil, "", mapped
	}

	rec.CorruptCount = 0
	rec.Ratchet = r.DiskState(c.cfg.SignedPreKeyGrace)
	if rec.State == clientintf.SessionPendingKX {
		// First inbound message from the peer acknowledges the key
		// agreement; stop sending the prelude.
		rec.State = clientintf.SessionEstablished
		rec.PendingKeyAgreement = nil
	}
	if err := c.db.SaveSession(sender, rec); err != nil {
		return nil, "", err
	}

	return keyMaterial, rec.IdentityFingerprint, nil
}

// mapRatchetErr maps ratchet failures to the client error taxonomy.
func mapRatchetErr(err error) error {
	switch {
	case errors.Is(err, ratchet.ErrSkippedOverflow):
		return fmt.Errorf("%w: %v", errSkippedOverflow, err)
	case errors.Is(err, ratchet.ErrDecrypt),
		errors.Is(err, ratchet.ErrDuplicate),
		errors.Is(err, ratchet.ErrNotEstablished):
		return fmt.Errorf("%w: %v", errCorrupted, err)
	default:
		return err
	}
}

// SendRatchetUpdate sends an empty key transport element to peer,
// advancing forward secrecy on demand.
func (c *Client) SendRatchetUpdate(ctx context.Context, peer clientintf.Device) error {
	_, devID, err := c.checkInitialized()
	if err != nil {
		return err
	}

	if err := c.ensureSession(ctx, peer); err != nil {
		return err
	}

	// A key transport element wraps a fresh key without any payload.
	key, iv, err := c.newPayloadKeyAndIV()
	if err != nil {
		return err
	}

	c.mtx.Lock()
	wrapped, prekey, err := c.encryptKeyForLocked(peer, key)
	c.mtx.Unlock()
	if err != nil {
		return err
	}

	el := new(wire.EncryptedElement)
	el.Header.SID = uint32(devID)
	el.SetIV(iv)
	el.AddKey(uint32(peer.ID), prekey, wrapped)

	stanza := c.buildStanza(peer.Owner, el)
	return c.conn.SendMessage(ctx, stanza)
}
