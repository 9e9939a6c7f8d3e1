package client

import (
	"context"
	"fmt"
	"time"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/gcm"
	"github.com/companyzero/omemo/wire"
)

// decryptElement processes one inbound encrypted element from the given
// sender jid: it locates the wrapped key addressed to the local device,
// unwraps it through the session with the sending device and, when a
// payload is present, decrypts it.
func (c *Client) decryptElement(senderJid string, el *wire.EncryptedElement,
	archived bool) (*DecryptedMessage, *MessageInfo, error) {

	_, devID, err := c.checkInitialized()
	if err != nil {
		return nil, nil, err
	}

	senderID := clientintf.DeviceID(el.Header.SID)
	sender := clientintf.Device{Owner: senderJid, ID: senderID}
	if !sender.Valid() {
		return nil, nil, fmt.Errorf("%w: invalid sender %s",
			errCorrupted, sender)
	}

	key := el.KeyFor(uint32(devID))
	if key == nil {
		return nil, nil, errNotForUs
	}
	wrapped, err := key.Wrapped()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errCorrupted, err)
	}

	keyMaterial, fingerprint, consumedPreKey, err := c.decryptKeyFrom(
		sender, wrapped, key.PreKey)
	if err != nil {
		return nil, nil, err
	}

	// Consuming a one-time pre-key shrinks the published pool; refresh
	// the published bundle. Archive replay never triggers publishing
	// side effects.
	if consumedPreKey && !archived {
		go c.republishAfterPreKeyUse()
	}

	info := &MessageInfo{
		IdentityFingerprint: fingerprint,
		Archived:            archived,
	}

	payload, err := el.PayloadBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errCorrupted, err)
	}
	if payload == nil {
		// Key transport element: no payload to decrypt.
		return &DecryptedMessage{Sender: sender, KeyTransport: true}, info, nil
	}

	if len(keyMaterial) != gcm.KeySize+gcm.TagSize {
		return nil, nil, fmt.Errorf("%w: unwrapped key material has "+
			"length %d", errCorrupted, len(keyMaterial))
	}
	payloadKey := keyMaterial[:gcm.KeySize]
	tag := keyMaterial[gcm.KeySize:]

	iv, err := el.IV()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errCorrupted, err)
	}

	// Reattach the auth tag transported inside the wrapped key blob.
	box := append(append([]byte(nil), payload...), tag...)
	plaintext, err := c.engine.AEADDecrypt(payloadKey, iv, nil, box)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errCorrupted, err)
	}

	return &DecryptedMessage{Sender: sender, Plaintext: plaintext}, info, nil
}

// republishAfterPreKeyUse refills the one-time pre-key pool if needed and
// republishes the bundle so the consumed pre-key disappears from it.
func (c *Client) republishAfterPreKeyUse() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := c.refillPreKeys(); err != nil {
		c.log.Errorf("Unable to refill pre-key pool: %v", err)
		return
	}
	if err := c.PublishBundle(ctx); err != nil {
		c.log.Errorf("Unable to republish bundle: %v", err)
	}
}

// DecryptArchived decrypts a message retrieved from the server archive.
// Archive replay is processed like live traffic but never triggers
// publishing side effects.
func (c *Client) DecryptArchived(senderJid string, el *wire.EncryptedElement) (*DecryptedMessage, *MessageInfo, error) {
	return c.decryptElement(senderJid, el, true)
}
