package client

import (
	"context"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/gcm"
	"github.com/companyzero/omemo/wire"
	"golang.org/x/exp/slices"
)

// newPayloadKeyAndIV draws a fresh payload key and GCM nonce.
func (c *Client) newPayloadKeyAndIV() (key, iv []byte, err error) {
	if key, err = c.engine.Random(gcm.KeySize); err != nil {
		return nil, nil, err
	}
	if iv, err = c.engine.Random(gcm.IVSize); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

// devicesForSend returns the active devices of owner, fetching the
// published list synchronously when it was never cached. excludeID drops
// the local device from its own list.
func (c *Client) devicesForSend(ctx context.Context, owner string,
	excludeID clientintf.DeviceID) ([]clientintf.Device, error) {

	c.mtx.Lock()
	_, err := c.db.DeviceList(owner)
	c.mtx.Unlock()
	if errorsIsNotFound(err) {
		if err := c.RefreshDeviceList(ctx, owner); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	devices, err := c.ActiveDevices(owner)
	if err != nil {
		return nil, err
	}
	if excludeID != 0 {
		devices = slices.DeleteFunc(devices, func(d clientintf.Device) bool {
			return d.ID == excludeID
		})
	}
	return devices, nil
}

// gatherRecipientDevices expands recipient jids into the candidate device
// set: every active device of every recipient plus the active devices of
// the own account except the sending device itself.
func (c *Client) gatherRecipientDevices(ctx context.Context,
	recipients []string) ([]clientintf.Device, error) {

	jid, devID, err := c.checkInitialized()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var candidates []clientintf.Device
	for _, to := range append(slices.Clone(recipients), jid) {
		if seen[to] {
			continue
		}
		seen[to] = true

		exclude := clientintf.DeviceID(0)
		if to == jid {
			exclude = devID
		}
		devices, err := c.devicesForSend(ctx, to, exclude)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, devices...)
	}
	return candidates, nil
}

// Encrypt encrypts plaintext for every trusted active device of every
// recipient jid (and of the own account). Sessions are established on
// demand from published bundles.
//
// Undecided devices abort the send with UndecidedDevicesError before any
// ciphertext is produced or any store mutation happens. Devices a session
// cannot be established with are enumerated in CannotEstablishError; the
// send may be retried against its Successes via
// EncryptForExistingSessions.
func (c *Client) Encrypt(ctx context.Context, recipients []string,
	plaintext []byte) (*wire.EncryptedElement, error) {

	candidates, err := c.gatherRecipientDevices(ctx, recipients)
	if err != nil {
		return nil, err
	}

	// Resolve fingerprints. Devices never contacted before need their
	// bundle fetched to learn the identity; the fetch has no side
	// effects, so an undecided verdict below leaves the store untouched.
	failures := make(map[clientintf.Device]error)
	bundles := make(map[clientintf.Device]*fetchedBundle)
	fingerprints := make(map[clientintf.Device]string)
	var gateable []clientintf.Device
	for _, d := range candidates {
		fp, err := c.FingerprintFor(d)
		if err == nil {
			fingerprints[d] = fp
			gateable = append(gateable, d)
			continue
		}
		if !errorsIsNotFound(err) {
			failures[d] = err
			continue
		}
		fb, err := c.fetchBundle(ctx, d)
		if err != nil {
			failures[d] = err
			continue
		}
		bundles[d] = fb
		fingerprints[d] = fb.fingerprint
		gateable = append(gateable, d)
	}

	gated, err := c.gateDevices(gateable, fingerprints)
	if err != nil {
		return nil, err
	}
	if len(gated.undecided) > 0 {
		return nil, UndecidedDevicesError{Devices: gated.undecided}
	}
	for _, d := range gated.excluded {
		c.log.Debugf("Excluding untrusted device %s from send", d)
	}

	// Establish missing sessions for the included devices.
	var successes []clientintf.Device
	for _, d := range gated.included {
		var err error
		if fb, ok := bundles[d]; ok {
			err = c.establishSession(d, fb)
		} else {
			err = c.ensureSession(ctx, d)
		}
		if err != nil {
			failures[d] = err
			continue
		}
		successes = append(successes, d)
	}

	if len(failures) > 0 {
		return nil, CannotEstablishError{
			Successes: successes,
			Failures:  failures,
		}
	}

	return c.encryptForDevices(successes, plaintext)
}

// EncryptForExistingSessions encrypts plaintext for the given devices
// without any session establishment or network access. It is the retry
// path after a CannotEstablishError.
func (c *Client) EncryptForExistingSessions(devices []clientintf.Device,
	plaintext []byte) (*wire.EncryptedElement, error) {

	gated, err := c.gateDevices(devices, nil)
	if err != nil {
		return nil, err
	}
	if len(gated.undecided) > 0 {
		return nil, UndecidedDevicesError{Devices: gated.undecided}
	}

	return c.encryptForDevices(gated.included, plaintext)
}

// encryptForDevices performs the hybrid encryption: one fresh payload key
// sealing the plaintext, wrapped once per recipient device through its
// ratchet. The 16 byte auth tag travels inside each wrapped key blob, not
// with the payload; this framing is a wire compatibility requirement.
func (c *Client) encryptForDevices(devices []clientintf.Device,
	plaintext []byte) (*wire.EncryptedElement, error) {

	_, devID, err := c.checkInitialized()
	if err != nil {
		return nil, err
	}

	key, iv, err := c.newPayloadKeyAndIV()
	if err != nil {
		return nil, err
	}
	box, err := c.engine.AEADEncrypt(key, iv, nil, plaintext)
	if err != nil {
		return nil, err
	}
	payload, tag, err := gcm.SplitTag(box)
	if err != nil {
		return nil, err
	}
	keyMaterial := append(append([]byte(nil), key...), tag...)

	el := new(wire.EncryptedElement)
	el.Header.SID = uint32(devID)
	el.SetIV(iv)
	el.SetPayload(payload)

	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, d := range devices {
		wrapped, prekey, err := c.encryptKeyForLocked(d, keyMaterial)
		if err != nil {
			return nil, err
		}
		el.AddKey(uint32(d.ID), prekey, wrapped)
	}

	return el, nil
}

// buildStanza wraps an encrypted element into an outbound message stanza,
// applying the configured hint elements.
func (c *Client) buildStanza(to string, el *wire.EncryptedElement) *clientintf.MessageStanza {
	stanza := &clientintf.MessageStanza{
		From:      c.conn.LocalJid(),
		To:        to,
		Encrypted: el,
		EME:       c.cfg.AddEMEHint,
		StoreHint: c.cfg.AddMAMStorageHint,
	}
	if c.cfg.AddHintBody {
		stanza.Body = wire.BodyHint
	}
	return stanza
}

// SendMessage encrypts plaintext for the recipient (and own other devices)
// and sends it.
func (c *Client) SendMessage(ctx context.Context, to string, plaintext []byte) error {
	el, err := c.Encrypt(ctx, []string{to}, plaintext)
	if err != nil {
		return err
	}
	return c.conn.SendMessage(ctx, c.buildStanza(to, el))
}

// EncryptToRoom encrypts plaintext for every member of a multi-user chat.
// The room must be both members-only and non-anonymous; otherwise the
// member list is not authoritative and the send fails with
// NoOmemoSupportError.
func (c *Client) EncryptToRoom(ctx context.Context, room string,
	plaintext []byte) (*wire.EncryptedElement, error) {

	if c.cfg.Rooms == nil {
		return nil, NoOmemoSupportError{Room: room}
	}
	info, err := c.cfg.Rooms.RoomInfo(ctx, room)
	if err != nil {
		return nil, err
	}
	if !info.MembersOnly || !info.NonAnonymous {
		return nil, NoOmemoSupportError{Room: room}
	}

	return c.Encrypt(ctx, info.Occupants, plaintext)
}

// SendToRoom encrypts for the room members and sends the message to the
// room jid.
func (c *Client) SendToRoom(ctx context.Context, room string, plaintext []byte) error {
	el, err := c.EncryptToRoom(ctx, room, plaintext)
	if err != nil {
		return err
	}
	return c.conn.SendMessage(ctx, c.buildStanza(room, el))
}
