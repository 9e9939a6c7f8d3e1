package client

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/ratchet"
	"github.com/companyzero/omemo/wire"
	"golang.org/x/exp/slices"
)

// PublishBundle publishes the local pre-key bundle: identity public key,
// current signed pre-key and a snapshot of the one-time pre-key pool. The
// bundle node is world readable so any peer can initiate a session.
func (c *Client) PublishBundle(ctx context.Context) error {
	_, devID, err := c.checkInitialized()
	if err != nil {
		return err
	}

	// Snapshot key material under the lock; publish outside it.
	c.mtx.Lock()
	identity := c.id.Public
	cur, _, err := c.db.SignedPreKeys()
	if err != nil {
		c.mtx.Unlock()
		return err
	}
	pool, err := c.db.PreKeys()
	if err != nil {
		c.mtx.Unlock()
		return err
	}
	c.mtx.Unlock()

	preKeys := make([]wire.PreKeyPublic, 0, len(pool))
	for _, pk := range pool {
		preKeys = append(preKeys, wire.NewPreKeyPublic(pk.ID, pk.Public))
	}
	bundle := wire.NewBundleElement(identity, cur.ID, cur.Public,
		cur.Signature, preKeys)
	payload, err := bundle.Marshal()
	if err != nil {
		return err
	}

	if err := c.pubsub.Publish(ctx, wire.BundleNode(uint32(devID)),
		payload, true); err != nil {
		return err
	}
	c.log.Debugf("Published bundle with %d one-time pre-keys", len(preKeys))
	return nil
}

// fetchedBundle is a fetched and parsed peer bundle. The one-time pre-key
// selection happens separately, at session establishment time, so fetching
// a bundle (e.g. to learn a fingerprint) has no side effects.
type fetchedBundle struct {
	element     *wire.BundleElement
	keys        *ratchet.BundleKeys
	fingerprint string
}

// fetchBundle retrieves and parses the bundle of one peer device.
func (c *Client) fetchBundle(ctx context.Context, peer clientintf.Device) (*fetchedBundle, error) {
	payload, err := c.pubsub.Fetch(ctx, peer.Owner, wire.BundleNode(uint32(peer.ID)))
	if errors.Is(err, clientintf.ErrItemNotFound) {
		return nil, NoBundleError{Device: peer}
	} else if err != nil {
		return nil, err
	}

	bundle, err := wire.ParseBundle(payload)
	if err != nil {
		return nil, err
	}

	identity, err := bundle.Identity()
	if err != nil {
		return nil, err
	}
	spkID, spkPub, spkSig, err := bundle.SignedPreKey()
	if err != nil {
		return nil, err
	}

	return &fetchedBundle{
		element: bundle,
		keys: &ratchet.BundleKeys{
			Identity:              identity,
			SignedPreKeyID:        spkID,
			SignedPreKey:          spkPub,
			SignedPreKeySignature: spkSig,
		},
		fingerprint: c.engine.Fingerprint(identity.DHKey),
	}, nil
}

// selectPreKeyLocked picks one unused one-time pre-key from the bundle,
// uniformly at random, and records it as consumed against peer before the
// bundle is handed to session establishment. A pre-key id is never reused
// against the same peer, even across bundle refetches. Callers hold the
// core lock.
func (c *Client) selectPreKeyLocked(peer clientintf.Device, fb *fetchedBundle) error {
	consumed, err := c.db.ConsumedPreKeys(peer)
	if err != nil {
		return err
	}
	var candidates []uint32
	for _, id := range fb.element.PreKeyIDs() {
		if !slices.Contains(consumed, id) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	b, err := c.engine.Random(8)
	if err != nil {
		return err
	}
	pick := candidates[binary.BigEndian.Uint64(b)%uint64(len(candidates))]
	pub, err := fb.element.PreKey(pick)
	if err != nil {
		return err
	}

	// Commit consumption before the key is offered for use.
	if err := c.db.MarkPreKeyConsumed(peer, pick); err != nil {
		return err
	}
	fb.keys.PreKeyID = pick
	fb.keys.PreKey = pub
	return nil
}

// RotateSignedPreKey generates a new signed pre-key, keeps the previous one
// for the grace window and republishes the bundle.
func (c *Client) RotateSignedPreKey(ctx context.Context) error {
	if _, _, err := c.checkInitialized(); err != nil {
		return err
	}

	c.mtx.Lock()
	cur, _, err := c.db.SignedPreKeys()
	if err != nil {
		c.mtx.Unlock()
		return err
	}
	next, err := c.engine.GenerateSignedPreKey(cur.ID+1, c.id)
	if err != nil {
		c.mtx.Unlock()
		return err
	}
	if err := c.db.SaveSignedPreKeys(next, cur); err != nil {
		c.mtx.Unlock()
		return err
	}
	if err := c.db.SaveLastRotation(next.CreatedAt); err != nil {
		c.mtx.Unlock()
		return err
	}
	c.mtx.Unlock()

	c.log.Infof("Rotated signed pre-key to id %d", next.ID)
	return c.PublishBundle(ctx)
}

// maybeRotateSignedPreKey rotates when the current signed pre-key aged past
// the configured maximum. The previous key is dropped once past the grace
// window.
func (c *Client) maybeRotateSignedPreKey(ctx context.Context) error {
	c.mtx.Lock()
	last, err := c.db.LastRotation()
	if err != nil {
		c.mtx.Unlock()
		return err
	}
	cur, prev, err := c.db.SignedPreKeys()
	if err != nil {
		c.mtx.Unlock()
		return err
	}

	// Expire the previous generation once the grace window since the
	// last rotation elapsed.
	if prev != nil && time.Since(last) > c.cfg.SignedPreKeyGrace {
		if err := c.db.SaveSignedPreKeys(cur, nil); err != nil {
			c.mtx.Unlock()
			return err
		}
		c.log.Debugf("Dropped signed pre-key %d past grace window", prev.ID)
	}
	c.mtx.Unlock()

	if time.Since(last) > c.cfg.SignedPreKeyMaxAge {
		return c.RotateSignedPreKey(ctx)
	}
	return nil
}

// refillPreKeys tops the one-time pre-key pool up to the configured target
// when it dropped below the low water mark (or has never been filled). It
// returns whether the pool changed, in which case the bundle should be
// republished.
func (c *Client) refillPreKeys() (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	pool, err := c.db.PreKeys()
	if err != nil {
		return false, err
	}
	if len(pool) >= c.cfg.PreKeyPoolLowWater {
		return false, nil
	}

	var maxID uint32
	for _, pk := range pool {
		if pk.ID > maxID {
			maxID = pk.ID
		}
	}

	var added bool
	for i := len(pool); i < c.cfg.PreKeyPoolTarget; i++ {
		maxID++
		pk, err := c.engine.GeneratePreKey(maxID)
		if err != nil {
			return added, err
		}
		if err := c.db.SavePreKey(pk); err != nil {
			return added, err
		}
		added = true
	}
	if added {
		c.log.Debugf("Refilled one-time pre-key pool to %d keys",
			c.cfg.PreKeyPoolTarget)
	}
	return added, nil
}
