package client

import (
	"errors"
	"hash/fnv"

	"github.com/companyzero/omemo/client/clientintf"
)

// seenCap bounds the best effort dedup set of processed messages.
const seenCap = 512

// markSeen records a message digest and reports whether it was already
// processed. Exact deduplication is deferred to the upper layer; this only
// suppresses obvious replays (e.g. a direct message that also arrives as a
// carbon).
func (c *Client) markSeen(senderJid string, sid uint32, wrapped string) bool {
	h := fnv.New64a()
	h.Write([]byte(senderJid))
	h.Write([]byte{byte(sid), byte(sid >> 8), byte(sid >> 16), byte(sid >> 24)})
	h.Write([]byte(wrapped))
	digest := h.Sum64()

	c.seenMtx.Lock()
	defer c.seenMtx.Unlock()

	if _, ok := c.seen[digest]; ok {
		return true
	}
	c.seen[digest] = struct{}{}
	c.seenList = append(c.seenList, digest)
	if len(c.seenList) > seenCap {
		delete(c.seen, c.seenList[0])
		c.seenList = c.seenList[1:]
	}
	return false
}

// handleInbound is the single handler behind all three inbound sources:
// direct messages, carbon copies of both directions and archive replay. It
// runs on transport worker routines.
func (c *Client) handleInbound(env clientintf.InboundEnvelope) {
	if env.Stanza.Encrypted == nil {
		return
	}
	if _, _, err := c.checkInitialized(); err != nil {
		return
	}

	el := env.Stanza.Encrypted
	sender := env.Stanza.From
	if sender == "" {
		c.log.Debugf("Dropping encrypted message without sender")
		return
	}

	if key := el.KeyFor(uint32(c.DeviceID())); key != nil {
		if c.markSeen(sender, el.Header.SID, key.Value) {
			c.log.Tracef("Skipping already processed message from %s", sender)
			return
		}
	}

	msg, info, err := c.decryptElement(sender, el, env.Archived)
	switch {
	case errors.Is(err, errNotForUs):
		// Addressed to other devices only; silently skipped.
		c.log.Tracef("Ignoring element from %s without key for us", sender)
		return
	case err != nil:
		c.log.Warnf("Unable to decrypt message from %s:%d: %v",
			sender, el.Header.SID, err)
		return
	}

	info.Carbon = env.Carbon
	c.notifyListeners(*msg, *info)
}
