package client

import (
	"context"
	"time"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/wire"
	"golang.org/x/exp/slices"
)

// selfRepublishDelay debounces self device list republishes so event
// storms produce a single publish.
const selfRepublishDelay = 100 * time.Millisecond

// handleDeviceListEvent processes device list pub-sub events. For remote
// users the published set is merged; for the own account a missing local
// device id triggers an asynchronous republish. The handler runs on the
// transport notification routine, so publishing is always re-dispatched to
// avoid deadlocking the transport.
func (c *Client) handleDeviceListEvent(from string, payload []byte) {
	jid, devID, err := c.checkInitialized()
	if err != nil {
		return
	}

	if from == "" {
		// Events without a sender cannot be attributed; drop them.
		c.log.Debugf("Dropping device list event with empty sender")
		return
	}

	l, err := wire.ParseDeviceList(payload)
	if err != nil {
		c.log.Warnf("Dropping malformed device list event from %s: %v",
			from, err)
		return
	}

	var ids []clientintf.DeviceID
	for _, raw := range l.IDs() {
		id := clientintf.DeviceID(raw)
		if id.Valid() {
			ids = append(ids, id)
		}
	}

	if err := c.mergeDeviceList(from, ids); err != nil {
		c.log.Errorf("Unable to merge device list event from %s: %v",
			from, err)
		return
	}

	if from != jid || slices.Contains(ids, devID) {
		return
	}

	// Our own list dropped us. Republish the union asynchronously;
	// multiple events while the republish is pending collapse into one.
	c.selfRepublishMtx.Lock()
	pending := c.selfRepublishPending
	c.selfRepublishPending = true
	c.selfRepublishMtx.Unlock()
	if pending {
		return
	}

	go func() {
		// Bursts of list events within the window collapse into this
		// single republish.
		time.Sleep(selfRepublishDelay)

		defer func() {
			c.selfRepublishMtx.Lock()
			c.selfRepublishPending = false
			c.selfRepublishMtx.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.ensureSelfEnrolled(ctx); err != nil {
			c.log.Errorf("Unable to re-enroll own device id: %v", err)
		}
	}()
}
