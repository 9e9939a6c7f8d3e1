package client

import (
	"context"
	"errors"
	"time"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/wire"
	"golang.org/x/exp/slices"
)

// ActiveDevices returns the last known active device set of owner. When the
// cached list is older than the configured stale threshold a background
// refresh is kicked off; the caller is never blocked on the network.
func (c *Client) ActiveDevices(owner string) ([]clientintf.Device, error) {
	if _, _, err := c.checkInitialized(); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	list, err := c.db.DeviceList(owner)
	c.mtx.Unlock()
	if errorsIsNotFound(err) {
		// Never seen: refresh in the background, report empty now.
		c.refreshAsync(owner)
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	if time.Since(list.RefreshedAt) > c.cfg.DeviceListStaleThreshold {
		c.refreshAsync(owner)
	}

	devices := make([]clientintf.Device, 0, len(list.Active))
	for _, id := range list.Active {
		devices = append(devices, clientintf.Device{Owner: owner, ID: id})
	}
	return devices, nil
}

// refreshAsync starts a background refresh of owner's device list,
// coalesced with any in-flight refresh of the same owner.
func (c *Client) refreshAsync(owner string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.RefreshDeviceList(ctx, owner); err != nil {
			c.log.Debugf("Background device list refresh of %s "+
				"failed: %v", owner, err)
		}
	}()
}

// RefreshDeviceList synchronously fetches the published device list of
// owner and merges it into the cache. Concurrent refreshes of the same
// owner coalesce into a single fetch whose result all callers observe.
func (c *Client) RefreshDeviceList(ctx context.Context, owner string) error {
	if _, _, err := c.checkInitialized(); err != nil {
		return err
	}

	_, err, _ := c.refreshes.Do(owner, func() (interface{}, error) {
		// Network fetch happens without holding the core lock.
		payload, err := c.pubsub.Fetch(ctx, owner, wire.DeviceListNode)
		var ids []clientintf.DeviceID
		switch {
		case errors.Is(err, clientintf.ErrItemNotFound):
			// No published list yet; merge the empty set.
		case err != nil:
			return nil, err
		default:
			l, err := wire.ParseDeviceList(payload)
			if err != nil {
				return nil, err
			}
			for _, raw := range l.IDs() {
				id := clientintf.DeviceID(raw)
				if !id.Valid() {
					c.log.Warnf("Ignoring invalid device id "+
						"%d in %s's list", raw, owner)
					continue
				}
				ids = append(ids, id)
			}
		}

		if err := c.mergeDeviceList(owner, ids); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// mergeDeviceList replaces owner's active set with remoteIDs. Previously
// known ids missing from the new set become inactive; inactive ids are
// never forgotten.
func (c *Client) mergeDeviceList(owner string, remoteIDs []clientintf.DeviceID) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.mergeDeviceListLocked(owner, remoteIDs)
}

func (c *Client) mergeDeviceListLocked(owner string, remoteIDs []clientintf.DeviceID) error {
	old, err := c.db.DeviceList(owner)
	if errorsIsNotFound(err) {
		old = &clientintf.CachedDeviceList{}
	} else if err != nil {
		return err
	}

	merged := &clientintf.CachedDeviceList{
		Active:      slices.Clone(remoteIDs),
		RefreshedAt: time.Now(),
	}
	for _, id := range old.All() {
		if !slices.Contains(merged.Active, id) &&
			!slices.Contains(merged.Inactive, id) {
			merged.Inactive = append(merged.Inactive, id)
		}
	}

	c.log.Debugf("Merged device list of %s: %d active, %d inactive",
		owner, len(merged.Active), len(merged.Inactive))
	return c.db.SaveDeviceList(owner, merged)
}

// ensureSelfEnrolled republishes the own device list when the local device
// id is missing from it.
func (c *Client) ensureSelfEnrolled(ctx context.Context) error {
	jid, devID, err := c.checkInitialized()
	if err != nil {
		return err
	}

	c.mtx.Lock()
	list, err := c.db.DeviceList(jid)
	if errorsIsNotFound(err) {
		list = &clientintf.CachedDeviceList{}
	} else if err != nil {
		c.mtx.Unlock()
		return err
	}
	enrolled := list.IsActive(devID)
	ids := slices.Clone(list.Active)
	c.mtx.Unlock()

	if enrolled {
		return nil
	}

	ids = append(ids, devID)
	return c.publishDeviceList(ctx, ids)
}

// publishDeviceList publishes ids as the own device list and merges it
// locally.
func (c *Client) publishDeviceList(ctx context.Context, ids []clientintf.DeviceID) error {
	jid, _, err := c.checkInitialized()
	if err != nil {
		return err
	}

	raw := make([]uint32, len(ids))
	for i, id := range ids {
		raw[i] = uint32(id)
	}
	payload, err := wire.NewDeviceListElement(raw).Marshal()
	if err != nil {
		return err
	}
	if err := c.pubsub.Publish(ctx, wire.DeviceListNode, payload, true); err != nil {
		return err
	}
	c.log.Debugf("Published own device list: %v", ids)

	return c.mergeDeviceList(jid, ids)
}
