package client

import (
	"github.com/companyzero/omemo/client/clientintf"
	"github.com/puzpuzpuz/xsync/v3"
)

// activeClients is the process-wide registry of initialized clients, keyed
// by device address. Registration is explicit: Initialize registers, Close
// unregisters. Lifecycle never depends on garbage collection timing.
var activeClients = xsync.NewMapOf[string, *Client]()

func registerClient(c *Client) {
	activeClients.Store(c.LocalDevice().String(), c)
}

func unregisterClient(c *Client) {
	dev := c.LocalDevice()
	if dev.ID == 0 {
		return
	}
	activeClients.Delete(dev.String())
}

// ActiveClients lists the devices with an initialized client in this
// process.
func ActiveClients() []clientintf.Device {
	var devices []clientintf.Device
	activeClients.Range(func(_ string, c *Client) bool {
		devices = append(devices, c.LocalDevice())
		return true
	})
	return devices
}

// LookupClient returns the initialized client for the given local device,
// if any.
func LookupClient(dev clientintf.Device) *Client {
	c, _ := activeClients.Load(dev.String())
	return c
}
