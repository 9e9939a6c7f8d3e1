package client

import (
	"github.com/companyzero/omemo/client/clientintf"
)

// SetTrustCallback installs the trust oracle. A callback may only be
// installed once per client instance; replacing it is an error.
func (c *Client) SetTrustCallback(cb clientintf.TrustCallback) error {
	c.trustMtx.Lock()
	defer c.trustMtx.Unlock()

	if c.trustCb != nil {
		return errTrustCallbackSet
	}
	c.trustCb = cb
	return nil
}

func (c *Client) trustCallback() (clientintf.TrustCallback, error) {
	c.trustMtx.Lock()
	defer c.trustMtx.Unlock()

	if c.trustCb == nil {
		return nil, errNoTrustCallback
	}
	return c.trustCb, nil
}

// FingerprintFor returns the last known identity fingerprint of a device.
func (c *Client) FingerprintFor(d clientintf.Device) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.db.Fingerprint(d)
}

// TrustStateFor returns the trust decision for a device, resolved against
// its last known fingerprint.
func (c *Client) TrustStateFor(d clientintf.Device) (clientintf.TrustState, error) {
	cb, err := c.trustCallback()
	if err != nil {
		return clientintf.TrustUndecided, err
	}
	fp, err := c.FingerprintFor(d)
	if err != nil {
		return clientintf.TrustUndecided, err
	}
	return cb.Trust(d, fp), nil
}

// SetTrust records a trust decision for a device's current fingerprint.
func (c *Client) SetTrust(d clientintf.Device, state clientintf.TrustState) error {
	cb, err := c.trustCallback()
	if err != nil {
		return err
	}
	fp, err := c.FingerprintFor(d)
	if err != nil {
		return err
	}
	cb.SetTrust(d, fp, state)
	return nil
}

// gateResult is the outcome of trust-gating a candidate device set.
type gateResult struct {
	included  []clientintf.Device
	undecided []clientintf.Device
	excluded  []clientintf.Device
}

// gateDevices applies the trust policy to candidates. fingerprints may
// supply fingerprints not yet persisted (learned from a bundle fetch within
// the same send).
func (c *Client) gateDevices(candidates []clientintf.Device,
	fingerprints map[clientintf.Device]string) (*gateResult, error) {

	cb, err := c.trustCallback()
	if err != nil {
		return nil, err
	}

	res := new(gateResult)
	for _, d := range candidates {
		fp, ok := fingerprints[d]
		if !ok {
			stored, err := c.FingerprintFor(d)
			if err != nil {
				// No fingerprint resolvable; the device is left
				// out of every result set.
				continue
			}
			fp = stored
		}

		switch cb.Trust(d, fp) {
		case clientintf.TrustTrusted:
			res.included = append(res.included, d)
		case clientintf.TrustUntrusted:
			res.excluded = append(res.excluded, d)
		default:
			res.undecided = append(res.undecided, d)
		}
	}
	return res, nil
}
