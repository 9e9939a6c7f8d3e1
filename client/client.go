package client

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/omemoid"
	"github.com/companyzero/omemo/wire"
	"github.com/decred/slog"
	"golang.org/x/sync/singleflight"
)

// Config holds the necessary config for instantiating an OMEMO client.
type Config struct {
	// Conn is the stanza transport. Required.
	Conn clientintf.Connection

	// PubSub is the PEP capability of the same account. Required.
	PubSub clientintf.PubSub

	// Rooms resolves MUC rooms for group sends. Optional; group sends
	// fail without it.
	Rooms clientintf.RoomResolver

	// DB is the durable key store. Required.
	DB clientintf.KeyStore

	// Engine overrides the cryptographic engine. Defaults to the
	// built-in AES-GCM engine.
	Engine clientintf.CryptoEngine

	// Logger is a function that generates loggers for each of the
	// client's subsystems.
	Logger func(subsys string) slog.Logger

	// AddHintBody includes a sentinel cleartext body on encrypted
	// messages for clients without OMEMO support.
	AddHintBody bool

	// AddMAMStorageHint requests archival of bodiless messages.
	AddMAMStorageHint bool

	// AddEMEHint includes the explicit-message-encryption hint.
	AddEMEHint bool

	// PreKeyPoolTarget is the size the one-time pre-key pool is filled
	// to. Defaults to 100.
	PreKeyPoolTarget int

	// PreKeyPoolLowWater is the pool size below which the pool is
	// refilled and the bundle republished. Defaults to 20.
	PreKeyPoolLowWater int

	// SignedPreKeyMaxAge is how old the signed pre-key may grow before
	// rotation. Defaults to 7 days.
	SignedPreKeyMaxAge time.Duration

	// SignedPreKeyGrace is how long the previous signed pre-key keeps
	// decrypting after rotation. Defaults to 30 days.
	SignedPreKeyGrace time.Duration

	// DeviceListStaleThreshold is the cached device list age that
	// triggers a background refresh. Defaults to 15 minutes.
	DeviceListStaleThreshold time.Duration
}

// logger creates a logger for the given subsystem in the configured backend.
func (cfg *Config) logger(subsys string) slog.Logger {
	if cfg.Logger == nil {
		return slog.Disabled
	}
	return cfg.Logger(subsys)
}

// setDefaults sets default options for unset/empty config fields.
func (cfg *Config) setDefaults() {
	if cfg.Engine == nil {
		cfg.Engine = cryptoEngine{}
	}
	if cfg.PreKeyPoolTarget == 0 {
		cfg.PreKeyPoolTarget = 100
	}
	if cfg.PreKeyPoolLowWater == 0 {
		cfg.PreKeyPoolLowWater = 20
	}
	if cfg.SignedPreKeyMaxAge == 0 {
		cfg.SignedPreKeyMaxAge = 7 * 24 * time.Hour
	}
	if cfg.SignedPreKeyGrace == 0 {
		cfg.SignedPreKeyGrace = 30 * 24 * time.Hour
	}
	if cfg.DeviceListStaleThreshold == 0 {
		cfg.DeviceListStaleThreshold = 15 * time.Minute
	}
}

// DecryptedMessage is an inbound message after OMEMO processing.
type DecryptedMessage struct {
	Sender clientintf.Device

	// Plaintext is nil for key transport elements.
	Plaintext []byte

	// KeyTransport flags an element without payload, sent only to
	// advance the ratchet.
	KeyTransport bool
}

// MessageInfo carries metadata about a decrypted message.
type MessageInfo struct {
	// IdentityFingerprint is the fingerprint of the sender identity the
	// message's session is bound to.
	IdentityFingerprint string

	Carbon   clientintf.CarbonDirection
	Archived bool
}

// MessageListener receives decrypted inbound messages. Listeners run on the
// transport's delivery routine and must not block.
type MessageListener func(msg DecryptedMessage, info MessageInfo)

// Client is the OMEMO engine for one local device: it maintains the
// published device list and bundle, builds and advances Double Ratchet
// sessions, and encrypts and decrypts message payloads.
type Client struct {
	cfg    *Config
	log    slog.Logger
	conn   clientintf.Connection
	pubsub clientintf.PubSub
	db     clientintf.KeyStore
	engine clientintf.CryptoEngine

	// mtx is the coarse per-instance lock guarding session mutation,
	// device list merges, pre-key consumption and signed pre-key
	// rotation. Network calls never run under it.
	mtx sync.Mutex

	id       *omemoid.FullIdentity
	deviceID clientintf.DeviceID
	jid      string

	initialized bool

	trustMtx sync.Mutex
	trustCb  clientintf.TrustCallback

	listenersMtx sync.Mutex
	listeners    []MessageListener

	// refreshes coalesces concurrent device list refreshes per owner.
	refreshes singleflight.Group

	// selfRepublish tracks a pending asynchronous self device list
	// republish so event storms trigger exactly one.
	selfRepublishMtx     sync.Mutex
	selfRepublishPending bool

	// seen is a best effort dedup of processed wrapped keys.
	seenMtx  sync.Mutex
	seen     map[uint64]struct{}
	seenList []uint64
}

// New creates a new OMEMO client with the given config. Initialize must be
// called once the underlying connection is authenticated.
func New(cfg Config) (*Client, error) {
	cfg.setDefaults()

	c := &Client{
		cfg:    &cfg,
		log:    cfg.logger("OMEM"),
		conn:   cfg.Conn,
		pubsub: cfg.PubSub,
		db:     cfg.DB,
		engine: cfg.Engine,
		seen:   make(map[uint64]struct{}),
	}

	// Receive-path handlers are registered up front; they no-op until
	// initialization completes.
	c.conn.AddMessageHandler(c.handleInbound)
	c.pubsub.SubscribeDeviceLists(c.handleDeviceListEvent)
	c.conn.AddFeature(wire.DeviceListNotifyFeature)

	return c, nil
}

// DeviceID returns the local device id. Zero before initialization.
func (c *Client) DeviceID() clientintf.DeviceID {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.deviceID
}

// LocalDevice returns the local device address.
func (c *Client) LocalDevice() clientintf.Device {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return clientintf.Device{Owner: c.jid, ID: c.deviceID}
}

// OwnFingerprint returns the fingerprint of the local identity key.
func (c *Client) OwnFingerprint() (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.initialized {
		return "", errNotInitialized
	}
	return c.engine.Fingerprint(c.id.Public.DHKey), nil
}

// AddMessageListener registers a listener for decrypted messages.
func (c *Client) AddMessageListener(l MessageListener) {
	c.listenersMtx.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMtx.Unlock()
}

func (c *Client) notifyListeners(msg DecryptedMessage, info MessageInfo) {
	c.listenersMtx.Lock()
	listeners := make([]MessageListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMtx.Unlock()

	for _, l := range listeners {
		l(msg, info)
	}
}

// randomDeviceID generates a device id in [1, 2^31-1] avoiding the passed
// existing ids.
func (c *Client) randomDeviceID(existing []clientintf.DeviceID) (clientintf.DeviceID, error) {
	for {
		b, err := c.engine.Random(4)
		if err != nil {
			return 0, err
		}
		id := clientintf.DeviceID(binary.BigEndian.Uint32(b))
		if !id.Valid() {
			continue
		}
		var dup bool
		for _, e := range existing {
			if e == id {
				dup = true
				break
			}
		}
		if !dup {
			return id, nil
		}
	}
}

// Initialize provisions the local device on first use and announces it:
// identity, signed pre-key and pre-key pool are loaded or created, the
// bundle is published, and the own device list is fetched and republished
// with the local id enrolled. The connection must be authenticated.
func (c *Client) Initialize(ctx context.Context) error {
	if !c.conn.Authenticated() {
		return clientintf.ErrNotConnected
	}
	jid := c.conn.LocalJid()

	// Load or create the durable key material. This holds the lock, no
	// network happens here.
	if err := c.provision(jid); err != nil {
		return err
	}

	// Rotate the signed pre-key if it aged out while offline, refill
	// the one-time pre-key pool, then publish bundle and device list.
	if err := c.maybeRotateSignedPreKey(ctx); err != nil {
		return err
	}
	if _, err := c.refillPreKeys(); err != nil {
		return err
	}
	if err := c.PublishBundle(ctx); err != nil {
		return err
	}
	if err := c.RefreshDeviceList(ctx, jid); err != nil {
		return err
	}
	if err := c.ensureSelfEnrolled(ctx); err != nil {
		return err
	}

	registerClient(c)
	c.log.Infof("Initialized OMEMO device %s:%d (fingerprint %s)",
		jid, c.deviceID,
		omemoid.PrettyFingerprint(c.engine.Fingerprint(c.id.Public.DHKey)))
	return nil
}

// provision loads or creates identity, device id and signed pre-key.
func (c *Client) provision(jid string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	id, err := c.db.LocalIdentity()
	if err == nil {
		c.id = id
	} else if !errorsIsNotFound(err) {
		return err
	} else {
		id, err = c.engine.GenerateIdentity()
		if err != nil {
			return err
		}
		if err := c.db.SaveLocalIdentity(id); err != nil {
			return err
		}
		c.id = id
		c.log.Debugf("Generated new identity key pair")
	}

	ids, err := c.db.LocalDeviceIDs()
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		c.deviceID = ids[0]
	} else {
		devID, err := c.randomDeviceID(nil)
		if err != nil {
			return err
		}
		if err := c.db.SaveLocalDeviceIDs([]clientintf.DeviceID{devID}); err != nil {
			return err
		}
		c.deviceID = devID
		c.log.Debugf("Assigned new device id %d", devID)
	}

	cur, _, err := c.db.SignedPreKeys()
	if errorsIsNotFound(err) || (err == nil && cur == nil) {
		spk, err := c.engine.GenerateSignedPreKey(1, c.id)
		if err != nil {
			return err
		}
		if err := c.db.SaveSignedPreKeys(spk, nil); err != nil {
			return err
		}
		if err := c.db.SaveLastRotation(spk.CreatedAt); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	c.jid = jid
	c.initialized = true
	return nil
}

// Close tears the client down and unregisters it from the process-wide
// registry. The db is not closed; it belongs to the caller.
func (c *Client) Close() {
	unregisterClient(c)
}

// checkInitialized returns the local state needed by most operations.
func (c *Client) checkInitialized() (string, clientintf.DeviceID, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.initialized {
		return "", 0, errNotInitialized
	}
	return c.jid, c.deviceID, nil
}
