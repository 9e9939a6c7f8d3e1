package clientintf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/omemo/omemoid"
	"github.com/companyzero/omemo/ratchet/disk"
	"github.com/companyzero/omemo/wire"
)

// DeviceID identifies one device of a user. Valid ids are in [1, 2^31-1];
// the zero value means "unassigned".
type DeviceID uint32

// MaxDeviceID is the largest valid device id.
const MaxDeviceID DeviceID = 1<<31 - 1

// Valid returns whether the id is inside the protocol range.
func (id DeviceID) Valid() bool {
	return id >= 1 && id <= MaxDeviceID
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%d", uint32(id))
}

// Device identifies one client instance: a bare jid plus a device id.
// Equality is structural.
type Device struct {
	Owner string   `json:"owner"`
	ID    DeviceID `json:"id"`
}

// Valid returns whether both halves of the device address are set.
func (d Device) Valid() bool {
	return d.Owner != "" && d.ID.Valid()
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Owner, uint32(d.ID))
}

// TrustState is the local trust decision for one (device, fingerprint)
// tuple.
type TrustState int

const (
	// TrustUndecided is the default state for fingerprints never seen
	// before. Undecided devices block sends.
	TrustUndecided TrustState = iota

	// TrustTrusted devices are encrypted to.
	TrustTrusted

	// TrustUntrusted devices are silently excluded from sends.
	TrustUntrusted
)

func (ts TrustState) String() string {
	switch ts {
	case TrustUndecided:
		return "undecided"
	case TrustTrusted:
		return "trusted"
	case TrustUntrusted:
		return "untrusted"
	default:
		return fmt.Sprintf("unknown(%d)", int(ts))
	}
}

// TrustCallback is the UI-facing trust oracle. Implementations answer trust
// queries and record decisions made by the user. Callbacks may be called
// concurrently and must not call back into the client.
type TrustCallback interface {
	Trust(device Device, fingerprint string) TrustState
	SetTrust(device Device, fingerprint string, state TrustState)
}

// SessionState tracks the lifecycle of a stored session.
type SessionState string

const (
	// SessionPendingKX marks an initiator session whose peer has not
	// answered yet; outgoing messages still carry the X3DH prelude.
	SessionPendingKX SessionState = "pending-kx"

	// SessionEstablished marks a session with two-way traffic.
	SessionEstablished SessionState = "established"
)

// SessionRecord is the persisted form of a Double Ratchet session with one
// remote device. Records are written whole; a partially initialized session
// is never persisted.
type SessionRecord struct {
	State SessionState `json:"state"`

	Ratchet *disk.RatchetState `json:"ratchet"`

	// PendingKeyAgreement holds the serialized X3DH prelude while the
	// session is pending.
	PendingKeyAgreement []byte `json:"pendingKeyAgreement,omitempty"`

	// IdentityFingerprint is the fingerprint of the peer identity this
	// session was established against.
	IdentityFingerprint string `json:"identityFingerprint"`

	// CorruptCount counts consecutive failed decryptions; three in a row
	// reset the session.
	CorruptCount int `json:"corruptCount"`
}

// CachedDeviceList is the locally cached device list of one user: the ids
// last seen published plus ids that have since disappeared from the
// published list. Inactive ids are retained forever so fingerprint history
// survives.
type CachedDeviceList struct {
	Active      []DeviceID `json:"active"`
	Inactive    []DeviceID `json:"inactive"`
	RefreshedAt time.Time  `json:"refreshedAt"`
}

// IsActive returns whether id is in the active set.
func (l *CachedDeviceList) IsActive(id DeviceID) bool {
	for _, a := range l.Active {
		if a == id {
			return true
		}
	}
	return false
}

// All returns the union of active and inactive ids.
func (l *CachedDeviceList) All() []DeviceID {
	all := make([]DeviceID, 0, len(l.Active)+len(l.Inactive))
	all = append(all, l.Active...)
	all = append(all, l.Inactive...)
	return all
}

// CarbonDirection tags messages delivered via carbon copies.
type CarbonDirection int

const (
	CarbonNone CarbonDirection = iota
	CarbonSent
	CarbonReceived
)

// MessageStanza is a parsed message stanza, reduced to the parts the OMEMO
// core consumes and produces. Full stanza parsing is the transport's
// responsibility.
type MessageStanza struct {
	From string
	To   string

	// Body is the cleartext body (the OMEMO hint body on encrypted
	// messages).
	Body string

	Encrypted *wire.EncryptedElement

	// EME and StoreHint request the explicit-message-encryption marker
	// and archive storage of bodiless messages.
	EME       bool
	StoreHint bool
}

// InboundEnvelope is a message handed to the receive pipeline, tagged with
// how it arrived.
type InboundEnvelope struct {
	Stanza   MessageStanza
	Carbon   CarbonDirection
	Archived bool
}

// Connection is the stanza-level transport capability consumed by the
// client. Implementations route stanzas, manage the connection lifecycle
// and perform authentication.
type Connection interface {
	// LocalJid returns the authenticated bare jid, or "" before
	// authentication.
	LocalJid() string

	// Authenticated reports whether the connection is authenticated.
	Authenticated() bool

	// SendMessage sends a message stanza.
	SendMessage(ctx context.Context, msg *MessageStanza) error

	// AddMessageHandler registers a handler for inbound messages
	// carrying OMEMO elements, including carbon copies and archive
	// replay. Handlers are invoked from transport worker routines.
	AddMessageHandler(handler func(InboundEnvelope))

	// AddFeature advertises a service discovery feature.
	AddFeature(feature string)
}

// PubSub is the PEP capability consumed by the client: per-account nodes
// with publish, fetch and event notification.
type PubSub interface {
	// Publish writes payload as the single item of the given node of the
	// local account, creating the node if needed. The node access model
	// is open when openAccess is set.
	Publish(ctx context.Context, node string, payload []byte, openAccess bool) error

	// Fetch retrieves the current item of a node of the given account.
	// Returns ErrItemNotFound if the node does not exist or is empty.
	Fetch(ctx context.Context, jid, node string) ([]byte, error)

	// SubscribeDeviceLists registers a handler for device list node
	// events. The handler runs on the transport notification routine and
	// must not block or publish synchronously.
	SubscribeDeviceLists(handler func(from string, payload []byte))
}

// RoomInfo describes a multi-user chat room as needed for the OMEMO
// suitability check.
type RoomInfo struct {
	// Occupants are the real bare jids of the room members.
	Occupants []string

	MembersOnly  bool
	NonAnonymous bool
}

// RoomResolver resolves MUC rooms to member jids and room configuration.
type RoomResolver interface {
	RoomInfo(ctx context.Context, room string) (*RoomInfo, error)
}

// CryptoEngine abstracts the cryptographic primitives consumed by the
// client: AEAD payload encryption, randomness and key generation. The
// Double Ratchet itself lives in the ratchet package.
type CryptoEngine interface {
	Random(n int) ([]byte, error)

	// AEADEncrypt seals plaintext, returning ciphertext with the auth
	// tag appended. Keys are 16 bytes (AES-128-GCM), ivs 12 bytes.
	AEADEncrypt(key, iv, additionalData, plaintext []byte) ([]byte, error)

	// AEADDecrypt opens a sealed box. Auth failures return an error
	// wrapping ErrAuthFailure.
	AEADDecrypt(key, iv, additionalData, box []byte) ([]byte, error)

	GenerateIdentity() (*omemoid.FullIdentity, error)
	GeneratePreKey(id uint32) (*omemoid.PreKey, error)
	GenerateSignedPreKey(id uint32, identity *omemoid.FullIdentity) (*omemoid.SignedPreKey, error)

	Fingerprint(pub omemoid.FixedSizeX25519Public) string
}

var (
	// ErrNotConnected is returned by transports when no connection is
	// available. Transient; callers retry.
	ErrNotConnected = errors.New("not connected")

	// ErrNoResponse is returned by transports on request timeout.
	ErrNoResponse = errors.New("no response")

	// ErrItemNotFound is returned by PubSub.Fetch for missing nodes or
	// items.
	ErrItemNotFound = errors.New("pubsub item not found")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("record not found")

	// ErrAuthFailure is wrapped by AEAD open failures.
	ErrAuthFailure = errors.New("message authentication failed")
)

// KeyStore persists all durable OMEMO state. Implementations must make
// every mutation durable before returning and apply each call atomically;
// the client relies on this for the no-double-consumption guarantees of
// one-time pre-keys.
type KeyStore interface {
	// LocalIdentity returns the stored identity or ErrNotFound.
	LocalIdentity() (*omemoid.FullIdentity, error)
	SaveLocalIdentity(id *omemoid.FullIdentity) error

	// LocalDeviceIDs lists the device ids provisioned locally for the
	// account.
	LocalDeviceIDs() ([]DeviceID, error)
	SaveLocalDeviceIDs(ids []DeviceID) error

	// SignedPreKeys returns the current and previous signed pre-key.
	// previous is nil within the first rotation period.
	SignedPreKeys() (current, previous *omemoid.SignedPreKey, err error)
	SaveSignedPreKeys(current, previous *omemoid.SignedPreKey) error

	// PreKeys lists the one-time pre-key pool.
	PreKeys() ([]*omemoid.PreKey, error)
	PreKey(id uint32) (*omemoid.PreKey, error)
	SavePreKey(pk *omemoid.PreKey) error

	// DeletePreKey removes a consumed one-time pre-key. Deleting an
	// unknown id is not an error.
	DeletePreKey(id uint32) error

	// Session returns the stored session with the given device, or
	// ErrNotFound.
	Session(d Device) (*SessionRecord, error)
	SaveSession(d Device, r *SessionRecord) error
	DeleteSession(d Device) error

	// DeviceList returns the cached device list of owner, or
	// ErrNotFound when the owner was never seen.
	DeviceList(owner string) (*CachedDeviceList, error)
	SaveDeviceList(owner string, l *CachedDeviceList) error

	// Fingerprint returns the last known identity fingerprint of a
	// device, or ErrNotFound.
	Fingerprint(d Device) (string, error)
	SaveFingerprint(d Device, fingerprint string) error

	// ConsumedPreKeys lists bundle pre-key ids already consumed against
	// the given peer device, preventing reuse across bundle refetches.
	ConsumedPreKeys(peer Device) ([]uint32, error)
	MarkPreKeyConsumed(peer Device, id uint32) error

	// LastRotation returns the time of the last signed pre-key rotation
	// (zero time when never rotated).
	LastRotation() (time.Time, error)
	SaveLastRotation(t time.Time) error
}
