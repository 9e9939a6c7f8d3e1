// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wire defines the OMEMO on-wire elements (encrypted envelope,
// published device list and pre-key bundle) and the PEP node names they are
// published at. Binary values are carried base64 encoded, matching the
// axolotl XML namespace.
package wire

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/companyzero/omemo/omemoid"
)

const (
	// Namespace is the legacy OMEMO namespace (protocol version 0).
	Namespace = "eu.siacs.conversations.axolotl"

	// DeviceListNode is the PEP node holding a user's device list.
	DeviceListNode = Namespace + ".devicelist"

	// DeviceListNotifyFeature is advertised via service discovery so the
	// server pushes device list updates.
	DeviceListNotifyFeature = DeviceListNode + "+notify"

	// bundleNodePrefix prefixes per-device bundle PEP nodes.
	bundleNodePrefix = Namespace + ".bundles:"

	// EMENamespace is the explicit message encryption hint namespace.
	EMENamespace = "urn:xmpp:eme:0"

	// HintsNamespace is the message processing hints namespace.
	HintsNamespace = "urn:xmpp:hints"

	// BodyHint is the sentinel body attached to encrypted messages for
	// clients that do not speak OMEMO.
	BodyHint = "I sent you an OMEMO encrypted message but your client " +
		"doesn't seem to support that. Find more information on " +
		"https://conversations.im/omemo"
)

var ErrMalformedElement = errors.New("wire: malformed element")

// BundleNode returns the PEP node name holding the bundle of the given
// device id.
func BundleNode(deviceID uint32) string {
	return bundleNodePrefix + strconv.FormatUint(uint64(deviceID), 10)
}

// DeviceIDFromBundleNode extracts the device id from a bundle node name.
func DeviceIDFromBundleNode(node string) (uint32, bool) {
	s, ok := strings.CutPrefix(node, bundleNodePrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedElement, err)
	}
	return b, nil
}

// EncryptedElement is the OMEMO envelope: a header naming the sending
// device, one wrapped key per recipient device, the payload IV and the
// optional payload ciphertext (absent on key transport elements).
type EncryptedElement struct {
	XMLName xml.Name `xml:"eu.siacs.conversations.axolotl encrypted"`
	Header  Header   `xml:"header"`
	Payload string   `xml:"payload,omitempty"`
}

// Header carries the sender device id, the payload IV and the per-recipient
// wrapped keys.
type Header struct {
	SID  uint32 `xml:"sid,attr"`
	Keys []Key  `xml:"key"`
	IV   string `xml:"iv"`
}

// Key is one wrapped payload key, addressed to a recipient device id. The
// prekey attribute flags a message carrying the X3DH prelude.
type Key struct {
	RID    uint32 `xml:"rid,attr"`
	PreKey bool   `xml:"prekey,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// SetIV sets the base64 encoded payload IV.
func (e *EncryptedElement) SetIV(iv []byte) {
	e.Header.IV = b64(iv)
}

// IV decodes the payload IV.
func (e *EncryptedElement) IV() ([]byte, error) {
	return unb64(e.Header.IV)
}

// SetPayload sets the base64 encoded payload ciphertext.
func (e *EncryptedElement) SetPayload(ct []byte) {
	e.Payload = b64(ct)
}

// PayloadBytes decodes the payload ciphertext. A nil return with nil error
// means the element is a key transport element.
func (e *EncryptedElement) PayloadBytes() ([]byte, error) {
	if e.Payload == "" {
		return nil, nil
	}
	return unb64(e.Payload)
}

// AddKey appends a wrapped key for the given recipient device.
func (e *EncryptedElement) AddKey(rid uint32, prekey bool, wrapped []byte) {
	e.Header.Keys = append(e.Header.Keys, Key{
		RID:    rid,
		PreKey: prekey,
		Value:  b64(wrapped),
	})
}

// KeyFor returns the wrapped key addressed to the given device id, or nil.
func (e *EncryptedElement) KeyFor(rid uint32) *Key {
	for i := range e.Header.Keys {
		if e.Header.Keys[i].RID == rid {
			return &e.Header.Keys[i]
		}
	}
	return nil
}

// Wrapped decodes the wrapped key material.
func (k *Key) Wrapped() ([]byte, error) {
	return unb64(k.Value)
}

// Marshal serializes the element.
func (e *EncryptedElement) Marshal() ([]byte, error) {
	return xml.Marshal(e)
}

// ParseEncrypted parses a serialized encrypted element.
func ParseEncrypted(b []byte) (*EncryptedElement, error) {
	e := new(EncryptedElement)
	if err := xml.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedElement, err)
	}
	return e, nil
}

// DeviceListElement is the published list of active device ids of one user.
type DeviceListElement struct {
	XMLName xml.Name      `xml:"eu.siacs.conversations.axolotl list"`
	Devices []DeviceEntry `xml:"device"`
}

// DeviceEntry is a single device id in a device list.
type DeviceEntry struct {
	ID uint32 `xml:"id,attr"`
}

// NewDeviceListElement builds a device list element from a set of ids.
func NewDeviceListElement(ids []uint32) *DeviceListElement {
	l := new(DeviceListElement)
	for _, id := range ids {
		l.Devices = append(l.Devices, DeviceEntry{ID: id})
	}
	return l
}

// IDs returns the device ids named by the list.
func (l *DeviceListElement) IDs() []uint32 {
	ids := make([]uint32, 0, len(l.Devices))
	for _, d := range l.Devices {
		ids = append(ids, d.ID)
	}
	return ids
}

// Marshal serializes the element.
func (l *DeviceListElement) Marshal() ([]byte, error) {
	return xml.Marshal(l)
}

// ParseDeviceList parses a serialized device list element.
func ParseDeviceList(b []byte) (*DeviceListElement, error) {
	l := new(DeviceListElement)
	if err := xml.Unmarshal(b, l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedElement, err)
	}
	return l, nil
}

// BundleElement is the published pre-key bundle of one device.
type BundleElement struct {
	XMLName               xml.Name           `xml:"eu.siacs.conversations.axolotl bundle"`
	SignedPreKeyPublic    SignedPreKeyPublic `xml:"signedPreKeyPublic"`
	SignedPreKeySignature string             `xml:"signedPreKeySignature"`
	IdentityKey           string             `xml:"identityKey"`
	PreKeys               PreKeyList         `xml:"prekeys"`
}

// SignedPreKeyPublic is the public half of the current signed pre-key.
type SignedPreKeyPublic struct {
	ID    uint32 `xml:"signedPreKeyId,attr"`
	Value string `xml:",chardata"`
}

// PreKeyList wraps the one-time pre-key publics of a bundle.
type PreKeyList struct {
	Keys []PreKeyPublic `xml:"preKeyPublic"`
}

// PreKeyPublic is the public half of one one-time pre-key.
type PreKeyPublic struct {
	ID    uint32 `xml:"preKeyId,attr"`
	Value string `xml:",chardata"`
}

// NewBundleElement assembles a bundle element from the published key
// material. The identity key value carries the X25519 DH key followed by
// the ed25519 signing key.
func NewBundleElement(identity omemoid.PublicIdentity, spkID uint32,
	spkPub omemoid.FixedSizeX25519Public, spkSig omemoid.FixedSizeSignature,
	preKeys []PreKeyPublic) *BundleElement {

	idBlob := make([]byte, 0, 64)
	idBlob = append(idBlob, identity.DHKey[:]...)
	idBlob = append(idBlob, identity.SigKey[:]...)

	return &BundleElement{
		SignedPreKeyPublic: SignedPreKeyPublic{
			ID:    spkID,
			Value: b64(spkPub[:]),
		},
		SignedPreKeySignature: b64(spkSig[:]),
		IdentityKey:           b64(idBlob),
		PreKeys:               PreKeyList{Keys: preKeys},
	}
}

// NewPreKeyPublic encodes one one-time pre-key public.
func NewPreKeyPublic(id uint32, pub omemoid.FixedSizeX25519Public) PreKeyPublic {
	return PreKeyPublic{ID: id, Value: b64(pub[:])}
}

// Identity decodes the bundle's identity key pair of publics.
func (b *BundleElement) Identity() (omemoid.PublicIdentity, error) {
	var pid omemoid.PublicIdentity
	blob, err := unb64(b.IdentityKey)
	if err != nil {
		return pid, err
	}
	if len(blob) != 64 {
		return pid, fmt.Errorf("%w: identity key length %d",
			ErrMalformedElement, len(blob))
	}
	if err := pid.DHKey.FromBytes(blob[:32]); err != nil {
		return pid, err
	}
	if err := pid.SigKey.FromBytes(blob[32:]); err != nil {
		return pid, err
	}
	return pid, nil
}

// SignedPreKey decodes the signed pre-key public and its signature.
func (b *BundleElement) SignedPreKey() (id uint32,
	pub omemoid.FixedSizeX25519Public, sig omemoid.FixedSizeSignature, err error) {

	id = b.SignedPreKeyPublic.ID
	var blob []byte
	if blob, err = unb64(b.SignedPreKeyPublic.Value); err != nil {
		return
	}
	if err = pub.FromBytes(blob); err != nil {
		return
	}
	if blob, err = unb64(b.SignedPreKeySignature); err != nil {
		return
	}
	err = sig.FromBytes(blob)
	return
}

// PreKey decodes the one-time pre-key with the given id, if present.
func (b *BundleElement) PreKey(id uint32) (*omemoid.FixedSizeX25519Public, error) {
	for _, pk := range b.PreKeys.Keys {
		if pk.ID != id {
			continue
		}
		blob, err := unb64(pk.Value)
		if err != nil {
			return nil, err
		}
		var pub omemoid.FixedSizeX25519Public
		if err := pub.FromBytes(blob); err != nil {
			return nil, err
		}
		return &pub, nil
	}
	return nil, nil
}

// PreKeyIDs lists the one-time pre-key ids offered by the bundle.
func (b *BundleElement) PreKeyIDs() []uint32 {
	ids := make([]uint32, 0, len(b.PreKeys.Keys))
	for _, pk := range b.PreKeys.Keys {
		ids = append(ids, pk.ID)
	}
	return ids
}

// Marshal serializes the element.
func (b *BundleElement) Marshal() ([]byte, error) {
	return xml.Marshal(b)
}

// ParseBundle parses a serialized bundle element.
func ParseBundle(b []byte) (*BundleElement, error) {
	e := new(BundleElement)
	if err := xml.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedElement, err)
	}
	return e, nil
}
