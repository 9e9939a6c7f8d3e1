// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/companyzero/omemo/omemoid"
)

func TestBundleNode(t *testing.T) {
	node := BundleNode(1001)
	if node != "eu.siacs.conversations.axolotl.bundles:1001" {
		t.Fatalf("unexpected node name %q", node)
	}

	id, ok := DeviceIDFromBundleNode(node)
	if !ok || id != 1001 {
		t.Fatalf("got (%d, %v)", id, ok)
	}

	if _, ok := DeviceIDFromBundleNode(DeviceListNode); ok {
		t.Fatal("device list node parsed as bundle node")
	}
}

func TestEncryptedElement(t *testing.T) {
	e := new(EncryptedElement)
	e.Header.SID = 1001
	e.SetIV(bytes.Repeat([]byte{0x0a}, 12))
	e.SetPayload([]byte("ciphertext-without-tag"))
	e.AddKey(2001, true, []byte("wrapped-for-2001"))
	e.AddKey(2002, true, []byte("wrapped-for-2002"))

	blob, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(blob), `sid="1001"`) {
		t.Fatalf("missing sid attr: %s", blob)
	}
	if !strings.Contains(string(blob), `prekey="true"`) {
		t.Fatalf("missing prekey attr: %s", blob)
	}

	parsed, err := ParseEncrypted(blob)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Header.SID != 1001 {
		t.Fatalf("sid %d", parsed.Header.SID)
	}
	iv, err := parsed.IV()
	if err != nil {
		t.Fatal(err)
	}
	if len(iv) != 12 {
		t.Fatalf("iv length %d", len(iv))
	}
	if parsed.KeyFor(2002) == nil || parsed.KeyFor(9999) != nil {
		t.Fatal("KeyFor misbehaves")
	}
	wrapped, err := parsed.KeyFor(2001).Wrapped()
	if err != nil {
		t.Fatal(err)
	}
	if string(wrapped) != "wrapped-for-2001" {
		t.Fatalf("wrapped %q", wrapped)
	}
	payload, err := parsed.PayloadBytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "ciphertext-without-tag" {
		t.Fatalf("payload %q", payload)
	}
}

func TestKeyTransportElement(t *testing.T) {
	e := new(EncryptedElement)
	e.Header.SID = 7
	e.SetIV(make([]byte, 12))
	e.AddKey(8, false, []byte("w"))

	blob, err := e.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(blob), "<payload>") {
		t.Fatalf("key transport element has payload: %s", blob)
	}

	parsed, err := ParseEncrypted(blob)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := parsed.PayloadBytes()
	if err != nil {
		t.Fatal(err)
	}
	if payload != nil {
		t.Fatal("expected absent payload")
	}
	if parsed.KeyFor(8).PreKey {
		t.Fatal("prekey flag set")
	}
}

func TestDeviceListElement(t *testing.T) {
	l := NewDeviceListElement([]uint32{1001, 1002})
	blob, err := l.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseDeviceList(blob)
	if err != nil {
		t.Fatal(err)
	}
	ids := parsed.IDs()
	if len(ids) != 2 || ids[0] != 1001 || ids[1] != 1002 {
		t.Fatalf("ids %v", ids)
	}

	// Empty list still parses.
	blob, err = NewDeviceListElement(nil).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err = ParseDeviceList(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.IDs()) != 0 {
		t.Fatal("expected empty list")
	}
}

func TestBundleElement(t *testing.T) {
	id := omemoid.MustNew()
	spk, err := omemoid.NewSignedPreKey(3, id)
	if err != nil {
		t.Fatal(err)
	}
	pk1, _ := omemoid.NewPreKey(10)
	pk2, _ := omemoid.NewPreKey(11)

	b := NewBundleElement(id.Public, spk.ID, spk.Public, spk.Signature,
		[]PreKeyPublic{
			NewPreKeyPublic(pk1.ID, pk1.Public),
			NewPreKeyPublic(pk2.ID, pk2.Public),
		})

	blob, err := b.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseBundle(blob)
	if err != nil {
		t.Fatal(err)
	}

	gotID, err := parsed.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if gotID != id.Public {
		t.Fatal("identity mismatch")
	}

	spkID, spkPub, spkSig, err := parsed.SignedPreKey()
	if err != nil {
		t.Fatal(err)
	}
	if spkID != 3 || spkPub != spk.Public {
		t.Fatal("signed pre-key mismatch")
	}
	if !omemoid.VerifySignedPreKey(spkPub, &spkSig, gotID) {
		t.Fatal("signature does not verify after round trip")
	}

	pub, err := parsed.PreKey(11)
	if err != nil {
		t.Fatal(err)
	}
	if pub == nil || *pub != pk2.Public {
		t.Fatal("pre-key 11 mismatch")
	}
	missing, err := parsed.PreKey(999)
	if err != nil || missing != nil {
		t.Fatal("unexpected pre-key 999")
	}
	if len(parsed.PreKeyIDs()) != 2 {
		t.Fatalf("pre-key ids %v", parsed.PreKeyIDs())
	}
}
