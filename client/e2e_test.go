package client

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/internal/assert"
	"github.com/companyzero/omemo/internal/memtransport"
	"github.com/companyzero/omemo/wire"
)

const (
	aliceJid = "alice@example.org"
	bobJid   = "bob@example.org"
	carolJid = "carol@example.org"
)

// TestSingleRecipientHappyPath covers the basic flow: alice's device 1001
// sends to bob's two trusted devices; the element has the expected shape
// and both devices decrypt the original plaintext.
func TestSingleRecipientHappyPath(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob1 := newTestClient(t, net, bobJid, 2001, nil)
	bob2 := newTestClient(t, net, bobJid, 2002, nil)

	alice.trust.trust(bob1.device(), bob2.device())
	bob1.trust.trust(alice.device())
	bob2.trust.trust(alice.device())

	bob1Msgs := bob1.plaintextChan()
	bob2Msgs := bob2.plaintextChan()

	ctx := testCtx(t)
	el, err := alice.Encrypt(ctx, []string{bobJid}, []byte("hello"))
	assert.NilErr(t, err)

	if el.Header.SID != 1001 {
		t.Fatalf("sid %d, want 1001", el.Header.SID)
	}
	if len(el.Header.Keys) != 2 {
		t.Fatalf("%d keys, want 2", len(el.Header.Keys))
	}
	var rids []uint32
	for _, k := range el.Header.Keys {
		rids = append(rids, k.RID)
		// First contact: every wrapped key carries the pre-key
		// prelude.
		assert.BoolIs(t, k.PreKey, true)
	}
	assert.Contains(t, rids, uint32(2001))
	assert.Contains(t, rids, uint32(2002))
	iv, err := el.IV()
	assert.NilErr(t, err)
	if len(iv) != 12 {
		t.Fatalf("iv length %d, want 12", len(iv))
	}
	if el.Payload == "" {
		t.Fatal("missing payload")
	}

	assert.NilErr(t, alice.conn.SendMessage(ctx, alice.buildStanza(bobJid, el)))

	for _, ch := range []chan DecryptedMessage{bob1Msgs, bob2Msgs} {
		msg := assert.ChanWritten(t, ch)
		if !bytes.Equal(msg.Plaintext, []byte("hello")) {
			t.Fatalf("plaintext %q", msg.Plaintext)
		}
		if msg.Sender != alice.device() {
			t.Fatalf("sender %s", msg.Sender)
		}
	}
}

// TestUndecidedGate asserts that a single undecided device aborts the send
// before anything is emitted or persisted.
func TestUndecidedGate(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob1 := newTestClient(t, net, bobJid, 2001, nil)
	bob3 := newTestClient(t, net, bobJid, 2003, nil)

	// Only 2001 is trusted; 2003's fingerprint was never decided on.
	alice.trust.trust(bob1.device())

	ctx := testCtx(t)
	sentBefore := alice.conn.SentCount()
	_, err := alice.Encrypt(ctx, []string{bobJid}, []byte("hello"))

	var undecided UndecidedDevicesError
	if !errors.As(err, &undecided) {
		t.Fatalf("got %v, want UndecidedDevicesError", err)
	}
	if len(undecided.Devices) != 1 || undecided.Devices[0] != bob3.device() {
		t.Fatalf("undecided %v", undecided.Devices)
	}

	if alice.conn.SentCount() != sentBefore {
		t.Fatal("stanza was emitted despite undecided device")
	}

	// No sessions were created and no bundle pre-keys were marked
	// consumed for either device.
	for _, d := range []clientintf.Device{bob1.device(), bob3.device()} {
		if ok, _ := alice.HasSession(d); ok {
			t.Fatalf("session with %s exists", d)
		}
		ids, err := alice.db.ConsumedPreKeys(d)
		assert.NilErr(t, err)
		if len(ids) != 0 {
			t.Fatalf("pre-keys consumed for %s: %v", d, ids)
		}
	}
}

// TestSelfSync asserts own other devices receive copies while the sending
// device never encrypts to itself.
func TestSelfSync(t *testing.T) {
	net := memtransport.NewNetwork()
	alice1 := newTestClient(t, net, aliceJid, 1001, nil)
	alice2 := newTestClient(t, net, aliceJid, 1002, nil)
	bob1 := newTestClient(t, net, bobJid, 2001, nil)
	bob2 := newTestClient(t, net, bobJid, 2002, nil)

	alice1.trust.trust(alice2.device(), bob1.device(), bob2.device())
	bob1.trust.trust(alice1.device())
	bob2.trust.trust(alice1.device())
	alice2.trust.trust(alice1.device())

	alice1Msgs := alice1.plaintextChan()
	alice2Msgs := alice2.plaintextChan()

	ctx := testCtx(t)
	el, err := alice1.Encrypt(ctx, []string{bobJid}, []byte("sync me"))
	assert.NilErr(t, err)

	var rids []uint32
	for _, k := range el.Header.Keys {
		rids = append(rids, k.RID)
	}
	assert.Contains(t, rids, uint32(2001))
	assert.Contains(t, rids, uint32(2002))
	assert.Contains(t, rids, uint32(1002))
	assert.NotContains(t, rids, uint32(1001))

	assert.NilErr(t, alice1.conn.SendMessage(ctx, alice1.buildStanza(bobJid, el)))

	// The other own device reads the sent carbon; the sending device
	// decrypts nothing from its own message.
	msg := assert.ChanWritten(t, alice2Msgs)
	if !bytes.Equal(msg.Plaintext, []byte("sync me")) {
		t.Fatalf("plaintext %q", msg.Plaintext)
	}
	assert.ChanNotWritten(t, alice1Msgs, 100*time.Millisecond)
}

// TestGroupChat covers MUC sends: members-only non-anonymous rooms expand
// to all members' trusted devices, anything else has no OMEMO support.
func TestGroupChat(t *testing.T) {
	net := memtransport.NewNetwork()
	rooms := memRooms{
		"room@conf": &clientintf.RoomInfo{
			Occupants:    []string{aliceJid, bobJid, carolJid},
			MembersOnly:  true,
			NonAnonymous: true,
		},
		"open@conf": &clientintf.RoomInfo{
			Occupants:    []string{aliceJid, bobJid},
			MembersOnly:  false,
			NonAnonymous: true,
		},
	}
	alice := newTestClient(t, net, aliceJid, 1001, rooms)
	bob := newTestClient(t, net, bobJid, 2001, rooms)
	carol := newTestClient(t, net, carolJid, 3001, rooms)

	alice.trust.trust(bob.device(), carol.device())

	ctx := testCtx(t)
	el, err := alice.EncryptToRoom(ctx, "room@conf", []byte("hi all"))
	assert.NilErr(t, err)

	var rids []uint32
	for _, k := range el.Header.Keys {
		rids = append(rids, k.RID)
	}
	assert.Contains(t, rids, uint32(2001))
	assert.Contains(t, rids, uint32(3001))

	_, err = alice.EncryptToRoom(ctx, "open@conf", []byte("hi"))
	assert.ErrorIs(t, err, NoOmemoSupportError{})
}

// TestDeviceOmittedRepublish asserts the observer re-enrolls the own device
// id when a published list omits it, with exactly one republish for an
// event storm.
func TestDeviceOmittedRepublish(t *testing.T) {
	net := memtransport.NewNetwork()
	newTestClient(t, net, aliceJid, 1001, nil)
	newTestClient(t, net, aliceJid, 1002, nil)

	countBefore := net.PublishCount(aliceJid, wire.DeviceListNode)

	// A stale list omitting 1001 arrives several times in a row.
	payload, err := wire.NewDeviceListElement([]uint32{1002}).Marshal()
	assert.NilErr(t, err)
	net.InjectDeviceListEvent(aliceJid, payload)
	net.InjectDeviceListEvent(aliceJid, payload)
	net.InjectDeviceListEvent(aliceJid, payload)

	// Wait for the asynchronous republish.
	var list *wire.DeviceListElement
	deadline := time.Now().Add(10 * time.Second)
	for {
		raw, ok := net.Node(aliceJid, wire.DeviceListNode)
		assert.BoolIs(t, ok, true)
		list, err = wire.ParseDeviceList(raw)
		assert.NilErr(t, err)

		ids := list.IDs()
		if len(ids) == 2 {
			assert.Contains(t, ids, uint32(1001))
			assert.Contains(t, ids, uint32(1002))
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("republish did not happen, list %v", ids)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Give any extra republishes a chance to land, then count.
	time.Sleep(100 * time.Millisecond)
	republishes := net.PublishCount(aliceJid, wire.DeviceListNode) - countBefore
	if republishes != 1 {
		t.Fatalf("%d republishes, want exactly 1", republishes)
	}

}

// TestSkippedMessages covers out of order delivery: M1,M2,M3 delivered as
// M2,M3,M1 all decrypt.
func TestSkippedMessages(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob := newTestClient(t, net, bobJid, 2001, nil)

	alice.trust.trust(bob.device())
	bob.trust.trust(alice.device())

	aliceMsgs := alice.plaintextChan()
	ctx := testCtx(t)

	var els []*wire.EncryptedElement
	for _, text := range []string{"M1", "M2", "M3"} {
		el, err := bob.Encrypt(ctx, []string{aliceJid}, []byte(text))
		assert.NilErr(t, err)
		els = append(els, el)
	}

	for _, idx := range []int{1, 2, 0} {
		alice.conn.Deliver(clientintf.InboundEnvelope{
			Stanza: clientintf.MessageStanza{
				From:      bobJid,
				To:        aliceJid,
				Encrypted: els[idx],
			},
		})
	}

	var got []string
	for i := 0; i < 3; i++ {
		msg := assert.ChanWritten(t, aliceMsgs)
		got = append(got, string(msg.Plaintext))
	}
	want := []string{"M2", "M3", "M1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages arrived as %v, want %v", got, want)
		}
	}
}

// TestPreKeyMessageTwice asserts a replayed pre-key message does not
// re-consume the one-time pre-key nor damage the established session.
func TestPreKeyMessageTwice(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob := newTestClient(t, net, bobJid, 2001, nil)

	alice.trust.trust(bob.device())
	bob.trust.trust(alice.device())

	ctx := testCtx(t)
	el, err := alice.Encrypt(ctx, []string{bobJid}, []byte("first"))
	assert.NilErr(t, err)

	msg, _, err := bob.decryptElement(aliceJid, el, false)
	assert.NilErr(t, err)
	if string(msg.Plaintext) != "first" {
		t.Fatalf("plaintext %q", msg.Plaintext)
	}

	poolAfterFirst, err := bob.db.PreKeys()
	assert.NilErr(t, err)

	// Replay of the exact same pre-key message: rejected without
	// touching the pool.
	_, _, err = bob.decryptElement(aliceJid, el, false)
	assert.NonNilErr(t, err)
	assert.BoolIs(t, ErrIsCorrupted(err), true)

	poolAfterReplay, err := bob.db.PreKeys()
	assert.NilErr(t, err)
	if len(poolAfterFirst) != len(poolAfterReplay) {
		t.Fatal("replay consumed a one-time pre-key")
	}

	// The session stays healthy.
	el2, err := alice.Encrypt(ctx, []string{bobJid}, []byte("second"))
	assert.NilErr(t, err)
	msg, _, err = bob.decryptElement(aliceJid, el2, false)
	assert.NilErr(t, err)
	if string(msg.Plaintext) != "second" {
		t.Fatalf("plaintext %q", msg.Plaintext)
	}
}

// TestSignedPreKeyRotationGrace asserts pre-key messages referencing the
// previous signed pre-key generation still decrypt after rotation.
func TestSignedPreKeyRotationGrace(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob := newTestClient(t, net, bobJid, 2001, nil)

	alice.trust.trust(bob.device())

	ctx := testCtx(t)

	// Alice establishes against bob's first-generation signed pre-key.
	el, err := alice.Encrypt(ctx, []string{bobJid}, []byte("pre-rotation"))
	assert.NilErr(t, err)

	// Bob rotates before the message arrives.
	assert.NilErr(t, bob.RotateSignedPreKey(ctx))

	msg, _, err := bob.decryptElement(aliceJid, el, false)
	assert.NilErr(t, err)
	if string(msg.Plaintext) != "pre-rotation" {
		t.Fatalf("plaintext %q", msg.Plaintext)
	}
}

// TestDeviceListReplacement asserts removed devices stop receiving while
// their sessions remain on disk.
func TestDeviceListReplacement(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob1 := newTestClient(t, net, bobJid, 2001, nil)
	bob2 := newTestClient(t, net, bobJid, 2002, nil)

	alice.trust.trust(bob1.device(), bob2.device())

	ctx := testCtx(t)
	el, err := alice.Encrypt(ctx, []string{bobJid}, []byte("both"))
	assert.NilErr(t, err)
	if len(el.Header.Keys) != 2 {
		t.Fatalf("%d keys, want 2", len(el.Header.Keys))
	}

	// Bob's list gets replaced with one excluding 2002.
	payload, err := wire.NewDeviceListElement([]uint32{2001}).Marshal()
	assert.NilErr(t, err)
	net.InjectDeviceListEvent(bobJid, payload)

	el, err = alice.Encrypt(ctx, []string{bobJid}, []byte("only one"))
	assert.NilErr(t, err)
	if len(el.Header.Keys) != 1 || el.Header.Keys[0].RID != 2001 {
		t.Fatalf("keys %v", el.Header.Keys)
	}

	// The prior session with the now-inactive device is retained.
	ok, err := alice.HasSession(bob2.device())
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)
}

// TestCannotEstablish covers partial session establishment failures and
// the retry against successes only.
func TestCannotEstablish(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob1 := newTestClient(t, net, bobJid, 2001, nil)
	bob2 := newTestClient(t, net, bobJid, 2002, nil)

	alice.trust.trust(bob1.device(), bob2.device())

	// 2002's bundle disappears before alice ever fetched it.
	net.DeleteNode(bobJid, wire.BundleNode(2002))

	ctx := testCtx(t)
	_, err := alice.Encrypt(ctx, []string{bobJid}, []byte("partial"))

	var cannot CannotEstablishError
	if !errors.As(err, &cannot) {
		t.Fatalf("got %v, want CannotEstablishError", err)
	}
	if len(cannot.Successes) != 1 || cannot.Successes[0] != bob1.device() {
		t.Fatalf("successes %v", cannot.Successes)
	}
	if _, ok := cannot.Failures[bob2.device()]; !ok {
		t.Fatalf("failures %v", cannot.Failures)
	}
	assert.ErrorIs(t, cannot.Failures[bob2.device()], NoBundleError{})

	// Retry against the successes.
	el, err := alice.EncryptForExistingSessions(cannot.Successes, []byte("partial"))
	assert.NilErr(t, err)
	if len(el.Header.Keys) != 1 || el.Header.Keys[0].RID != 2001 {
		t.Fatalf("keys %v", el.Header.Keys)
	}

	msg, _, err := bob1.decryptElement(aliceJid, el, false)
	assert.NilErr(t, err)
	if string(msg.Plaintext) != "partial" {
		t.Fatalf("plaintext %q", msg.Plaintext)
	}
}

// TestKeyTransport covers the payloadless ratchet update element.
func TestKeyTransport(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob := newTestClient(t, net, bobJid, 2001, nil)

	alice.trust.trust(bob.device())
	bob.trust.trust(alice.device())

	bobMsgs := bob.plaintextChan()

	ctx := testCtx(t)
	assert.NilErr(t, alice.SendRatchetUpdate(ctx, bob.device()))

	msg := assert.ChanWritten(t, bobMsgs)
	assert.BoolIs(t, msg.KeyTransport, true)
	if msg.Plaintext != nil {
		t.Fatalf("key transport delivered plaintext %q", msg.Plaintext)
	}
}

// TestTrustCallbackOnce asserts the trust callback is installable exactly
// once.
func TestTrustCallbackOnce(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)

	err := alice.SetTrustCallback(newMapTrust())
	assert.ErrorIs(t, err, errTrustCallbackSet)
}

// TestUntrustedExcluded asserts untrusted devices are silently dropped
// from sends.
func TestUntrustedExcluded(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob1 := newTestClient(t, net, bobJid, 2001, nil)
	bob2 := newTestClient(t, net, bobJid, 2002, nil)

	alice.trust.trust(bob1.device())
	alice.trust.distrust(bob2.device())

	ctx := testCtx(t)
	el, err := alice.Encrypt(ctx, []string{bobJid}, []byte("selective"))
	assert.NilErr(t, err)
	if len(el.Header.Keys) != 1 || el.Header.Keys[0].RID != 2001 {
		t.Fatalf("keys %v", el.Header.Keys)
	}
}

// TestThreeStrikeReset asserts three consecutive corrupted messages from
// one device reset the session while fewer do not.
func TestThreeStrikeReset(t *testing.T) {
	net := memtransport.NewNetwork()
	alice := newTestClient(t, net, aliceJid, 1001, nil)
	bob := newTestClient(t, net, bobJid, 2001, nil)

	alice.trust.trust(bob.device())
	bob.trust.trust(alice.device())

	ctx := testCtx(t)

	// Establish the session both ways.
	el, err := alice.Encrypt(ctx, []string{bobJid}, []byte("hi"))
	assert.NilErr(t, err)
	_, _, err = bob.decryptElement(aliceJid, el, false)
	assert.NilErr(t, err)
	el, err = bob.Encrypt(ctx, []string{aliceJid}, []byte("hi back"))
	assert.NilErr(t, err)
	_, _, err = alice.decryptElement(bobJid, el, false)
	assert.NilErr(t, err)

	// Deliver the same element two more times: two corrupted strikes.
	for i := 0; i < 2; i++ {
		_, _, err = alice.decryptElement(bobJid, el, false)
		assert.BoolIs(t, ErrIsCorrupted(err), true)
	}
	ok, err := alice.HasSession(bob.device())
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, true)

	// Third strike tears the session down.
	_, _, err = alice.decryptElement(bobJid, el, false)
	assert.BoolIs(t, ErrIsCorrupted(err), true)
	ok, err = alice.HasSession(bob.device())
	assert.NilErr(t, err)
	assert.BoolIs(t, ok, false)
}
