// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package clientdb

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/omemoid"
)

// DB must satisfy the client's key store requirements.
var _ clientintf.KeyStore = (*DB)(nil)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(context.Background(), Config{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLocalIdentity(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.LocalIdentity(); !errors.Is(err, clientintf.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	id := omemoid.MustNew()
	if err := db.SaveLocalIdentity(id); err != nil {
		t.Fatal(err)
	}
	got, err := db.LocalIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(id, got) {
		t.Fatal("identity mismatch after reload")
	}
}

func TestPreKeyPool(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []uint32{5, 1, 3} {
		pk, err := omemoid.NewPreKey(id)
		if err != nil {
			t.Fatal(err)
		}
		if err := db.SavePreKey(pk); err != nil {
			t.Fatal(err)
		}
	}

	pks, err := db.PreKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(pks) != 3 {
		t.Fatalf("pool size %d", len(pks))
	}
	// Sorted by id.
	for i, want := range []uint32{1, 3, 5} {
		if pks[i].ID != want {
			t.Fatalf("pool[%d].ID = %d, want %d", i, pks[i].ID, want)
		}
	}

	if err := db.DeletePreKey(3); err != nil {
		t.Fatal(err)
	}
	if _, err := db.PreKey(3); !errors.Is(err, clientintf.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound after delete", err)
	}

	// Deleting again is not an error.
	if err := db.DeletePreKey(3); err != nil {
		t.Fatal(err)
	}
}

func TestSessions(t *testing.T) {
	db := newTestDB(t)
	dev := clientintf.Device{Owner: "bob@example.org", ID: 2001}

	if _, err := db.Session(dev); !errors.Is(err, clientintf.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	rec := &clientintf.SessionRecord{
		State:               clientintf.SessionPendingKX,
		IdentityFingerprint: "aabbcc",
	}
	if err := db.SaveSession(dev, rec); err != nil {
		t.Fatal(err)
	}
	got, err := db.Session(dev)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != clientintf.SessionPendingKX || got.IdentityFingerprint != "aabbcc" {
		t.Fatal("session mismatch")
	}

	// Same id under a different owner is a distinct session.
	other := clientintf.Device{Owner: "carol@example.org", ID: 2001}
	if _, err := db.Session(other); !errors.Is(err, clientintf.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound for other owner", err)
	}

	if err := db.DeleteSession(dev); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Session(dev); !errors.Is(err, clientintf.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound after delete", err)
	}
}

func TestDeviceListsAndFingerprints(t *testing.T) {
	db := newTestDB(t)

	l := &clientintf.CachedDeviceList{
		Active:      []clientintf.DeviceID{2001, 2002},
		Inactive:    []clientintf.DeviceID{1999},
		RefreshedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := db.SaveDeviceList("bob@example.org", l); err != nil {
		t.Fatal(err)
	}
	got, err := db.DeviceList("bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(l.Active, got.Active) || !reflect.DeepEqual(l.Inactive, got.Inactive) {
		t.Fatal("device list mismatch")
	}

	dev := clientintf.Device{Owner: "bob@example.org", ID: 2001}
	if err := db.SaveFingerprint(dev, "deadbeef"); err != nil {
		t.Fatal(err)
	}
	fp, err := db.Fingerprint(dev)
	if err != nil {
		t.Fatal(err)
	}
	if fp != "deadbeef" {
		t.Fatalf("fingerprint %q", fp)
	}
}

func TestConsumedPreKeys(t *testing.T) {
	db := newTestDB(t)
	peer := clientintf.Device{Owner: "bob@example.org", ID: 2001}

	ids, err := db.ConsumedPreKeys(peer)
	if err != nil || ids != nil {
		t.Fatalf("got (%v, %v)", ids, err)
	}

	if err := db.MarkPreKeyConsumed(peer, 42); err != nil {
		t.Fatal(err)
	}
	// Marking twice stays idempotent.
	if err := db.MarkPreKeyConsumed(peer, 42); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkPreKeyConsumed(peer, 43); err != nil {
		t.Fatal(err)
	}

	ids, err = db.ConsumedPreKeys(peer)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []uint32{42, 43}) {
		t.Fatalf("consumed ids %v", ids)
	}
}

func TestLastRotation(t *testing.T) {
	db := newTestDB(t)

	ts, err := db.LastRotation()
	if err != nil {
		t.Fatal(err)
	}
	if !ts.IsZero() {
		t.Fatal("expected zero time before first rotation")
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := db.SaveLastRotation(now); err != nil {
		t.Fatal(err)
	}
	ts, err = db.LastRotation()
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(now) {
		t.Fatalf("got %v, want %v", ts, now)
	}
}
