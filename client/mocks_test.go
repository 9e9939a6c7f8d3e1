package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/omemo/client/clientdb"
	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/internal/memtransport"
	"github.com/companyzero/omemo/internal/testutils"
)

// memRooms is a static room directory.
type memRooms map[string]*clientintf.RoomInfo

func (r memRooms) RoomInfo(_ context.Context, room string) (*clientintf.RoomInfo, error) {
	info, ok := r[room]
	if !ok {
		return nil, fmt.Errorf("unknown room %q", room)
	}
	return info, nil
}

// mapTrust is a trust callback with explicit per-device decisions. Unknown
// devices are undecided.
type mapTrust struct {
	mtx sync.Mutex
	m   map[clientintf.Device]clientintf.TrustState
}

var _ clientintf.TrustCallback = (*mapTrust)(nil)

func newMapTrust() *mapTrust {
	return &mapTrust{m: make(map[clientintf.Device]clientintf.TrustState)}
}

func (mt *mapTrust) Trust(d clientintf.Device, _ string) clientintf.TrustState {
	mt.mtx.Lock()
	defer mt.mtx.Unlock()
	return mt.m[d]
}

func (mt *mapTrust) SetTrust(d clientintf.Device, _ string, state clientintf.TrustState) {
	mt.mtx.Lock()
	mt.m[d] = state
	mt.mtx.Unlock()
}

func (mt *mapTrust) trust(devices ...clientintf.Device) {
	mt.mtx.Lock()
	for _, d := range devices {
		mt.m[d] = clientintf.TrustTrusted
	}
	mt.mtx.Unlock()
}

func (mt *mapTrust) distrust(devices ...clientintf.Device) {
	mt.mtx.Lock()
	for _, d := range devices {
		mt.m[d] = clientintf.TrustUntrusted
	}
	mt.mtx.Unlock()
}

// testClient bundles one client with its transport handles and trust map.
type testClient struct {
	*Client
	conn  *memtransport.Conn
	trust *mapTrust
	jid   string
}

func (tc *testClient) device() clientintf.Device {
	return tc.LocalDevice()
}

// plaintextChan registers a listener collecting decrypted messages.
func (tc *testClient) plaintextChan() chan DecryptedMessage {
	ch := make(chan DecryptedMessage, 16)
	tc.AddMessageListener(func(msg DecryptedMessage, _ MessageInfo) {
		ch <- msg
	})
	return ch
}

// newTestClient creates and initializes a client on the given network with
// a fixed device id.
func newTestClient(t testing.TB, net *memtransport.Network, jid string,
	devID clientintf.DeviceID, rooms memRooms) *testClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := clientdb.New(ctx, clientdb.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	// Pin the device id so tests can use literal values.
	if err := db.SaveLocalDeviceIDs([]clientintf.DeviceID{devID}); err != nil {
		t.Fatal(err)
	}

	conn, pubsub := net.Account(jid)
	var roomRes clientintf.RoomResolver
	if rooms != nil {
		roomRes = rooms
	}
	c, err := New(Config{
		Conn:   conn,
		PubSub: pubsub,
		Rooms:  roomRes,
		DB:     db,
		Logger: testutils.TestLoggerBackend(t, fmt.Sprintf("%s:%d", jid, devID)),

		// Small pool sizes keep test logs readable.
		PreKeyPoolTarget:   10,
		PreKeyPoolLowWater: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	trust := newMapTrust()
	if err := c.SetTrustCallback(trust); err != nil {
		t.Fatal(err)
	}

	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	return &testClient{Client: c, conn: conn, trust: trust, jid: jid}
}

func testCtx(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
