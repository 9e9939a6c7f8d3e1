// Copyright (c) 2025 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package memtransport implements the client's Connection and PubSub
// capabilities over process memory: stanzas route between accounts
// (including sent-carbon fanout to a sender's other connections) and PEP
// nodes live in a shared map. It backs tests and the demo binary; a real
// deployment plugs an XMPP stack into the same interfaces.
package memtransport

import (
	"context"
	"sync"

	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/wire"
)

// Network is one simulated server: a set of accounts with stanza routing
// and PEP nodes.
type Network struct {
	mtx           sync.Mutex
	nodes         map[string]map[string][]byte
	conns         []*Conn
	dlSubs        []func(from string, payload []byte)
	publishCounts map[string]int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:         make(map[string]map[string][]byte),
		publishCounts: make(map[string]int),
	}
}

// Account creates a connection plus pubsub handle for the given bare jid.
func (n *Network) Account(jid string) (*Conn, *PubSub) {
	conn := &Conn{net: n, jid: jid}
	n.mtx.Lock()
	n.conns = append(n.conns, conn)
	n.mtx.Unlock()
	return conn, &PubSub{net: n, jid: jid}
}

// route delivers a stanza to every connection of the destination account
// and, as a sent carbon, to the sender's other connections.
func (n *Network) route(sender *Conn, msg *clientintf.MessageStanza) {
	n.mtx.Lock()
	conns := make([]*Conn, len(n.conns))
	copy(conns, n.conns)
	n.mtx.Unlock()

	for _, conn := range conns {
		switch {
		case conn.jid == msg.To:
			conn.Deliver(clientintf.InboundEnvelope{Stanza: *msg})
		case conn.jid == msg.From && conn != sender:
			conn.Deliver(clientintf.InboundEnvelope{
				Stanza: *msg,
				Carbon: clientintf.CarbonSent,
			})
		}
	}
}

func publishKey(jid, node string) string {
	return jid + "|" + node
}

// publish stores a node payload and fires device list notifications.
func (n *Network) publish(jid, node string, payload []byte) {
	n.mtx.Lock()
	if n.nodes[jid] == nil {
		n.nodes[jid] = make(map[string][]byte)
	}
	n.nodes[jid][node] = payload
	n.publishCounts[publishKey(jid, node)]++
	subs := make([]func(string, []byte), len(n.dlSubs))
	copy(subs, n.dlSubs)
	n.mtx.Unlock()

	if node == wire.DeviceListNode {
		for _, sub := range subs {
			sub(jid, payload)
		}
	}
}

// InjectDeviceListEvent fires device list notifications without storing
// anything, simulating a pushed (possibly stale) list.
func (n *Network) InjectDeviceListEvent(from string, payload []byte) {
	n.mtx.Lock()
	subs := make([]func(string, []byte), len(n.dlSubs))
	copy(subs, n.dlSubs)
	n.mtx.Unlock()
	for _, sub := range subs {
		sub(from, payload)
	}
}

// DeleteNode removes a published node.
func (n *Network) DeleteNode(jid, node string) {
	n.mtx.Lock()
	delete(n.nodes[jid], node)
	n.mtx.Unlock()
}

// Node returns the current payload of a published node.
func (n *Network) Node(jid, node string) ([]byte, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	payload, ok := n.nodes[jid][node]
	return payload, ok
}

// PublishCount returns how many times a node was published.
func (n *Network) PublishCount(jid, node string) int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.publishCounts[publishKey(jid, node)]
}

// Conn is one account connection.
type Conn struct {
	net *Network
	jid string

	mtx      sync.Mutex
	handlers []func(clientintf.InboundEnvelope)
	sent     int
}

var _ clientintf.Connection = (*Conn)(nil)

func (c *Conn) LocalJid() string    { return c.jid }
func (c *Conn) Authenticated() bool { return true }

func (c *Conn) SendMessage(_ context.Context, msg *clientintf.MessageStanza) error {
	c.mtx.Lock()
	c.sent++
	c.mtx.Unlock()
	c.net.route(c, msg)
	return nil
}

func (c *Conn) AddMessageHandler(handler func(clientintf.InboundEnvelope)) {
	c.mtx.Lock()
	c.handlers = append(c.handlers, handler)
	c.mtx.Unlock()
}

func (c *Conn) AddFeature(string) {}

// Deliver hands an envelope to the connection's registered handlers, as if
// it arrived from the network.
func (c *Conn) Deliver(env clientintf.InboundEnvelope) {
	c.mtx.Lock()
	handlers := make([]func(clientintf.InboundEnvelope), len(c.handlers))
	copy(handlers, c.handlers)
	c.mtx.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// SentCount returns how many stanzas were sent over this connection.
func (c *Conn) SentCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sent
}

// PubSub is the PEP handle of one account.
type PubSub struct {
	net *Network
	jid string
}

var _ clientintf.PubSub = (*PubSub)(nil)

func (p *PubSub) Publish(_ context.Context, node string, payload []byte, _ bool) error {
	p.net.publish(p.jid, node, payload)
	return nil
}

func (p *PubSub) Fetch(_ context.Context, jid, node string) ([]byte, error) {
	p.net.mtx.Lock()
	defer p.net.mtx.Unlock()
	payload, ok := p.net.nodes[jid][node]
	if !ok {
		return nil, clientintf.ErrItemNotFound
	}
	return payload, nil
}

func (p *PubSub) SubscribeDeviceLists(handler func(from string, payload []byte)) {
	p.net.mtx.Lock()
	p.net.dlSubs = append(p.net.dlSubs, handler)
	p.net.mtx.Unlock()
}
