// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package testrelay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/channel"
	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/crypto/tap"
	"github.com/katzenpost/onion/core/pki"
	"github.com/katzenpost/onion/core/worker"
)

const extendDataLength = 4 + 2 + tap.OnionSkinLength + pki.FingerprintLength

// Network is a set of relays reachable from each other.  It implements
// channel.Provider, handing out in-memory links to the entry relay.
type Network struct {
	sync.Mutex

	log    *logging.Logger
	relays map[string]*Relay
	links  []*Link
}

// NewRelays creates count relays on 10.0.0.0/24 and adds them to the
// network.
func (n *Network) NewRelays(count int) ([]*Relay, error) {
	ret := make([]*Relay, 0, count)
	for i := 0; i < count; i++ {
		r, err := New(fmt.Sprintf("relay%d", i), net.IPv4(10, 0, 0, byte(i+1)), 9001)
		if err != nil {
			return nil, err
		}
		n.Add(r)
		ret = append(ret, r)
	}
	return ret, nil
}

// Add adds a relay to the network.
func (n *Network) Add(r *Relay) {
	n.Lock()
	defer n.Unlock()
	n.relays[r.Descriptor.AddrPort()] = r
}

// Links returns every link handed out so far.
func (n *Network) Links() []*Link {
	n.Lock()
	defer n.Unlock()
	return append([]*Link(nil), n.links...)
}

// Dial opens an in-memory link to the relay described by desc.
func (n *Network) Dial(ctx context.Context, desc *pki.RelayDescriptor) (channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := n.lookup(desc.AddrPort(), desc.Fingerprint())
	if err != nil {
		return nil, err
	}

	clientConn, relayConn := net.Pipe()
	l := &Link{
		net:      n,
		log:      n.log,
		entry:    r,
		conn:     relayConn,
		circuits: make(map[cell.CircuitID]Chain),
	}
	n.Lock()
	n.links = append(n.links, l)
	n.Unlock()

	l.Go(l.worker)
	return clientConn, nil
}

func (n *Network) lookup(addr string, fp [pki.FingerprintLength]byte) (*Relay, error) {
	n.Lock()
	defer n.Unlock()

	r, ok := n.relays[addr]
	if !ok {
		return nil, fmt.Errorf("testrelay: no relay at %v", addr)
	}
	if r.Descriptor.Fingerprint() != fp {
		return nil, fmt.Errorf("testrelay: identity mismatch for %v", addr)
	}
	return r, nil
}

// Link is the relay end of a link from a client to an entry relay.
type Link struct {
	worker.Worker
	sync.Mutex

	net   *Network
	log   *logging.Logger
	entry *Relay
	conn  net.Conn

	circuitsLock sync.Mutex
	circuits     map[cell.CircuitID]Chain
}

// Circuits returns the number of circuits open on the link.
func (l *Link) Circuits() int {
	l.circuitsLock.Lock()
	defer l.circuitsLock.Unlock()
	return len(l.circuits)
}

// Depth returns the number of relay side hops of circuit id.
func (l *Link) Depth(id cell.CircuitID) int {
	l.circuitsLock.Lock()
	defer l.circuitsLock.Unlock()
	return len(l.circuits[id])
}

// Destroy tears down circuit id and notifies the client.
func (l *Link) Destroy(id cell.CircuitID, reason cell.DestroyReason) error {
	l.circuitsLock.Lock()
	delete(l.circuits, id)
	l.circuitsLock.Unlock()
	return l.send(&cell.Destroy{ID: id, Reason: reason})
}

// SendRaw writes b to the client as is.
func (l *Link) SendRaw(b []byte) error {
	l.Lock()
	defer l.Unlock()
	_, err := l.conn.Write(b)
	return err
}

// Close closes the link.
func (l *Link) Close() error {
	err := l.conn.Close()
	l.Halt()
	return err
}

func (l *Link) send(c cell.Cell) error {
	return l.SendRaw(c.ToBytes())
}

func (l *Link) worker() {
	defer l.conn.Close()

	var b [cell.CellLength]byte
	for {
		if _, err := io.ReadFull(l.conn, b[:]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				l.log.Debugf("%v: read: %v", l.entry.Descriptor.Name, err)
			}
			return
		}
		c, err := cell.FromBytes(b[:])
		if err != nil {
			l.log.Debugf("%v: dropping cell: %v", l.entry.Descriptor.Name, err)
			continue
		}

		switch c := c.(type) {
		case *cell.Create:
			l.onCreate(c)
		case *cell.Relay:
			l.onRelay(c)
		case *cell.Destroy:
			l.circuitsLock.Lock()
			delete(l.circuits, c.ID)
			l.circuitsLock.Unlock()
		case *cell.Padding:
		default:
			l.log.Debugf("%v: unexpected %v cell", l.entry.Descriptor.Name, c.Command())
		}
	}
}

func (l *Link) onCreate(c *cell.Create) {
	l.circuitsLock.Lock()
	_, exists := l.circuits[c.ID]
	l.circuitsLock.Unlock()
	if exists {
		l.Destroy(c.ID, cell.ReasonProtocol)
		return
	}
	if l.entry.silent.Load() {
		return
	}

	reply, h, err := l.entry.Handshake(c.Payload[:])
	if err != nil {
		l.log.Debugf("%v: create %d: %v", l.entry.Descriptor.Name, c.ID, err)
		l.Destroy(c.ID, cell.ReasonProtocol)
		return
	}

	l.circuitsLock.Lock()
	l.circuits[c.ID] = Chain{h}
	l.circuitsLock.Unlock()

	created := &cell.Created{ID: c.ID}
	copy(created.Payload[:], reply)
	l.send(created)
	if l.entry.repeat.Load() {
		l.send(created)
	}
}

func (l *Link) onRelay(c *cell.Relay) {
	l.circuitsLock.Lock()
	chain, ok := l.circuits[c.ID]
	l.circuitsLock.Unlock()
	if !ok {
		return
	}

	p := c.Payload
	i, rc, ok := chain.Receive(&p)
	if !ok {
		l.log.Debugf("%v: circuit %d: unrecognized relay cell", l.entry.Descriptor.Name, c.ID)
		l.Destroy(c.ID, cell.ReasonProtocol)
		return
	}

	switch rc.Command {
	case cell.RelayExtend:
		l.onExtend(c.ID, chain, i, rc)
	case cell.RelayData:
		l.reply(c.ID, chain, i, &cell.RelayCell{
			Command:  cell.RelayData,
			StreamID: rc.StreamID,
			Data:     rc.Data,
		})
	case cell.RelayBegin:
		l.reply(c.ID, chain, i, &cell.RelayCell{
			Command:  cell.RelayConnected,
			StreamID: rc.StreamID,
		})
	case cell.RelayTruncate:
		chain = chain[:i+1]
		l.circuitsLock.Lock()
		l.circuits[c.ID] = chain
		l.circuitsLock.Unlock()
		l.reply(c.ID, chain, i, &cell.RelayCell{Command: cell.RelayTruncated})
	case cell.RelayDrop:
	default:
		l.log.Debugf("%v: circuit %d: ignoring %v", l.entry.Descriptor.Name, c.ID, rc.Command)
	}
}

func (l *Link) onExtend(id cell.CircuitID, chain Chain, i int, rc *cell.RelayCell) {
	fail := func(reason cell.DestroyReason) {
		l.reply(id, chain, i, &cell.RelayCell{
			Command: cell.RelayTruncated,
			Data:    []byte{byte(reason)},
		})
	}
	if len(rc.Data) != extendDataLength {
		fail(cell.ReasonProtocol)
		return
	}

	addr := net.JoinHostPort(net.IP(rc.Data[0:4]).String(), fmt.Sprintf("%d", binary.BigEndian.Uint16(rc.Data[4:6])))
	skin := rc.Data[6 : 6+tap.OnionSkinLength]
	var fp [pki.FingerprintLength]byte
	copy(fp[:], rc.Data[6+tap.OnionSkinLength:])

	next, err := l.net.lookup(addr, fp)
	if err != nil {
		l.log.Debugf("%v: circuit %d: extend: %v", l.entry.Descriptor.Name, id, err)
		fail(cell.ReasonConnectFailed)
		return
	}
	if next.silent.Load() {
		return
	}
	reply, h, err := next.Handshake(skin)
	if err != nil {
		l.log.Debugf("%v: circuit %d: extend: %v", l.entry.Descriptor.Name, id, err)
		fail(cell.ReasonProtocol)
		return
	}

	// Any stale successor of hop i is replaced.
	chain = append(chain[:i+1:i+1], h)
	l.circuitsLock.Lock()
	l.circuits[id] = chain
	l.circuitsLock.Unlock()

	l.reply(id, chain, i, &cell.RelayCell{
		Command: cell.RelayExtended,
		Data:    reply,
	})
}

func (l *Link) reply(id cell.CircuitID, chain Chain, i int, rc *cell.RelayCell) {
	p, err := chain.Send(i, rc)
	if err != nil {
		l.log.Debugf("%v: circuit %d: %v", l.entry.Descriptor.Name, id, err)
		return
	}
	l.send(&cell.Relay{ID: id, Payload: *p})
}

// NewNetwork returns an empty network.
func NewNetwork(log *logging.Logger) *Network {
	return &Network{
		log:    log,
		relays: make(map[string]*Relay),
	}
}
