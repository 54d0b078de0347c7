// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit implements the client side state of a layered onion
// circuit: the chain of per-hop crypto contexts, extension, and the
// encrypt/decrypt transforms applied to relay cells.
package circuit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/crypto/tap"
	"github.com/katzenpost/onion/core/pki"
)

// ExtendDataLength is the length of the data carried by a relay extend cell.
const ExtendDataLength = 4 + 2 + tap.OnionSkinLength + pki.FingerprintLength

var (
	// ErrClosed is the error returned when operating on a closed circuit.
	ErrClosed = errors.New("circuit: closed")

	// ErrNotEstablished is the error returned when a circuit has no
	// established hop to address.
	ErrNotEstablished = errors.New("circuit: no established hop")

	// ErrExtensionPending is the error returned when an extension is
	// attempted while another is still in flight.
	ErrExtensionPending = errors.New("circuit: extension already pending")
)

// State is the state of a circuit.
type State int

// Circuit states.
const (
	Creating State = iota
	Extending
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Extending:
		return "extending"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "invalid"
	}
}

// Circuit is a chain of hops sharing one circuit id on the link to the
// entry relay.  All methods are safe for concurrent use.
type Circuit struct {
	sync.Mutex

	id    cell.CircuitID
	log   *logging.Logger
	rng   io.Reader
	state State

	// hops is indexed by depth, hops[0] is the entry relay.  At most the
	// final entry is not yet established.
	hops []*hop
}

// ID returns the circuit id.
func (c *Circuit) ID() cell.CircuitID {
	return c.id
}

// State returns the circuit's current state.
func (c *Circuit) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// Len returns the number of established hops.
func (c *Circuit) Len() int {
	c.Lock()
	defer c.Unlock()
	return c.tailLocked() + 1
}

// Path returns the descriptors of the established hops, entry first.
func (c *Circuit) Path() []*pki.RelayDescriptor {
	c.Lock()
	defer c.Unlock()

	ret := make([]*pki.RelayDescriptor, 0, len(c.hops))
	for _, h := range c.hops {
		if h.state == HopEstablished {
			ret = append(ret, h.desc)
		}
	}
	return ret
}

// Pending returns the descriptor of the hop awaiting its handshake
// response, or nil.
func (c *Circuit) Pending() *pki.RelayDescriptor {
	c.Lock()
	defer c.Unlock()

	if h := c.pendingLocked(); h != nil {
		return h.desc
	}
	return nil
}

// Create starts the circuit by building the onion skin for the entry relay.
func (c *Circuit) Create(entry *pki.RelayDescriptor) (*cell.Create, error) {
	c.Lock()
	defer c.Unlock()

	switch {
	case c.state == Closed:
		return nil, ErrClosed
	case c.state != Creating || len(c.hops) != 0:
		return nil, errors.New("circuit: already created")
	}

	h := newHop(entry)
	skin, err := h.buildOnionSkin(c.rng)
	if err != nil {
		return nil, err
	}
	c.hops = append(c.hops, h)

	create := &cell.Create{ID: c.id}
	copy(create.Payload[:], skin)
	c.log.Debugf("Create: %v", entry)
	return create, nil
}

// OnCreated completes the handshake with the entry relay.
func (c *Circuit) OnCreated(created *cell.Created) error {
	c.Lock()
	defer c.Unlock()

	if c.state == Closed {
		return ErrClosed
	}
	if c.state != Creating || len(c.hops) != 1 {
		return errors.New("circuit: unexpected created cell")
	}

	h := c.hops[0]
	if err := h.processHandshakeResponse(created.Payload[:], 0); err != nil {
		h.close()
		c.hops = c.hops[:0]
		return fmt.Errorf("circuit: hop 0 (%v): %w", h.desc.Name, err)
	}
	c.state = Established
	c.log.Debugf("Established hop 0: %v", h.desc)
	return nil
}

// Extend builds the relay extend cell that asks the current tail relay to
// extend the circuit to next.
func (c *Circuit) Extend(next *pki.RelayDescriptor) (*cell.Relay, error) {
	ip := next.Address.To4()
	if ip == nil {
		return nil, fmt.Errorf("circuit: %v: only IPv4 relays can be extended to", next.Name)
	}

	c.Lock()
	defer c.Unlock()

	switch c.state {
	case Closed:
		return nil, ErrClosed
	case Extending:
		return nil, ErrExtensionPending
	case Established:
	default:
		return nil, ErrNotEstablished
	}

	h := newHop(next)
	skin, err := h.buildOnionSkin(c.rng)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, ExtendDataLength)
	data = append(data, ip...)
	data = binary.BigEndian.AppendUint16(data, next.Port)
	data = append(data, skin...)
	fp := next.Fingerprint()
	data = append(data, fp[:]...)

	r, err := c.encryptOutboundLocked(&cell.RelayCell{
		Command: cell.RelayExtend,
		Data:    data,
	})
	if err != nil {
		h.close()
		return nil, err
	}
	c.hops = append(c.hops, h)
	c.state = Extending
	c.log.Debugf("Extend: hop %d: %v", len(c.hops)-1, next)
	return r, nil
}

// OnExtended completes the handshake with the pending hop.  On failure the
// pending hop is discarded and the established prefix stays usable.
func (c *Circuit) OnExtended(r *cell.RelayCell) error {
	c.Lock()
	defer c.Unlock()

	if c.state == Closed {
		return ErrClosed
	}
	h := c.pendingLocked()
	if h == nil || c.state != Extending {
		return errors.New("circuit: no extension pending")
	}
	idx := len(c.hops) - 1

	var err error
	if r.Command != cell.RelayExtended {
		err = fmt.Errorf("unexpected relay command %v", r.Command)
	} else {
		var p *[cell.PayloadLength]byte
		if p, err = r.ToPayload(); err == nil {
			err = h.processHandshakeResponse(p[:], cell.RelayHeaderLength)
		}
	}
	if err != nil {
		c.discardPendingLocked()
		return fmt.Errorf("circuit: hop %d (%v): %w", idx, h.desc.Name, err)
	}
	c.state = Established
	c.log.Debugf("Established hop %d: %v", idx, h.desc)
	return nil
}

// DiscardPending drops the hop awaiting its handshake response, if any.
func (c *Circuit) DiscardPending() {
	c.Lock()
	defer c.Unlock()
	c.discardPendingLocked()
}

// EncryptRelay builds a relay cell addressed to the tail established hop
// and applies every forward layer.
func (c *Circuit) EncryptRelay(cmd cell.RelayCommand, streamID uint16, data []byte) (*cell.Relay, error) {
	c.Lock()
	defer c.Unlock()

	if c.state == Closed {
		return nil, ErrClosed
	}
	return c.encryptOutboundLocked(&cell.RelayCell{
		Command:  cmd,
		StreamID: streamID,
		Data:     data,
	})
}

// Decrypt strips the backward layers from an inbound relay cell and
// verifies it at the tail established hop, returning that hop's depth and
// the plaintext relay cell.
func (c *Circuit) Decrypt(r *cell.Relay) (int, *cell.RelayCell, error) {
	c.Lock()
	defer c.Unlock()

	if c.state == Closed {
		return -1, nil, ErrClosed
	}
	tail := c.tailLocked()
	if tail < 0 {
		return -1, nil, ErrNotEstablished
	}

	p := r.Payload
	for i := 0; i <= tail; i++ {
		c.hops[i].backward.XORKeyStream(p[:], p[:])
	}
	if err := cell.CheckDigest(c.hops[tail].backwardDigest, &p); err != nil {
		return tail, nil, fmt.Errorf("circuit: hop %d: %w", tail, err)
	}
	if !cell.IsRecognized(&p) {
		return tail, nil, fmt.Errorf("%w: recognized field set", cell.ErrMalformedCell)
	}

	rc, err := cell.RelayCellFromPayload(&p)
	if err != nil {
		return tail, nil, err
	}
	return tail, rc, nil
}

// Close tears down the circuit and drops all key material.  It is safe to
// call Close multiple times.
func (c *Circuit) Close() {
	c.Lock()
	defer c.Unlock()

	if c.state == Closed {
		return
	}
	for _, h := range c.hops {
		h.close()
	}
	c.hops = nil
	c.state = Closed
	c.log.Debugf("Closed.")
}

func (c *Circuit) encryptOutboundLocked(rc *cell.RelayCell) (*cell.Relay, error) {
	target := c.tailLocked()
	if target < 0 {
		return nil, ErrNotEstablished
	}

	p, err := rc.ToPayload()
	if err != nil {
		return nil, err
	}
	cell.GenerateDigest(c.hops[target].forwardDigest, p)
	for i := target; i >= 0; i-- {
		c.hops[i].forward.XORKeyStream(p[:], p[:])
	}
	return &cell.Relay{ID: c.id, Payload: *p}, nil
}

func (c *Circuit) tailLocked() int {
	tail := -1
	for i, h := range c.hops {
		if h.state != HopEstablished {
			break
		}
		tail = i
	}
	return tail
}

func (c *Circuit) pendingLocked() *hop {
	if n := len(c.hops); n > 0 && c.hops[n-1].state == HopAwaitingResponse {
		return c.hops[n-1]
	}
	return nil
}

func (c *Circuit) discardPendingLocked() {
	n := len(c.hops)
	if n == 0 || c.hops[n-1].state == HopEstablished {
		return
	}
	c.hops[n-1].close()
	c.hops = c.hops[:n-1]
	if c.state == Extending {
		c.state = Established
	}
}

// New returns a new circuit with the given id.
func New(id cell.CircuitID, log *logging.Logger) *Circuit {
	return &Circuit{
		id:    id,
		log:   log,
		rng:   rand.Reader,
		state: Creating,
	}
}
