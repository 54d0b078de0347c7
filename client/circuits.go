// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/onion/circuit"
	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/crypto/tap"
	"github.com/katzenpost/onion/core/pki"
	"github.com/katzenpost/onion/internal/instrument"
)

const (
	circuitIDMask  = 0x7fff
	maxRandomTries = 64
)

type response int

const (
	responseNone response = iota
	responseCreated
	responseExtended
)

// circuitEntry is a registered circuit and the mailbox used to hand it
// created/extended responses from the receive worker.
type circuitEntry struct {
	circ *circuit.Circuit

	// busy is held for the whole of a create or an extend, from arming
	// the mailbox until the response has been processed.
	busy chan struct{}

	sync.Mutex
	expect response
	waitCh chan interface{}
	err    error
}

func newCircuitEntry(circ *circuit.Circuit) *circuitEntry {
	return &circuitEntry{
		circ: circ,
		busy: make(chan struct{}, 1),
	}
}

func (e *circuitEntry) acquire(ctx context.Context) error {
	select {
	case e.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *circuitEntry) release() {
	<-e.busy
}

// arm prepares the mailbox for exactly one response of kind r.  It must be
// called before the request is written.
func (e *circuitEntry) arm(r response) (<-chan interface{}, error) {
	e.Lock()
	defer e.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	e.expect = r
	e.waitCh = make(chan interface{}, 1)
	return e.waitCh, nil
}

func (e *circuitEntry) disarm() {
	e.Lock()
	defer e.Unlock()
	e.expect = responseNone
	e.waitCh = nil
}

// deliver hands v to the armed waiter iff it expects a response of kind r,
// returning false if nobody does.
func (e *circuitEntry) deliver(r response, v interface{}) bool {
	e.Lock()
	defer e.Unlock()

	if e.waitCh == nil || e.expect != r {
		return false
	}
	e.waitCh <- v
	e.expect = responseNone
	e.waitCh = nil
	return true
}

// fail wakes the armed waiter, if any, with err.  Later arm calls fail too.
func (e *circuitEntry) fail(err error) {
	e.Lock()
	defer e.Unlock()

	if e.err == nil {
		e.err = err
	}
	if e.waitCh != nil {
		e.waitCh <- err
		e.expect = responseNone
		e.waitCh = nil
	}
}

// Circuits returns the number of circuits registered with the connection.
func (c *Connection) Circuits() int {
	c.circuitsLock.Lock()
	defer c.circuitsLock.Unlock()
	return len(c.circuits)
}

func (c *Connection) lookup(id cell.CircuitID) *circuitEntry {
	c.circuitsLock.Lock()
	defer c.circuitsLock.Unlock()
	return c.circuits[id]
}

func (c *Connection) deregister(id cell.CircuitID) *circuitEntry {
	c.circuitsLock.Lock()
	defer c.circuitsLock.Unlock()

	e, ok := c.circuits[id]
	if !ok {
		return nil
	}
	delete(c.circuits, id)
	return e
}

// deregisterCircuit removes circ, iff it is still the circuit registered
// under its id.
func (c *Connection) deregisterCircuit(circ *circuit.Circuit) *circuitEntry {
	c.circuitsLock.Lock()
	defer c.circuitsLock.Unlock()

	e, ok := c.circuits[circ.ID()]
	if !ok || e.circ != circ {
		return nil
	}
	delete(c.circuits, circ.ID())
	return e
}

func (c *Connection) drainCircuits() []*circuitEntry {
	c.circuitsLock.Lock()
	defer c.circuitsLock.Unlock()

	ret := make([]*circuitEntry, 0, len(c.circuits))
	for id, e := range c.circuits {
		ret = append(ret, e)
		delete(c.circuits, id)
	}
	return ret
}

// allocateCircuit picks an unused circuit id in this side's half of the id
// space and registers a new circuit under it.
func (c *Connection) allocateCircuit() (*circuitEntry, error) {
	c.circuitsLock.Lock()
	defer c.circuitsLock.Unlock()

	register := func(id cell.CircuitID) *circuitEntry {
		if id == 0 {
			return nil
		}
		if _, ok := c.circuits[id]; ok {
			return nil
		}
		e := newCircuitEntry(circuit.New(id, c.cfg.LogBackend.GetLogger(fmt.Sprintf("circuit:%d", id))))
		c.circuits[id] = e
		return e
	}

	var b [2]byte
	for i := 0; i < maxRandomTries; i++ {
		if _, err := io.ReadFull(c.rng, b[:]); err != nil {
			return nil, err
		}
		id := cell.CircuitID(binary.BigEndian.Uint16(b[:])&circuitIDMask) | c.topBit
		if e := register(id); e != nil {
			return e, nil
		}
	}

	// The space is crowded, fall back to a linear scan.
	for v := 0; v <= circuitIDMask; v++ {
		if e := register(cell.CircuitID(v) | c.topBit); e != nil {
			return e, nil
		}
	}
	return nil, ErrCircuitIDExhausted
}

// request arms the mailbox for r, writes the cell built by fn and waits for
// the response.
func (c *Connection) request(ctx context.Context, e *circuitEntry, r response, fn func() (cell.Cell, error)) (interface{}, error) {
	waitCh, err := e.arm(r)
	if err != nil {
		return nil, err
	}
	defer e.disarm()

	if err = c.send(fn); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case v := <-waitCh:
		if err, ok := v.(error); ok {
			return nil, err
		}
		return v, nil
	case <-timer.C:
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.HaltCh():
		return nil, ErrNotConnected
	}
}

// CreateCircuit builds a circuit through path, which must start at the
// entry relay.  On failure nothing is left registered and the error is a
// *CreationError.
func (c *Connection) CreateCircuit(ctx context.Context, path []*pki.RelayDescriptor) (*circuit.Circuit, error) {
	if len(path) == 0 {
		return nil, errors.New("client/conn: empty path")
	}
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if entry := c.Entry(); entry.Fingerprint() != path[0].Fingerprint() {
		return nil, fmt.Errorf("client/conn: path starts at %v, not the entry relay %v", path[0].Name, entry.Name)
	}

	e, err := c.allocateCircuit()
	if err != nil {
		return nil, err
	}
	e.busy <- struct{}{}
	defer e.release()
	circ := e.circ
	hop := 0

	fail := func(err error) (*circuit.Circuit, error) {
		c.log.Debugf("Circuit %d: creation failed at hop %d: %v", circ.ID(), hop, err)
		instrument.CircuitFailed()
		if errors.Is(err, tap.ErrHandshakeValidation) {
			instrument.HandshakeFailed()
		}
		if c.deregisterCircuit(circ) != nil {
			c.writeCell(&cell.Destroy{ID: circ.ID(), Reason: cell.ReasonFinished})
		}
		circ.Close()
		return nil, &CreationError{Hop: hop, Relay: path[hop].Name, Err: err}
	}

	v, err := c.request(ctx, e, responseCreated, func() (cell.Cell, error) {
		return circ.Create(path[0])
	})
	if err != nil {
		return fail(err)
	}
	created, ok := v.(*cell.Created)
	if !ok {
		return fail(fmt.Errorf("%w: unexpected %T response", cell.ErrMalformedCell, v))
	}
	if err = circ.OnCreated(created); err != nil {
		return fail(err)
	}

	for hop = 1; hop < len(path); hop++ {
		if err = c.extend(ctx, e, path[hop]); err != nil {
			return fail(err)
		}
	}

	instrument.CircuitBuilt()
	c.log.Debugf("Circuit %d: built, %d hops.", circ.ID(), len(path))
	return circ, nil
}

// extend must be called with e.busy held.
func (c *Connection) extend(ctx context.Context, e *circuitEntry, next *pki.RelayDescriptor) error {
	v, err := c.request(ctx, e, responseExtended, func() (cell.Cell, error) {
		return e.circ.Extend(next)
	})
	if err != nil {
		e.circ.DiscardPending()
		return err
	}
	rc, ok := v.(*cell.RelayCell)
	if !ok {
		e.circ.DiscardPending()
		return fmt.Errorf("%w: unexpected %T response", cell.ErrMalformedCell, v)
	}
	return e.circ.OnExtended(rc)
}

// ExtendCircuit extends circ by one hop.  A handshake failure leaves the
// established prefix usable, while a timeout tears the circuit down.
// Concurrent extensions of the same circuit are applied one at a time.
func (c *Connection) ExtendCircuit(ctx context.Context, circ *circuit.Circuit, next *pki.RelayDescriptor) error {
	e := c.lookup(circ.ID())
	if e == nil || e.circ != circ {
		return ErrUnknownCircuit
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	hop := circ.Len()
	err := c.extend(ctx, e, next)
	if err == nil {
		return nil
	}

	instrument.CircuitFailed()
	if errors.Is(err, tap.ErrHandshakeValidation) {
		instrument.HandshakeFailed()
	}
	if errors.Is(err, ErrHandshakeTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.DestroyCircuit(circ)
	}
	return &CreationError{Hop: hop, Relay: next.Name, Err: err}
}

// SendRelay sends a relay cell to the tail hop of circ.
func (c *Connection) SendRelay(ctx context.Context, circ *circuit.Circuit, cmd cell.RelayCommand, streamID uint16, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.lookup(circ.ID()) == nil {
		return ErrUnknownCircuit
	}
	return c.send(func() (cell.Cell, error) {
		return circ.EncryptRelay(cmd, streamID, data)
	})
}

// DestroyCircuit tears down circ and tells the entry relay to do the same.
func (c *Connection) DestroyCircuit(circ *circuit.Circuit) error {
	e := c.deregisterCircuit(circ)
	if e == nil {
		return ErrUnknownCircuit
	}
	e.fail(circuit.ErrClosed)

	err := c.send(func() (cell.Cell, error) {
		return &cell.Destroy{ID: circ.ID(), Reason: cell.ReasonRequested}, nil
	})
	c.onCircuitClosed(circ, false)
	return err
}
