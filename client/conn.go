// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the connection to an entry relay and the
// construction of circuits over it.
package client

import (
	"bufio"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/channel"
	"github.com/katzenpost/onion/circuit"
	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/pki"
	"github.com/katzenpost/onion/core/worker"
	"github.com/katzenpost/onion/internal/instrument"
)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// Connection is a link to an entry relay, multiplexing any number of
// circuits.
type Connection struct {
	worker.Worker
	sync.Mutex

	cfg *Config
	log *logging.Logger
	rng io.Reader

	identity *rsa.PublicKey
	state    connState
	entry    *pki.RelayDescriptor
	ch       channel.Channel
	topBit   cell.CircuitID

	sendLock sync.Mutex
	w        *bufio.Writer

	circuitsLock sync.Mutex
	circuits     map[cell.CircuitID]*circuitEntry

	closeOnce sync.Once
}

// Entry returns the entry relay descriptor, or nil if not connected.
func (c *Connection) Entry() *pki.RelayDescriptor {
	c.Lock()
	defer c.Unlock()
	return c.entry
}

// IsConnected returns true iff the link to the entry relay is up.
func (c *Connection) IsConnected() bool {
	c.Lock()
	defer c.Unlock()
	return c.state == stateConnected
}

// Connect dials the entry relay and starts the receive worker.
func (c *Connection) Connect(ctx context.Context, entry *pki.RelayDescriptor) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	c.Lock()
	switch c.state {
	case stateIdle:
	case stateClosed:
		c.Unlock()
		return ErrNotConnected
	default:
		c.Unlock()
		return errors.New("client/conn: already connected")
	}
	c.state = stateConnecting
	c.Unlock()

	c.log.Debugf("Connecting to %v", entry)
	ch, err := c.cfg.Provider.Dial(ctx, entry)

	c.Lock()
	defer c.Unlock()
	if err != nil {
		if c.state == stateConnecting {
			c.state = stateIdle
		}
		c.log.Warningf("Failed to connect to %v: %v", entry, err)
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	if c.state != stateConnecting {
		// Closed while dialing.
		ch.Close()
		return ErrNotConnected
	}

	// The side with the lower identity modulus allocates from the lower
	// half of the circuit id space.
	if c.identity.N.Cmp(entry.SigningKey.N) < 0 {
		c.topBit = 0
	} else {
		c.topBit = 0x8000
	}
	c.entry = entry
	c.ch = ch
	c.sendLock.Lock()
	c.w = bufio.NewWriterSize(ch, cell.CellLength)
	c.sendLock.Unlock()
	c.state = stateConnected

	c.Go(c.reader)
	c.log.Noticef("Connected to %v", entry)
	if c.cfg.OnConnFn != nil {
		c.cfg.OnConnFn(nil)
	}
	return nil
}

// Close tears down every circuit and the link.  It is safe to call Close
// multiple times, and concurrently with in-flight operations.
func (c *Connection) Close() error {
	c.shutdown(false, nil)
	c.Halt()
	return nil
}

// closedByPeer tears down the connection after the channel failed or the
// relay hung up.
func (c *Connection) closedByPeer(err error) {
	c.shutdown(true, err)
}

func (c *Connection) shutdown(byPeer bool, cause error) {
	c.closeOnce.Do(func() {
		c.Lock()
		wasConnected := c.state == stateConnected
		c.state = stateClosed
		ch := c.ch
		c.Unlock()

		if byPeer {
			c.log.Warningf("Connection closed by peer: %v", cause)
		} else {
			c.log.Noticef("Closing connection.")
		}
		c.Signal()

		entries := c.drainCircuits()
		if !byPeer && wasConnected {
			for _, e := range entries {
				c.writeCell(&cell.Destroy{ID: e.circ.ID(), Reason: cell.ReasonFinished})
			}
		}
		if ch != nil {
			ch.Close()
		}
		c.sendLock.Lock()
		c.w = nil
		c.sendLock.Unlock()

		for _, e := range entries {
			e.fail(ErrNotConnected)
			c.onCircuitClosed(e.circ, byPeer)
		}

		if wasConnected && c.cfg.OnConnFn != nil {
			if cause == nil {
				cause = ErrNotConnected
			}
			c.cfg.OnConnFn(cause)
		}
	})
}

func (c *Connection) onCircuitClosed(circ *circuit.Circuit, byPeer bool) {
	circ.Close()
	instrument.CircuitClosed(byPeer)
	if c.cfg.OnCircuitClosedFn != nil {
		c.cfg.OnCircuitClosedFn(circ, byPeer)
	}
}

// send serializes a cell onto the link.  fn is invoked with the send lock
// held so that cells layered by a circuit reach the wire in the order their
// keystream and digest state were consumed.
func (c *Connection) send(fn func() (cell.Cell, error)) error {
	cl, err := c.sendFn(fn)
	if err != nil {
		if errors.Is(err, ErrChannel) {
			c.closedByPeer(err)
		}
		return err
	}
	instrument.CellSent(cl.Command().String())
	return nil
}

func (c *Connection) sendFn(fn func() (cell.Cell, error)) (cell.Cell, error) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if c.w == nil {
		return nil, ErrNotConnected
	}
	cl, err := fn()
	if err != nil {
		return nil, err
	}
	if err = c.writeLocked(cl); err != nil {
		return nil, err
	}
	return cl, nil
}

// writeCell writes cl, ignoring failures.
func (c *Connection) writeCell(cl cell.Cell) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if c.w != nil {
		c.writeLocked(cl)
	}
}

func (c *Connection) writeLocked(cl cell.Cell) error {
	if _, err := c.w.Write(cl.ToBytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	return nil
}

func (c *Connection) reader() {
	defer c.log.Debugf("Terminating receive worker.")

	c.Lock()
	ch := c.ch
	c.Unlock()

	var b [cell.CellLength]byte
	for {
		if err := readCell(ch, b[:]); err != nil {
			c.closedByPeer(fmt.Errorf("%w: %v", ErrChannel, err))
			return
		}
		c.onCell(b[:])
	}
}

// readCell fills b, retrying reads interrupted by a signal.
func readCell(r io.Reader, b []byte) error {
	for n := 0; n < len(b); {
		m, err := io.ReadFull(r, b[n:])
		n += m
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Connection) onCell(b []byte) {
	cl, err := cell.FromBytes(b)
	if err != nil {
		c.drop("malformed", "%v", err)
		return
	}
	instrument.CellReceived(cl.Command().String())

	switch cl := cl.(type) {
	case *cell.Padding:
	case *cell.Created:
		e := c.lookup(cl.ID)
		if e == nil || !e.deliver(responseCreated, cl) {
			c.drop("unexpected", "created for circuit %d", cl.ID)
		}
	case *cell.Relay:
		c.onRelay(cl)
	case *cell.Destroy:
		c.onDestroy(cl)
	default:
		c.drop("unexpected", "%v cell for circuit %d", cl.Command(), cl.CircuitID())
	}
}

func (c *Connection) onRelay(r *cell.Relay) {
	e := c.lookup(r.ID)
	if e == nil {
		c.drop("unknown_circuit", "relay for circuit %d", r.ID)
		return
	}

	hop, rc, err := e.circ.Decrypt(r)
	if err != nil {
		reason := "undecryptable"
		if errors.Is(err, cell.ErrDigestMismatch) {
			reason = "digest"
		}
		c.drop(reason, "circuit %d: %v", r.ID, err)
		return
	}

	switch rc.Command {
	case cell.RelayExtended, cell.RelayTruncated:
		if e.deliver(responseExtended, rc) {
			return
		}
	}
	if c.cfg.OnRelayFn != nil {
		c.cfg.OnRelayFn(e.circ, hop, rc)
	}
}

func (c *Connection) onDestroy(d *cell.Destroy) {
	e := c.deregister(d.ID)
	if e == nil {
		c.drop("unknown_circuit", "destroy for circuit %d", d.ID)
		return
	}
	c.log.Debugf("Circuit %d destroyed by relay: %v", d.ID, d.Reason)
	e.fail(fmt.Errorf("%w: %v", ErrCircuitDestroyed, d.Reason))
	c.onCircuitClosed(e.circ, true)
}

func (c *Connection) drop(reason, f string, a ...interface{}) {
	instrument.CellDropped(reason)
	c.log.Debugf("Dropping cell: "+f, a...)
}

// New creates a new, unconnected Connection.
func New(cfg *Config) (*Connection, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Connection{
		cfg:      cfg,
		log:      cfg.LogBackend.GetLogger("client/conn"),
		rng:      rand.Reader,
		identity: cfg.IdentityKey,
		circuits: make(map[cell.CircuitID]*circuitEntry),
	}
	if c.cfg.HandshakeTimeout == 0 {
		c.cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.identity == nil {
		c.log.Debugf("No IdentityKey provided, generating an ephemeral key.")
		sk, err := rsa.GenerateKey(c.rng, 1024)
		if err != nil {
			return nil, err
		}
		c.identity = &sk.PublicKey
	}
	return c, nil
}
