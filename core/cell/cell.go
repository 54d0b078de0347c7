// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package cell implements the fixed size link protocol cells exchanged with
// the entry relay.
package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CellLength is the length of every cell on the wire.
	CellLength = 512

	// HeaderLength is the length of the circuit id and command header.
	HeaderLength = 3

	// PayloadLength is the length of a cell payload.
	PayloadLength = CellLength - HeaderLength
)

var (
	// ErrMalformedCell is the error returned when a frame can not be
	// decoded.  Such cells are dropped, the link survives.
	ErrMalformedCell = errors.New("cell: malformed cell")

	// ErrDigestMismatch is the error returned when a relay cell's running
	// digest does not verify.
	ErrDigestMismatch = errors.New("cell: relay digest mismatch")
)

// CircuitID is a link-local circuit identifier.
type CircuitID uint16

// Command is a cell command tag.
type Command byte

// Cell commands.
const (
	CmdPadding Command = 0
	CmdCreate  Command = 1
	CmdCreated Command = 2
	CmdRelay   Command = 3
	CmdDestroy Command = 4
)

func (c Command) String() string {
	switch c {
	case CmdPadding:
		return "padding"
	case CmdCreate:
		return "create"
	case CmdCreated:
		return "created"
	case CmdRelay:
		return "relay"
	case CmdDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// DestroyReason is the reason code carried by a destroy cell.
type DestroyReason byte

// Destroy reasons.
const (
	ReasonNone          DestroyReason = 0
	ReasonProtocol      DestroyReason = 1
	ReasonInternal      DestroyReason = 2
	ReasonRequested     DestroyReason = 3
	ReasonHibernating   DestroyReason = 4
	ReasonResourceLimit DestroyReason = 5
	ReasonConnectFailed DestroyReason = 6
	ReasonORIdentity    DestroyReason = 7
	ReasonChannelClosed DestroyReason = 8
	ReasonFinished      DestroyReason = 9
	ReasonTimeout       DestroyReason = 10
	ReasonDestroyed     DestroyReason = 11
	ReasonNoSuchService DestroyReason = 12
)

func (r DestroyReason) String() string {
	names := [...]string{
		"none", "protocol", "internal", "requested", "hibernating",
		"resource-limit", "connect-failed", "or-identity", "channel-closed",
		"finished", "timeout", "destroyed", "no-such-service",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("unknown(%d)", byte(r))
}

// Cell is the common interface exposed by all decoded cells.
type Cell interface {
	// CircuitID returns the circuit the cell belongs to.
	CircuitID() CircuitID

	// Command returns the cell's command tag.
	Command() Command

	// ToBytes serializes the cell into a CellLength frame.
	ToBytes() []byte
}

func newFrame(id CircuitID, cmd Command) []byte {
	out := make([]byte, CellLength)
	binary.BigEndian.PutUint16(out[0:2], uint16(id))
	out[2] = byte(cmd)
	return out
}

// Padding is a link padding cell.
type Padding struct {
	ID CircuitID
}

func (c *Padding) CircuitID() CircuitID { return c.ID }
func (c *Padding) Command() Command     { return CmdPadding }

// ToBytes serializes the Padding and returns the resulting slice.
func (c *Padding) ToBytes() []byte {
	return newFrame(c.ID, CmdPadding)
}

// Create asks the entry relay to create a circuit, carrying an onion skin.
type Create struct {
	ID      CircuitID
	Payload [PayloadLength]byte
}

func (c *Create) CircuitID() CircuitID { return c.ID }
func (c *Create) Command() Command     { return CmdCreate }

// ToBytes serializes the Create and returns the resulting slice.
func (c *Create) ToBytes() []byte {
	out := newFrame(c.ID, CmdCreate)
	copy(out[HeaderLength:], c.Payload[:])
	return out
}

// Created is the entry relay's handshake reply.
type Created struct {
	ID      CircuitID
	Payload [PayloadLength]byte
}

func (c *Created) CircuitID() CircuitID { return c.ID }
func (c *Created) Command() Command     { return CmdCreated }

// ToBytes serializes the Created and returns the resulting slice.
func (c *Created) ToBytes() []byte {
	out := newFrame(c.ID, CmdCreated)
	copy(out[HeaderLength:], c.Payload[:])
	return out
}

// Relay is a relay cell with a layered (encrypted) payload.
type Relay struct {
	ID      CircuitID
	Payload [PayloadLength]byte
}

func (c *Relay) CircuitID() CircuitID { return c.ID }
func (c *Relay) Command() Command     { return CmdRelay }

// ToBytes serializes the Relay and returns the resulting slice.
func (c *Relay) ToBytes() []byte {
	out := newFrame(c.ID, CmdRelay)
	copy(out[HeaderLength:], c.Payload[:])
	return out
}

// Destroy tears down a circuit.
type Destroy struct {
	ID     CircuitID
	Reason DestroyReason
}

func (c *Destroy) CircuitID() CircuitID { return c.ID }
func (c *Destroy) Command() Command     { return CmdDestroy }

// ToBytes serializes the Destroy and returns the resulting slice.
func (c *Destroy) ToBytes() []byte {
	out := newFrame(c.ID, CmdDestroy)
	out[HeaderLength] = byte(c.Reason)
	return out
}

// FromBytes de-serializes the frame b, returning a Cell or an error wrapping
// ErrMalformedCell.
func FromBytes(b []byte) (Cell, error) {
	if len(b) != CellLength {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformedCell, len(b))
	}

	id := CircuitID(binary.BigEndian.Uint16(b[0:2]))
	payload := b[HeaderLength:]
	switch cmd := Command(b[2]); cmd {
	case CmdPadding:
		return &Padding{ID: id}, nil
	case CmdCreate:
		c := &Create{ID: id}
		copy(c.Payload[:], payload)
		return c, nil
	case CmdCreated:
		c := &Created{ID: id}
		copy(c.Payload[:], payload)
		return c, nil
	case CmdRelay:
		c := &Relay{ID: id}
		copy(c.Payload[:], payload)
		return c, nil
	case CmdDestroy:
		return &Destroy{ID: id, Reason: DestroyReason(payload[0])}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %v", ErrMalformedCell, cmd)
	}
}
