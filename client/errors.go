// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is the error returned when an operation fails due to
	// the connection to the entry relay not being established.
	ErrNotConnected = errors.New("client/conn: not connected to the entry relay")

	// ErrChannel is the error wrapped by failures of the underlying channel.
	// A channel error is fatal to the connection.
	ErrChannel = errors.New("client/conn: channel error")

	// ErrCircuitIDExhausted is the error returned when every circuit id is
	// in use.
	ErrCircuitIDExhausted = errors.New("client/conn: circuit ids exhausted")

	// ErrHandshakeTimeout is the error returned when a relay fails to answer
	// a create or extend in time.
	ErrHandshakeTimeout = errors.New("client/conn: handshake timed out")

	// ErrCircuitDestroyed is the error returned when the relay tears down a
	// circuit with an operation in flight.
	ErrCircuitDestroyed = errors.New("client/conn: circuit destroyed by relay")

	// ErrUnknownCircuit is the error returned when a circuit is not
	// registered with the connection.
	ErrUnknownCircuit = errors.New("client/conn: unknown circuit")
)

// CreationError is the error returned when building or extending a circuit
// fails.
type CreationError struct {
	// Hop is the depth of the hop being established.
	Hop int

	// Relay is the name of the relay being established.
	Relay string

	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *CreationError) Error() string {
	return fmt.Sprintf("client/conn: failed to establish hop %d (%v): %v", e.Hop, e.Relay, e.Err)
}

// Unwrap returns the original error.
func (e *CreationError) Unwrap() error {
	return e.Err
}
