// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/katzenpost/onion/channel"
	"github.com/katzenpost/onion/circuit"
	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/log"
)

const defaultHandshakeTimeout = 1 * time.Minute

// Config is the connection configuration.
type Config struct {
	// LogBackend is the logging backend to use for connection logging.
	LogBackend *log.Backend

	// Provider opens the channel to the entry relay.
	Provider channel.Provider

	// IdentityKey is the local identity key, used to pick the half of the
	// circuit id space this side allocates from.  If unset an ephemeral
	// key is generated.
	IdentityKey *rsa.PublicKey

	// HandshakeTimeout bounds the wait for each created or extended
	// response.  If left unset, a timeout of 1 minute will be used.
	HandshakeTimeout time.Duration

	// OnConnFn is the callback function that will be called when the
	// connection status changes.  The error parameter will be nil on
	// successful connection establishment, otherwise it will be set with
	// the reason the connection was torn down.
	OnConnFn func(error)

	// OnRelayFn is the callback function that will be called from the
	// receive worker for every relay cell not consumed by circuit
	// construction.  It must not block.
	OnRelayFn func(circ *circuit.Circuit, hop int, r *cell.RelayCell)

	// OnCircuitClosedFn is the callback function that will be called
	// exactly once when a registered circuit is torn down, with byPeer set
	// iff the teardown was initiated by the relay or the channel failing.
	// It must not block.
	OnCircuitClosedFn func(circ *circuit.Circuit, byPeer bool)
}

func (cfg *Config) validate() error {
	if cfg.LogBackend == nil {
		return errors.New("client: no LogBackend provided")
	}
	if cfg.Provider == nil {
		return errors.New("client: no Provider provided")
	}
	if cfg.HandshakeTimeout < 0 {
		return errors.New("client: invalid HandshakeTimeout")
	}
	return nil
}
