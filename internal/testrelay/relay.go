// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package testrelay provides in-process relays that speak the relay side of
// the circuit protocol, for use by tests.
package testrelay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha1"
	"encoding"
	"hash"
	"net"
	"sync/atomic"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/crypto/tap"
	"github.com/katzenpost/onion/core/pki"
)

// Relay is a simulated relay.
type Relay struct {
	Descriptor *pki.RelayDescriptor
	SigningKey *rsa.PrivateKey

	onionKey *rsa.PrivateKey
	tamper   atomic.Bool
	silent   atomic.Bool
	repeat   atomic.Bool
}

// Silence makes the relay swallow every subsequent onion skin without
// replying.
func (r *Relay) Silence(b bool) {
	r.silent.Store(b)
}

// RepeatCreated makes the relay answer every subsequent create with two
// identical created cells.
func (r *Relay) RepeatCreated(b bool) {
	r.repeat.Store(b)
}

// TamperHandshake makes the relay corrupt the key confirmation of every
// subsequent handshake reply.
func (r *Relay) TamperHandshake(b bool) {
	r.tamper.Store(b)
}

// Handshake answers an onion skin, returning the reply and the relay side
// hop state.
func (r *Relay) Handshake(skin []byte) ([]byte, *Hop, error) {
	reply, keys, err := tap.ServerHandshake(rand.Reader, r.onionKey, skin)
	if err != nil {
		return nil, nil, err
	}
	defer keys.Reset()

	if r.tamper.Load() {
		reply[tap.DHLength] ^= 0xff
	}

	h := &Hop{
		Relay:          r,
		forward:        newCTR(keys.ForwardKey[:]),
		backward:       newCTR(keys.BackwardKey[:]),
		forwardDigest:  sha1.New(),
		backwardDigest: sha1.New(),
	}
	h.forwardDigest.Write(keys.ForwardDigest[:])
	h.backwardDigest.Write(keys.BackwardDigest[:])
	return reply, h, nil
}

// Hop is the relay side of one hop of a circuit.
type Hop struct {
	Relay *Relay

	forward        cipher.Stream
	backward       cipher.Stream
	forwardDigest  hash.Hash
	backwardDigest hash.Hash
}

// recognize strips this hop's forward layer and returns true iff the cell
// is addressed to this hop.  The running digest only advances on a match.
func (h *Hop) recognize(p *[cell.PayloadLength]byte) bool {
	h.forward.XORKeyStream(p[:], p[:])
	if !cell.IsRecognized(p) {
		return false
	}

	snap, err := h.forwardDigest.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic("testrelay: digest snapshot: " + err.Error())
	}
	if cell.CheckDigest(h.forwardDigest, p) != nil {
		if err = h.forwardDigest.(encoding.BinaryUnmarshaler).UnmarshalBinary(snap); err != nil {
			panic("testrelay: digest restore: " + err.Error())
		}
		return false
	}
	return true
}

// Chain is the relay side view of a circuit, entry first.
type Chain []*Hop

// Receive strips forward layers until a hop recognizes the cell, returning
// that hop's depth and the plaintext relay cell.  ok is false when no hop
// recognized the cell.
func (c Chain) Receive(p *[cell.PayloadLength]byte) (int, *cell.RelayCell, bool) {
	for i, h := range c {
		if h.recognize(p) {
			rc, err := cell.RelayCellFromPayload(p)
			if err != nil {
				return i, nil, false
			}
			return i, rc, true
		}
	}
	return -1, nil, false
}

// Send originates rc at the hop at depth i and applies the backward layers
// of hops i through 0.
func (c Chain) Send(i int, rc *cell.RelayCell) (*[cell.PayloadLength]byte, error) {
	p, err := rc.ToPayload()
	if err != nil {
		return nil, err
	}
	cell.GenerateDigest(c[i].backwardDigest, p)
	for j := i; j >= 0; j-- {
		c[j].backward.XORKeyStream(p[:], p[:])
	}
	return p, nil
}

// New creates a relay with fresh 1024 bit onion and signing keys.
func New(name string, addr net.IP, port uint16) (*Relay, error) {
	onionKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	signingKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	return &Relay{
		Descriptor: &pki.RelayDescriptor{
			Name:       name,
			Address:    addr.To4(),
			Port:       port,
			OnionKey:   &onionKey.PublicKey,
			SigningKey: &signingKey.PublicKey,
			ExitPolicy: []string{"accept *:*"},
		},
		SigningKey: signingKey,
		onionKey:   onionKey,
	}, nil
}

func newCTR(key []byte) cipher.Stream {
	blk, err := aes.NewCipher(key)
	if err != nil {
		panic("testrelay: invalid AES key: " + err.Error())
	}
	var iv [aes.BlockSize]byte
	return cipher.NewCTR(blk, iv[:])
}
