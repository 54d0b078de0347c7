// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"errors"
	"hash"
	"io"

	"github.com/katzenpost/onion/core/crypto/tap"
	"github.com/katzenpost/onion/core/pki"
)

// HopState is the state of a single hop's key agreement.
type HopState int

// Hop states.
const (
	HopCreated HopState = iota
	HopAwaitingResponse
	HopEstablished
	HopClosed
)

func (s HopState) String() string {
	switch s {
	case HopCreated:
		return "created"
	case HopAwaitingResponse:
		return "awaiting-response"
	case HopEstablished:
		return "established"
	case HopClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// hop is the crypto context shared with one relay of the circuit.
type hop struct {
	desc  *pki.RelayDescriptor
	state HopState

	handshake *tap.ClientHandshake

	forward        cipher.Stream
	backward       cipher.Stream
	forwardDigest  hash.Hash
	backwardDigest hash.Hash
}

func newHop(desc *pki.RelayDescriptor) *hop {
	return &hop{
		desc:  desc,
		state: HopCreated,
	}
}

func (h *hop) buildOnionSkin(rng io.Reader) ([]byte, error) {
	if h.state != HopCreated {
		return nil, errors.New("circuit: onion skin already built")
	}
	hs, skin, err := tap.NewClientHandshake(rng, h.desc.OnionKey)
	if err != nil {
		return nil, err
	}
	h.handshake = hs
	h.state = HopAwaitingResponse
	return skin, nil
}

func (h *hop) processHandshakeResponse(b []byte, offset int) error {
	if h.state != HopAwaitingResponse {
		return errors.New("circuit: hop is not awaiting a handshake response")
	}

	keys, err := h.handshake.ProcessResponse(b, offset)
	h.handshake = nil
	if err != nil {
		h.state = HopClosed
		return err
	}
	defer keys.Reset()

	h.forward = newCTR(keys.ForwardKey[:])
	h.backward = newCTR(keys.BackwardKey[:])
	h.forwardDigest = sha1.New()
	h.forwardDigest.Write(keys.ForwardDigest[:])
	h.backwardDigest = sha1.New()
	h.backwardDigest.Write(keys.BackwardDigest[:])
	h.state = HopEstablished
	return nil
}

// close drops the hop's key material.  The AES key schedule lives inside
// crypto/aes and can not be scrubbed, so the references are released.
func (h *hop) close() {
	if h.handshake != nil {
		h.handshake.Reset()
		h.handshake = nil
	}
	h.forward, h.backward = nil, nil
	if h.forwardDigest != nil {
		h.forwardDigest.Reset()
		h.forwardDigest = nil
	}
	if h.backwardDigest != nil {
		h.backwardDigest.Reset()
		h.backwardDigest = nil
	}
	h.state = HopClosed
}

func newCTR(key []byte) cipher.Stream {
	blk, err := aes.NewCipher(key)
	if err != nil {
		panic("circuit: invalid AES key: " + err.Error())
	}
	var iv [aes.BlockSize]byte
	return cipher.NewCTR(blk, iv[:])
}
