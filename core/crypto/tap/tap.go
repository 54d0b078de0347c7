// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package tap implements the legacy onion skin handshake: a finite field
// Diffie-Hellman exchange whose client half is hybrid encrypted to the
// relay's RSA-1024 onion key with RSA-OAEP and AES-CTR.
package tap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/bits"
)

const (
	// DHLength is the length of a serialized group element.
	DHLength = 128

	// KeyLength is the length of an AES key.
	KeyLength = 16

	// DigestLength is the length of a SHA1 digest.
	DigestLength = sha1.Size

	// OnionKeyLength is the required modulus length of a relay onion key.
	OnionKeyLength = 128

	// OnionSkinLength is the length of the client handshake message.
	OnionSkinLength = OnionKeyLength + DHLength - oaepDHPrefixLength

	// ReplyLength is the length of the relay handshake message: the relay's
	// public value followed by the key confirmation hash.
	ReplyLength = DHLength + DigestLength

	// RSA-OAEP with SHA1 over a 1024 bit modulus carries 128 - 2*20 - 2 bytes.
	oaepPlaintextLength = OnionKeyLength - 2*sha1.Size - 2
	oaepDHPrefixLength  = oaepPlaintextLength - KeyLength

	privateKeyLength = 40
	minBitsEachWay   = 16
)

// ErrHandshakeValidation is the error returned when a handshake response
// fails validation.  Only the hop being created is affected.
var ErrHandshakeValidation = errors.New("tap: handshake validation failed")

// Keys is the per-hop key material derived from a completed handshake.
type Keys struct {
	ForwardDigest  [DigestLength]byte
	BackwardDigest [DigestLength]byte
	ForwardKey     [KeyLength]byte
	BackwardKey    [KeyLength]byte
}

// Reset clears the key material.
func (k *Keys) Reset() {
	*k = Keys{}
}

// DeriveKeys expands the serialized shared secret into the key confirmation
// hash and the per-hop keys.  Block i of the expansion is
// SHA1(secret || byte(i)); block 0 is the confirmation hash, blocks 1 and 2
// seed the forward and backward digests, and blocks 3 and 4 supply the
// forward key followed by the backward key.
func DeriveKeys(secret []byte) ([DigestLength]byte, *Keys) {
	var k [5 * DigestLength]byte
	for i := 0; i < 5; i++ {
		h := sha1.New()
		h.Write(secret)
		h.Write([]byte{byte(i)})
		copy(k[i*DigestLength:], h.Sum(nil))
	}

	var kh [DigestLength]byte
	keys := new(Keys)
	off := copy(kh[:], k[:])
	off += copy(keys.ForwardDigest[:], k[off:])
	off += copy(keys.BackwardDigest[:], k[off:])
	off += copy(keys.ForwardKey[:], k[off:])
	copy(keys.BackwardKey[:], k[off:])

	for i := range k {
		k[i] = 0
	}
	return kh, keys
}

// ClientHandshake is the client side state of one handshake.
type ClientHandshake struct {
	x *big.Int
}

// NewClientHandshake generates an ephemeral keypair and returns the handshake
// state along with the onion skin to send to the relay owning onionKey.
func NewClientHandshake(rng io.Reader, onionKey *rsa.PublicKey) (*ClientHandshake, []byte, error) {
	if onionKey == nil || onionKey.Size() != OnionKeyLength {
		return nil, nil, errors.New("tap: onion key must be a 1024 bit RSA key")
	}

	x, pub, err := generateKeypair(rng)
	if err != nil {
		return nil, nil, err
	}
	hs := &ClientHandshake{x: x}

	var symKey [KeyLength]byte
	if _, err := io.ReadFull(rng, symKey[:]); err != nil {
		hs.Reset()
		return nil, nil, err
	}

	block := make([]byte, 0, oaepPlaintextLength)
	block = append(block, symKey[:]...)
	block = append(block, pub[:oaepDHPrefixLength]...)
	head, err := rsa.EncryptOAEP(sha1.New(), rng, onionKey, block, nil)
	if err != nil {
		hs.Reset()
		return nil, nil, fmt.Errorf("tap: onion skin RSA-OAEP: %v", err)
	}

	skin := make([]byte, 0, OnionSkinLength)
	skin = append(skin, head...)
	skin = append(skin, pub[oaepDHPrefixLength:]...)
	ctrXOR(symKey[:], skin[OnionKeyLength:])

	wipe(symKey[:])
	wipe(block)
	return hs, skin, nil
}

// ProcessResponse validates the relay's reply found at b[offset:] and derives
// the hop keys.  The ephemeral private key is discarded whatever the outcome,
// so a handshake can be processed at most once.
func (hs *ClientHandshake) ProcessResponse(b []byte, offset int) (*Keys, error) {
	if hs.x == nil {
		return nil, errors.New("tap: handshake already completed")
	}
	defer hs.Reset()

	if offset < 0 || len(b)-offset < ReplyLength {
		return nil, fmt.Errorf("%w: short response", ErrHandshakeValidation)
	}
	b = b[offset:]

	y := new(big.Int).SetBytes(b[:DHLength])
	secret := new(big.Int).Exp(y, hs.x, groupP)
	if err := checkSecret(secret); err != nil {
		return nil, err
	}

	var rawSecret [DHLength]byte
	secret.FillBytes(rawSecret[:])
	defer wipe(rawSecret[:])

	kh, keys := DeriveKeys(rawSecret[:])
	if subtle.ConstantTimeCompare(kh[:], b[DHLength:ReplyLength]) != 1 {
		keys.Reset()
		return nil, fmt.Errorf("%w: key confirmation mismatch", ErrHandshakeValidation)
	}
	return keys, nil
}

// Reset discards the ephemeral private key.
func (hs *ClientHandshake) Reset() {
	if hs.x != nil {
		hs.x.SetInt64(0)
		hs.x = nil
	}
}

// ServerHandshake is the relay side of the handshake: it opens the onion skin
// with the relay's onion key and returns the reply and derived keys.
func ServerHandshake(rng io.Reader, onionKey *rsa.PrivateKey, skin []byte) ([]byte, *Keys, error) {
	if len(skin) < OnionSkinLength {
		return nil, nil, errors.New("tap: short onion skin")
	}
	if onionKey.Size() != OnionKeyLength {
		return nil, nil, errors.New("tap: onion key must be a 1024 bit RSA key")
	}

	block, err := rsa.DecryptOAEP(sha1.New(), nil, onionKey, skin[:OnionKeyLength], nil)
	if err != nil || len(block) != oaepPlaintextLength {
		return nil, nil, errors.New("tap: failed to open onion skin")
	}
	defer wipe(block)

	var peer [DHLength]byte
	copy(peer[:], block[KeyLength:])
	copy(peer[oaepDHPrefixLength:], skin[OnionKeyLength:OnionSkinLength])
	ctrXOR(block[:KeyLength], peer[oaepDHPrefixLength:])

	y, pub, err := generateKeypair(rng)
	if err != nil {
		return nil, nil, err
	}
	defer y.SetInt64(0)

	secret := new(big.Int).Exp(new(big.Int).SetBytes(peer[:]), y, groupP)
	if err := checkSecret(secret); err != nil {
		return nil, nil, err
	}
	var rawSecret [DHLength]byte
	secret.FillBytes(rawSecret[:])
	defer wipe(rawSecret[:])

	kh, keys := DeriveKeys(rawSecret[:])
	reply := make([]byte, 0, ReplyLength)
	reply = append(reply, pub[:]...)
	reply = append(reply, kh[:]...)
	return reply, keys, nil
}

// checkSecret rejects shared secrets outside [2^24, p - 2^24], and secrets
// whose 1024 bit representation has fewer than 16 zero bits or 16 one bits.
func checkSecret(secret *big.Int) error {
	if secret.Cmp(minSecret) < 0 || secret.Cmp(maxSecret) > 0 {
		return fmt.Errorf("%w: shared secret out of range", ErrHandshakeValidation)
	}

	ones := 0
	for _, w := range secret.Bits() {
		ones += bits.OnesCount(uint(w))
	}
	if zeros := DHLength*8 - ones; ones < minBitsEachWay || zeros < minBitsEachWay {
		return fmt.Errorf("%w: biased shared secret", ErrHandshakeValidation)
	}
	return nil
}

func generateKeypair(rng io.Reader) (*big.Int, *[DHLength]byte, error) {
	var raw [privateKeyLength]byte
	defer wipe(raw[:])

	x := new(big.Int)
	for x.Sign() == 0 {
		if _, err := io.ReadFull(rng, raw[:]); err != nil {
			return nil, nil, err
		}
		x.SetBytes(raw[:])
	}

	pub := new([DHLength]byte)
	new(big.Int).Exp(groupG, x, groupP).FillBytes(pub[:])
	return x, pub, nil
}

func ctrXOR(key, b []byte) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		panic("tap: invalid AES key: " + err.Error())
	}
	var iv [aes.BlockSize]byte
	cipher.NewCTR(blk, iv[:]).XORKeyStream(b, b)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
