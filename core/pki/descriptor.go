// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pki provides the relay descriptor consumed by circuit construction.
// Descriptors are produced and verified by the directory service, this
// package only carries them.
package pki

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// FingerprintLength is the length of a relay identity digest.
const FingerprintLength = sha1.Size

// RelayDescriptor describes a relay.  It must be treated as immutable once
// constructed.
type RelayDescriptor struct {
	// Name is the human readable relay nickname.
	Name string

	// Address is the relay's IPv4 address.
	Address net.IP

	// Port is the relay's OR port.
	Port uint16

	// OnionKey is the relay's RSA-1024 handshake key.
	OnionKey *rsa.PublicKey

	// SigningKey is the relay's RSA identity key.
	SigningKey *rsa.PublicKey

	// ExitPolicy is the relay's exit policy, one rule per entry.
	ExitPolicy []string

	// Family is the set of relays declared to be run by the same operator.
	Family []string
}

// Fingerprint returns the SHA1 digest of the DER encoded identity key.
func (d *RelayDescriptor) Fingerprint() [FingerprintLength]byte {
	return sha1.Sum(x509.MarshalPKCS1PublicKey(d.SigningKey))
}

// FingerprintString returns the hex encoded identity digest.
func (d *RelayDescriptor) FingerprintString() string {
	fp := d.Fingerprint()
	return strings.ToUpper(hex.EncodeToString(fp[:]))
}

// AddrPort returns the host:port used to reach the relay.
func (d *RelayDescriptor) AddrPort() string {
	return net.JoinHostPort(d.Address.String(), strconv.Itoa(int(d.Port)))
}

func (d *RelayDescriptor) String() string {
	return fmt.Sprintf("%s(%s)@%s", d.Name, d.FingerprintString()[:8], d.AddrPort())
}

// Validate checks that the descriptor is usable for circuit construction.
func (d *RelayDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("pki: descriptor has no Name")
	}
	if d.Address.To4() == nil {
		return fmt.Errorf("pki: %v: Address '%v' is not IPv4", d.Name, d.Address)
	}
	if d.Port == 0 {
		return fmt.Errorf("pki: %v: Port is not set", d.Name)
	}
	if d.OnionKey == nil || d.OnionKey.Size() != 128 {
		return fmt.Errorf("pki: %v: OnionKey must be a 1024 bit RSA key", d.Name)
	}
	if d.SigningKey == nil {
		return fmt.Errorf("pki: %v: SigningKey is not set", d.Name)
	}
	return nil
}

// InFamily returns true iff other is declared as part of the descriptor's
// family, by nickname or fingerprint.
func (d *RelayDescriptor) InFamily(other *RelayDescriptor) bool {
	fp := "$" + other.FingerprintString()
	for _, v := range d.Family {
		if strings.EqualFold(v, other.Name) || strings.EqualFold(v, fp) {
			return true
		}
	}
	return false
}

type descriptorRecord struct {
	Name       string
	Address    []byte
	Port       uint16
	OnionKey   []byte
	SigningKey []byte
	ExitPolicy []string
	Family     []string
}

// Marshal serializes the descriptor with CBOR.
func (d *RelayDescriptor) Marshal() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r := &descriptorRecord{
		Name:       d.Name,
		Address:    d.Address.To4(),
		Port:       d.Port,
		OnionKey:   x509.MarshalPKCS1PublicKey(d.OnionKey),
		SigningKey: x509.MarshalPKCS1PublicKey(d.SigningKey),
		ExitPolicy: d.ExitPolicy,
		Family:     d.Family,
	}
	return cbor.Marshal(r)
}

// Unmarshal de-serializes a descriptor produced by Marshal.
func (d *RelayDescriptor) Unmarshal(b []byte) error {
	r := new(descriptorRecord)
	if err := cbor.Unmarshal(b, r); err != nil {
		return err
	}

	onionKey, err := x509.ParsePKCS1PublicKey(r.OnionKey)
	if err != nil {
		return fmt.Errorf("pki: invalid OnionKey: %v", err)
	}
	signingKey, err := x509.ParsePKCS1PublicKey(r.SigningKey)
	if err != nil {
		return fmt.Errorf("pki: invalid SigningKey: %v", err)
	}

	*d = RelayDescriptor{
		Name:       r.Name,
		Address:    net.IP(r.Address),
		Port:       r.Port,
		OnionKey:   onionKey,
		SigningKey: signingKey,
		ExitPolicy: r.ExitPolicy,
		Family:     r.Family,
	}
	return d.Validate()
}
