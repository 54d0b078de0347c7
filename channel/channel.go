// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel provides the authenticated byte streams used to reach the
// entry relay of a circuit.
package channel

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/onion/core/pki"
)

// ErrIdentityMismatch is the error returned when the peer's certificate is
// not bound to the relay's signing key.
var ErrIdentityMismatch = errors.New("channel: peer identity mismatch")

// Channel is an authenticated, ordered byte stream to a relay.
type Channel interface {
	io.ReadWriteCloser
}

// Provider opens channels to relays.
type Provider interface {
	// Dial opens a channel to the relay described by desc.  The peer must
	// prove possession of desc.SigningKey.
	Dial(ctx context.Context, desc *pki.RelayDescriptor) (Channel, error)
}

// SelfSignedCertificate returns a self signed certificate for key, suitable
// both for relays and for the optional client identity.
func SelfSignedCertificate(key *rsa.PrivateKey) (tls.Certificate, error) {
	var raw [8]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return tls.Certificate{}, err
	}
	serial := new(big.Int).SetBytes(raw[:])
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "www.example.com"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"www.example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// pinnedConfig returns a TLS configuration that accepts exactly the peers
// whose leaf certificate carries desc.SigningKey.  No chain is built.
func pinnedConfig(desc *pki.RelayDescriptor, cert *tls.Certificate, nextProtos []string) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         nextProtos,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: no certificate", ErrIdentityMismatch)
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			pk, ok := leaf.PublicKey.(*rsa.PublicKey)
			if !ok || !pk.Equal(desc.SigningKey) {
				return fmt.Errorf("%w: %v", ErrIdentityMismatch, desc.Name)
			}
			return nil
		},
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg
}
