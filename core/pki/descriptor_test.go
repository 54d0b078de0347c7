// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package pki

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"net"
	"path/filepath"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func newTestDescriptor(t *testing.T, name string) *RelayDescriptor {
	onionKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	signingKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	return &RelayDescriptor{
		Name:       name,
		Address:    net.IPv4(192, 0, 2, 1),
		Port:       9001,
		OnionKey:   &onionKey.PublicKey,
		SigningKey: &signingKey.PublicKey,
		ExitPolicy: []string{"reject *:25", "accept *:*"},
		Family:     []string{"sibling"},
	}
}

func TestDescriptorFingerprint(t *testing.T) {
	require := require.New(t)

	d := newTestDescriptor(t, "alpha")
	want := sha1.Sum(x509.MarshalPKCS1PublicKey(d.SigningKey))
	require.Equal(want, d.Fingerprint())
	require.Len(d.FingerprintString(), 2*FingerprintLength)
	require.Equal("192.0.2.1:9001", d.AddrPort())
}

func TestDescriptorMarshal(t *testing.T) {
	require := require.New(t)

	d := newTestDescriptor(t, "alpha")
	b, err := d.Marshal()
	require.NoError(err)

	d2 := new(RelayDescriptor)
	require.NoError(d2.Unmarshal(b))
	require.Equal(d.Name, d2.Name)
	require.True(d.Address.Equal(d2.Address))
	require.Equal(d.Port, d2.Port)
	require.True(d.OnionKey.Equal(d2.OnionKey))
	require.True(d.SigningKey.Equal(d2.SigningKey))
	require.Equal(d.ExitPolicy, d2.ExitPolicy)
	require.Equal(d.Family, d2.Family)
	require.Equal(d.Fingerprint(), d2.Fingerprint())
}

func TestDescriptorValidate(t *testing.T) {
	require := require.New(t)

	d := newTestDescriptor(t, "alpha")
	require.NoError(d.Validate())

	bad := *d
	bad.Address = net.ParseIP("2001:db8::1")
	require.Error(bad.Validate())

	bad = *d
	bad.Port = 0
	require.Error(bad.Validate())

	bad = *d
	bad.Name = ""
	require.Error(bad.Validate())

	bigKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	bad = *d
	bad.OnionKey = &bigKey.PublicKey
	require.Error(bad.Validate())
}

func TestDescriptorFamily(t *testing.T) {
	a := newTestDescriptor(t, "alpha")
	b := newTestDescriptor(t, "sibling")
	c := newTestDescriptor(t, "gamma")
	a.Family = append(a.Family, "$"+c.FingerprintString())

	require.True(t, a.InFamily(b))
	require.True(t, a.InFamily(c))
	require.False(t, b.InFamily(a))
}

func TestPEM(t *testing.T) {
	require := require.New(t)

	sk, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(err)

	pk, err := PublicKeyFromPEM(PublicKeyToPEM(&sk.PublicKey))
	require.NoError(err)
	require.True(sk.PublicKey.Equal(pk))

	f := filepath.Join(t.TempDir(), "identity.pem")
	require.NoError(PrivateKeyToPEMFile(f, sk))
	sk2, err := PrivateKeyFromPEMFile(f)
	require.NoError(err)
	require.True(sk.Equal(sk2))

	_, err = PublicKeyFromPEM("not a key")
	require.Error(err)
}
