// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package boltcache

import (
	"crypto/rsa"
	"net"
	"path/filepath"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onion/core/pki"
)

func newDescriptor(t *testing.T, name string) *pki.RelayDescriptor {
	onionKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	signingKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return &pki.RelayDescriptor{
		Name:       name,
		Address:    net.IPv4(198, 51, 100, 7),
		Port:       443,
		OnionKey:   &onionKey.PublicKey,
		SigningKey: &signingKey.PublicKey,
	}
}

func TestCache(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "descriptors.db")
	c, err := New(f)
	require.NoError(err)

	a, b := newDescriptor(t, "alpha"), newDescriptor(t, "beta")
	require.NoError(c.Put(a))
	require.NoError(c.Put(b))

	got, err := c.Get(a.Fingerprint())
	require.NoError(err)
	require.True(a.SigningKey.Equal(got.SigningKey))

	got, err = c.GetByName("BETA")
	require.NoError(err)
	require.Equal(b.Fingerprint(), got.Fingerprint())

	all, err := c.All()
	require.NoError(err)
	require.Len(all, 2)

	// Reopen, the contents persist.
	require.NoError(c.Close())
	require.NoError(c.Close())
	c, err = New(f)
	require.NoError(err)
	defer c.Close()

	require.NoError(c.Remove(a.Fingerprint()))
	_, err = c.Get(a.Fingerprint())
	require.ErrorIs(err, ErrNotFound)
	_, err = c.GetByName("alpha")
	require.ErrorIs(err, ErrNotFound)
	require.ErrorIs(c.Remove(a.Fingerprint()), ErrNotFound)
}

func TestCacheNameMovesIdentity(t *testing.T) {
	require := require.New(t)

	c, err := New(filepath.Join(t.TempDir(), "descriptors.db"))
	require.NoError(err)
	defer c.Close()

	old, rekeyed := newDescriptor(t, "alpha"), newDescriptor(t, "alpha")
	require.NoError(c.Put(old))
	require.NoError(c.Put(rekeyed))

	_, err = c.Get(old.Fingerprint())
	require.ErrorIs(err, ErrNotFound)
	got, err := c.GetByName("alpha")
	require.NoError(err)
	require.Equal(rekeyed.Fingerprint(), got.Fingerprint())
}
