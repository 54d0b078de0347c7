// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixupAndValidate(t *testing.T) {
	require := require.New(t)

	cfg := &Config{}
	require.NoError(cfg.FixupAndValidate())
	require.Equal(typeNone, cfg.Type)
	require.Nil(cfg.ToDialContext("x"))

	cfg = &Config{Type: "SOCKS5", Network: "TCP", Address: "127.0.0.1:9050", User: "u", Password: "p"}
	require.NoError(cfg.FixupAndValidate())
	require.NotNil(cfg.auth)
	require.NotNil(cfg.ToDialContext("x"))

	for _, bad := range []*Config{
		{Type: "http"},
		{Type: typeSocks5, Network: netTCP, Address: "localhost:9050"},
		{Type: typeSocks5, Network: netTCP, Address: "127.0.0.1:0"},
		{Type: typeSocks5, Network: "udp", Address: "127.0.0.1:9050"},
		{Type: typeSocks5, Network: netTCP, Address: "127.0.0.1:9050", User: "u"},
		{Type: typeTorSocks5, Network: netTCP, Address: "127.0.0.1:9050", User: "u", Password: "p"},
		{Type: typeSocks5, Network: netTCP, Address: "127.0.0.1:9050", User: strings.Repeat("u", 256), Password: "p"},
		{Type: typeSocks5, Network: netUnix, Address: "/nonexistent/socks.sock"},
	} {
		require.Error(bad.FixupAndValidate(), "%+v", bad)
	}
}

func TestDialFailsWithoutProxy(t *testing.T) {
	require := require.New(t)

	// Grab a free port and release it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	addr := l.Addr().String()
	require.NoError(l.Close())

	cfg := &Config{Type: typeTorSocks5, Network: netTCP, Address: addr}
	require.NoError(cfg.FixupAndValidate())
	dialFn := cfg.ToDialContext("circuit")
	require.NotNil(dialFn)

	_, err = dialFn(context.Background(), "tcp", "192.0.2.1:9001")
	require.Error(err)
}
