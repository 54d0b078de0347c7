// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/pki"
	"github.com/katzenpost/onion/internal/proxy"
)

const (
	defaultDialTimeout = 30 * time.Second
	keepAlive          = 3 * time.Minute
)

// TLSProvider dials relays with TLS over TCP.
type TLSProvider struct {
	// DialTimeout bounds the TCP connect and the TLS handshake.
	DialTimeout time.Duration

	// DialContextFn is an optional alternative dialer, typically an
	// upstream proxy.
	DialContextFn proxy.DialContextFn

	// Certificate is the optional client certificate.
	Certificate *tls.Certificate

	// Log is the optional logger.
	Log *logging.Logger
}

// Dial implements Provider.
func (p *TLSProvider) Dial(ctx context.Context, desc *pki.RelayDescriptor) (Channel, error) {
	timeout := p.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()

	dialFn := p.DialContextFn
	if dialFn == nil {
		dialFn = (&net.Dialer{KeepAlive: keepAlive}).DialContext
	}

	addr := desc.AddrPort()
	if p.Log != nil {
		p.Log.Debugf("Dialing: %v", addr)
	}
	conn, err := dialFn(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, pinnedConfig(desc, p.Certificate, nil))
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if p.Log != nil {
		p.Log.Debugf("TLS handshake completed: %v", addr)
	}
	return tlsConn, nil
}
