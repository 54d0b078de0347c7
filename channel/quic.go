// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/pki"
)

// QUICProvider dials relays with QUIC, carrying the link on a single
// bidirectional stream.
type QUICProvider struct {
	// DialTimeout bounds the QUIC handshake and stream setup.
	DialTimeout time.Duration

	// Certificate is the optional client certificate.
	Certificate *tls.Certificate

	// Log is the optional logger.
	Log *logging.Logger
}

// Dial implements Provider.
func (p *QUICProvider) Dial(ctx context.Context, desc *pki.RelayDescriptor) (Channel, error) {
	timeout := p.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()

	addr := desc.AddrPort()
	if p.Log != nil {
		p.Log.Debugf("Dialing (QUIC): %v", addr)
	}

	// Links advertise the HTTP/3 ALPN.
	tlsConf := pinnedConfig(desc, p.Certificate, []string{http3.NextProtoH3})
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{KeepAlivePeriod: keepAlive})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &QuicConn{Conn: conn, Stream: stream}, nil
}

// QuicConn wraps a QUIC connection and a single stream as a Channel.
type QuicConn struct {
	Conn   *quic.Conn
	Stream *quic.Stream
}

// Read implements io.Reader.
func (q *QuicConn) Read(b []byte) (int, error) {
	return q.Stream.Read(b)
}

// Write implements io.Writer.
func (q *QuicConn) Write(b []byte) (int, error) {
	return q.Stream.Write(b)
}

// Close closes the stream and the connection carrying it.
func (q *QuicConn) Close() error {
	err := q.Stream.Close()
	q.Stream.CancelRead(0)
	if cErr := q.Conn.CloseWithError(0, ""); err == nil {
		err = cErr
	}
	return err
}

// Accept waits for a peer connection on l and its first stream, for use by
// relays serving QUIC links.
func Accept(ctx context.Context, l *quic.Listener) (*QuicConn, error) {
	conn, err := l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &QuicConn{Conn: conn, Stream: stream}, nil
}
