// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	require := require.New(t)

	c := &Create{ID: 0x8123}
	copy(c.Payload[:], []byte("onion skin"))
	b := c.ToBytes()
	require.Len(b, CellLength)
	require.Equal([]byte{0x81, 0x23, 0x01}, b[:HeaderLength])
	require.Equal([]byte("onion skin"), b[HeaderLength:HeaderLength+10])
	for _, v := range b[HeaderLength+10:] {
		require.Zero(v)
	}

	d := &Destroy{ID: 7, Reason: ReasonFinished}
	b = d.ToBytes()
	require.Equal([]byte{0x00, 0x07, 0x04, 0x09}, b[:4])
}

func TestFromBytes(t *testing.T) {
	require := require.New(t)

	for _, in := range []Cell{
		&Padding{ID: 1},
		&Create{ID: 2},
		&Created{ID: 3},
		&Relay{ID: 4},
		&Destroy{ID: 5, Reason: ReasonTimeout},
	} {
		out, err := FromBytes(in.ToBytes())
		require.NoError(err)
		require.IsType(in, out)
		require.Equal(in.CircuitID(), out.CircuitID())
		require.Equal(in.Command(), out.Command())
	}

	raw := (&Created{ID: 9}).ToBytes()
	raw[HeaderLength] = 0xaa
	c, err := FromBytes(raw)
	require.NoError(err)
	require.Equal(byte(0xaa), c.(*Created).Payload[0])
}

func TestFromBytesMalformed(t *testing.T) {
	assert := assert.New(t)

	_, err := FromBytes(make([]byte, CellLength-1))
	assert.ErrorIs(err, ErrMalformedCell)

	_, err = FromBytes(make([]byte, CellLength+1))
	assert.ErrorIs(err, ErrMalformedCell)

	raw := make([]byte, CellLength)
	raw[2] = 0x42
	_, err = FromBytes(raw)
	assert.ErrorIs(err, ErrMalformedCell)
}

func TestRelayCellPayload(t *testing.T) {
	require := require.New(t)

	r := &RelayCell{
		Command:  RelayData,
		StreamID: 0x0102,
		Data:     []byte("hello"),
	}
	p, err := r.ToPayload()
	require.NoError(err)
	require.Equal(byte(RelayData), p[0])
	require.Equal([]byte{0, 0}, p[1:3])
	require.Equal([]byte{0x01, 0x02}, p[3:5])
	require.Equal([]byte{0, 5}, p[9:11])
	require.Equal([]byte("hello"), p[11:16])
	require.True(IsRecognized(p))

	r2, err := RelayCellFromPayload(p)
	require.NoError(err)
	require.Equal(r, r2)

	r.Data = make([]byte, MaxRelayDataLength+1)
	_, err = r.ToPayload()
	require.Error(err)

	p[9], p[10] = 0xff, 0xff
	_, err = RelayCellFromPayload(p)
	require.ErrorIs(err, ErrMalformedCell)
}

func TestRunningDigest(t *testing.T) {
	require := require.New(t)

	seed := []byte("forward digest seed.")
	fwd, bwd := sha1.New(), sha1.New()
	fwd.Write(seed)
	bwd.Write(seed)

	var payloads []*[PayloadLength]byte
	for i := 0; i < 3; i++ {
		r := &RelayCell{Command: RelayData, StreamID: 1, Data: []byte{byte(i)}}
		p, err := r.ToPayload()
		require.NoError(err)
		GenerateDigest(fwd, p)
		payloads = append(payloads, p)
	}

	// Identical content yields distinct digests, the hash is running.
	require.NotEqual(payloads[0][5:9], payloads[1][5:9])

	for _, p := range payloads {
		saved := *p
		require.NoError(CheckDigest(bwd, p))
		require.Equal(saved, *p)
	}
}

func TestReplayedDigestFails(t *testing.T) {
	require := require.New(t)

	fwd, bwd := sha1.New(), sha1.New()

	first, err := (&RelayCell{Command: RelayData, Data: []byte("a")}).ToPayload()
	require.NoError(err)
	GenerateDigest(fwd, first)
	replay := *first

	require.NoError(CheckDigest(bwd, first))

	// The same cell is not valid at a later accumulator position.
	require.ErrorIs(CheckDigest(bwd, &replay), ErrDigestMismatch)
}

func TestTamperedDigestFails(t *testing.T) {
	fwd, bwd := sha1.New(), sha1.New()

	p, err := (&RelayCell{Command: RelayData, Data: []byte("payload")}).ToPayload()
	require.NoError(t, err)
	GenerateDigest(fwd, p)
	p[20] ^= 0x01
	require.ErrorIs(t, CheckDigest(bwd, p), ErrDigestMismatch)
}
