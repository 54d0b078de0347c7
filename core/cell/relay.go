// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
)

// Relay payload header layout.
const (
	relayCommandOffset    = 0
	relayRecognizedOffset = 1
	relayStreamIDOffset   = 3
	relayDigestOffset     = 5
	relayLengthOffset     = 9

	// RelayHeaderLength is the length of the relay header that precedes
	// the relay data.
	RelayHeaderLength = 11

	// RelayDigestLength is the length of the truncated running digest.
	RelayDigestLength = 4

	// MaxRelayDataLength is the maximum data carried by one relay cell.
	MaxRelayDataLength = PayloadLength - RelayHeaderLength
)

// RelayCommand is the command of a relay cell.
type RelayCommand byte

// Relay commands.
const (
	RelayBegin     RelayCommand = 1
	RelayData      RelayCommand = 2
	RelayEnd       RelayCommand = 3
	RelayConnected RelayCommand = 4
	RelaySendMe    RelayCommand = 5
	RelayExtend    RelayCommand = 6
	RelayExtended  RelayCommand = 7
	RelayTruncate  RelayCommand = 8
	RelayTruncated RelayCommand = 9
	RelayDrop      RelayCommand = 10
)

func (c RelayCommand) String() string {
	names := [...]string{
		"", "begin", "data", "end", "connected", "sendme",
		"extend", "extended", "truncate", "truncated", "drop",
	}
	if c != 0 && int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("unknown(%d)", byte(c))
}

// RelayCell is the plaintext view of a relay payload.
type RelayCell struct {
	Command    RelayCommand
	Recognized uint16
	StreamID   uint16
	Digest     [RelayDigestLength]byte
	Data       []byte
}

// ToPayload serializes the relay cell into a zero padded payload.  The
// digest field is copied as is, see GenerateDigest.
func (r *RelayCell) ToPayload() (*[PayloadLength]byte, error) {
	if len(r.Data) > MaxRelayDataLength {
		return nil, fmt.Errorf("cell: relay data too large: %d > %d", len(r.Data), MaxRelayDataLength)
	}

	p := new([PayloadLength]byte)
	p[relayCommandOffset] = byte(r.Command)
	binary.BigEndian.PutUint16(p[relayRecognizedOffset:], r.Recognized)
	binary.BigEndian.PutUint16(p[relayStreamIDOffset:], r.StreamID)
	copy(p[relayDigestOffset:relayLengthOffset], r.Digest[:])
	binary.BigEndian.PutUint16(p[relayLengthOffset:], uint16(len(r.Data)))
	copy(p[RelayHeaderLength:], r.Data)
	return p, nil
}

// RelayCellFromPayload parses a decrypted relay payload.
func RelayCellFromPayload(p *[PayloadLength]byte) (*RelayCell, error) {
	dataLen := int(binary.BigEndian.Uint16(p[relayLengthOffset:]))
	if dataLen > MaxRelayDataLength {
		return nil, fmt.Errorf("%w: relay length %d", ErrMalformedCell, dataLen)
	}

	r := &RelayCell{
		Command:    RelayCommand(p[relayCommandOffset]),
		Recognized: binary.BigEndian.Uint16(p[relayRecognizedOffset:]),
		StreamID:   binary.BigEndian.Uint16(p[relayStreamIDOffset:]),
		Data:       make([]byte, dataLen),
	}
	copy(r.Digest[:], p[relayDigestOffset:relayLengthOffset])
	copy(r.Data, p[RelayHeaderLength:RelayHeaderLength+dataLen])
	return r, nil
}

// IsRecognized returns true iff the recognized field of the payload is zero.
func IsRecognized(p *[PayloadLength]byte) bool {
	return p[relayRecognizedOffset] == 0 && p[relayRecognizedOffset+1] == 0
}

func runningDigest(h hash.Hash, p *[PayloadLength]byte) []byte {
	for i := relayDigestOffset; i < relayLengthOffset; i++ {
		p[i] = 0
	}
	_, _ = h.Write(p[:])
	return h.Sum(nil)[:RelayDigestLength]
}

// GenerateDigest folds the payload, with its digest field zeroed, into the
// running forward digest h and stamps the truncated result into the digest
// field.
func GenerateDigest(h hash.Hash, p *[PayloadLength]byte) {
	d := runningDigest(h, p)
	copy(p[relayDigestOffset:relayLengthOffset], d)
}

// CheckDigest folds the payload into the running backward digest h and
// compares the result against the payload's digest field.  h is advanced
// even on failure, so a failed cell must not be checked again.
func CheckDigest(h hash.Hash, p *[PayloadLength]byte) error {
	var received [RelayDigestLength]byte
	copy(received[:], p[relayDigestOffset:relayLengthOffset])

	d := runningDigest(h, p)
	copy(p[relayDigestOffset:relayLengthOffset], received[:])
	if subtle.ConstantTimeCompare(received[:], d) != 1 {
		return ErrDigestMismatch
	}
	return nil
}
