// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onion/circuit"
	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/crypto/tap"
	"github.com/katzenpost/onion/core/log"
	"github.com/katzenpost/onion/core/pki"
	"github.com/katzenpost/onion/internal/testrelay"
)

type relayEvent struct {
	circ *circuit.Circuit
	hop  int
	r    *cell.RelayCell
}

type closeEvent struct {
	circ   *circuit.Circuit
	byPeer bool
}

type harness struct {
	conn     *Connection
	network  *testrelay.Network
	relays   []*testrelay.Relay
	identity *rsa.PrivateKey

	relayCh chan relayEvent
	closeCh chan closeEvent
	connCh  chan error
}

func newHarness(t *testing.T, nRelays int, timeout time.Duration) *harness {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", false)
	require.NoError(err)

	h := &harness{
		network: testrelay.NewNetwork(backend.GetLogger("testrelay")),
		relayCh: make(chan relayEvent, 64),
		closeCh: make(chan closeEvent, 64),
		connCh:  make(chan error, 8),
	}
	h.relays, err = h.network.NewRelays(nRelays)
	require.NoError(err)
	h.identity, err = rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(err)

	h.conn, err = New(&Config{
		LogBackend:       backend,
		Provider:         h.network,
		IdentityKey:      &h.identity.PublicKey,
		HandshakeTimeout: timeout,
		OnConnFn: func(err error) {
			h.connCh <- err
		},
		OnRelayFn: func(circ *circuit.Circuit, hop int, r *cell.RelayCell) {
			h.relayCh <- relayEvent{circ, hop, r}
		},
		OnCircuitClosedFn: func(circ *circuit.Circuit, byPeer bool) {
			h.closeCh <- closeEvent{circ, byPeer}
		},
	})
	require.NoError(err)
	t.Cleanup(func() { h.conn.Close() })

	require.NoError(h.conn.Connect(context.Background(), h.relays[0].Descriptor))
	require.NoError(<-h.connCh)
	return h
}

func (h *harness) path(idx ...int) []*pki.RelayDescriptor {
	ret := make([]*pki.RelayDescriptor, 0, len(idx))
	for _, i := range idx {
		ret = append(ret, h.relays[i].Descriptor)
	}
	return ret
}

func (h *harness) link(t *testing.T) *testrelay.Link {
	links := h.network.Links()
	require.Len(t, links, 1)
	return links[0]
}

func (h *harness) echo(t *testing.T, circ *circuit.Circuit, msg string) relayEvent {
	require := require.New(t)

	require.NoError(h.conn.SendRelay(context.Background(), circ, cell.RelayData, 5, []byte(msg)))
	select {
	case ev := <-h.relayCh:
		require.Equal(circ, ev.circ)
		require.Equal(cell.RelayData, ev.r.Command)
		require.Equal(uint16(5), ev.r.StreamID)
		require.Equal([]byte(msg), ev.r.Data)
		return ev
	case <-time.After(10 * time.Second):
		require.FailNow("timed out waiting for echo")
	}
	return relayEvent{}
}

func (h *harness) closed(t *testing.T) closeEvent {
	select {
	case ev := <-h.closeCh:
		return ev
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for circuit teardown")
	}
	return closeEvent{}
}

func TestThreeHopCircuit(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 3, 0)
	circ, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1, 2))
	require.NoError(err)
	require.Equal(3, circ.Len())
	require.Equal(circuit.Established, circ.State())
	require.Equal(1, h.conn.Circuits())

	link := h.link(t)
	require.Equal(3, link.Depth(circ.ID()))

	for _, msg := range []string{"one", "two", "three"} {
		ev := h.echo(t, circ, msg)
		require.Equal(2, ev.hop)
	}

	require.NoError(h.conn.DestroyCircuit(circ))
	ev := h.closed(t)
	require.Equal(circ, ev.circ)
	require.False(ev.byPeer)
	require.Equal(circuit.Closed, circ.State())
	require.Equal(0, h.conn.Circuits())
	require.Eventually(func() bool { return link.Circuits() == 0 }, 5*time.Second, 10*time.Millisecond)

	require.ErrorIs(h.conn.DestroyCircuit(circ), ErrUnknownCircuit)
	require.ErrorIs(h.conn.SendRelay(context.Background(), circ, cell.RelayData, 0, nil), ErrUnknownCircuit)
}

func TestTamperedExtendThenExtendElsewhere(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 4, 0)
	circ, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1))
	require.NoError(err)

	h.relays[2].TamperHandshake(true)
	err = h.conn.ExtendCircuit(context.Background(), circ, h.relays[2].Descriptor)
	require.ErrorIs(err, tap.ErrHandshakeValidation)
	var cErr *CreationError
	require.True(errors.As(err, &cErr))
	require.Equal(2, cErr.Hop)
	require.Equal(h.relays[2].Descriptor.Name, cErr.Relay)

	require.Equal(2, circ.Len())
	require.Equal(circuit.Established, circ.State())
	require.Equal(1, h.conn.Circuits())
	h.echo(t, circ, "still usable")

	require.NoError(h.conn.ExtendCircuit(context.Background(), circ, h.relays[3].Descriptor))
	require.Equal(3, circ.Len())
	require.Equal(h.relays[3].Descriptor, circ.Path()[2])
	ev := h.echo(t, circ, "through the new exit")
	require.Equal(2, ev.hop)
}

func TestCreateFailureDeregisters(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 2, 0)
	h.relays[0].TamperHandshake(true)

	_, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1))
	require.ErrorIs(err, tap.ErrHandshakeValidation)
	var cErr *CreationError
	require.True(errors.As(err, &cErr))
	require.Equal(0, cErr.Hop)
	require.Equal(0, h.conn.Circuits())
	require.Eventually(func() bool { return h.link(t).Circuits() == 0 }, 5*time.Second, 10*time.Millisecond)

	// The connection itself is unaffected.
	h.relays[0].TamperHandshake(false)
	_, err = h.conn.CreateCircuit(context.Background(), h.path(0, 1))
	require.NoError(err)
}

func TestCreateCircuitValidation(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 2, 0)
	_, err := h.conn.CreateCircuit(context.Background(), nil)
	require.Error(err)
	_, err = h.conn.CreateCircuit(context.Background(), h.path(1, 0))
	require.Error(err)
	require.Equal(0, h.conn.Circuits())
}

func TestHandshakeTimeout(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 3, 200*time.Millisecond)
	h.relays[1].Silence(true)

	_, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1))
	require.ErrorIs(err, ErrHandshakeTimeout)
	require.Equal(0, h.conn.Circuits())

	// A canceled context aborts the wait as well.
	h.relays[0].Silence(true)
	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()
	_, err = h.conn.CreateCircuit(ctx, h.path(0))
	require.ErrorIs(err, context.Canceled)
	require.Equal(0, h.conn.Circuits())
}

func TestConcurrentExtend(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 3, 5*time.Second)
	for round := 0; round < 20; round++ {
		circ, err := h.conn.CreateCircuit(context.Background(), h.path(0))
		require.NoError(err)

		var wg sync.WaitGroup
		errCh := make(chan error, 2)
		for _, next := range h.path(1, 2) {
			wg.Add(1)
			go func(next *pki.RelayDescriptor) {
				defer wg.Done()
				errCh <- h.conn.ExtendCircuit(context.Background(), circ, next)
			}(next)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			require.NoError(err, "round %d", round)
		}

		require.Equal(3, circ.Len())
		require.ElementsMatch(h.path(1, 2), circ.Path()[1:])
		ev := h.echo(t, circ, "extended twice")
		require.Equal(2, ev.hop)

		require.NoError(h.conn.DestroyCircuit(circ))
		h.closed(t)
	}
	require.Equal(0, h.conn.Circuits())
}

func TestExtendWaitsForInFlightExtend(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 2, 5*time.Second)
	circ, err := h.conn.CreateCircuit(context.Background(), h.path(0))
	require.NoError(err)

	e := h.conn.lookup(circ.ID())
	require.NoError(e.acquire(context.Background()))

	ctx, cancelFn := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelFn()
	err = h.conn.ExtendCircuit(ctx, circ, h.relays[1].Descriptor)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Equal(1, circ.Len())
	require.Equal(1, h.conn.Circuits())

	e.release()
	require.NoError(h.conn.ExtendCircuit(context.Background(), circ, h.relays[1].Descriptor))
	require.Equal(2, circ.Len())
}

func TestRepeatedCreatedIsDropped(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 3, 5*time.Second)
	h.relays[0].RepeatCreated(true)

	for i := 0; i < 10; i++ {
		circ, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1, 2))
		require.NoError(err)
		ev := h.echo(t, circ, "after a repeated created")
		require.Equal(2, ev.hop)
	}
	require.True(h.conn.IsConnected())
}

func TestCircuitEntryMailbox(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	e := newCircuitEntry(circuit.New(1, backend.GetLogger("circuit")))

	require.False(e.deliver(responseCreated, &cell.Created{ID: 1}))

	waitCh, err := e.arm(responseExtended)
	require.NoError(err)
	require.False(e.deliver(responseCreated, &cell.Created{ID: 1}))
	rc := &cell.RelayCell{Command: cell.RelayExtended}
	require.True(e.deliver(responseExtended, rc))
	require.False(e.deliver(responseExtended, rc), "a second response was accepted")
	require.Equal(rc, <-waitCh)
	e.disarm()

	waitCh, err = e.arm(responseCreated)
	require.NoError(err)
	e.fail(circuit.ErrClosed)
	require.Equal(circuit.ErrClosed, <-waitCh)

	_, err = e.arm(responseCreated)
	require.ErrorIs(err, circuit.ErrClosed)
}

func TestDestroyStaleCircuit(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 1, 0)
	circ, err := h.conn.CreateCircuit(context.Background(), h.path(0))
	require.NoError(err)

	stale := circuit.New(circ.ID(), h.conn.log)
	require.ErrorIs(h.conn.DestroyCircuit(stale), ErrUnknownCircuit)
	require.Equal(1, h.conn.Circuits())
	h.echo(t, circ, "still registered")
}

func TestCircuitIDAllocation(t *testing.T) {
	require := require.New(t)

	const n = 16
	h := newHarness(t, 2, 0)

	var wg sync.WaitGroup
	circs := make(chan *circuit.Circuit, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			circ, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1))
			if assert.NoError(t, err) {
				circs <- circ
			}
		}()
	}
	wg.Wait()
	close(circs)

	var wantTop cell.CircuitID
	if h.identity.N.Cmp(h.relays[0].SigningKey.N) >= 0 {
		wantTop = 0x8000
	}
	seen := make(map[cell.CircuitID]bool)
	for circ := range circs {
		id := circ.ID()
		require.NotZero(id)
		require.Equal(wantTop, id&0x8000)
		require.False(seen[id], "duplicate circuit id %d", id)
		seen[id] = true
		h.echo(t, circ, "hello")
	}
	require.Len(seen, n)
	require.Equal(n, h.conn.Circuits())
}

func TestCircuitIDExhaustion(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 1, 0)
	c := h.conn

	c.circuitsLock.Lock()
	for v := 0; v <= circuitIDMask; v++ {
		id := cell.CircuitID(v) | c.topBit
		if id == 0 {
			continue
		}
		c.circuits[id] = newCircuitEntry(circuit.New(id, c.log))
	}
	c.circuitsLock.Unlock()

	_, err := c.CreateCircuit(context.Background(), h.path(0))
	require.ErrorIs(err, ErrCircuitIDExhausted)

	free := c.topBit | 0x1234
	c.deregister(free)
	e, err := c.allocateCircuit()
	require.NoError(err)
	require.Equal(free, e.circ.ID())

	// None of the placeholders exist on the relay side.
	c.drainCircuits()
}

func TestDestroyedByPeer(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 2, 0)
	circ, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1))
	require.NoError(err)
	other, err := h.conn.CreateCircuit(context.Background(), h.path(0))
	require.NoError(err)

	require.NoError(h.link(t).Destroy(circ.ID(), cell.ReasonResourceLimit))
	ev := h.closed(t)
	require.Equal(circ, ev.circ)
	require.True(ev.byPeer)
	require.Equal(circuit.Closed, circ.State())
	require.Equal(1, h.conn.Circuits())

	require.ErrorIs(h.conn.SendRelay(context.Background(), circ, cell.RelayData, 0, nil), ErrUnknownCircuit)
	h.echo(t, other, "unaffected")
}

func TestClosedByPeer(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 2, 0)
	a, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1))
	require.NoError(err)
	b, err := h.conn.CreateCircuit(context.Background(), h.path(0))
	require.NoError(err)

	require.NoError(h.link(t).Close())

	got := map[*circuit.Circuit]bool{}
	for i := 0; i < 2; i++ {
		ev := h.closed(t)
		require.True(ev.byPeer)
		got[ev.circ] = true
	}
	require.True(got[a])
	require.True(got[b])
	require.ErrorIs(<-h.connCh, ErrChannel)

	require.False(h.conn.IsConnected())
	require.Equal(0, h.conn.Circuits())
	_, err = h.conn.CreateCircuit(context.Background(), h.path(0))
	require.ErrorIs(err, ErrNotConnected)
	require.ErrorIs(h.conn.Connect(context.Background(), h.relays[0].Descriptor), ErrNotConnected)

	// A local close afterwards notifies nobody again.
	require.NoError(h.conn.Close())
	select {
	case ev := <-h.closeCh:
		require.FailNow("circuit notified twice", "%v", ev.circ.ID())
	default:
	}
}

func TestLocalClose(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 1, 0)
	circ, err := h.conn.CreateCircuit(context.Background(), h.path(0))
	require.NoError(err)

	require.NoError(h.conn.Close())
	require.NoError(h.conn.Close())
	ev := h.closed(t)
	require.Equal(circ, ev.circ)
	require.False(ev.byPeer)
	require.Len(h.closeCh, 0)

	require.ErrorIs(h.conn.SendRelay(context.Background(), circ, cell.RelayData, 0, nil), ErrUnknownCircuit)
	_, err = h.conn.CreateCircuit(context.Background(), h.path(0))
	require.ErrorIs(err, ErrNotConnected)
}

func TestDropsBadCells(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, 2, 0)
	circ, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1))
	require.NoError(err)
	link := h.link(t)

	// Unknown command.
	bad := make([]byte, cell.CellLength)
	bad[2] = 0x7f
	require.NoError(link.SendRaw(bad))

	// Relay cell for an unknown circuit.
	require.NoError(link.SendRaw((&cell.Relay{ID: circ.ID() ^ 0x0001}).ToBytes()))

	// Relay cell that fails the digest check.  It consumes keystream and
	// digest state, which desynchronizes the circuit, so use a fresh one
	// afterwards.
	require.NoError(link.SendRaw((&cell.Relay{ID: circ.ID()}).ToBytes()))

	fresh, err := h.conn.CreateCircuit(context.Background(), h.path(0, 1))
	require.NoError(err)
	h.echo(t, fresh, "survived")
	require.True(h.conn.IsConnected())
}

type eintrReader struct {
	r     io.Reader
	fired bool
}

func (e *eintrReader) Read(b []byte) (int, error) {
	if !e.fired && len(b) > 100 {
		e.fired = true
		n, _ := e.r.Read(b[:100])
		return n, syscall.EINTR
	}
	return e.r.Read(b)
}

func TestReadCellRetriesEINTR(t *testing.T) {
	require := require.New(t)

	frame := (&cell.Padding{}).ToBytes()
	frame[0] = 0xab
	pr, pw := io.Pipe()
	go func() {
		pw.Write(frame)
		pw.Close()
	}()

	var b [cell.CellLength]byte
	require.NoError(readCell(&eintrReader{r: pr}, b[:]))
	require.Equal(frame, b[:])

	require.Error(readCell(&eintrReader{r: pr}, b[:]))
}
