// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
	require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
	require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))

	for i := 0; i < 100; i++ {
		d := Delay(baseDelay, maxDelay, 0.2, 0)
		require.GreaterOrEqual(d, 80*time.Millisecond)
		require.LessOrEqual(d, 120*time.Millisecond)
	}
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	require.True(IsTransientError(refused))
	require.True(IsTransientError(fmt.Errorf("client/conn: channel error: %w", refused)))
	require.True(IsTransientError(io.ErrUnexpectedEOF))
	require.True(IsTransientError(context.DeadlineExceeded))

	require.False(IsTransientError(nil))
	require.False(IsTransientError(context.Canceled))
	require.False(IsTransientError(errors.New("channel: relay identity mismatch")))
}

func TestDo(t *testing.T) {
	require := require.New(t)

	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	err := Do(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return io.EOF
		}
		return nil
	})
	require.NoError(err)
	require.Equal(3, calls)

	calls = 0
	err = Do(context.Background(), p, func() error {
		calls++
		return io.EOF
	})
	require.ErrorIs(err, io.EOF)
	require.Equal(3, calls)

	calls = 0
	permanent := errors.New("permanent")
	err = Do(context.Background(), p, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(err, permanent)
	require.Equal(1, calls)

	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()
	calls = 0
	err = Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func() error {
		calls++
		return io.EOF
	})
	require.ErrorIs(err, io.EOF)
	require.Equal(1, calls)
}
