// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestLevelFromString(t *testing.T) {
	require := require.New(t)

	lvl, err := LevelFromString("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	lvl, err = LevelFromString("NOTICE")
	require.NoError(err)
	require.Equal(logging.NOTICE, lvl)

	_, err = LevelFromString("LOUD")
	require.Error(err)
}

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "onion.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Notice("before rotate")

	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	l.Notice("after rotate")

	old, err := os.ReadFile(f + ".1")
	require.NoError(err)
	require.Contains(string(old), "test: before rotate")

	cur, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "test: after rotate")
	require.NotContains(string(cur), "before rotate")
}

func TestBackendDisabled(t *testing.T) {
	b, err := New("", "ERROR", true)
	require.NoError(t, err)
	require.False(t, b.IsEnabledFor(logging.DEBUG, "x"))
	b.GetLogger("x").Error("discarded")
}
