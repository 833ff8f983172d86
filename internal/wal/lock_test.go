//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package wal

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLockAndClaim(t *testing.T) {
	l := openLog(t)
	id := uuid.NewString()

	lk, err := l.Lock(id)
	require.NoError(t, err)
	_, err = l.Append(context.Background(), id, Planned, testState{OldPath: "A.md"})
	require.NoError(t, err)

	_, err = l.Claim(id)
	require.ErrorIs(t, err, ErrActive)
	_, err = l.Lock(id)
	require.ErrorIs(t, err, ErrActive)

	// The lock file is not an entry.
	entries, err := l.Read(id)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, lk.Close())
	claimed, err := l.Claim(id)
	require.NoError(t, err)
	require.NoError(t, l.Purge(id))
	require.NoError(t, claimed.Close())

	_, err = l.Claim(id)
	require.True(t, errors.Is(err, os.ErrNotExist), "err = %v", err)
	ids, err := l.List()
	require.NoError(t, err)
	require.Empty(t, ids)
}
