package wal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ryotapoi/mdrename/internal/store"
)

type testState struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

func openLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "wal"), opts...)
	require.NoError(t, err)
	return l
}

func TestAppendAndRead(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()
	id := uuid.NewString()

	for _, p := range []Phase{Planned, Prepared, Validated} {
		_, err := l.Append(ctx, id, p, testState{OldPath: "A.md", NewPath: "B.md"})
		require.NoError(t, err)
	}

	entries, err := l.Read(id)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, i+1, e.Seq)
		require.Equal(t, id, e.TransactionID)
	}
	require.Equal(t, Validated, entries[2].Phase)

	var st testState
	require.NoError(t, entries[0].Decode(&st))
	require.Equal(t, testState{OldPath: "A.md", NewPath: "B.md"}, st)

	last, ok, err := l.Last(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Validated, last.Phase)

	files, err := os.ReadDir(filepath.Join(l.Dir(), id))
	require.NoError(t, err)
	for _, f := range files {
		require.False(t, store.IsTempName(f.Name()), "temp file left behind: %s", f.Name())
	}
}

func TestReadUnknownTransaction(t *testing.T) {
	l := openLog(t)
	entries, err := l.Read(uuid.NewString())
	require.NoError(t, err)
	require.Empty(t, entries)

	_, ok, err := l.Last(uuid.NewString())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidTransactionID(t *testing.T) {
	l := openLog(t)
	_, err := l.Append(context.Background(), "../escape", Planned, nil)
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = l.StageDir("not-a-uuid")
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestCorruptEntry(t *testing.T) {
	l := openLog(t)
	id := uuid.NewString()
	_, err := l.Append(context.Background(), id, Planned, testState{OldPath: "A.md"})
	require.NoError(t, err)

	path := filepath.Join(l.Dir(), id, "0001-planned.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "A.md", "Z.md", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = l.Read(id)
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = l.Read(id)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestListIncompleteAndFailed(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	inflight := uuid.NewString()
	done := uuid.NewString()
	failed := uuid.NewString()
	empty := uuid.NewString()

	_, err := l.Append(ctx, inflight, Planned, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, inflight, Prepared, nil)
	require.NoError(t, err)

	_, err = l.Append(ctx, done, Committed, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, done, CleanedUp, nil)
	require.NoError(t, err)

	_, err = l.Append(ctx, failed, Committed, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, failed, Failed, nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(l.Dir(), empty), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(l.Dir(), "junk"), 0o700))

	all, err := l.List()
	require.NoError(t, err)
	require.Len(t, all, 4)

	incomplete, err := l.ListIncomplete()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{inflight, empty}, incomplete)

	failedIDs, err := l.ListFailed()
	require.NoError(t, err)
	require.Equal(t, []string{failed}, failedIDs)
}

func TestPurge(t *testing.T) {
	l := openLog(t)
	id := uuid.NewString()
	_, err := l.Append(context.Background(), id, Planned, nil)
	require.NoError(t, err)
	stage, err := l.StageDir(id)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(stage, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(stage, "backup"), []byte("x"), 0o600))

	require.NoError(t, l.Purge(id))
	_, err = os.Stat(filepath.Join(l.Dir(), id))
	require.True(t, os.IsNotExist(err))

	ids, err := l.List()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestAppendRetriesTransientErrors(t *testing.T) {
	faulty := store.NewFaulty(store.NewReal())
	faulty.Inject(store.Fault{Op: store.OpRename, Err: syscall.EBUSY, Times: 1})
	l := openLog(t, WithFS(faulty))

	id := uuid.NewString()
	_, err := l.Append(context.Background(), id, Planned, nil)
	require.NoError(t, err)
	require.Equal(t, 1, faulty.Injected(store.OpRename))

	entries, err := l.Read(id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestVaultDir(t *testing.T) {
	state := t.TempDir()
	a, err := VaultDir(state, "/vaults/one")
	require.NoError(t, err)
	b, err := VaultDir(state, "/vaults/two")
	require.NoError(t, err)
	again, err := VaultDir(state, "/vaults/one/")
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.Equal(t, a, again)
	require.Len(t, filepath.Base(a), 16)
}
