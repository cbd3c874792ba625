package checkpoint_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/checkpoint"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/state"
)

func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, state.Live(root).Ensure())
	return root
}

// markSession drops a distinguishable file into the live changeset.
func markSession(t *testing.T, root, label string) {
	t.Helper()
	ctx := state.Live(root)
	require.NoError(t, changeset.AppendPathIndex(ctx.ChangesetDir, config.TouchedFilesIdx, "/"+label))
}

func slotLabel(t *testing.T, root string, slot int) string {
	t.Helper()
	ctx := state.ForSlot(root, slot)
	lines, err := changeset.ReadPathIndex(ctx.ChangesetDir, config.TouchedFilesIdx)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	return lines[0]
}

func slotExists(root string, slot int) bool {
	_, err := os.Stat(filepath.Join(root, strconv.Itoa(slot)))
	return err == nil
}

func TestCreateFreezesLiveChangeset(t *testing.T) {
	root := newRoot(t)
	markSession(t, root, "s1")

	require.NoError(t, checkpoint.Create(root))

	require.Equal(t, "/s1", slotLabel(t, root, -1))

	// The live changeset is a fresh, empty directory.
	live := state.Live(root)
	entries, err := os.ReadDir(live.ChangesetDir)
	require.NoError(t, err)
	require.Empty(t, entries)

	// The live data mirrors stayed in place.
	_, err = os.Stat(live.DataDir)
	require.NoError(t, err)
}

func TestHistoryAgesAndIsBounded(t *testing.T) {
	root := newRoot(t)

	for i := 1; i <= 3; i++ {
		markSession(t, root, "s"+strconv.Itoa(i))
		require.NoError(t, checkpoint.Create(root))
	}

	require.True(t, slotExists(root, -1))
	require.True(t, slotExists(root, -2))
	require.True(t, slotExists(root, -3))
	require.False(t, slotExists(root, -4))

	require.Equal(t, "/s3", slotLabel(t, root, -1))
	require.Equal(t, "/s2", slotLabel(t, root, -2))
	require.Equal(t, "/s1", slotLabel(t, root, -3))

	// The fourth checkpoint pushes s1 off the end of the ring.
	markSession(t, root, "s4")
	require.NoError(t, checkpoint.Create(root))

	require.False(t, slotExists(root, -4))
	require.Equal(t, "/s4", slotLabel(t, root, -1))
	require.Equal(t, "/s2", slotLabel(t, root, -3))
}

func TestCycleAfterRollbackShiftsHistoryForward(t *testing.T) {
	root := newRoot(t)

	markSession(t, root, "old")
	require.NoError(t, checkpoint.Create(root))
	markSession(t, root, "consumed")

	require.NoError(t, checkpoint.CycleAfterRollback(root))

	// The consumed changeset is gone; the previous checkpoint's
	// changeset is now live.
	require.Equal(t, "/old", slotLabel(t, root, 0))
	require.False(t, slotExists(root, -1))
}

func TestCycleAfterRollbackWithoutHistory(t *testing.T) {
	root := newRoot(t)
	markSession(t, root, "only")

	require.NoError(t, checkpoint.CycleAfterRollback(root))

	live := state.Live(root)
	entries, err := os.ReadDir(live.ChangesetDir)
	require.NoError(t, err)
	require.Empty(t, entries, "live changeset is recreated empty")
}

func TestCycleAfterRollbackDeepHistory(t *testing.T) {
	root := newRoot(t)

	for i := 1; i <= 3; i++ {
		markSession(t, root, "s"+strconv.Itoa(i))
		require.NoError(t, checkpoint.Create(root))
	}
	markSession(t, root, "live")

	require.NoError(t, checkpoint.CycleAfterRollback(root))

	require.Equal(t, "/s3", slotLabel(t, root, 0))
	require.Equal(t, "/s2", slotLabel(t, root, -1))
	require.Equal(t, "/s1", slotLabel(t, root, -2))
	require.False(t, slotExists(root, -3))
}
