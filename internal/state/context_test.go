package state_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravinsp/statesnapshot/internal/state"
)

func TestForSlotLayout(t *testing.T) {
	ctx := state.ForSlot("/srv/snap", 0)
	require.Equal(t, "/srv/snap/0/data", ctx.DataDir)
	require.Equal(t, "/srv/snap/0/bhmaps", ctx.BhmapDir)
	require.Equal(t, "/srv/snap/0/htree", ctx.HtreeDir)
	require.Equal(t, "/srv/snap/0/delta", ctx.ChangesetDir)

	prev := state.ForSlot("/srv/snap", -1)
	require.Equal(t, "/srv/snap/-1/delta", prev.ChangesetDir)
}

func TestRelPath(t *testing.T) {
	require.Equal(t, "/a/b", state.RelPath("/data/a/b", "/data"))
	require.Equal(t, "/", state.RelPath("/data", "/data"))
	require.Equal(t, "/x", state.RelPath("/data/x/", "/data"))

	// A sibling whose name merely extends the base is not a descendant.
	require.Equal(t, "/database/f", state.RelPath("/database/f", "/data"))
}

func TestSwitchBase(t *testing.T) {
	got := state.SwitchBase("/root/0/data/a/b.bin", "/root/0/data", "/root/0/bhmaps")
	require.Equal(t, "/root/0/bhmaps/a/b.bin", got)
}

func TestEnsureAndHistorySlots(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, state.Live(root).Ensure())
	require.NoError(t, state.ForSlot(root, -1).Ensure())
	require.NoError(t, state.ForSlot(root, -3).Ensure())

	// Non-slot noise should be ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0o755))

	slots, err := state.HistorySlots(root)
	require.NoError(t, err)
	require.Equal(t, []int{-1, -3}, slots)

	oldest, err := state.OldestSlot(root)
	require.NoError(t, err)
	require.Equal(t, -3, oldest)
}

func TestOldestSlotEmpty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, state.Live(root).Ensure())

	oldest, err := state.OldestSlot(root)
	require.NoError(t, err)
	require.Equal(t, 0, oldest)
}
