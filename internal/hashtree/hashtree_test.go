package hashtree_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
	"github.com/ravinsp/statesnapshot/internal/hashtree"
	"github.com/ravinsp/statesnapshot/internal/monitor"
	"github.com/ravinsp/statesnapshot/internal/state"
)

func newCtx(t *testing.T) state.Context {
	t.Helper()
	ctx := state.Live(t.TempDir())
	require.NoError(t, ctx.Ensure())
	return ctx
}

func write(t *testing.T, ctx state.Context, rel string, data []byte) string {
	t.Helper()
	path := filepath.Join(ctx.DataDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func readDirHash(t *testing.T, ctx state.Context, relDir string) hasher.Hash {
	t.Helper()
	var h hasher.Hash
	data, err := os.ReadFile(filepath.Join(ctx.HtreeDir, relDir, config.DirHashFile))
	if os.IsNotExist(err) {
		return hasher.Zero
	}
	require.NoError(t, err)
	copy(h[:], data)
	return h
}

func fileRoot(t *testing.T, ctx state.Context, rel string) hasher.Hash {
	t.Helper()
	root, err := changeset.ReadHashmapRoot(filepath.Join(ctx.BhmapDir, rel) + config.HashmapExt)
	require.NoError(t, err)
	return root
}

func TestFullGenerateFoldsDirHashes(t *testing.T) {
	ctx := newCtx(t)
	write(t, ctx, "a.bin", []byte("alpha"))
	write(t, ctx, "sub/b.bin", []byte("beta"))
	write(t, ctx, "sub/c.bin", []byte("gamma"))

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())

	rootA := fileRoot(t, ctx, "a.bin")
	rootB := fileRoot(t, ctx, "sub/b.bin")
	rootC := fileRoot(t, ctx, "sub/c.bin")

	subHash := readDirHash(t, ctx, "sub")
	require.Equal(t, hasher.Fold([]hasher.Hash{rootB, rootC}), subHash)

	rootHash := readDirHash(t, ctx, "/")
	require.Equal(t, hasher.Fold([]hasher.Hash{rootA, subHash}), rootHash)
}

func TestGenerateIsIdempotent(t *testing.T) {
	ctx := newCtx(t)
	write(t, ctx, "x/y.bin", []byte("payload"))

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())
	before := readDirHash(t, ctx, "/")

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())
	require.Equal(t, before, readDirHash(t, ctx, "/"))
}

func TestHintModeOnlyTouchesHintedFiles(t *testing.T) {
	ctx := newCtx(t)
	hinted := write(t, ctx, "deep/nest/h.bin", make([]byte, 100))
	write(t, ctx, "other/skip.bin", []byte("skip me"))

	// Only deep/nest/h.bin is named by the session.
	m := monitor.New(ctx)
	defer m.Close()
	require.NoError(t, m.OnWritePath(hinted, 0, 10))

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())

	_, err := os.Stat(filepath.Join(ctx.BhmapDir, "deep/nest/h.bin"+config.HashmapExt))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ctx.BhmapDir, "other/skip.bin"+config.HashmapExt))
	require.True(t, os.IsNotExist(err), "unhinted files are not visited in hint mode")

	// The hinted ancestors carry the new fold.
	rootH := fileRoot(t, ctx, "deep/nest/h.bin")
	require.Equal(t, rootH, readDirHash(t, ctx, "deep/nest"))
	require.Equal(t, readDirHash(t, ctx, "deep/nest"), readDirHash(t, ctx, "deep"))
	require.Equal(t, readDirHash(t, ctx, "deep"), readDirHash(t, ctx, "/"))
}

func TestHintPrefixRespectsComponentBoundary(t *testing.T) {
	ctx := newCtx(t)
	hinted := write(t, ctx, "a/b/h.bin", []byte("hinted"))
	write(t, ctx, "a/bc/other.bin", []byte("lookalike"))

	m := monitor.New(ctx)
	defer m.Close()
	require.NoError(t, m.OnWritePath(hinted, 0, 1))

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())

	_, err := os.Stat(filepath.Join(ctx.BhmapDir, "a/b/h.bin"+config.HashmapExt))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ctx.BhmapDir, "a/bc/other.bin"+config.HashmapExt))
	require.True(t, os.IsNotExist(err), `"a/b" must not gate "a/bc"`)
}

func TestRemovalPassDropsDeletedFiles(t *testing.T) {
	ctx := newCtx(t)
	keep := write(t, ctx, "keep.bin", []byte("keep"))
	gone := write(t, ctx, "gone.bin", []byte("gone"))

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())
	rootKeep := fileRoot(t, ctx, "keep.bin")
	rootGone := fileRoot(t, ctx, "gone.bin")
	require.Equal(t, hasher.Fold([]hasher.Hash{rootKeep, rootGone}), readDirHash(t, ctx, "/"))

	// A session deletes gone.bin; the hint survives the forward pass and
	// drives the removal pass.
	m := monitor.New(ctx)
	defer m.Close()
	require.NoError(t, m.OnDelete(gone))
	require.NoError(t, os.Remove(gone))
	_ = keep

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())

	_, err := os.Stat(filepath.Join(ctx.BhmapDir, "gone.bin"+config.HashmapExt))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ctx.HtreeDir, rootGone.Hex()+config.RootHashExt))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, rootKeep, readDirHash(t, ctx, "/"))
}

func TestRemovalPassDeletesEmptyDirs(t *testing.T) {
	ctx := newCtx(t)
	only := write(t, ctx, "sub/only.bin", []byte("solo"))
	write(t, ctx, "top.bin", []byte("top"))

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())
	rootTop := fileRoot(t, ctx, "top.bin")

	m := monitor.New(ctx)
	defer m.Close()
	require.NoError(t, m.OnDelete(only))
	require.NoError(t, os.Remove(only))
	require.NoError(t, os.Remove(filepath.Join(ctx.DataDir, "sub")))

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())

	_, err := os.Stat(filepath.Join(ctx.BhmapDir, "sub"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ctx.HtreeDir, "sub"))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, rootTop, readDirHash(t, ctx, "/"), "empty dir contribution is folded out")
}

func TestGenerateFullPrunesOrphans(t *testing.T) {
	ctx := newCtx(t)
	keep := write(t, ctx, "keep.bin", []byte("keep"))
	gone := write(t, ctx, "gone.bin", []byte("gone"))

	require.NoError(t, hashtree.NewBuilder(ctx).Generate())
	rootKeep := fileRoot(t, ctx, "keep.bin")

	// The file disappears without any session hint (as after a rollback
	// deleted it). A full rebuild must still prune its hash map.
	require.NoError(t, os.Remove(gone))
	_ = keep
	require.NoError(t, hashtree.NewBuilder(ctx).GenerateFull())

	_, err := os.Stat(filepath.Join(ctx.BhmapDir, "gone.bin"+config.HashmapExt))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, rootKeep, readDirHash(t, ctx, "/"))
}

func TestIncrementalMatchesFromScratch(t *testing.T) {
	// The dir hash reached by incremental updates must equal the one a
	// fresh build over the same bytes computes.
	ctxA := newCtx(t)
	fileA := write(t, ctxA, "d/f.bin", make([]byte, 3*config.BlockSize))
	require.NoError(t, hashtree.NewBuilder(ctxA).Generate())

	m := monitor.New(ctxA)
	defer m.Close()
	require.NoError(t, m.OnWritePath(fileA, config.BlockSize, 10))
	data := make([]byte, 3*config.BlockSize)
	for i := config.BlockSize; i < config.BlockSize+10; i++ {
		data[i] = 7
	}
	require.NoError(t, os.WriteFile(fileA, data, 0o644))
	require.NoError(t, hashtree.NewBuilder(ctxA).Generate())

	ctxB := newCtx(t)
	write(t, ctxB, "d/f.bin", data)
	require.NoError(t, hashtree.NewBuilder(ctxB).Generate())

	require.Equal(t, readDirHash(t, ctxB, "/"), readDirHash(t, ctxA, "/"))
}
