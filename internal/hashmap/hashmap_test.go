package hashmap_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
	"github.com/ravinsp/statesnapshot/internal/hashmap"
	"github.com/ravinsp/statesnapshot/internal/monitor"
	"github.com/ravinsp/statesnapshot/internal/state"
)

func newCtx(t *testing.T) state.Context {
	t.Helper()
	ctx := state.Live(t.TempDir())
	require.NoError(t, ctx.Ensure())
	return ctx
}

func fill(n int, c byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = c
	}
	return buf
}

func pad(data []byte) []byte {
	padded := make([]byte, config.BlockSize)
	copy(padded, data)
	return padded
}

func TestBuildFileFromScratch(t *testing.T) {
	ctx := newCtx(t)
	data := append(fill(config.BlockSize, 'A'), fill(100, 'B')...)
	path := filepath.Join(ctx.DataDir, "f.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	b := hashmap.NewBuilder(ctx)
	var parent hasher.Hash
	require.NoError(t, b.BuildFile(&parent, path))

	hm, err := changeset.ReadHashmap(filepath.Join(ctx.BhmapDir, "f.bin"+config.HashmapExt))
	require.NoError(t, err)
	require.Len(t, hm.Blocks, 2)
	require.Equal(t, hasher.Block(0, fill(config.BlockSize, 'A')), hm.Blocks[0])
	require.Equal(t, hasher.Block(config.BlockSize, pad(fill(100, 'B'))), hm.Blocks[1])

	wantRoot := hasher.FileRoot("f.bin", hasher.Fold(hm.Blocks))
	require.Equal(t, wantRoot, hm.Root)
	require.Equal(t, wantRoot, parent, "first build folds the root into the parent hash")

	// The hash tree holds a hard link named after the root hash.
	link := filepath.Join(ctx.HtreeDir, hm.Root.Hex()+config.RootHashExt)
	li, err := os.Stat(link)
	require.NoError(t, err)
	bi, err := os.Stat(filepath.Join(ctx.BhmapDir, "f.bin"+config.HashmapExt))
	require.NoError(t, err)
	require.True(t, os.SameFile(li, bi))
}

func TestBuildFileEmpty(t *testing.T) {
	ctx := newCtx(t)
	path := filepath.Join(ctx.DataDir, "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	b := hashmap.NewBuilder(ctx)
	var parent hasher.Hash
	require.NoError(t, b.BuildFile(&parent, path))

	hm, err := changeset.ReadHashmap(filepath.Join(ctx.BhmapDir, "empty"+config.HashmapExt))
	require.NoError(t, err)
	require.Empty(t, hm.Blocks)
	require.Equal(t, hasher.FileRoot("empty", hasher.Zero), hm.Root)
}

func TestExactMultipleVsOneByteShort(t *testing.T) {
	ctx := newCtx(t)
	full := filepath.Join(ctx.DataDir, "full")
	short := filepath.Join(ctx.DataDir, "short")
	require.NoError(t, os.WriteFile(full, fill(2*config.BlockSize, 'Z'), 0o644))
	require.NoError(t, os.WriteFile(short, fill(2*config.BlockSize-1, 'Z'), 0o644))

	b := hashmap.NewBuilder(ctx)
	var parent hasher.Hash
	require.NoError(t, b.BuildFile(&parent, full))
	require.NoError(t, b.BuildFile(&parent, short))

	fullMap, err := changeset.ReadHashmap(filepath.Join(ctx.BhmapDir, "full"+config.HashmapExt))
	require.NoError(t, err)
	shortMap, err := changeset.ReadHashmap(filepath.Join(ctx.BhmapDir, "short"+config.HashmapExt))
	require.NoError(t, err)

	require.Len(t, fullMap.Blocks, 2)
	require.Len(t, shortMap.Blocks, 2)
	require.Equal(t, fullMap.Blocks[0], shortMap.Blocks[0])
	require.NotEqual(t, fullMap.Blocks[1], shortMap.Blocks[1], "only the tail slot differs")
}

func TestIncrementalRebuildUsesIndexHints(t *testing.T) {
	ctx := newCtx(t)

	// Initial state: 3 blocks of 'A', hashed once.
	data := fill(3*config.BlockSize, 'A')
	path := filepath.Join(ctx.DataDir, "doc")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	b := hashmap.NewBuilder(ctx)
	var parent hasher.Hash
	require.NoError(t, b.BuildFile(&parent, path))
	before, err := changeset.ReadHashmap(filepath.Join(ctx.BhmapDir, "doc"+config.HashmapExt))
	require.NoError(t, err)

	// A monitored session overwrites block 1 with post-image 'B'.
	m := monitor.New(ctx)
	defer m.Close()
	require.NoError(t, m.OnWritePath(path, config.BlockSize, config.BlockSize))
	copy(data[config.BlockSize:2*config.BlockSize], fill(config.BlockSize, 'B'))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, hashmap.NewBuilder(ctx).BuildFile(&parent, path))
	after, err := changeset.ReadHashmap(filepath.Join(ctx.BhmapDir, "doc"+config.HashmapExt))
	require.NoError(t, err)

	require.Equal(t, before.Blocks[0], after.Blocks[0])
	require.Equal(t, before.Blocks[2], after.Blocks[2])

	// The slot for block 1 must hold the post-image hash, not the cached
	// pre-image hash from the block index.
	require.Equal(t, hasher.Block(config.BlockSize, fill(config.BlockSize, 'B')), after.Blocks[1])

	// Parent fold tracks the root transition: XOR-ing out the old root and
	// in the new one leaves exactly the new root (parent started as old).
	require.Equal(t, after.Root, parent)

	// The hard link followed the root rename.
	_, err = os.Stat(filepath.Join(ctx.HtreeDir, before.Root.Hex()+config.RootHashExt))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ctx.HtreeDir, after.Root.Hex()+config.RootHashExt))
	require.NoError(t, err)
}

func TestRemoveMapFile(t *testing.T) {
	ctx := newCtx(t)
	path := filepath.Join(ctx.DataDir, "gone")
	require.NoError(t, os.WriteFile(path, fill(100, 'g'), 0o644))

	b := hashmap.NewBuilder(ctx)
	var parent hasher.Hash
	require.NoError(t, b.BuildFile(&parent, path))
	root := parent

	bhmapPath := filepath.Join(ctx.BhmapDir, "gone"+config.HashmapExt)
	require.NoError(t, b.RemoveMapFile(&parent, bhmapPath))

	require.True(t, parent.IsZero(), "removal folds the root back out")
	_, err := os.Stat(bhmapPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ctx.HtreeDir, root.Hex()+config.RootHashExt))
	require.True(t, os.IsNotExist(err))
}

func TestNestedFileCreatesMirrorDirs(t *testing.T) {
	ctx := newCtx(t)
	path := filepath.Join(ctx.DataDir, "a", "b", "c.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, fill(10, 'c'), 0o644))

	var parent hasher.Hash
	require.NoError(t, hashmap.NewBuilder(ctx).BuildFile(&parent, path))

	_, err := os.Stat(filepath.Join(ctx.BhmapDir, "a", "b", "c.bin"+config.HashmapExt))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(ctx.HtreeDir, "a", "b"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
