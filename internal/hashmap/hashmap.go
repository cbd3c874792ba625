// Package hashmap builds and maintains per-file block hash maps (.bhmap)
// and their hash-tree hard links. A .bhmap holds the file root hash
// followed by one positional hash per block; the root doubles as the name
// of a hard link in the hash tree, so renaming that link is how a file's
// hash change propagates without copying.
package hashmap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
	"github.com/ravinsp/statesnapshot/internal/state"
)

// Builder computes .bhmap files for the data tree of one slot context.
type Builder struct {
	ctx state.Context

	// Directories known to exist, so repeated MkdirAll calls are skipped
	// on hot paths.
	createdDirs map[string]struct{}
}

// NewBuilder creates a builder over the given slot context.
func NewBuilder(ctx state.Context) *Builder {
	return &Builder{ctx: ctx, createdDirs: make(map[string]struct{})}
}

// BuildFile recomputes the .bhmap of one data file and folds the resulting
// root-hash change into parentDirHash.
//
// When both the previous .bhmap and a session .bindex exist, unchanged
// block hashes are carried over and only the blocks named by the index are
// re-read. Index entries hold pre-image hashes, so the bytes are always
// re-read from the data file; the index contributes nothing but the set of
// block numbers that changed.
func (b *Builder) BuildFile(parentDirHash *hasher.Hash, filePath string) error {
	relPath := state.RelPath(filePath, b.ctx.DataDir)
	bhmapPath := filepath.Join(b.ctx.BhmapDir, relPath) + config.HashmapExt

	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("stat data file %q: %w", filePath, err)
	}
	blockCount := config.BlockCount(info.Size())

	old, oldExists, err := b.readOldHashmap(bhmapPath)
	if err != nil {
		return err
	}
	changed, indexExists := b.readChangedBlocks(relPath)

	blocks := make([]hasher.Hash, blockCount)
	incremental := oldExists && indexExists

	var reader *mmap.ReaderAt
	defer func() {
		if reader != nil {
			reader.Close()
		}
	}()

	for i := 0; i < blockCount; i++ {
		_, blockChanged := changed[uint32(i)]
		if incremental && i < len(old.Blocks) && !blockChanged {
			blocks[i] = old.Blocks[i]
			continue
		}

		if reader == nil {
			if reader, err = mmap.Open(filePath); err != nil {
				return fmt.Errorf("map data file %q: %w", filePath, err)
			}
		}

		buf := make([]byte, config.BlockSize)
		blockOffset := int64(i) * config.BlockSize
		if _, err := reader.ReadAt(buf, blockOffset); err != nil && err != io.EOF {
			return fmt.Errorf("read block %d of %q: %w", i, filePath, err)
		}
		blocks[i] = hasher.Block(blockOffset, buf)
	}

	root := hasher.FileRoot(filepath.Base(filePath), hasher.Fold(blocks))

	if err := b.ensureDir(filepath.Dir(bhmapPath)); err != nil {
		return err
	}
	if err := changeset.WriteHashmap(bhmapPath, changeset.Hashmap{Root: root, Blocks: blocks}); err != nil {
		return err
	}

	return b.updateTreeEntry(parentDirHash, oldExists, old.Root, root, bhmapPath, relPath)
}

// RemoveMapFile deletes a .bhmap whose data file is gone, along with its
// hash-tree hard link, and folds the removal into parentDirHash.
func (b *Builder) RemoveMapFile(parentDirHash *hasher.Hash, bhmapPath string) error {
	root, err := changeset.ReadHashmapRoot(bhmapPath)
	if err != nil {
		return err
	}

	relPath := strings.TrimSuffix(state.RelPath(bhmapPath, b.ctx.BhmapDir), config.HashmapExt)
	rhPath := filepath.Join(b.ctx.HtreeDir, filepath.Dir(relPath), root.Hex()+config.RootHashExt)

	if err := os.Remove(bhmapPath); err != nil {
		return fmt.Errorf("remove hash map %q: %w", bhmapPath, err)
	}
	if err := os.Remove(rhPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove root hash link %q: %w", rhPath, err)
	}

	parentDirHash.XOR(root)
	return nil
}

func (b *Builder) readOldHashmap(bhmapPath string) (changeset.Hashmap, bool, error) {
	old, err := changeset.ReadHashmap(bhmapPath)
	switch {
	case err == nil:
		return old, true, nil
	case errors.Is(err, os.ErrNotExist):
		return changeset.Hashmap{}, false, nil
	case errors.Is(err, changeset.ErrInconsistent):
		log.WithField("path", bhmapPath).Warn("discarding malformed hash map")
		return changeset.Hashmap{}, false, nil
	default:
		return changeset.Hashmap{}, false, err
	}
}

// readChangedBlocks loads the session block index for a file. Any parse
// problem demotes the builder to a full re-hash of that file.
func (b *Builder) readChangedBlocks(relPath string) (map[uint32]struct{}, bool) {
	indexPath := filepath.Join(b.ctx.ChangesetDir, relPath) + config.BlockIndexExt

	idx, err := changeset.ReadBlockIndex(indexPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithField("path", indexPath).WithError(err).Warn("ignoring unreadable block index")
		}
		return nil, false
	}
	return idx.ChangedBlocks(), true
}

// updateTreeEntry maintains the <roothash>.rh hard link for a file and
// folds the old/new root pair into the parent directory hash.
func (b *Builder) updateTreeEntry(parentDirHash *hasher.Hash, oldExists bool, oldRoot, newRoot hasher.Hash, bhmapPath, relPath string) error {
	htreeDir := filepath.Join(b.ctx.HtreeDir, filepath.Dir(relPath))
	if err := b.ensureDir(htreeDir); err != nil {
		return err
	}
	newLink := filepath.Join(htreeDir, newRoot.Hex()+config.RootHashExt)

	if oldExists {
		if oldRoot == newRoot {
			return nil
		}
		oldLink := filepath.Join(htreeDir, oldRoot.Hex()+config.RootHashExt)
		if err := os.Rename(oldLink, newLink); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("rename root hash link %q: %w", oldLink, err)
			}
			// The link went missing; recreate it from the hash map.
			log.WithField("path", oldLink).Warn("root hash link missing, relinking")
			if err := os.Link(bhmapPath, newLink); err != nil {
				return fmt.Errorf("link root hash %q: %w", newLink, err)
			}
		}
		parentDirHash.XOR(oldRoot)
		parentDirHash.XOR(newRoot)
		return nil
	}

	if err := os.Link(bhmapPath, newLink); err != nil && !os.IsExist(err) {
		return fmt.Errorf("link root hash %q: %w", newLink, err)
	}
	parentDirHash.XOR(newRoot)
	return nil
}

func (b *Builder) ensureDir(dir string) error {
	if _, ok := b.createdDirs[dir]; ok {
		return nil
	}
	if err := os.MkdirAll(dir, config.DirPerms); err != nil {
		return fmt.Errorf("create dir %q: %w", dir, err)
	}
	b.createdDirs[dir] = struct{}{}
	return nil
}
