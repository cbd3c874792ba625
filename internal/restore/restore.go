// Package restore replays a session changeset in reverse: files created
// during the session are deleted, every preserved pre-image block is
// copied back over the data file, lengths are truncated to their original
// values, and the hash tree is rebuilt to match.
package restore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/checkpoint"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
	"github.com/ravinsp/statesnapshot/internal/hashtree"
	"github.com/ravinsp/statesnapshot/internal/state"
)

// ErrHashMismatch is returned in verification mode when a cached block no
// longer matches the hash recorded at caching time. Rollback stops at that
// block and the ring is not cycled; blocks and files restored before it
// stay restored, so the data tree is suspect.
var ErrHashMismatch = errors.New("cached block hash mismatch")

// Engine rolls the live slot back to its last checkpoint.
type Engine struct {
	ctx state.Context

	// Verify re-hashes every cached block against its .bindex entry
	// before writing it back.
	Verify bool

	// OnFile is invoked once per restored file; nil-safe.
	OnFile func(relPath string)
}

// New creates a restore engine for the live slot of root.
func New(root string) *Engine {
	return &Engine{ctx: state.Live(root)}
}

// Rollback restores the pre-session state from the slot-0 changeset,
// rebuilds the hash tree and cycles the checkpoint ring. A failure during
// block restore leaves the ring untouched.
func (e *Engine) Rollback() error {
	if err := e.deleteNewFiles(); err != nil {
		return err
	}
	if err := e.restoreTouchedFiles(); err != nil {
		return err
	}
	if err := hashtree.NewBuilder(e.ctx).GenerateFull(); err != nil {
		return fmt.Errorf("rebuild hash tree: %w", err)
	}
	return checkpoint.CycleAfterRollback(e.ctx.RootDir)
}

// deleteNewFiles unlinks every file the session created. Files already
// gone are ignored.
func (e *Engine) deleteNewFiles() error {
	paths, err := changeset.ReadPathIndex(e.ctx.ChangesetDir, config.NewFilesIdx)
	if err != nil {
		return err
	}
	for _, rel := range paths {
		path := filepath.Join(e.ctx.DataDir, rel)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete new file %q: %w", path, err)
		}
	}
	return nil
}

// restoreTouchedFiles walks the touched index, skipping duplicate lines,
// and rewrites each file's cached pre-image blocks.
func (e *Engine) restoreTouchedFiles() error {
	paths, err := changeset.ReadPathIndex(e.ctx.ChangesetDir, config.TouchedFilesIdx)
	if err != nil {
		return err
	}

	processed := make(map[string]struct{}, len(paths))
	for _, rel := range paths {
		if _, done := processed[rel]; done {
			continue
		}
		processed[rel] = struct{}{}

		if err := e.restoreFile(rel); err != nil {
			return err
		}
		if e.OnFile != nil {
			e.OnFile(rel)
		}
	}
	return nil
}

func (e *Engine) restoreFile(rel string) error {
	idx, err := changeset.ReadBlockIndex(filepath.Join(e.ctx.ChangesetDir, rel) + config.BlockIndexExt)
	if err != nil {
		if errors.Is(err, changeset.ErrInconsistent) || errors.Is(err, os.ErrNotExist) {
			// No usable changeset for this file; nothing to replay.
			log.WithField("path", rel).WithError(err).Warn("skipping file with unusable block index")
			return nil
		}
		return err
	}

	cache, err := os.Open(filepath.Join(e.ctx.ChangesetDir, rel) + config.BlockCacheExt)
	if err != nil {
		return fmt.Errorf("open block cache for %q: %w", rel, err)
	}
	defer cache.Close()

	dataPath := filepath.Join(e.ctx.DataDir, rel)
	if err := os.MkdirAll(filepath.Dir(dataPath), config.DirPerms); err != nil {
		return fmt.Errorf("create dir for %q: %w", dataPath, err)
	}
	data, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE, config.FilePerms)
	if err != nil {
		return fmt.Errorf("open data file %q: %w", dataPath, err)
	}
	defer data.Close()

	for _, entry := range idx.Entries {
		fileOffset := int64(entry.BlockNo) * config.BlockSize
		if e.Verify {
			if err := e.restoreBlockVerified(cache, data, entry, fileOffset, rel); err != nil {
				return err
			}
			continue
		}
		if err := copyBlock(cache, data, int64(entry.CacheOffset), fileOffset); err != nil {
			return fmt.Errorf("restore block %d of %q: %w", entry.BlockNo, rel, err)
		}
	}

	info, err := data.Stat()
	if err != nil {
		return fmt.Errorf("stat restored file %q: %w", dataPath, err)
	}
	if info.Size() > idx.OriginalLength {
		if err := data.Truncate(idx.OriginalLength); err != nil {
			return fmt.Errorf("truncate %q to %d: %w", dataPath, idx.OriginalLength, err)
		}
	}
	return data.Close()
}

// restoreBlockVerified checks the cached bytes against the hash recorded
// when they were preserved, then writes them back.
func (e *Engine) restoreBlockVerified(cache, data *os.File, entry changeset.IndexEntry, fileOffset int64, rel string) error {
	buf := make([]byte, config.BlockSize)
	if _, err := cache.ReadAt(buf, int64(entry.CacheOffset)); err != nil {
		return fmt.Errorf("read cached block %d of %q: %w", entry.BlockNo, rel, err)
	}
	if hasher.Block(fileOffset, buf) != entry.Hash {
		return fmt.Errorf("block %d of %q: %w", entry.BlockNo, rel, ErrHashMismatch)
	}
	if _, err := data.WriteAt(buf, fileOffset); err != nil {
		return fmt.Errorf("write block %d of %q: %w", entry.BlockNo, rel, err)
	}
	return nil
}
