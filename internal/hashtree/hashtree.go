// Package hashtree maintains the directory hash tree mirroring the data
// tree. Every directory's hash is the XOR of its children's hashes (file
// root hashes and subdirectory hashes), stored in a dir.hash file, so a
// single-file change updates each ancestor in constant time.
package hashtree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
	"github.com/ravinsp/statesnapshot/internal/hashmap"
	"github.com/ravinsp/statesnapshot/internal/state"
	"github.com/ravinsp/statesnapshot/internal/util"
)

// Builder incrementally updates the hash tree of one slot context.
type Builder struct {
	ctx  state.Context
	hmap *hashmap.Builder

	// hints maps a parent directory's relative path to the set of child
	// relative paths named by the session's change indices. Consumed
	// entries are erased; whatever survives the forward pass refers to
	// files that no longer exist in the data tree.
	hints    map[string]map[string]struct{}
	hintMode bool

	// Progress callback invoked once per processed file; nil-safe.
	OnFile func(relPath string)
}

// NewBuilder creates a builder over the given slot context.
func NewBuilder(ctx state.Context) *Builder {
	return &Builder{ctx: ctx, hmap: hashmap.NewBuilder(ctx)}
}

// Generate brings the hash tree up to date with the data tree. When the
// session's change indices are present the traversal is restricted to the
// hinted subtrees; otherwise every regular file is processed.
func (b *Builder) Generate() error {
	b.hints = make(map[string]map[string]struct{})
	b.populateHints(config.TouchedFilesIdx)
	b.populateHints(config.NewFilesIdx)
	b.hintMode = len(b.hints) > 0

	var root hasher.Hash
	if err := b.walkForward("/", &root); err != nil {
		return err
	}

	// Hints left over name files that vanished from the data tree: their
	// hash maps and hash-tree links must go, and the directory hashes
	// must shed their contribution.
	if b.hintMode && len(b.hints) > 0 {
		if err := b.walkRemoval("/", &root, b.hintedForRemoval); err != nil {
			return err
		}
	}

	for _, dir := range util.SortedKeys(b.hints) {
		for _, f := range util.SortedKeys(b.hints[dir]) {
			log.WithFields(log.Fields{"dir": dir, "path": f}).Warn("hint unresolved, file was never hashed")
		}
	}
	return nil
}

// GenerateFull rebuilds the hash tree with hints ignored and prunes hash
// maps whose data file no longer exists. The restore engine runs this
// after replaying a changeset.
func (b *Builder) GenerateFull() error {
	b.hints = nil
	b.hintMode = false

	var root hasher.Hash
	if err := b.walkForward("/", &root); err != nil {
		return err
	}
	return b.walkRemoval("/", &root, b.orphanedForRemoval)
}

func (b *Builder) populateHints(idxName string) {
	paths, err := changeset.ReadPathIndex(b.ctx.ChangesetDir, idxName)
	if err != nil {
		log.WithField("index", idxName).WithError(err).Warn("ignoring unreadable change index")
		return
	}
	for _, rel := range paths {
		parent := filepath.Dir(rel)
		set, ok := b.hints[parent]
		if !ok {
			set = make(map[string]struct{})
			b.hints[parent] = set
		}
		set[rel] = struct{}{}
	}
}

// walkForward recurses over the data tree, rebuilding hash maps for the
// files the hint gate admits and folding hash changes upward.
func (b *Builder) walkForward(relDir string, parentHash *hasher.Hash) error {
	oldDirHash := b.readDirHash(relDir)
	curDirHash := oldDirHash

	absDir := filepath.Join(b.ctx.DataDir, relDir)
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return fmt.Errorf("read data dir %q: %w", absDir, err)
	}

	for _, entry := range entries {
		childRel := filepath.Join(relDir, entry.Name())

		if entry.IsDir() {
			if !b.shouldDescend(childRel) {
				continue
			}
			if err := b.walkForward(childRel, &curDirHash); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if !b.consumeFileHint(relDir, childRel) {
			continue
		}
		if err := b.hmap.BuildFile(&curDirHash, filepath.Join(b.ctx.DataDir, childRel)); err != nil {
			return err
		}
		if b.OnFile != nil {
			b.OnFile(childRel)
		}
	}

	return b.finishDir(relDir, oldDirHash, curDirHash, parentHash)
}

// walkRemoval recurses over the block-hash-map tree, removing the hash
// maps the gate selects and folding the removals upward. Directories left
// empty are deleted in all three mirrors.
func (b *Builder) walkRemoval(relDir string, parentHash *hasher.Hash, gate func(relDir, childRel string) bool) error {
	oldDirHash := b.readDirHash(relDir)
	curDirHash := oldDirHash

	absDir := filepath.Join(b.ctx.BhmapDir, relDir)
	entries, err := os.ReadDir(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read hash map dir %q: %w", absDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			childRel := filepath.Join(relDir, entry.Name())
			if b.hintMode && !b.shouldDescend(childRel) {
				continue
			}
			if err := b.walkRemoval(childRel, &curDirHash, gate); err != nil {
				return err
			}
			continue
		}
		if !strings.HasSuffix(entry.Name(), config.HashmapExt) {
			continue
		}
		childRel := filepath.Join(relDir, strings.TrimSuffix(entry.Name(), config.HashmapExt))
		if !gate(relDir, childRel) {
			continue
		}
		if err := b.hmap.RemoveMapFile(&curDirHash, filepath.Join(absDir, entry.Name())); err != nil {
			return err
		}
	}

	// A directory with nothing left vanishes from all mirrors and its
	// pre-walk hash contribution is XORed out of the grandparent.
	if relDir != "/" {
		remaining, err := os.ReadDir(absDir)
		if err == nil && len(remaining) == 0 {
			if err := os.Remove(absDir); err != nil {
				return fmt.Errorf("remove empty hash map dir %q: %w", absDir, err)
			}
			os.RemoveAll(filepath.Join(b.ctx.HtreeDir, relDir))
			os.Remove(filepath.Join(b.ctx.DataDir, relDir))
			parentHash.XOR(oldDirHash)
			return nil
		}
	}

	return b.finishDir(relDir, oldDirHash, curDirHash, parentHash)
}

// hintedForRemoval admits hash maps named by a surviving hint entry.
func (b *Builder) hintedForRemoval(relDir, childRel string) bool {
	return b.consumeFileHint(relDir, childRel)
}

// orphanedForRemoval admits hash maps whose data file no longer exists.
func (b *Builder) orphanedForRemoval(_, childRel string) bool {
	_, err := os.Stat(filepath.Join(b.ctx.DataDir, childRel))
	return os.IsNotExist(err)
}

// shouldDescend reports whether a subdirectory can contain hinted paths.
// Prefix matches honor path component boundaries: "/a/b" gates "/a/b/c"
// but not "/a/bc".
func (b *Builder) shouldDescend(childRel string) bool {
	if !b.hintMode {
		return true
	}
	if _, ok := b.hints[childRel]; ok {
		return true
	}
	for dir := range b.hints {
		if strings.HasPrefix(dir, childRel+"/") {
			return true
		}
	}
	return false
}

// consumeFileHint erases and reports a hint entry for childRel. Without
// hint mode every file passes.
func (b *Builder) consumeFileHint(relDir, childRel string) bool {
	if !b.hintMode {
		return true
	}
	set, ok := b.hints[relDir]
	if !ok {
		return false
	}
	if _, ok := set[childRel]; !ok {
		return false
	}
	delete(set, childRel)
	if len(set) == 0 {
		delete(b.hints, relDir)
	}
	return true
}

// finishDir persists a changed directory hash and folds the transition
// into the parent.
func (b *Builder) finishDir(relDir string, oldDirHash, curDirHash hasher.Hash, parentHash *hasher.Hash) error {
	if curDirHash == oldDirHash {
		return nil
	}
	if err := b.writeDirHash(relDir, curDirHash); err != nil {
		return err
	}
	parentHash.XOR(oldDirHash)
	parentHash.XOR(curDirHash)
	return nil
}

func (b *Builder) dirHashPath(relDir string) string {
	return filepath.Join(b.ctx.HtreeDir, relDir, config.DirHashFile)
}

// readDirHash loads a directory's stored hash; absent or malformed reads
// as the zero hash (the hash of an empty directory).
func (b *Builder) readDirHash(relDir string) hasher.Hash {
	var h hasher.Hash
	data, err := os.ReadFile(b.dirHashPath(relDir))
	if err != nil || len(data) != hasher.Size {
		return hasher.Zero
	}
	copy(h[:], data)
	return h
}

func (b *Builder) writeDirHash(relDir string, h hasher.Hash) error {
	path := b.dirHashPath(relDir)
	if err := os.MkdirAll(filepath.Dir(path), config.DirPerms); err != nil {
		return fmt.Errorf("create hash tree dir for %q: %w", relDir, err)
	}
	if err := renameio.WriteFile(path, h[:], config.FilePerms); err != nil {
		return fmt.Errorf("write dir hash %q: %w", path, err)
	}
	return nil
}
