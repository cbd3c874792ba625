// Package verify audits a slot's hash mirrors against the data tree: every
// .bhmap must match a fresh hash of its data file and have a hash-tree hard
// link named after its root hash that shares its inode, and every dir.hash
// must equal the XOR of its children's hashes. Extra .rh links in a
// hash-tree directory are not counted or reported.
package verify

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
	"github.com/ravinsp/statesnapshot/internal/state"
	"github.com/ravinsp/statesnapshot/internal/util"
)

// Problem describes one inconsistency found during a scan.
type Problem struct {
	Path   string
	Detail string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Path, p.Detail)
}

// Scan checks the whole live slot and returns every problem found. A nil
// slice means the mirrors are consistent.
func Scan(root string) ([]Problem, error) {
	ctx := state.Live(root)

	files, err := collectHashmaps(ctx)
	if err != nil {
		return nil, err
	}

	var found problemList
	err = util.Parallel(files, util.WorkerCount(), func(rel string) error {
		found.add(checkFile(ctx, rel)...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	dirProblems, err := checkDirHashes(ctx, "/")
	if err != nil {
		return nil, err
	}
	found.add(dirProblems...)

	return found.problems, nil
}

// problemList collects problems from concurrent checkers.
type problemList struct {
	mu       sync.Mutex
	problems []Problem
}

func (l *problemList) add(ps ...Problem) {
	if len(ps) == 0 {
		return
	}
	l.mu.Lock()
	l.problems = append(l.problems, ps...)
	l.mu.Unlock()
}

// collectHashmaps lists every .bhmap relative path under the bhmap mirror.
func collectHashmaps(ctx state.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(ctx.BhmapDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), config.HashmapExt) {
			files = append(files, strings.TrimSuffix(state.RelPath(path, ctx.BhmapDir), config.HashmapExt))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk hash map tree: %w", err)
	}
	return files, nil
}

// checkFile re-hashes one data file and compares against its .bhmap, then
// checks the hash-tree hard link.
func checkFile(ctx state.Context, rel string) []Problem {
	var problems []Problem

	bhmapPath := filepath.Join(ctx.BhmapDir, rel) + config.HashmapExt
	hm, err := changeset.ReadHashmap(bhmapPath)
	if err != nil {
		return []Problem{{Path: rel, Detail: err.Error()}}
	}

	dataPath := filepath.Join(ctx.DataDir, rel)
	info, err := os.Stat(dataPath)
	if err != nil {
		return []Problem{{Path: rel, Detail: "hash map without data file"}}
	}

	blockCount := config.BlockCount(info.Size())
	if blockCount != len(hm.Blocks) {
		problems = append(problems, Problem{Path: rel,
			Detail: fmt.Sprintf("hash map has %d block slots, data file spans %d", len(hm.Blocks), blockCount)})
		return problems
	}

	blocks, err := hashDataBlocks(dataPath, blockCount)
	if err != nil {
		return append(problems, Problem{Path: rel, Detail: err.Error()})
	}
	for i, h := range blocks {
		if h != hm.Blocks[i] {
			problems = append(problems, Problem{Path: rel, Detail: fmt.Sprintf("block %d hash mismatch", i)})
		}
	}

	root := hasher.FileRoot(filepath.Base(rel), hasher.Fold(blocks))
	if root != hm.Root {
		problems = append(problems, Problem{Path: rel, Detail: "file root hash mismatch"})
	}

	linkPath := filepath.Join(ctx.HtreeDir, filepath.Dir(rel), hm.Root.Hex()+config.RootHashExt)
	linkInfo, err := os.Stat(linkPath)
	if err != nil {
		problems = append(problems, Problem{Path: rel, Detail: "missing root hash link"})
	} else if bhmapInfo, err := os.Stat(bhmapPath); err == nil && !os.SameFile(linkInfo, bhmapInfo) {
		problems = append(problems, Problem{Path: rel, Detail: "root hash link is not a hard link of the hash map"})
	}

	return problems
}

func hashDataBlocks(path string, blockCount int) ([]hasher.Hash, error) {
	blocks := make([]hasher.Hash, blockCount)
	if blockCount == 0 {
		return blocks, nil
	}

	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("map data file: %v", err)
	}
	defer reader.Close()

	for i := range blocks {
		buf := make([]byte, config.BlockSize)
		offset := int64(i) * config.BlockSize
		if _, err := reader.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read block %d: %v", i, err)
		}
		blocks[i] = hasher.Block(offset, buf)
	}
	return blocks, nil
}

// checkDirHashes recomputes every directory hash bottom-up and compares
// it with the stored dir.hash. Returns the problems found in relDir's
// subtree; the recomputed hash of relDir itself is discarded.
func checkDirHashes(ctx state.Context, relDir string) ([]Problem, error) {
	_, problems, err := foldDir(ctx, relDir)
	return problems, err
}

func foldDir(ctx state.Context, relDir string) (hasher.Hash, []Problem, error) {
	var problems []Problem
	var folded hasher.Hash

	absDir := filepath.Join(ctx.BhmapDir, relDir)
	entries, err := os.ReadDir(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return folded, nil, nil
		}
		return folded, nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			sub, subProblems, err := foldDir(ctx, filepath.Join(relDir, entry.Name()))
			if err != nil {
				return folded, nil, err
			}
			problems = append(problems, subProblems...)
			folded.XOR(sub)
			continue
		}
		if !strings.HasSuffix(entry.Name(), config.HashmapExt) {
			continue
		}
		root, err := changeset.ReadHashmapRoot(filepath.Join(absDir, entry.Name()))
		if err != nil {
			problems = append(problems, Problem{Path: filepath.Join(relDir, entry.Name()), Detail: err.Error()})
			continue
		}
		folded.XOR(root)
	}

	stored := readDirHash(ctx, relDir)
	if stored != folded {
		problems = append(problems, Problem{Path: relDir, Detail: "directory hash does not fold"})
	}
	return folded, problems, nil
}

func readDirHash(ctx state.Context, relDir string) hasher.Hash {
	var h hasher.Hash
	data, err := os.ReadFile(filepath.Join(ctx.HtreeDir, relDir, config.DirHashFile))
	if err != nil || len(data) != hasher.Size {
		return hasher.Zero
	}
	copy(h[:], data)
	return h
}
