// Package state models the on-disk layout of a state root: numbered
// checkpoint slots, each holding the data tree, its hash mirrors and a
// changeset directory.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ravinsp/statesnapshot/internal/config"
)

// Context is the 5-tuple of absolute paths the core subsystems operate on.
// Slot 0 is the live state; negative slots are frozen history.
type Context struct {
	RootDir      string
	DataDir      string
	BhmapDir     string
	HtreeDir     string
	ChangesetDir string
}

// SlotDir returns the directory of a checkpoint slot under root.
func SlotDir(root string, slot int) string {
	return filepath.Join(root, strconv.Itoa(slot))
}

// ForSlot builds the path context for one checkpoint slot.
func ForSlot(root string, slot int) Context {
	dir := SlotDir(root, slot)
	return Context{
		RootDir:      root,
		DataDir:      filepath.Join(dir, config.DataDirName),
		BhmapDir:     filepath.Join(dir, config.BhmapDirName),
		HtreeDir:     filepath.Join(dir, config.HtreeDirName),
		ChangesetDir: filepath.Join(dir, config.ChangesetDirName),
	}
}

// Live returns the slot-0 context.
func Live(root string) Context {
	return ForSlot(root, 0)
}

// Ensure creates the slot subdirectories if they do not exist.
func (c Context) Ensure() error {
	for _, dir := range []string{c.DataDir, c.BhmapDir, c.HtreeDir, c.ChangesetDir} {
		if err := os.MkdirAll(dir, config.DirPerms); err != nil {
			return fmt.Errorf("create state dir %q: %w", dir, err)
		}
	}
	return nil
}

// RelPath returns the path of full relative to base, with a leading "/".
// The base itself maps to "/". Re-basing honors path component
// boundaries: "/data" is a prefix of "/data/f" but not of "/database/f".
// A path outside base is returned cleaned but otherwise untouched.
func RelPath(full, base string) string {
	full = filepath.Clean(full)
	base = filepath.Clean(base)
	if full == base {
		return "/"
	}
	if strings.HasPrefix(full, base+string(os.PathSeparator)) {
		return full[len(base):]
	}
	return full
}

// SwitchBase re-roots full from one tree onto another, preserving the
// relative path. This is how a data file maps to its .bhmap and hash-tree
// counterparts.
func SwitchBase(full, fromBase, toBase string) string {
	return filepath.Join(toBase, RelPath(full, fromBase))
}

// HistorySlots lists the existing negative slot numbers under root, most
// recent (-1) first.
func HistorySlots(root string) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read state root %q: %w", root, err)
	}

	var slots []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n >= 0 {
			continue
		}
		slots = append(slots, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(slots)))
	return slots, nil
}

// OldestSlot returns the most negative slot present, or 0 if there is no
// history.
func OldestSlot(root string) (int, error) {
	slots, err := HistorySlots(root)
	if err != nil {
		return 0, err
	}
	if len(slots) == 0 {
		return 0, nil
	}
	return slots[len(slots)-1], nil
}
