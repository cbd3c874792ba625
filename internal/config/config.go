package config

import (
	"encoding/json"
	"os"
)

// Build-time tuning constants.
const (
	// BlockSize is the copy-on-write granularity. File lengths are rounded
	// up to whole blocks; the trailing block is zero-padded for hashing.
	BlockSize = 4 * 1024

	// MaxCheckpoints is how many history slots are retained. One extra
	// slot exists transiently while the ring rotates.
	MaxCheckpoints = 3

	FilePerms = os.FileMode(0o644)
	DirPerms  = os.FileMode(0o755)
)

// Changeset and hash-tree file names.
const (
	HashmapExt    = ".bhmap"
	BlockIndexExt = ".bindex"
	BlockCacheExt = ".bcache"
	RootHashExt   = ".rh"

	NewFilesIdx     = "idxnew.idx"
	TouchedFilesIdx = "idxtouched.idx"
	DirHashFile     = "dir.hash"
)

// Per-slot subdirectory names.
const (
	DataDirName      = "data"
	BhmapDirName     = "bhmaps"
	HtreeDirName     = "htree"
	ChangesetDirName = "delta"
)

// BlockIndexEntrySize is the encoded size of one .bindex entry:
// u32 blockno, u64 cache offset, 32-byte block hash.
const BlockIndexEntrySize = 4 + 8 + 32

// PointerFile optionally holds the state root path for commands run
// without an explicit --root flag.
const PointerFile = "statesnapshot.json"

// EnvRoot overrides the pointer file when set.
const EnvRoot = "STATESNAPSHOT_ROOT"

// BlockCount returns how many blocks a file of the given length spans.
func BlockCount(length int64) int {
	if length <= 0 {
		return 0
	}
	return int((length + BlockSize - 1) / BlockSize)
}

// ResolveStateRoot determines the state root for a command invocation.
// Precedence: explicit flag value, STATESNAPSHOT_ROOT, pointer file in the
// working directory.
func ResolveStateRoot(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvRoot); env != "" {
		return env
	}

	data, err := os.ReadFile(PointerFile)
	if err != nil {
		return ""
	}
	var cfg struct {
		Root string `json:"root"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	return cfg.Root
}

// WritePointerFile records the state root for later invocations.
func WritePointerFile(root string) error {
	data, err := json.MarshalIndent(struct {
		Root string `json:"root"`
	}{Root: root}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(PointerFile, append(data, '\n'), FilePerms)
}
