package changeset

import (
	"fmt"
	"os"

	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
)

// Hashmap is the decoded content of a .bhmap file: the file root hash
// followed by one positional hash per block.
type Hashmap struct {
	Root   hasher.Hash
	Blocks []hasher.Hash
}

// ReadHashmap decodes a .bhmap file. A size that is not a whole number of
// 32-byte slots, or has no root slot, yields ErrInconsistent.
func ReadHashmap(path string) (Hashmap, error) {
	var hm Hashmap

	data, err := os.ReadFile(path)
	if err != nil {
		return hm, fmt.Errorf("read hash map %q: %w", path, err)
	}
	if len(data) < hasher.Size || len(data)%hasher.Size != 0 {
		return hm, fmt.Errorf("hash map %q: %d bytes: %w", path, len(data), ErrInconsistent)
	}

	copy(hm.Root[:], data[:hasher.Size])
	for off := hasher.Size; off < len(data); off += hasher.Size {
		var h hasher.Hash
		copy(h[:], data[off:off+hasher.Size])
		hm.Blocks = append(hm.Blocks, h)
	}
	return hm, nil
}

// ReadHashmapRoot reads only the root slot of a .bhmap file.
func ReadHashmapRoot(path string) (hasher.Hash, error) {
	var root hasher.Hash

	f, err := os.Open(path)
	if err != nil {
		return root, fmt.Errorf("open hash map %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.ReadAt(root[:], 0); err != nil {
		return root, fmt.Errorf("hash map %q: short root slot: %w", path, ErrInconsistent)
	}
	return root, nil
}

// WriteHashmap rewrites a .bhmap file in place. The file is written through
// its existing inode (never replaced by rename) so that hard links from the
// hash tree keep pointing at the refreshed content.
func WriteHashmap(path string, hm Hashmap) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, config.FilePerms)
	if err != nil {
		return fmt.Errorf("open hash map %q: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, (1+len(hm.Blocks))*hasher.Size)
	copy(buf, hm.Root[:])
	for i, h := range hm.Blocks {
		copy(buf[(1+i)*hasher.Size:], h[:])
	}

	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write hash map %q: %w", path, err)
	}
	if err := f.Truncate(int64(len(buf))); err != nil {
		return fmt.Errorf("truncate hash map %q: %w", path, err)
	}
	return f.Close()
}
