// Package changeset reads and writes the on-disk artifacts of one session:
// the block index (.bindex), the block hash map (.bhmap) and the two
// line-oriented path indices. The block cache (.bcache) holds raw blocks
// with no framing and has no codec here. All integer fields are
// little-endian with no padding.
package changeset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
)

// ErrInconsistent marks a changeset file whose size or framing does not
// match the format. Callers treat the changeset as absent for that file.
var ErrInconsistent = errors.New("changeset inconsistent")

// IndexEntry locates one preserved pre-image block: which block of the
// original file it is, where its bytes sit in the .bcache file, and the
// positional hash of the pre-image bytes.
type IndexEntry struct {
	BlockNo     uint32
	CacheOffset uint64
	Hash        hasher.Hash
}

// BlockIndex is the decoded content of a .bindex file.
type BlockIndex struct {
	// OriginalLength is the file's byte length before the first mutation
	// of the session.
	OriginalLength int64
	Entries        []IndexEntry
}

// ReadBlockIndex decodes a .bindex file. A short header or a trailing
// partial entry yields ErrInconsistent.
func ReadBlockIndex(path string) (BlockIndex, error) {
	var idx BlockIndex

	data, err := os.ReadFile(path)
	if err != nil {
		return idx, fmt.Errorf("read block index %q: %w", path, err)
	}
	if len(data) < 8 {
		return idx, fmt.Errorf("block index %q: %d byte header: %w", path, len(data), ErrInconsistent)
	}
	if (len(data)-8)%config.BlockIndexEntrySize != 0 {
		return idx, fmt.Errorf("block index %q: %d trailing bytes: %w",
			path, (len(data)-8)%config.BlockIndexEntrySize, ErrInconsistent)
	}

	idx.OriginalLength = int64(binary.LittleEndian.Uint64(data[:8]))
	for off := 8; off < len(data); off += config.BlockIndexEntrySize {
		var e IndexEntry
		e.BlockNo = binary.LittleEndian.Uint32(data[off:])
		e.CacheOffset = binary.LittleEndian.Uint64(data[off+4:])
		copy(e.Hash[:], data[off+12:off+config.BlockIndexEntrySize])
		idx.Entries = append(idx.Entries, e)
	}
	return idx, nil
}

// ChangedBlocks returns the set of block numbers present in the index.
func (idx BlockIndex) ChangedBlocks() map[uint32]struct{} {
	blocks := make(map[uint32]struct{}, len(idx.Entries))
	for _, e := range idx.Entries {
		blocks[e.BlockNo] = struct{}{}
	}
	return blocks
}

// EncodeIndexHeader encodes the original-length header written as the
// first 8 bytes of a .bindex file.
func EncodeIndexHeader(originalLength int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(originalLength))
	return buf[:]
}

// EncodeIndexEntry encodes one 44-byte .bindex entry.
func EncodeIndexEntry(e IndexEntry) []byte {
	buf := make([]byte, config.BlockIndexEntrySize)
	binary.LittleEndian.PutUint32(buf[0:], e.BlockNo)
	binary.LittleEndian.PutUint64(buf[4:], e.CacheOffset)
	copy(buf[12:], e.Hash[:])
	return buf
}
