package restore

import (
	"fmt"
	"io"
	"os"
)

// copyBlockBuffered is the portable block copy: one pread, one pwrite.
func copyBlockBuffered(cache, data *os.File, cacheOffset, fileOffset int64, length int) error {
	buf := make([]byte, length)
	if _, err := cache.ReadAt(buf, cacheOffset); err != nil && err != io.EOF {
		return fmt.Errorf("read block cache at %d: %w", cacheOffset, err)
	}
	if _, err := data.WriteAt(buf, fileOffset); err != nil {
		return fmt.Errorf("write data at %d: %w", fileOffset, err)
	}
	return nil
}
