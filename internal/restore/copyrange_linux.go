//go:build linux

package restore

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/ravinsp/statesnapshot/internal/config"
)

// copyBlock moves one cached block into the data file with
// copy_file_range, staying in the kernel. Filesystems that refuse the
// call fall back to a buffered copy.
func copyBlock(cache, data *os.File, cacheOffset, fileOffset int64) error {
	remaining := config.BlockSize
	srcOff, dstOff := cacheOffset, fileOffset
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(cache.Fd()), &srcOff, int(data.Fd()), &dstOff, remaining, 0)
		if err == unix.EXDEV || err == unix.ENOSYS || err == unix.EOPNOTSUPP || (err == nil && n == 0) {
			return copyBlockBuffered(cache, data, srcOff, dstOff, remaining)
		}
		if err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}
