//go:build !linux

package restore

import (
	"os"

	"github.com/ravinsp/statesnapshot/internal/config"
)

func copyBlock(cache, data *os.File, cacheOffset, fileOffset int64) error {
	return copyBlockBuffered(cache, data, cacheOffset, fileOffset, config.BlockSize)
}
