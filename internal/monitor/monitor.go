// Package monitor records pre-images of mutating filesystem operations on
// the data tree. An interception layer reports every create, open, write,
// truncate, rename and delete before the mutation lands; the monitor copies
// each about-to-change block into the session's block cache exactly once
// and maintains the new/touched path indices the rollback engine consumes.
package monitor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ravinsp/statesnapshot/internal/changeset"
	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/hasher"
	"github.com/ravinsp/statesnapshot/internal/state"
)

// trackedFile is the per-path session state. A file enters the map on its
// first mutation event and stays until session close, except that deleting
// a session-new file drops its record.
type trackedFile struct {
	path string

	// isNew marks files created during this session; their pre-image is
	// empty so no blocks are ever cached for them.
	isNew bool

	// originalLength is the byte length before the session's first
	// mutation of this file.
	originalLength int64

	cachedBlocks map[uint32]struct{}

	// prepared is set once the .bindex header has been written, so a
	// close/reopen cycle never duplicates it.
	prepared bool

	readFile  *os.File // pre-image reads
	cacheFile *os.File // .bcache appends
	indexFile *os.File // .bindex appends
}

// Monitor serializes all event handling behind one mutex. Events arrive
// from arbitrary filesystem-call threads; the critical section is a single
// event.
type Monitor struct {
	mu  sync.Mutex
	ctx state.Context

	fdPaths   map[int]string
	files     map[string]*trackedFile
	cacheDirs map[string]struct{}

	// touchedIdx stays open for the monitor's lifetime.
	touchedIdx *os.File
}

// New creates a monitor for the given live-slot context.
func New(ctx state.Context) *Monitor {
	return &Monitor{
		ctx:       ctx,
		fdPaths:   make(map[int]string),
		files:     make(map[string]*trackedFile),
		cacheDirs: make(map[string]struct{}),
	}
}

// Close releases every descriptor the monitor holds. Tracking state is
// discarded; the changeset on disk is the session's durable output.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fi := range m.files {
		m.closeCachingFiles(fi)
	}
	if m.touchedIdx != nil {
		if err := m.touchedIdx.Close(); err != nil {
			return err
		}
		m.touchedIdx = nil
	}
	return nil
}

// OnCreate records a file created by a syscall on fd.
func (m *Monitor) OnCreate(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.resolveFd(fd)
	if err != nil {
		return m.fail("create", "", err)
	}
	return m.trackCreate(path)
}

// OnOpen records an open. When the flags carry O_TRUNC the whole pre-image
// is cached before the truncation can take effect.
func (m *Monitor) OnOpen(fd int, flags int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.resolveFd(fd)
	if err != nil {
		return m.fail("open", "", err)
	}
	return m.trackOpen(path, flags)
}

// OnWrite records a write of length bytes at offset.
func (m *Monitor) OnWrite(fd int, offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.resolveFd(fd)
	if err != nil {
		return m.fail("write", "", err)
	}
	return m.trackWrite(path, offset, length)
}

// OnTruncate records a truncation to newSize.
func (m *Monitor) OnTruncate(fd int, newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.resolveFd(fd)
	if err != nil {
		return m.fail("truncate", "", err)
	}
	return m.trackTruncate(path, newSize)
}

// OnRename records a rename. It behaves as a delete of the old path
// followed by a create of the new path, under one lock acquisition.
func (m *Monitor) OnRename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trackDelete(oldPath); err != nil {
		return err
	}
	return m.trackCreate(newPath)
}

// OnDelete records a deletion about to happen at path.
func (m *Monitor) OnDelete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackDelete(path)
}

// OnClose drops the fd from the descriptor map. When no other descriptor
// refers to the same path, the per-file caching descriptors are closed;
// the set of cached blocks is retained for the rest of the session.
func (m *Monitor) OnClose(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.fdPaths[fd]
	if !ok {
		return nil
	}
	delete(m.fdPaths, fd)

	for _, p := range m.fdPaths {
		if p == path {
			return nil
		}
	}
	if fi, ok := m.files[path]; ok {
		m.closeCachingFiles(fi)
	}
	return nil
}

// resolveFd maps a descriptor to its absolute path, consulting the fd map
// first and /proc/self/fd on a miss.
func (m *Monitor) resolveFd(fd int) (string, error) {
	if path, ok := m.fdPaths[fd]; ok {
		return path, nil
	}
	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return "", fmt.Errorf("resolve fd %d: %w", fd, err)
	}
	m.fdPaths[fd] = path
	return path, nil
}

func (m *Monitor) trackCreate(path string) error {
	fi, tracked := m.files[path]
	if tracked && fi.isNew {
		// Already known to be new; nothing changes.
		return nil
	}

	rel := state.RelPath(path, m.ctx.DataDir)
	if tracked {
		// A pre-existing file was deleted earlier this session and the
		// path is being re-created. The slot is re-used and the path
		// still goes into the new-file index: rollback must delete this
		// file before the cached pre-image is restored.
		fi.isNew = true
	} else {
		m.files[path] = &trackedFile{
			path:         path,
			isNew:        true,
			cachedBlocks: make(map[uint32]struct{}),
		}
	}

	if err := changeset.AppendPathIndex(m.ctx.ChangesetDir, config.NewFilesIdx, rel); err != nil {
		return m.fail("create", path, err)
	}
	return nil
}

func (m *Monitor) trackOpen(path string, flags int) error {
	if flags&os.O_TRUNC == 0 {
		return nil
	}
	fi, err := m.tracked(path)
	if err != nil {
		return m.fail("open", path, err)
	}
	if err := m.cacheBlocks(fi, 0, fi.originalLength); err != nil {
		return m.fail("open", path, err)
	}
	return nil
}

func (m *Monitor) trackWrite(path string, offset, length int64) error {
	fi, err := m.tracked(path)
	if err != nil {
		return m.fail("write", path, err)
	}
	if err := m.cacheBlocks(fi, offset, length); err != nil {
		return m.fail("write", path, err)
	}
	return nil
}

func (m *Monitor) trackTruncate(path string, newSize int64) error {
	fi, err := m.tracked(path)
	if err != nil {
		return m.fail("truncate", path, err)
	}
	if newSize >= fi.originalLength {
		// Growing truncations leave every pre-image byte in place.
		return nil
	}
	if err := m.cacheBlocks(fi, 0, fi.originalLength); err != nil {
		return m.fail("truncate", path, err)
	}
	return nil
}

func (m *Monitor) trackDelete(path string) error {
	fi, tracked := m.files[path]
	if !tracked {
		var err error
		if fi, err = m.tracked(path); err != nil {
			// Deleting a file the session never saw and that does not
			// exist is not an event worth recording.
			if os.IsNotExist(err) {
				return nil
			}
			return m.fail("delete", path, err)
		}
	}

	if fi.isNew {
		rel := state.RelPath(path, m.ctx.DataDir)
		if err := changeset.RemoveFromPathIndex(m.ctx.ChangesetDir, config.NewFilesIdx, rel); err != nil {
			return m.fail("delete", path, err)
		}
		m.closeCachingFiles(fi)
		delete(m.files, path)
		return nil
	}

	if err := m.cacheBlocks(fi, 0, fi.originalLength); err != nil {
		return m.fail("delete", path, err)
	}
	return nil
}

// tracked returns the session record for path, creating one from the
// file's current (pre-mutation) length on first sight.
func (m *Monitor) tracked(path string) (*trackedFile, error) {
	if fi, ok := m.files[path]; ok {
		return fi, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	fi := &trackedFile{
		path:           path,
		originalLength: info.Size(),
		cachedBlocks:   make(map[uint32]struct{}),
	}
	m.files[path] = fi
	return fi, nil
}

// cacheBlocks preserves every not-yet-cached block overlapping
// [offset, offset+length) of the pre-image. Each block is appended to the
// .bcache file and indexed with its positional hash.
func (m *Monitor) cacheBlocks(fi *trackedFile, offset, length int64) error {
	if fi.isNew {
		return nil
	}

	blockCount := config.BlockCount(fi.originalLength)
	if len(fi.cachedBlocks) == blockCount {
		return nil
	}

	if err := m.prepareCaching(fi); err != nil {
		return err
	}

	// Clip the range to the original extent.
	if offset >= fi.originalLength {
		return nil
	}
	end := offset + length
	if end > fi.originalLength {
		end = fi.originalLength
	}
	if end <= offset {
		return nil
	}

	// The last affected block comes from the last modified byte, so a
	// write ending exactly on a block boundary does not pull in the
	// following untouched block.
	startBlock := uint32(offset / config.BlockSize)
	endBlock := uint32((end - 1) / config.BlockSize)

	rel := state.RelPath(fi.path, m.ctx.DataDir)
	buf := make([]byte, config.BlockSize)

	for i := startBlock; i <= endBlock; i++ {
		if _, ok := fi.cachedBlocks[i]; ok {
			continue
		}

		// The trailing block of a short file is zero-padded.
		clear(buf)
		blockOffset := int64(i) * config.BlockSize
		if _, err := fi.readFile.ReadAt(buf, blockOffset); err != nil && err != io.EOF {
			return fmt.Errorf("read pre-image block %d of %q: %w", i, fi.path, err)
		}

		if len(fi.cachedBlocks) == 0 {
			if err := m.writeTouchedEntry(rel); err != nil {
				return err
			}
		}

		cacheOffset := uint64(len(fi.cachedBlocks)) * config.BlockSize
		if _, err := fi.cacheFile.Write(buf); err != nil {
			return fmt.Errorf("append block cache for %q: %w", fi.path, err)
		}

		entry := changeset.IndexEntry{
			BlockNo:     i,
			CacheOffset: cacheOffset,
			Hash:        hasher.Block(blockOffset, buf),
		}
		if _, err := fi.indexFile.Write(changeset.EncodeIndexEntry(entry)); err != nil {
			return fmt.Errorf("append block index for %q: %w", fi.path, err)
		}

		fi.cachedBlocks[i] = struct{}{}
	}

	return nil
}

// prepareCaching opens the three per-file descriptors and writes the
// .bindex original-length header. Lazy and idempotent: the header goes out
// once per session even across close/reopen cycles.
func (m *Monitor) prepareCaching(fi *trackedFile) error {
	if fi.readFile != nil {
		return nil
	}

	readFile, err := os.Open(fi.path)
	if err != nil {
		return fmt.Errorf("open pre-image %q: %w", fi.path, err)
	}

	rel := state.RelPath(fi.path, m.ctx.DataDir)
	cachePath := filepath.Join(m.ctx.ChangesetDir, rel) + config.BlockCacheExt
	indexPath := filepath.Join(m.ctx.ChangesetDir, rel) + config.BlockIndexExt

	cacheDir := filepath.Dir(cachePath)
	if _, ok := m.cacheDirs[cacheDir]; !ok {
		if err := os.MkdirAll(cacheDir, config.DirPerms); err != nil {
			readFile.Close()
			return fmt.Errorf("create cache dir %q: %w", cacheDir, err)
		}
		m.cacheDirs[cacheDir] = struct{}{}
	}

	cacheFile, err := os.OpenFile(cachePath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, config.FilePerms)
	if err != nil {
		readFile.Close()
		return fmt.Errorf("open block cache %q: %w", cachePath, err)
	}
	indexFile, err := os.OpenFile(indexPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, config.FilePerms)
	if err != nil {
		readFile.Close()
		cacheFile.Close()
		return fmt.Errorf("open block index %q: %w", indexPath, err)
	}

	if !fi.prepared {
		if _, err := indexFile.Write(changeset.EncodeIndexHeader(fi.originalLength)); err != nil {
			readFile.Close()
			cacheFile.Close()
			indexFile.Close()
			return fmt.Errorf("write block index header %q: %w", indexPath, err)
		}
		fi.prepared = true
	}

	fi.readFile = readFile
	fi.cacheFile = cacheFile
	fi.indexFile = indexFile
	return nil
}

func (m *Monitor) writeTouchedEntry(rel string) error {
	if m.touchedIdx == nil {
		path := filepath.Join(m.ctx.ChangesetDir, config.TouchedFilesIdx)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, config.FilePerms)
		if err != nil {
			return fmt.Errorf("open touched index %q: %w", path, err)
		}
		m.touchedIdx = f
	}
	if _, err := m.touchedIdx.WriteString(rel + "\n"); err != nil {
		return fmt.Errorf("append touched index: %w", err)
	}
	return nil
}

func (m *Monitor) closeCachingFiles(fi *trackedFile) {
	for _, f := range []*os.File{fi.readFile, fi.cacheFile, fi.indexFile} {
		if f != nil {
			f.Close()
		}
	}
	fi.readFile, fi.cacheFile, fi.indexFile = nil, nil, nil
}

// fail logs an event failure and returns it. The mutation that triggered
// the event proceeds regardless; a missed pre-image surfaces later as a
// hash mismatch during verification.
func (m *Monitor) fail(op, path string, err error) error {
	log.WithFields(log.Fields{"op": op, "path": path}).WithError(err).Error("state monitor event failed")
	return err
}
