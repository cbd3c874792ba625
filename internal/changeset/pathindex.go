package changeset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"

	"github.com/ravinsp/statesnapshot/internal/config"
)

// ReadPathIndex reads one of the line-oriented path indices
// (idxnew.idx / idxtouched.idx). Paths are relative to the data root with
// a leading "/". A missing index is an empty index.
func ReadPathIndex(changesetDir, name string) ([]string, error) {
	f, err := os.Open(filepath.Join(changesetDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open path index %q: %w", name, err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			paths = append(paths, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read path index %q: %w", name, err)
	}
	return paths, nil
}

// AppendPathIndex appends one relative path line to an index file.
func AppendPathIndex(changesetDir, name, relPath string) error {
	path := filepath.Join(changesetDir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, config.FilePerms)
	if err != nil {
		return fmt.Errorf("open path index %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(relPath + "\n"); err != nil {
		return fmt.Errorf("append to path index %q: %w", path, err)
	}
	return f.Close()
}

// RemoveFromPathIndex rewrites an index without the given path. The rewrite
// is atomic; if no lines remain the index file is removed.
func RemoveFromPathIndex(changesetDir, name, relPath string) error {
	path := filepath.Join(changesetDir, name)

	lines, err := ReadPathIndex(changesetDir, name)
	if err != nil {
		return err
	}

	var kept []string
	for _, line := range lines {
		if line != relPath {
			kept = append(kept, line)
		}
	}

	if len(kept) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove path index %q: %w", path, err)
		}
		return nil
	}

	content := strings.Join(kept, "\n") + "\n"
	if err := renameio.WriteFile(path, []byte(content), config.FilePerms); err != nil {
		return fmt.Errorf("rewrite path index %q: %w", path, err)
	}
	return nil
}
