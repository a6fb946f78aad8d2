package sink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxNameCollisions bounds the numbered variants tried for one file name.
const maxNameCollisions = 100

// writeAtomic creates path through a temporary file in the same directory so
// readers never observe a partial file. An existing file is never replaced:
// when path is taken the buffer lands in path-1, path-2 and so on. It returns
// the path actually written.
func writeAtomic(path string, write func(f *os.File) error) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	return publish(tmp.Name(), path)
}

// publish hard-links tmp under the first free variant of path. Link fails
// on an existing target, so concurrent sinks cannot overwrite each other.
func publish(tmp, path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 0; i < maxNameCollisions; i++ {
		target := path
		if i > 0 {
			target = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		err := os.Link(tmp, target)
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("publish %s: %w", target, err)
		}
	}
	return "", fmt.Errorf("publish %s: %d files with this name already exist", path, maxNameCollisions)
}
