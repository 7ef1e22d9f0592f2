package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrAlreadyRunning means another run holds the lock file.
var ErrAlreadyRunning = errors.New("another run is already in progress")

// lock files older than this belong to a crashed run and get replaced
const staleLockAge = time.Hour

// RunLock is a pid file preventing overlapping runs; a slow run and
// the next scheduled one would otherwise race the dedup store and
// double-post.
type RunLock struct {
	path string
}

func AcquireRunLock(path string) (*RunLock, error) {
	os.MkdirAll(filepath.Dir(path), 0777)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if errors.Is(err, os.ErrExist) {
		info, statErr := os.Stat(path)
		if statErr == nil && time.Since(info.ModTime()) < staleLockAge {
			return nil, ErrAlreadyRunning
		}
		// crashed run left the lock behind
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("replace stale run lock: %w", err)
		}
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}

	fmt.Fprintf(file, "%s\n", strconv.Itoa(os.Getpid()))
	if err := file.Close(); err != nil {
		return nil, err
	}
	return &RunLock{path: path}, nil
}

func (l *RunLock) Release() error {
	return os.Remove(l.path)
}
