package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"tabledb/pkg/dberrors"
)

var errWouldBlock = errors.New("would block")

// Lock is an exclusive advisory lock on a file, held until Release.
type Lock struct {
	path  string
	owner string

	mu sync.Mutex
	f  *os.File
}

// Acquire takes the lock at path without waiting. It returns
// dberrors.ErrLocked when another holder owns it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := tryLockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s", dberrors.ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	owner := fmt.Sprintf("%s pid=%d", uuid.NewString(), os.Getpid())
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(owner+"\n"), 0)
	}

	return &Lock{path: path, owner: owner, f: f}, nil
}

func (l *Lock) Path() string {
	return l.path
}

// Owner identifies this holder in the lock file.
func (l *Lock) Owner() string {
	return l.owner
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	uerr := unlockFile(l.f)
	cerr := l.f.Close()
	l.f = nil
	if uerr != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, uerr)
	}
	return cerr
}
