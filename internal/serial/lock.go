package serial

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrDeviceBusy is returned when another process holds the device lock.
var ErrDeviceBusy = errors.New("serial device is locked by another process")

// Lock is an advisory, process-level claim on a device path.
type Lock struct {
	path string
	fl   *flock.Flock
}

// LockPath returns the lock file used for device inside dir.
func LockPath(dir, device string) string {
	name := strings.Trim(strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(device), "_")
	return filepath.Join(dir, "callisto-"+name+".lock")
}

// AcquireLock claims device without blocking.
func AcquireLock(dir, device string) (*Lock, error) {
	p := LockPath(dir, device)
	fl := flock.New(p)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", p, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", device, ErrDeviceBusy)
	}
	return &Lock{path: p, fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the claim.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
