package serial

import (
	"errors"
	"fmt"
	"sync"

	"callisto_daemon/internal/logger"
)

// Bus hands out one shared Transport per device path. Devices that share a
// port share its exchange goroutine, so their exchanges are serialized;
// different ports proceed independently.
type Bus struct {
	open    Opener
	lockDir string
	opts    Options
	log     *logger.Logger

	mu    sync.Mutex
	lines map[string]*line
}

type line struct {
	t    *Transport
	lock *Lock
	baud int
	refs int
}

// NewBus creates a registry. An empty lockDir disables device locking.
func NewBus(open Opener, lockDir string, opts Options, log *logger.Logger) *Bus {
	return &Bus{
		open:    open,
		lockDir: lockDir,
		opts:    opts,
		log:     logger.OrNop(log),
		lines:   make(map[string]*line),
	}
}

// Acquire returns the transport for path, opening and locking the device on
// first use.
func (b *Bus) Acquire(path string, baud int) (*Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.lines[path]; ok {
		if l.baud != baud {
			return nil, fmt.Errorf("%s already open at %d baud, requested %d", path, l.baud, baud)
		}
		l.refs++
		return l.t, nil
	}

	var lk *Lock
	if b.lockDir != "" {
		var err error
		if lk, err = AcquireLock(b.lockDir, path); err != nil {
			return nil, err
		}
	}
	p, err := b.open(path, baud)
	if err != nil {
		_ = lk.Release()
		return nil, err
	}
	t := NewTransport(path, p, b.opts, b.log)
	b.lines[path] = &line{t: t, lock: lk, baud: baud, refs: 1}
	b.log.Infow("serial_port_opened", "device", path, "baud", baud)
	return t, nil
}

// Release drops one reference to path and closes the device when none remain.
func (b *Bus) Release(path string) error {
	b.mu.Lock()
	l, ok := b.lines[path]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	l.refs--
	if l.refs > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.lines, path)
	b.mu.Unlock()
	return closeLine(l)
}

// CloseAll closes every open device.
func (b *Bus) CloseAll() error {
	b.mu.Lock()
	lines := b.lines
	b.lines = make(map[string]*line)
	b.mu.Unlock()

	var errs []error
	for _, l := range lines {
		errs = append(errs, closeLine(l))
	}
	return errors.Join(errs...)
}

func closeLine(l *line) error {
	return errors.Join(l.t.Close(), l.lock.Release())
}
