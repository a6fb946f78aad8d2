// Package serialtest provides an in-memory serial port for tests.
package serialtest

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by a closed Port.
var ErrClosed = errors.New("serialtest: port closed")

// Port answers each write through Respond. A nil reply leaves the device
// silent, which makes the transport's exchange time out.
type Port struct {
	Respond func(cmd []byte) []byte

	mu          sync.Mutex
	pending     []byte
	writes      [][]byte
	readTimeout time.Duration
	closed      bool
	failErr     error
}

// New returns a port answering through respond.
func New(respond func(cmd []byte) []byte) *Port {
	return &Port{Respond: respond, readTimeout: 5 * time.Millisecond}
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if p.failErr != nil {
		err := p.failErr
		p.mu.Unlock()
		return 0, err
	}
	cmd := append([]byte(nil), b...)
	p.writes = append(p.writes, cmd)
	respond := p.Respond
	p.mu.Unlock()

	var reply []byte
	if respond != nil {
		reply = respond(cmd)
	}
	p.mu.Lock()
	p.pending = append(p.pending, reply...)
	p.mu.Unlock()
	return len(b), nil
}

func (p *Port) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.timeout())
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, ErrClosed
		}
		if p.failErr != nil {
			err := p.failErr
			p.mu.Unlock()
			return 0, err
		}
		if len(p.pending) > 0 {
			n := copy(b, p.pending)
			p.pending = p.pending[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *Port) timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

// ResetInputBuffer drops unread bytes.
func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}

// Fail makes every subsequent read and write return err.
func (p *Port) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Writes returns a copy of every payload written so far.
func (p *Port) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = string(w)
	}
	return out
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
