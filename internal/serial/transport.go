package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
)

var (
	// ErrDeviceTimeout is returned when an exchange got no complete answer
	// within its deadline on every attempt.
	ErrDeviceTimeout = errors.New("serial exchange timed out")
	// ErrUnresponsive is returned without touching the wire once a device has
	// been marked unresponsive. Probe clears it.
	ErrUnresponsive = errors.New("serial device unresponsive")
	// ErrPortFailed marks an I/O error from the port itself. It is not
	// recoverable and the transport shuts down.
	ErrPortFailed = errors.New("serial port failed")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("serial transport closed")
)

const (
	defaultReadTimeout     = 50 * time.Millisecond
	defaultExchangeTimeout = time.Second
	defaultRetries         = 3
	readChunk              = 256
	maxResponse            = 64 << 10
)

// Request is one command/response exchange.
type Request struct {
	Payload []byte
	// Complete reports whether the bytes read so far form a full response.
	// A nil Complete makes the request write-only.
	Complete func(resp []byte) bool
	// Timeout overrides the transport's exchange timeout for each attempt.
	Timeout time.Duration
}

// UntilByte completes a response at the first occurrence of b.
func UntilByte(b byte) func([]byte) bool {
	return func(resp []byte) bool { return bytes.IndexByte(resp, b) >= 0 }
}

// UntilContains completes a response once it contains s.
func UntilContains(s string) func([]byte) bool {
	return func(resp []byte) bool { return bytes.Contains(resp, []byte(s)) }
}

// Options tune a Transport. Zero values take defaults.
type Options struct {
	ExchangeTimeout time.Duration
	Retries         int
	// OnUnresponsive is called once each time the device becomes unresponsive.
	OnUnresponsive func(device string)
}

type result struct {
	resp []byte
	err  error
}

type call struct {
	ctx   context.Context
	req   Request
	probe bool
	res   chan result
}

// Transport owns one port from a dedicated goroutine. Exchanges are strictly
// ping-pong: a request is written only after the previous one finished.
type Transport struct {
	name    string
	port    Port
	log     *logger.Logger
	timeout time.Duration
	retries int
	onUnr   func(string)

	calls     chan *call
	done      chan struct{}
	failed    chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
	wg        sync.WaitGroup

	unresponsive atomic.Bool

	mu       sync.Mutex // guards health and failErr
	health   models.Health
	failErr  error
	closeErr error
}

// NewTransport starts the exchange goroutine for port.
func NewTransport(name string, port Port, opts Options, log *logger.Logger) *Transport {
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = defaultExchangeTimeout
	}
	if opts.Retries < 1 {
		opts.Retries = defaultRetries
	}
	t := &Transport{
		name:    name,
		port:    port,
		log:     logger.OrNop(log).Named("serial").With("device", name),
		timeout: opts.ExchangeTimeout,
		retries: opts.Retries,
		onUnr:   opts.OnUnresponsive,
		calls:   make(chan *call),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
		health:  models.Health{Device: name, Responsive: true},
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// Name returns the device path.
func (t *Transport) Name() string { return t.name }

// Send performs one exchange, retrying unanswered attempts. It fails
// immediately with ErrUnresponsive while the device is marked unresponsive.
func (t *Transport) Send(ctx context.Context, req Request) ([]byte, error) {
	if t.unresponsive.Load() {
		return nil, fmt.Errorf("%s: %w", t.name, ErrUnresponsive)
	}
	return t.submit(ctx, req, false)
}

// Probe performs a single attempt regardless of the unresponsive flag. A
// complete answer marks the device responsive again.
func (t *Transport) Probe(ctx context.Context, req Request) ([]byte, error) {
	return t.submit(ctx, req, true)
}

// Responsive reports the current health flag without locking.
func (t *Transport) Responsive() bool { return !t.unresponsive.Load() }

// Health returns a snapshot of the device health.
func (t *Transport) Health() models.Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// Failed is closed when the port reports an unrecoverable I/O error.
func (t *Transport) Failed() <-chan struct{} { return t.failed }

// Err returns the error that closed Failed, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failErr
}

// Close stops accepting requests, waits for the in-flight exchange to finish
// or time out, then closes the port.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		t.closeErr = t.port.Close()
		t.log.Infow("serial_transport_closed")
	})
	return t.closeErr
}

func (t *Transport) submit(ctx context.Context, req Request, probe bool) ([]byte, error) {
	c := &call{ctx: ctx, req: req, probe: probe, res: make(chan result, 1)}
	select {
	case t.calls <- c:
	case <-t.done:
		return nil, ErrClosed
	case <-t.failed:
		return nil, t.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-c.res:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case <-t.failed:
			return
		case c := <-t.calls:
			resp, err := t.exchange(c)
			c.res <- result{resp: resp, err: err}
		}
	}
}

func (t *Transport) exchange(c *call) ([]byte, error) {
	attempts := t.retries
	if c.probe {
		attempts = 1
	} else if t.unresponsive.Load() {
		return nil, fmt.Errorf("%s: %w", t.name, ErrUnresponsive)
	}
	timeout := c.req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := t.attempt(c.req, timeout)
		switch {
		case err == nil:
			t.markSuccess()
			return resp, nil
		case errors.Is(err, ErrPortFailed):
			t.fail(err)
			return nil, err
		}
		t.log.Debugw("serial_attempt_timeout", "attempt", attempt, "of", attempts, "payload", printable(c.req.Payload))
		if t.markTimeout(err) {
			return nil, fmt.Errorf("%s: %w", t.name, ErrDeviceTimeout)
		}
	}
	return nil, fmt.Errorf("%s: %w", t.name, ErrDeviceTimeout)
}

func (t *Transport) attempt(req Request, timeout time.Duration) ([]byte, error) {
	_ = t.port.ResetInputBuffer()
	if len(req.Payload) > 0 {
		if _, err := t.port.Write(req.Payload); err != nil {
			return nil, fmt.Errorf("%w: write: %v", ErrPortFailed, err)
		}
	}
	if req.Complete == nil {
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	var resp []byte
	buf := make([]byte, readChunk)
	for {
		n, err := t.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrPortFailed, err)
		}
		if n > 0 {
			resp = append(resp, buf[:n]...)
			if req.Complete(resp) {
				return resp, nil
			}
			if len(resp) > maxResponse {
				return nil, fmt.Errorf("response exceeds %d bytes", maxResponse)
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrDeviceTimeout
		}
	}
}

func (t *Transport) markSuccess() {
	wasDown := t.unresponsive.Swap(false)
	t.mu.Lock()
	t.health.Responsive = true
	t.health.ConsecutiveTimeouts = 0
	t.health.Exchanges++
	t.health.LastSeen = time.Now().UTC()
	t.mu.Unlock()
	if wasDown {
		t.log.Infow("serial_device_recovered")
	}
}

// markTimeout records an unanswered attempt and reports whether the device
// just crossed into the unresponsive state.
func (t *Transport) markTimeout(err error) bool {
	t.mu.Lock()
	t.health.ConsecutiveTimeouts++
	t.health.LastError = err.Error()
	crossed := t.health.ConsecutiveTimeouts >= t.retries && t.health.Responsive
	if crossed {
		t.health.Responsive = false
	}
	t.mu.Unlock()
	if !crossed {
		return false
	}
	t.unresponsive.Store(true)
	t.log.Warnw("serial_device_unresponsive", "consecutive_timeouts", t.retries)
	if t.onUnr != nil {
		t.onUnr(t.name)
	}
	return true
}

func (t *Transport) fail(err error) {
	t.failOnce.Do(func() {
		t.mu.Lock()
		t.failErr = err
		t.health.Responsive = false
		t.health.LastError = err.Error()
		t.mu.Unlock()
		t.unresponsive.Store(true)
		t.log.Errorw("serial_port_failed", "err", err)
		close(t.failed)
	})
}

func printable(b []byte) string {
	return fmt.Sprintf("%q", b)
}
