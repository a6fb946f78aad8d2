package serial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/serial/serialtest"
)

func echoOK(cmd []byte) []byte { return append(append([]byte{}, cmd...), []byte("OK\r")...) }

func newTestTransport(p Port, opts Options) *Transport {
	if opts.ExchangeTimeout == 0 {
		opts.ExchangeTimeout = 30 * time.Millisecond
	}
	return NewTransport("/dev/test", p, opts, logger.NewNop())
}

func TestTransport_SendReturnsCompleteResponse(t *testing.T) {
	p := serialtest.New(echoOK)
	tr := newTestTransport(p, Options{})
	defer tr.Close()

	resp, err := tr.Send(context.Background(), Request{Payload: []byte("V?"), Complete: UntilByte('\r')})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp) != "V?OK\r" {
		t.Fatalf("resp = %q", resp)
	}
	if h := tr.Health(); !h.Responsive || h.Exchanges != 1 {
		t.Fatalf("health = %+v", h)
	}
}

func TestTransport_ThreeUnansweredMarkUnresponsive(t *testing.T) {
	p := serialtest.New(nil)
	var notified int32
	tr := newTestTransport(p, Options{
		Retries:        3,
		OnUnresponsive: func(string) { atomic.AddInt32(&notified, 1) },
	})
	defer tr.Close()

	_, err := tr.Send(context.Background(), Request{Payload: []byte("Tcold"), Complete: UntilByte('\r')})
	if !errors.Is(err, ErrDeviceTimeout) {
		t.Fatalf("expected ErrDeviceTimeout, got %v", err)
	}
	if got := len(p.Writes()); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if tr.Responsive() {
		t.Fatalf("device should be unresponsive")
	}
	if atomic.LoadInt32(&notified) != 1 {
		t.Fatalf("OnUnresponsive called %d times", notified)
	}

	start := time.Now()
	_, err = tr.Send(context.Background(), Request{Payload: []byte("Tcold"), Complete: UntilByte('\r')})
	if !errors.Is(err, ErrUnresponsive) {
		t.Fatalf("expected ErrUnresponsive, got %v", err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Fatalf("send on unresponsive device must fail immediately")
	}
	if got := len(p.Writes()); got != 3 {
		t.Fatalf("no bytes may hit the wire while unresponsive, writes=%d", got)
	}
}

func TestTransport_ProbeRecovers(t *testing.T) {
	var answer atomic.Bool
	p := serialtest.New(func(cmd []byte) []byte {
		if answer.Load() {
			return echoOK(cmd)
		}
		return nil
	})
	tr := newTestTransport(p, Options{Retries: 2})
	defer tr.Close()

	req := Request{Payload: []byte("V?"), Complete: UntilByte('\r')}
	if _, err := tr.Send(context.Background(), req); !errors.Is(err, ErrDeviceTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if _, err := tr.Probe(context.Background(), req); !errors.Is(err, ErrDeviceTimeout) {
		t.Fatalf("probe against silent device should time out, got %v", err)
	}
	answer.Store(true)
	if _, err := tr.Probe(context.Background(), req); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !tr.Responsive() {
		t.Fatalf("device should be responsive after probe")
	}
	if _, err := tr.Send(context.Background(), req); err != nil {
		t.Fatalf("send after recovery failed: %v", err)
	}
}

func TestTransport_ExchangesNeverInterleave(t *testing.T) {
	var inFlight, maxSeen int32
	p := serialtest.New(func(cmd []byte) []byte {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return echoOK(cmd)
	})
	tr := newTestTransport(p, Options{ExchangeTimeout: time.Second})
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Send(context.Background(), Request{Payload: []byte("tcu"), Complete: UntilByte('\r')}); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("exchanges overlapped: max in flight %d", maxSeen)
	}
}

func TestTransport_PortFailureIsSurfaced(t *testing.T) {
	p := serialtest.New(echoOK)
	tr := newTestTransport(p, Options{})
	defer tr.Close()

	p.Fail(errors.New("device unplugged"))
	_, err := tr.Send(context.Background(), Request{Payload: []byte("GD"), Complete: UntilByte('&')})
	if !errors.Is(err, ErrPortFailed) {
		t.Fatalf("expected ErrPortFailed, got %v", err)
	}
	select {
	case <-tr.Failed():
	case <-time.After(time.Second):
		t.Fatalf("Failed channel not closed")
	}
	if !errors.Is(tr.Err(), ErrPortFailed) {
		t.Fatalf("Err() = %v", tr.Err())
	}
}

func TestTransport_CloseWaitsForInFlightExchange(t *testing.T) {
	started := make(chan struct{})
	p := serialtest.New(func(cmd []byte) []byte {
		close(started)
		time.Sleep(40 * time.Millisecond)
		return echoOK(cmd)
	})
	tr := newTestTransport(p, Options{ExchangeTimeout: time.Second})

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), Request{Payload: []byte("V?"), Complete: UntilByte('\r')})
		errCh <- err
	}()
	<-started
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("in-flight exchange should complete, got %v", err)
	}
	if !p.Closed() {
		t.Fatalf("port should be closed")
	}
	if _, err := tr.Send(context.Background(), Request{Payload: []byte("V?")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTransport_WriteOnlyRequest(t *testing.T) {
	p := serialtest.New(nil)
	tr := newTestTransport(p, Options{})
	defer tr.Close()

	if _, err := tr.Send(context.Background(), Request{Payload: []byte("S0\r")}); err != nil {
		t.Fatalf("write-only request failed: %v", err)
	}
	if w := p.Writes(); len(w) != 1 || w[0] != "S0\r" {
		t.Fatalf("writes = %q", w)
	}
}
