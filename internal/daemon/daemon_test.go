package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"callisto_daemon/internal/buffer"
	"callisto_daemon/internal/clock"
	"callisto_daemon/internal/config"
	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/receiver"
	"callisto_daemon/internal/serial"
	"callisto_daemon/internal/serial/serialtest"
	"callisto_daemon/internal/service"
)

const testSchedule = `// station schedule
04:00:00,59,3
12:00:00,59,8
19:30:00,59,0
`

type captureSink struct{ ch chan *models.Buffer }

func (p *captureSink) Name() string { return "capture" }
func (p *captureSink) Write(_ context.Context, b *models.Buffer) error {
	select {
	case p.ch <- b:
	default:
	}
	return nil
}

func fakeReceiver() *serialtest.Port {
	return serialtest.New(func(cmd []byte) []byte {
		switch string(cmd) {
		case receiver.ResetString:
			return []byte(receiver.IDResponse)
		case "GD\r":
			return receiver.EncodeFrame([]uint8{10, 20, 30, 40})
		}
		return nil
	})
}

// garbledReceiver answers polls with an undecodable frame while garbled is set.
func garbledReceiver(garbled *atomic.Bool) *serialtest.Port {
	bad := bytes.Replace(receiver.EncodeFrame([]uint8{1}), []byte("0004"), []byte("ZZZZ"), 1)
	return serialtest.New(func(cmd []byte) []byte {
		switch string(cmd) {
		case receiver.ResetString:
			return []byte(receiver.IDResponse)
		case "GD\r":
			if garbled.Load() {
				return bad
			}
			return receiver.EncodeFrame([]uint8{10, 20, 30, 40})
		}
		return nil
	})
}

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	schedule := filepath.Join(dir, "schedule.cfg")
	if err := os.WriteFile(schedule, []byte(testSchedule), 0o644); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	return &config.Config{
		Instrument: "TEST",
		FocusCode:  59,
		Serial: config.Serial{
			Port: "/dev/ttyFAKE0", Baud: 115200, LockDir: dir,
			ExchangeTimeout: 100 * time.Millisecond, Retries: 3,
		},
		Receiver: config.Receiver{PollCommand: "GD", HandshakeTimeout: 200 * time.Millisecond},
		// windows longer than the test span so every flush is a boundary flush
		Timing: config.Timing{
			TimerInterval:  30 * time.Millisecond,
			SampleInterval: time.Minute,
			Preread:        2 * time.Second,
			DrainTimeout:   2 * time.Second,
			FileTime:       48 * time.Hour,
			OverviewPeriod: 48 * time.Hour,
			FlushTimeout:   5 * time.Second,
		},
		Output:       config.Output{Format: config.FormatCSV, DataDir: filepath.Join(dir, "data")},
		Publisher:    config.Publisher{Enabled: true, Topic: "callisto", HWM: 10},
		DBPath:       "file:" + name + "?mode=memory&cache=shared",
		ScheduleFile: schedule,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// tickUntilFilled advances the clock one sample interval per tick until the
// open buffer holds a sample.
func tickUntilFilled(t *testing.T, d *Daemon, clk *clock.Fake) {
	t.Helper()
	for i := 0; i < 20; i++ {
		d.Tick(clk.Advance(time.Minute))
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			if d.assembler.Fill() > 0 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatal("open buffer never received a sample")
}

func waitBuffer(t *testing.T, p *captureSink) *models.Buffer {
	t.Helper()
	select {
	case b := <-p.ch:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("no buffer flushed")
		return nil
	}
}

func tickUntilBuffer(t *testing.T, d *Daemon, clk *clock.Fake, p *captureSink) *models.Buffer {
	t.Helper()
	for i := 0; i < 20; i++ {
		d.Tick(clk.Advance(time.Second))
		select {
		case b := <-p.ch:
			return b
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("drained buffer never delivered")
	return nil
}

func startDaemon(t *testing.T, cfg *config.Config, clk *clock.Fake, port *serialtest.Port) (*Daemon, *captureSink, context.CancelFunc, chan error) {
	t.Helper()
	capture := &captureSink{ch: make(chan *models.Buffer, 16)}
	opener := func(string, int) (serial.Port, error) { return port, nil }
	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, cfg, Options{Clock: clk, Opener: opener, ManualTicks: true, Sinks: []buffer.Sink{capture}}, logger.NewNop())
	if err != nil {
		cancel()
		t.Fatalf("new daemon: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return d, capture, cancel, done
}

func TestDaemon_ScheduledDay(t *testing.T) {
	cfg := testConfig(t, "daemon_day")
	clk := clock.NewFake(time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC))
	d, capture, cancel, done := startDaemon(t, cfg, clk, fakeReceiver())
	defer cancel()

	// catch-up: 04:00 entry is the latest one due at 05:00
	eventually(t, "continuous after catch-up", func() bool {
		return d.modes.Current().Mode == models.ModeContinuous
	})
	tickUntilFilled(t, d, clk)

	clk.Set(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	d.Tick(clk.Now())
	eventually(t, "auto overview at 12:00", func() bool {
		return d.modes.Current().Mode == models.ModeAutoOverview
	})
	b := waitBuffer(t, capture)
	if b.Mode != models.ModeContinuous || b.Reason != models.FlushTransition {
		t.Fatalf("12:00 flush: mode=%v reason=%v", b.Mode, b.Reason)
	}
	if b.Len() == 0 {
		t.Fatal("12:00 flush delivered an empty buffer")
	}

	tickUntilFilled(t, d, clk)

	clk.Set(time.Date(2026, 6, 1, 19, 30, 0, 0, time.UTC))
	d.Tick(clk.Now())
	eventually(t, "idle at 19:30", func() bool {
		return d.modes.Current().Mode == models.ModeIdle
	})
	// a stop drains before the buffer is delivered
	b = tickUntilBuffer(t, d, clk, capture)
	if b.Mode != models.ModeAutoOverview || b.FocusCode != 59 || b.Reason != models.FlushDrain {
		t.Fatalf("19:30 flush: mode=%v focus=%d reason=%v", b.Mode, b.FocusCode, b.Reason)
	}
	if !b.End.Equal(time.Date(2026, 6, 1, 19, 30, 0, 0, time.UTC)) {
		t.Fatalf("19:30 flush closed at %v", b.End)
	}

	if got := d.schedule.Stats().Applied; got != 3 {
		t.Fatalf("applied entries=%d, want 3", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(cfg.Output.DataDir, "*.csv"))
	if len(files) < 2 {
		t.Fatalf("csv files=%v, want at least 2", files)
	}
}

func TestDaemon_MalformedFrameCountsInBuffer(t *testing.T) {
	cfg := testConfig(t, "daemon_malformed")
	clk := clock.NewFake(time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC))
	var garbled atomic.Bool
	d, capture, cancel, done := startDaemon(t, cfg, clk, garbledReceiver(&garbled))
	defer cancel()

	eventually(t, "continuous", func() bool { return d.modes.Current().Mode == models.ModeContinuous })
	tickUntilFilled(t, d, clk)

	garbled.Store(true)
	for i := 0; i < 20 && d.source.Stats().Dropped == 0; i++ {
		d.Tick(clk.Advance(time.Minute))
		time.Sleep(50 * time.Millisecond)
	}
	if d.source.Stats().Dropped == 0 {
		t.Fatal("malformed frame was never dropped")
	}
	garbled.Store(false)

	if _, err := d.modes.RequestTransition(context.Background(), service.TransitionRequest{
		Mode: models.ModeAutoOverview, FocusCode: 59, Source: models.SourceCommand,
	}); err != nil {
		t.Fatalf("overview: %v", err)
	}
	b := waitBuffer(t, capture)
	if b.Mode != models.ModeContinuous || b.Dropped == 0 {
		t.Fatalf("flushed buffer mode=%v dropped=%d, want the dropped sample counted", b.Mode, b.Dropped)
	}
	if b.Len() == 0 {
		t.Fatal("flushed buffer lost its good samples")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDaemon_TerminateDisabledIsRejected(t *testing.T) {
	cfg := testConfig(t, "daemon_guard")
	clk := clock.NewFake(time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC))
	d, _, cancel, done := startDaemon(t, cfg, clk, fakeReceiver())
	defer cancel()

	eventually(t, "continuous", func() bool { return d.modes.Current().Mode == models.ModeContinuous })
	_, err := d.modes.RequestTransition(context.Background(), service.TransitionRequest{
		Mode: models.ModeTerminating, FocusCode: 59, Source: models.SourceCommand,
	})
	if !errors.Is(err, service.ErrTerminatingDisabled) {
		t.Fatalf("err=%v, want ErrTerminatingDisabled", err)
	}
	if d.modes.Current().Mode != models.ModeContinuous {
		t.Fatalf("mode changed to %v", d.modes.Current().Mode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDaemon_TerminateStopsRun(t *testing.T) {
	cfg := testConfig(t, "daemon_terminate")
	cfg.TerminateEnabled = true
	clk := clock.NewFake(time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC))
	d, _, cancel, done := startDaemon(t, cfg, clk, fakeReceiver())
	defer cancel()

	eventually(t, "continuous", func() bool { return d.modes.Current().Mode == models.ModeContinuous })
	if _, err := d.modes.RequestTransition(context.Background(), service.TransitionRequest{
		Mode: models.ModeTerminating, FocusCode: 59, Source: models.SourceCommand,
	}); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrTerminated) {
			t.Fatalf("run err=%v, want ErrTerminated", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after terminate")
	}
}

func TestDaemon_ReceiverPortFailureStopsRun(t *testing.T) {
	cfg := testConfig(t, "daemon_portfail")
	clk := clock.NewFake(time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC))
	port := fakeReceiver()
	d, _, cancel, done := startDaemon(t, cfg, clk, port)
	defer cancel()

	eventually(t, "continuous", func() bool { return d.modes.Current().Mode == models.ModeContinuous })
	port.Fail(errors.New("device unplugged"))
	for i := 0; i < 50; i++ {
		d.Tick(clk.Advance(time.Minute))
		select {
		case err := <-done:
			if err == nil || !strings.Contains(err.Error(), "receiver transport failed") {
				t.Fatalf("run err=%v", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("run did not surface the port failure")
}

func TestDaemon_ReloadSwapsSchedule(t *testing.T) {
	cfg := testConfig(t, "daemon_reload")
	clk := clock.NewFake(time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC))
	d, _, cancel, done := startDaemon(t, cfg, clk, fakeReceiver())
	defer cancel()

	eventually(t, "continuous", func() bool { return d.modes.Current().Mode == models.ModeContinuous })
	if err := os.WriteFile(cfg.ScheduleFile, []byte("06:00:00,59,0\n"), 0o644); err != nil {
		t.Fatalf("rewrite schedule: %v", err)
	}
	n, err := d.Reload(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reload n=%d err=%v", n, err)
	}
	// reload never replays past entries
	if d.modes.Current().Mode != models.ModeContinuous {
		t.Fatalf("reload changed mode to %v", d.modes.Current().Mode)
	}
	up, ok := d.schedule.Next()
	if !ok || up.Entry.Mode != models.ModeIdle || up.Due.Hour() != 6 {
		t.Fatalf("next=%+v ok=%v", up, ok)
	}

	cancel()
	<-done
}

func TestDaemon_CommandClientsSeeTransitions(t *testing.T) {
	cfg := testConfig(t, "daemon_watch")
	cfg.CommandAddr = "127.0.0.1:0"
	clk := clock.NewFake(time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC))
	d, _, cancel, done := startDaemon(t, cfg, clk, fakeReceiver())
	defer cancel()

	eventually(t, "continuous", func() bool { return d.modes.Current().Mode == models.ModeContinuous })
	eventually(t, "command server", func() bool { return d.commands.Load() != nil })

	conn, err := net.Dial("tcp", d.commands.Load().Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	r := bufio.NewReader(conn)
	readLine := func() string {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return strings.TrimRight(line, "\r\n")
	}
	readLine()
	if _, err := conn.Write([]byte("watch\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readLine(); got != "OK watch on" {
		t.Fatalf("watch reply %q", got)
	}

	// a transition requested elsewhere reaches the watching client
	if _, err := d.modes.RequestTransition(context.Background(), service.TransitionRequest{
		Mode: models.ModeAutoOverview, FocusCode: 59, Source: models.SourceAPI,
	}); err != nil {
		t.Fatalf("overview: %v", err)
	}
	if got := readLine(); got != "STATE mode 8 AUTO_OVERVIEW focus 59 source api" {
		t.Fatalf("notification %q", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
