package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"callisto_daemon/internal/acquisition"
	"callisto_daemon/internal/buffer"
	"callisto_daemon/internal/calibration"
	"callisto_daemon/internal/clock"
	"callisto_daemon/internal/command"
	"callisto_daemon/internal/config"
	"callisto_daemon/internal/handlers"
	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/publisher"
	"callisto_daemon/internal/receiver"
	"callisto_daemon/internal/repository"
	"callisto_daemon/internal/repository/db"
	"callisto_daemon/internal/scheduler"
	"callisto_daemon/internal/serial"
	"callisto_daemon/internal/server"
	"callisto_daemon/internal/service"
	"callisto_daemon/internal/sink"
)

// ErrTerminated is returned by Run after an accepted Terminating transition.
var ErrTerminated = errors.New("terminated by mode 7")

const shutdownTimeout = 10 * time.Second

// Options carry test seams. Zero values select the production behaviour.
type Options struct {
	Clock  clock.Clock
	Opener serial.Opener
	// ManualTicks leaves the shared ticker stopped; the caller drives it
	// through Tick.
	ManualTicks bool
	// Sinks are added next to the configured output and the publisher.
	Sinks []buffer.Sink
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg  *config.Config
	opts Options
	log  *logger.Logger

	db       *sql.DB
	repos    *repository.Repository
	events   *service.EventLogService
	bus      *serial.Bus
	rx       *serial.Transport
	receiver *receiver.Receiver
	calib    calibration.Capability

	ticker    *clock.Ticker
	source    *acquisition.Source
	output    *sink.FormatSwitch
	assembler *buffer.Assembler
	publisher *publisher.Publisher
	modes     *service.ModeService
	schedule  *scheduler.Scheduler
	services  *service.Service

	commands atomic.Pointer[command.Server]
	http     *server.Server

	terminated chan struct{}
	termOnce   sync.Once
}

// New opens the session database and the serial devices and wires the
// acquisition pipeline. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options, log *logger.Logger) (*Daemon, error) {
	log = logger.OrNop(log)
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Opener == nil {
		opts.Opener = serial.DeviceOpener(cfg.Serial.ReadTimeout)
	}
	d := &Daemon{cfg: cfg, opts: opts, log: log, terminated: make(chan struct{})}

	if err := d.openStore(); err != nil {
		return nil, err
	}
	if err := d.openDevices(ctx); err != nil {
		d.closeStore()
		return nil, err
	}
	if err := d.wire(); err != nil {
		_ = d.bus.CloseAll()
		d.closeStore()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) openStore() error {
	conn, err := db.InitDB(d.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init session db: %w", err)
	}
	d.db = conn
	d.repos = repository.NewRepository(conn)
	d.events = service.NewEventLogService(d.repos.EventRepo, d.log)
	return nil
}

func (d *Daemon) closeStore() {
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.log.Warnw("session_db_close_failed", "err", err)
		}
	}
}

func (d *Daemon) openDevices(ctx context.Context) error {
	cfg := d.cfg
	d.bus = serial.NewBus(d.opts.Opener, cfg.Serial.LockDir, serial.Options{
		ExchangeTimeout: cfg.Serial.ExchangeTimeout,
		Retries:         cfg.Serial.Retries,
		OnUnresponsive:  d.deviceUnresponsive,
	}, d.log.Named("serial"))

	rx, err := d.bus.Acquire(cfg.Serial.Port, cfg.Serial.Baud)
	if err != nil {
		return fmt.Errorf("open receiver: %w", err)
	}
	d.rx = rx
	d.receiver = receiver.New(rx, cfg.Receiver.PollCommand, cfg.Receiver.HandshakeTimeout, d.log)
	if err := d.receiver.Handshake(ctx); err != nil {
		// not fatal: polls resume once a probe gets an answer
		d.log.Warnw("receiver_handshake_failed", "device", cfg.Serial.Port, "err", err)
	}

	d.calib = calibration.Absent()
	if cfg.Calibration.Port == "" {
		return nil
	}
	tr, err := d.bus.Acquire(cfg.Calibration.Port, cfg.Calibration.Baud)
	if err != nil {
		d.log.Warnw("calibration_unit_unavailable", "device", cfg.Calibration.Port, "err", err)
		return nil
	}
	p := calibration.New(tr, calibration.Options{
		StabilizationTimeout: cfg.Calibration.StabilizationTimeout,
		NominalTemp:          cfg.Calibration.NominalTemp,
		Tolerance:            cfg.Calibration.Tolerance,
		AutoControl:          cfg.Calibration.AutoControl,
	}, d.log)
	if v, err := p.Version(ctx); err != nil {
		d.log.Warnw("calibration_version_failed", "device", cfg.Calibration.Port, "err", err)
	} else {
		d.log.Infow("calibration_unit_attached", "device", cfg.Calibration.Port, "version", v)
	}
	if cfg.Calibration.NominalTemp > 0 {
		if err := p.SetNominal(ctx, cfg.Calibration.NominalTemp); err != nil {
			d.log.Warnw("calibration_setpoint_failed", "err", err)
		}
	}
	if cfg.Calibration.Tolerance > 0 {
		if err := p.SetTolerance(ctx, cfg.Calibration.Tolerance); err != nil {
			d.log.Warnw("calibration_setpoint_failed", "err", err)
		}
	}
	if err := p.Prepare(ctx); err != nil {
		d.log.Warnw("calibration_prepare_failed", "device", cfg.Calibration.Port, "err", err)
	}
	d.calib = calibration.Present(p)
	return nil
}

func (d *Daemon) wire() error {
	cfg := d.cfg
	now := d.opts.Clock.Now()

	freq, err := config.LoadFrequencyTable(cfg.FrequencyFile)
	if err != nil {
		return err
	}
	entries, err := d.loadSchedule()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Output.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	d.output, err = sink.NewFormatSwitch(cfg.Output.Format,
		sink.NewParquetSink(cfg.Output.DataDir, cfg.Instrument, cfg.Observatory),
		sink.NewCSVSink(cfg.Output.DataDir, cfg.Instrument, cfg.Observatory),
		sink.NewArchiveSink(d.repos.Archive, cfg.Instrument, cfg.Observatory),
	)
	if err != nil {
		return err
	}
	sinks := append([]buffer.Sink{d.output}, d.opts.Sinks...)
	if cfg.Publisher.Enabled {
		d.publisher = publisher.New(cfg.Publisher.Topic, cfg.Instrument, cfg.Publisher.HWM, d.log)
		d.publisher.SetFrequencies(freq)
		sinks = append(sinks, d.publisher)
	}

	d.ticker = clock.NewTicker(cfg.Timing.TimerInterval, d.opts.Clock)
	d.assembler = buffer.NewAssembler(sinks, freq, buffer.Options{
		FileTime:       cfg.Timing.FileTime,
		OverviewPeriod: cfg.Timing.OverviewPeriod,
		DrainTimeout:   cfg.Timing.DrainTimeout,
		FlushTimeout:   cfg.Timing.FlushTimeout,
	}, now, d.log)

	d.source = acquisition.NewSource(d.receiver, cfg.Timing.SampleInterval, d.log)
	d.source.OnSample(func(s models.Sample) { d.assembler.Append(s) })
	d.source.OnGap(d.assembler.RecordGap)
	d.source.OnDrop(d.assembler.RecordDrop)
	if d.publisher != nil {
		d.source.OnSample(d.publisher.PublishSample)
	}

	d.schedule = scheduler.New(entries, modeTarget{d}, d.assembler, scheduler.Options{
		Preread:   cfg.Timing.Preread,
		LateAfter: 2 * cfg.Timing.TimerInterval,
	}, d.log)
	d.modes = service.NewModeService(service.ModeDeps{
		Source:       d.source,
		Buffers:      d.assembler,
		Calibration:  d.calib,
		Output:       d.output,
		Schedule:     d.schedule,
		LoadSchedule: d.loadSchedule,
		States:       d.repos.StateRepo,
		Events:       d.repos.EventRepo,
		Clock:        d.opts.Clock,
	}, service.ModeOptions{
		TerminateEnabled: cfg.TerminateEnabled,
		InitialFocus:     cfg.FocusCode,
	}, d.log)
	if d.publisher != nil {
		d.modes.OnChange(d.publisher.PublishState)
	}
	d.modes.OnChange(d.notifyCommands)
	d.modes.OnTerminate(func() { d.termOnce.Do(func() { close(d.terminated) }) })

	monitoring := service.NewMonitoringService(service.StatusDeps{
		Modes:       d.modes,
		Buffers:     d.assembler,
		Source:      d.source,
		Receiver:    d.receiver,
		Calibration: d.calib,
		Schedule:    d.schedule,
		Clock:       d.opts.Clock,
	})
	d.services = service.NewService(d.repos, d.modes, monitoring, service.AuthOptions{
		SigningKey: cfg.Auth.SigningKey,
		TokenTTL:   cfg.Auth.TokenTTL,
	}, d.log)
	if cfg.Auth.Operator != "" {
		if err := d.services.EnsureOperator(cfg.Auth.Operator, cfg.Auth.PasswordHash); err != nil {
			return fmt.Errorf("seed operator: %w", err)
		}
	}
	return nil
}

// loadSchedule reads the schedule file, warning about collapsed duplicates.
func (d *Daemon) loadSchedule() ([]models.ScheduleEntry, error) {
	entries, dups, err := config.LoadSchedule(d.cfg.ScheduleFile)
	if err != nil {
		return nil, err
	}
	for _, dup := range dups {
		d.log.Warnw("schedule_duplicate_time", "at", dup.At, "kept_line", dup.Kept, "dropped_lines", dup.Dropped)
	}
	d.log.Infow("schedule_loaded", "file", d.cfg.ScheduleFile, "entries", len(entries))
	return entries, nil
}

func (d *Daemon) deviceUnresponsive(device string) {
	d.events.Record(context.Background(), models.EventDeviceUnresponsive, device+" stopped answering", map[string]any{"device": device})
}

// modeTarget lets the scheduler exist before the mode service it drives.
type modeTarget struct{ d *Daemon }

func (t modeTarget) ScheduledTransition(ctx context.Context, e models.ScheduleEntry) error {
	return t.d.modes.ScheduledTransition(ctx, e)
}

// Service exposes the aggregated services, e.g. for the HTTP handler.
func (d *Daemon) Service() *service.Service { return d.services }

// Tick broadcasts one shared tick. Only meaningful with ManualTicks.
func (d *Daemon) Tick(now time.Time) { d.ticker.Broadcast(now) }

// Reload re-reads the schedule through the state machine queue.
func (d *Daemon) Reload(ctx context.Context) (int, error) {
	return d.modes.ReloadSchedule(ctx)
}

// Run starts every component and blocks until ctx is cancelled, a
// Terminating transition is accepted or the receiver's port fails. The
// open buffer is flushed on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() { d.modes.Run(runCtx) })
	if d.publisher != nil {
		d.publisher.Start(runCtx)
	}
	sourceTicks := d.ticker.Subscribe()
	bufferTicks := d.ticker.Subscribe()
	scheduleTicks := d.ticker.Subscribe()
	goRun(func() { d.source.Run(runCtx, sourceTicks) })
	goRun(func() { d.assembler.Run(runCtx, bufferTicks) })
	if !d.opts.ManualTicks {
		goRun(func() { d.ticker.Run(runCtx) })
	}

	if err := d.startup(runCtx); err != nil {
		cancel()
		wg.Wait()
		d.shutdown()
		return err
	}
	goRun(func() { d.schedule.Run(runCtx, scheduleTicks) })

	errCh := make(chan error, 2)
	if err := d.startSurfaces(runCtx, goRun, errCh); err != nil {
		cancel()
		wg.Wait()
		d.shutdown()
		return err
	}

	var result error
	select {
	case <-ctx.Done():
		d.log.Infow("daemon_stopping", "reason", "signal")
	case <-d.terminated:
		d.log.Infow("daemon_stopping", "reason", "terminating")
		result = ErrTerminated
	case <-d.rx.Failed():
		result = fmt.Errorf("receiver transport failed: %w", d.rx.Err())
		d.log.Errorw("daemon_stopping", "reason", "transport", "err", result)
	case err := <-errCh:
		result = err
		d.log.Errorw("daemon_stopping", "reason", "surface", "err", err)
	}

	// stop admitting triggers first
	d.schedule.Stop()
	if cs := d.commands.Load(); cs != nil {
		cs.Close()
	}
	if d.http != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.http.Shutdown(sctx); err != nil {
			d.log.Warnw("http_shutdown_failed", "err", err)
		}
		scancel()
	}

	cancel()
	wg.Wait()
	d.shutdown()
	return result
}

// startup applies the schedule catch-up, or the configured initial mode
// when the schedule is empty.
func (d *Daemon) startup(ctx context.Context) error {
	now := d.opts.Clock.Now()
	if prev, err := d.repos.StateRepo.Load(ctx); err == nil && !prev.UpdatedAt.IsZero() {
		d.log.Infow("previous_session_state", "mode", prev.Mode.String(), "focus", prev.FocusCode, "updated_at", prev.UpdatedAt)
	}
	entry, err := d.schedule.Start(ctx, now)
	if err != nil {
		d.log.Warnw("schedule_catch_up_failed", "err", err)
	}
	if entry != nil || d.cfg.InitialMode == models.ModeIdle {
		return nil
	}
	_, err = d.modes.RequestTransition(ctx, service.TransitionRequest{
		Mode: d.cfg.InitialMode, FocusCode: d.cfg.FocusCode, Source: models.SourceStartup,
	})
	if err != nil && !errors.Is(err, service.ErrNoChange) {
		d.log.Warnw("initial_mode_rejected", "mode", d.cfg.InitialMode.String(), "err", err)
	}
	return nil
}

// notifyCommands forwards accepted transitions to watching command clients
// once the command server is up.
func (d *Daemon) notifyCommands(ch models.StateChange) {
	if cs := d.commands.Load(); cs != nil {
		cs.Notify(ch)
	}
}

func (d *Daemon) startSurfaces(ctx context.Context, goRun func(func()), errCh chan<- error) error {
	if d.cfg.CommandAddr != "" {
		cs, err := command.Listen(d.cfg.CommandAddr, d.modes, d.services, command.Options{
			Instrument: d.cfg.Instrument,
			Clock:      d.opts.Clock,
		}, d.log)
		if err != nil {
			return err
		}
		d.commands.Store(cs)
		goRun(func() { cs.Serve(ctx) })
	}
	if d.cfg.HTTP.Port != "" {
		var live handlers.LiveFeed
		if d.publisher != nil {
			live = d.publisher
		}
		h := handlers.NewHandler(d.services, live, handlers.Options{AuthEnabled: d.cfg.HTTP.AuthEnabled}, d.log.Named("http"))
		d.http = &server.Server{}
		goRun(func() {
			if err := d.http.Run(d.cfg.HTTP.Port, h.InitRoutes()); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		})
	}
	return nil
}

// shutdown flushes the open buffer and releases devices and storage. The
// receiver transport finishes its in-flight exchange before closing.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.assembler.Close(ctx, d.opts.Clock.Now()); err != nil {
		d.log.Warnw("final_flush_incomplete", "err", err)
	}
	if d.publisher != nil {
		d.publisher.Close()
	}
	if err := d.bus.CloseAll(); err != nil {
		d.log.Warnw("serial_close_failed", "err", err)
	}
	d.closeStore()
	d.log.Infow("daemon_stopped", "stats", d.assembler.Stats())
}
