package calibration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/serial"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Unit command vocabulary.
const (
	CmdVersion     = "V?"
	CmdReset       = "RESET"
	CmdVoltage     = "U28"
	CmdTemperature = "tcu"
	CmdRelay       = "UR"
	CmdDebugOff    = "debug0"
	CmdDebugOn     = "debug1"
	CmdEchoOff     = "echo0"
	CmdEchoOn      = "echo1"
	CmdAutoOff     = "con0"
	CmdAutoOn      = "con1"
	CmdNominal     = "Tnom"
	CmdTolerance   = "Ttol"
)

var (
	// ErrProtocol marks an answer the unit should not have given.
	ErrProtocol = errors.New("calibration unit protocol error")
	// ErrAbsent is returned when no calibration unit is configured.
	ErrAbsent = errors.New("calibration unit absent")
)

const terminator = "\r"

// Exchanger is the part of serial.Transport the plugin needs.
type Exchanger interface {
	Send(ctx context.Context, req serial.Request) ([]byte, error)
	Health() models.Health
}

// Options configure the plugin.
type Options struct {
	StabilizationTimeout time.Duration
	NominalTemp          float64
	Tolerance            float64
	AutoControl          bool
}

// Plugin exposes the calibration unit's commands as typed operations.
// Relay commands are never issued concurrently.
type Plugin struct {
	ex            Exchanger
	stabilization time.Duration
	autoControl   bool
	log           *logger.Logger

	relayMu sync.Mutex // serializes relay switches

	mu    sync.RWMutex
	state models.CalibrationState
}

// New wraps a transport.
func New(ex Exchanger, opts Options, log *logger.Logger) *Plugin {
	if opts.StabilizationTimeout <= 0 {
		opts.StabilizationTimeout = 5 * time.Second
	}
	return &Plugin{
		ex:            ex,
		stabilization: opts.StabilizationTimeout,
		autoControl:   opts.AutoControl,
		log:           logger.OrNop(log).Named("calibration"),
		state: models.CalibrationState{
			Relay:      models.RelayTsky,
			Heater:     models.HeaterOff,
			NominalC:   opts.NominalTemp,
			ToleranceC: opts.Tolerance,
		},
	}
}

// exchange sends cmd and returns the first answer line, trimmed.
func (p *Plugin) exchange(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	resp, err := p.ex.Send(ctx, serial.Request{
		Payload:  []byte(cmd + terminator),
		Complete: lineComplete,
		Timeout:  timeout,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	line := firstLine(resp)
	if strings.HasPrefix(strings.ToUpper(line), "ERR") {
		return "", fmt.Errorf("%w: %s answered %q", ErrProtocol, cmd, line)
	}
	return line, nil
}

// command sends cmd and requires an acknowledgment: a line starting with OK
// or echoing the command.
func (p *Plugin) command(ctx context.Context, cmd string, timeout time.Duration) error {
	line, err := p.exchange(ctx, cmd, timeout)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "OK") && !strings.HasPrefix(line, cmd) {
		return fmt.Errorf("%w: %s not acknowledged, got %q", ErrProtocol, cmd, line)
	}
	return nil
}

// query sends cmd and parses the numeric value of its answer
// ("27.9", "U=27.9" and "tcu 25.31" are all accepted).
func (p *Plugin) query(ctx context.Context, cmd string) (float64, error) {
	line, err := p.exchange(ctx, cmd, 0)
	if err != nil {
		return 0, err
	}
	v, err := parseNumber(line)
	if err != nil {
		return 0, fmt.Errorf("%w: %s answered %q", ErrProtocol, cmd, line)
	}
	return v, nil
}

// Version returns the firmware identification string.
func (p *Plugin) Version(ctx context.Context) (string, error) {
	v, err := p.exchange(ctx, CmdVersion, 0)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.state.Version = v
	p.mu.Unlock()
	return v, nil
}

// Reset restarts the unit; its relay returns to sky and the heater turns off.
func (p *Plugin) Reset(ctx context.Context) error {
	if err := p.command(ctx, CmdReset, p.stabilization); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.Relay = models.RelayTsky
	p.state.Heater = models.HeaterOff
	p.state.AutoControl = false
	p.mu.Unlock()
	return nil
}

// ReadVoltage returns the supply voltage in volts.
func (p *Plugin) ReadVoltage(ctx context.Context) (float64, error) {
	v, err := p.query(ctx, CmdVoltage)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.state.SupplyV = v
	p.mu.Unlock()
	return v, nil
}

// ReadTemperature returns the load temperature in °C.
func (p *Plugin) ReadTemperature(ctx context.Context) (float64, error) {
	v, err := p.query(ctx, CmdTemperature)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.state.TemperatureC = v
	p.mu.Unlock()
	return v, nil
}

// ReadRelay asks the unit for its current relay position.
func (p *Plugin) ReadRelay(ctx context.Context) (models.RelayPosition, error) {
	line, err := p.exchange(ctx, CmdRelay, 0)
	if err != nil {
		return "", err
	}
	if i := strings.LastIndexAny(line, "= "); i >= 0 {
		line = line[i+1:]
	}
	pos, ok := models.ParseRelayPosition(strings.TrimSpace(line))
	if !ok {
		return "", fmt.Errorf("%w: UR answered %q", ErrProtocol, line)
	}
	p.mu.Lock()
	p.state.Relay = pos
	p.mu.Unlock()
	return pos, nil
}

// SetDebug toggles verbose firmware output.
func (p *Plugin) SetDebug(ctx context.Context, on bool) error {
	return p.command(ctx, pick(on, CmdDebugOn, CmdDebugOff), 0)
}

// SetEcho toggles command echo.
func (p *Plugin) SetEcho(ctx context.Context, on bool) error {
	return p.command(ctx, pick(on, CmdEchoOn, CmdEchoOff), 0)
}

// SwitchTo moves the relay and blocks until the unit confirms or the
// stabilization timeout elapses.
func (p *Plugin) SwitchTo(ctx context.Context, pos models.RelayPosition) error {
	if _, ok := models.ParseRelayPosition(string(pos)); !ok {
		return fmt.Errorf("unknown relay position %q", pos)
	}
	p.relayMu.Lock()
	defer p.relayMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.stabilization)
	defer cancel()

	start := time.Now()
	if err := p.command(ctx, string(pos), p.stabilization); err != nil {
		p.log.Warnw("calibration_switch_failed", "relay", pos, "err", err)
		return err
	}
	p.mu.Lock()
	p.state.Relay = pos
	p.mu.Unlock()
	p.log.Infow("calibration_relay_switched", "relay", pos, "took", time.Since(start))
	return nil
}

// SetHeater drives the heater.
func (p *Plugin) SetHeater(ctx context.Context, h models.HeaterState) error {
	switch h {
	case models.HeaterHeat, models.HeaterCool, models.HeaterOff:
	default:
		return fmt.Errorf("unknown heater state %q", h)
	}
	if err := p.command(ctx, string(h), 0); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.Heater = h
	p.mu.Unlock()
	return nil
}

// SetAutoControl toggles the unit's own temperature regulation.
func (p *Plugin) SetAutoControl(ctx context.Context, on bool) error {
	if err := p.command(ctx, pick(on, CmdAutoOn, CmdAutoOff), 0); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.AutoControl = on
	p.mu.Unlock()
	return nil
}

// SetNominal sets the regulation set-point in °C.
func (p *Plugin) SetNominal(ctx context.Context, c float64) error {
	if err := p.command(ctx, CmdNominal+formatFloat(c), 0); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.NominalC = c
	p.mu.Unlock()
	return nil
}

// SetTolerance sets the regulation band in °C.
func (p *Plugin) SetTolerance(ctx context.Context, c float64) error {
	if c < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %v", c)
	}
	if err := p.command(ctx, CmdTolerance+formatFloat(c), 0); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.ToleranceC = c
	p.mu.Unlock()
	return nil
}

// TemperatureStable reads the temperature n times and reports whether the
// mean lies within tolerance of the nominal set-point and the spread stays
// inside the tolerance band.
func (p *Plugin) TemperatureStable(ctx context.Context, n int) (bool, float64, error) {
	if n < 1 {
		n = 1
	}
	reads := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v, err := p.ReadTemperature(ctx)
		if err != nil {
			return false, 0, err
		}
		reads = append(reads, v)
	}
	mean := stat.Mean(reads, nil)
	spread := floats.Max(reads) - floats.Min(reads)

	p.mu.Lock()
	stable := abs(mean-p.state.NominalC) <= p.state.ToleranceC && spread <= p.state.ToleranceC
	p.state.Stable = stable
	p.mu.Unlock()
	return stable, mean, nil
}

// Prepare puts a freshly attached unit into a known state: echo and debug
// output off and regulation as configured. The relay position and supply
// voltage are read back into State. Every step is attempted.
func (p *Plugin) Prepare(ctx context.Context) error {
	var errs []error
	if err := p.SetEcho(ctx, false); err != nil {
		errs = append(errs, err)
	}
	if err := p.SetDebug(ctx, false); err != nil {
		errs = append(errs, err)
	}
	if err := p.SetAutoControl(ctx, p.autoControl); err != nil {
		errs = append(errs, err)
	} else if !p.autoControl {
		// nothing regulates the loads, keep them unpowered
		if err := p.SetHeater(ctx, models.HeaterOff); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := p.ReadRelay(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.ReadVoltage(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// State returns the last confirmed unit state.
func (p *Plugin) State() models.CalibrationState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Health reports the underlying device health.
func (p *Plugin) Health() models.Health { return p.ex.Health() }

func lineComplete(resp []byte) bool {
	return strings.ContainsAny(string(resp), "\r\n")
}

func firstLine(resp []byte) string {
	s := strings.TrimLeft(string(resp), "\r\n")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func parseNumber(line string) (float64, error) {
	if i := strings.LastIndexAny(line, "= :"); i >= 0 {
		line = line[i+1:]
	}
	return strconv.ParseFloat(strings.TrimSpace(strings.TrimRight(line, "CV")), 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func pick(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
