package calibration

import (
	"context"

	"callisto_daemon/internal/models"
)

// Capability is either a present plugin or the absence of a unit.
type Capability struct {
	plugin *Plugin
}

// Present wraps an attached unit.
func Present(p *Plugin) Capability { return Capability{plugin: p} }

// Absent describes a daemon without a calibration unit.
func Absent() Capability { return Capability{} }

// Present reports whether a unit is attached.
func (c Capability) Present() bool { return c.plugin != nil }

// Get returns the plugin or ErrAbsent.
func (c Capability) Get() (*Plugin, error) {
	if c.plugin == nil {
		return nil, ErrAbsent
	}
	return c.plugin, nil
}

// Health reports the unit's health, nil when absent.
func (c Capability) Health() *models.Health {
	if c.plugin == nil {
		return nil
	}
	h := c.plugin.Health()
	return &h
}

// State reports the unit's last confirmed state, nil when absent.
func (c Capability) State() *models.CalibrationState {
	if c.plugin == nil {
		return nil
	}
	s := c.plugin.State()
	return &s
}

// stabilityReads is how many temperature reads back a stability check.
const stabilityReads = 3

// Engage moves the relay to the input selected by focus code. For a
// temperature load it then checks the load is stable; an unstable or
// unreadable load is logged and does not fail the switch. It fails
// immediately with ErrAbsent when no unit is attached.
func (c Capability) Engage(ctx context.Context, focus int) error {
	p, err := c.Get()
	if err != nil {
		return err
	}
	pos := models.RelayForFocus(focus)
	if err := p.SwitchTo(ctx, pos); err != nil {
		return err
	}
	switch pos {
	case models.RelayTcold, models.RelayTwarm, models.RelayThot:
	default:
		return nil
	}
	stable, mean, err := p.TemperatureStable(ctx, stabilityReads)
	switch {
	case err != nil:
		p.log.Warnw("calibration_temperature_unreadable", "relay", pos, "err", err)
	case !stable:
		st := p.State()
		p.log.Warnw("calibration_temperature_unstable", "relay", pos, "mean_c", mean, "nominal_c", st.NominalC, "tolerance_c", st.ToleranceC)
	}
	return nil
}

// Disengage returns the relay to the sky input.
func (c Capability) Disengage(ctx context.Context) error {
	p, err := c.Get()
	if err != nil {
		return err
	}
	return p.SwitchTo(ctx, models.RelayTsky)
}
