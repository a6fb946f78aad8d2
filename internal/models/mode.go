package models

import "fmt"

// Mode is a measurement mode identified by its numeric protocol code.
type Mode int

const (
	ModeIdle             Mode = 0
	ModeCalibration      Mode = 2
	ModeContinuous       Mode = 3
	ModeSpectralOverview Mode = 4
	ModeTerminating      Mode = 7
	ModeAutoOverview     Mode = 8
)

// MaxModeCode is the highest code accepted on the command channel.
const MaxModeCode = 9

// ModeFromCode validates a numeric code. Reserved codes (1, 5, 6, 9) are
// returned as-is and report Spare() == true.
func ModeFromCode(code int) (Mode, error) {
	if code < 0 || code > MaxModeCode {
		return ModeIdle, fmt.Errorf("mode code %d out of range 0-%d", code, MaxModeCode)
	}
	return Mode(code), nil
}

// Code returns the protocol code.
func (m Mode) Code() int { return int(m) }

// Spare reports whether the code is reserved.
func (m Mode) Spare() bool {
	switch m {
	case ModeIdle, ModeCalibration, ModeContinuous, ModeSpectralOverview, ModeTerminating, ModeAutoOverview:
		return false
	}
	return true
}

// Acquiring reports whether the Sample Source polls the receiver in this mode.
func (m Mode) Acquiring() bool {
	switch m {
	case ModeCalibration, ModeContinuous, ModeSpectralOverview, ModeAutoOverview:
		return true
	}
	return false
}

// Overview reports whether buffers use the overview period instead of filetime.
func (m Mode) Overview() bool {
	return m == ModeSpectralOverview || m == ModeAutoOverview
}

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeCalibration:
		return "CALIBRATION"
	case ModeContinuous:
		return "CONTINUOUS"
	case ModeSpectralOverview:
		return "SPECTRAL_OVERVIEW"
	case ModeTerminating:
		return "TERMINATING"
	case ModeAutoOverview:
		return "AUTO_OVERVIEW"
	}
	return fmt.Sprintf("SPARE(%d)", int(m))
}

// Focus codes select a calibration relay position (1-4) or sky observation.
const (
	MinFocusCode = 0
	MaxFocusCode = 63
)

// ValidFocusCode reports whether fc is within 0-63.
func ValidFocusCode(fc int) bool {
	return fc >= MinFocusCode && fc <= MaxFocusCode
}
