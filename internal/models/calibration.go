package models

// RelayPosition is the calibration unit's input selector.
type RelayPosition string

const (
	RelayTcold RelayPosition = "Tcold"
	RelayTsky  RelayPosition = "Tsky"
	RelayTwarm RelayPosition = "Twarm"
	RelayThot  RelayPosition = "Thot"
	RelayTestX RelayPosition = "TestX"
	RelayTestY RelayPosition = "TestY"
)

// HeaterState is the calibration unit's heater drive.
type HeaterState string

const (
	HeaterHeat HeaterState = "Pheat"
	HeaterCool HeaterState = "Pcool"
	HeaterOff  HeaterState = "Poff"
)

// CalibrationState mirrors what the unit last confirmed.
type CalibrationState struct {
	Relay       RelayPosition `json:"relay"`
	Heater      HeaterState   `json:"heater"`
	AutoControl bool          `json:"auto_control"`
	NominalC    float64       `json:"nominal_c"`
	ToleranceC  float64       `json:"tolerance_c"`
	Version     string        `json:"version,omitempty"`

	// Last readings; zero until the unit was queried.
	SupplyV      float64 `json:"supply_v,omitempty"`
	TemperatureC float64 `json:"temperature_c,omitempty"`
	Stable       bool    `json:"temperature_stable"`
}

// RelayForFocus maps a focus code to the relay position it selects:
// 01 Tcold, 02 Twarm, 03 Thot, 04 TestX, anything else is sky.
func RelayForFocus(focus int) RelayPosition {
	switch focus {
	case 1:
		return RelayTcold
	case 2:
		return RelayTwarm
	case 3:
		return RelayThot
	case 4:
		return RelayTestX
	}
	return RelayTsky
}

// ParseRelayPosition accepts the exact unit command names.
func ParseRelayPosition(s string) (RelayPosition, bool) {
	switch p := RelayPosition(s); p {
	case RelayTcold, RelayTsky, RelayTwarm, RelayThot, RelayTestX, RelayTestY:
		return p, true
	}
	return "", false
}
