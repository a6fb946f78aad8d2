package models

import "time"

// Sample is one sweep of channel readings. Immutable once produced.
type Sample struct {
	Time       time.Time `json:"time"`
	Raw        []uint8   `json:"raw,omitempty"`
	Values     []float64 `json:"values"`
	FocusCode  int       `json:"focus_code"`
	Mode       Mode      `json:"mode"`
	Calibrated bool      `json:"calibrated"` // Values hold SFU instead of raw counts
}

// FrequencyTable maps channel index to centre frequency in MHz.
type FrequencyTable struct {
	Name string    `json:"name"`
	MHz  []float64 `json:"mhz"`
}

// Len returns the number of channels, 0 for a nil table.
func (t *FrequencyTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.MHz)
}

// Label returns the frequency of channel i, or the index itself when the
// table does not cover it.
func (t *FrequencyTable) Label(i int) float64 {
	if t != nil && i >= 0 && i < len(t.MHz) {
		return t.MHz[i]
	}
	return float64(i)
}
