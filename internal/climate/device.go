package climate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/stephens/remo-bridge/internal/remo"
)

const epsilon = 1e-6

// Defaults are the preferred temperatures per mode when nothing is remembered
type Defaults map[Mode]float64

// DefaultDefaults returns cool 28 and warm 20
func DefaultDefaults() Defaults {
	return Defaults{ModeCool: 28, ModeWarm: 20}
}

// ModeRange is what a device accepts in one mode
type ModeRange struct {
	Min            float64  `json:"min,omitempty"`
	Max            float64  `json:"max,omitempty"`
	Step           float64  `json:"step,omitempty"`
	Default        float64  `json:"default,omitempty"`
	HasTemperature bool     `json:"has_temperature"`
	FanSpeeds      []string `json:"fan_speeds,omitempty"`
	SwingPositions []string `json:"swing_positions,omitempty"`
}

// NewModeRange derives min, max and step from the advertised temperature
// list. Empty and non-numeric entries are ignored; no numeric entries
// means the mode takes no temperature
func NewModeRange(temps []string, fans, swings []string, preferred *float64) ModeRange {
	r := ModeRange{
		FanSpeeds:      nonEmpty(fans),
		SwingPositions: nonEmpty(swings),
	}

	var values []float64
	for _, s := range temps {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return r
	}
	sort.Float64s(values)

	r.HasTemperature = true
	r.Min = values[0]
	r.Max = values[len(values)-1]
	r.Step = 1
	smallest := math.Inf(1)
	for i := 1; i < len(values); i++ {
		if gap := values[i] - values[i-1]; gap > epsilon && gap < smallest {
			smallest = gap
		}
	}
	if !math.IsInf(smallest, 1) {
		r.Step = smallest
	}

	r.Default = r.snap((r.Min + r.Max) / 2)
	if preferred != nil && r.InRange(*preferred) {
		r.Default = r.snap(*preferred)
	}
	return r
}

// InRange reports whether t lies within [Min, Max]
func (r ModeRange) InRange(t float64) bool {
	return r.HasTemperature && t >= r.Min-epsilon && t <= r.Max+epsilon
}

// Contains reports whether t is in range and on the step grid
func (r ModeRange) Contains(t float64) bool {
	return r.InRange(t) && math.Abs(r.snap(t)-t) < epsilon
}

// snap rounds t to the nearest grid value min + k*step, clamped to the range
func (r ModeRange) snap(t float64) float64 {
	k := math.Round((t - r.Min) / r.Step)
	v := r.Min + k*r.Step
	if v > r.Max {
		v = r.Max
	}
	if v < r.Min {
		v = r.Min
	}
	return math.Round(v*1000) / 1000
}

// SupportsFan reports whether fan is an advertised fan speed
func (r ModeRange) SupportsFan(fan string) bool {
	return contains(r.FanSpeeds, fan)
}

// SupportsSwing reports whether swing is an advertised swing position
func (r ModeRange) SupportsSwing(swing string) bool {
	return contains(r.SwingPositions, swing)
}

// Device is the capability model of one air conditioner
type Device struct {
	ID     string
	Name   string
	Modes  map[Mode]ModeRange
	Unit   string
	Remote string
}

// NewDevice builds a device from a cloud appliance. Off is always supported
// through the power-off button
func NewDevice(a remo.Appliance, defaults Defaults) (*Device, error) {
	if a.Type != remo.ApplianceTypeAirCon || a.AirCon == nil {
		return nil, fmt.Errorf("appliance %s is not an air conditioner", a.ID)
	}

	d := &Device{
		ID:    a.ID,
		Name:  a.Nickname,
		Modes: map[Mode]ModeRange{ModeOff: {}},
		Unit:  a.AirCon.TempUnit,
	}
	if a.Model != nil {
		d.Remote = a.Model.Name
	}

	for name, spec := range a.AirCon.Range.Modes {
		mode, err := ParseMode(name)
		if err != nil || mode == ModeOff {
			continue
		}
		var preferred *float64
		if v, ok := defaults[mode]; ok {
			preferred = &v
		}
		d.Modes[mode] = NewModeRange(spec.Temp, spec.Vol, spec.Dir, preferred)
	}
	return d, nil
}

// Supports reports whether the device advertises mode
func (d *Device) Supports(mode Mode) bool {
	_, ok := d.Modes[mode]
	return ok
}

// Range returns the range for mode or an UnsupportedModeError
func (d *Device) Range(mode Mode) (ModeRange, error) {
	r, ok := d.Modes[mode]
	if !ok {
		return ModeRange{}, &UnsupportedModeError{DeviceID: d.ID, Mode: mode}
	}
	return r, nil
}

// SupportedModes lists the device's modes in a stable order
func (d *Device) SupportedModes() []Mode {
	modes := make([]Mode, 0, len(d.Modes))
	for _, m := range modeOrder {
		if d.Supports(m) {
			modes = append(modes, m)
		}
	}
	return modes
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
