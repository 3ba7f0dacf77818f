package climate

import (
	"math"
	"strconv"
	"time"

	"github.com/stephens/remo-bridge/internal/remo"
)

// Field names the part of the state a command changes
type Field string

const (
	FieldMode        Field = "mode"
	FieldTemperature Field = "temperature"
	FieldFan         Field = "fan"
	FieldSwing       Field = "swing"
)

// ParseField converts a command kind to a Field
func ParseField(s string) (Field, bool) {
	switch Field(s) {
	case FieldMode, FieldTemperature, FieldFan, FieldSwing:
		return Field(s), true
	}
	return "", false
}

// DeviceState is the observed or published state of an air conditioner
type DeviceState struct {
	Mode              Mode      `json:"mode"`
	TargetTemperature *float64  `json:"target_temperature,omitempty"`
	FanSpeed          string    `json:"fan_speed,omitempty"`
	Swing             string    `json:"swing,omitempty"`
	RoomTemperature   *float64  `json:"room_temperature,omitempty"`
	Humidity          *float64  `json:"humidity,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StateFromCloud builds a snapshot from an appliance's settings and the
// sensor events of the Remo it is attached to
func StateFromCloud(a remo.Appliance, dev *remo.Device) DeviceState {
	var s DeviceState
	if a.Settings != nil {
		s.UpdatedAt = a.Settings.UpdatedAt
		s.FanSpeed = a.Settings.Vol
		s.Swing = a.Settings.Dir
		if mode, err := ParseMode(a.Settings.Mode); err == nil {
			s.Mode = mode
		}
		if t, ok := a.Settings.Temperature(); ok {
			s.TargetTemperature = &t
		}
		if a.Settings.PoweredOff() {
			s.Mode = ModeOff
			s.TargetTemperature = nil
		}
	}
	if s.Mode == "" {
		s.Mode = ModeOff
	}
	if dev != nil {
		if te, ok := dev.Event(remo.SensorTemperature); ok {
			v := te.Value
			s.RoomTemperature = &v
		}
		if hu, ok := dev.Event(remo.SensorHumidity); ok {
			v := hu.Value
			s.Humidity = &v
		}
	}
	return s
}

// Operation is a command in the cloud's vocabulary. Zero fields are not sent
type Operation struct {
	Mode        Mode     `json:"mode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Fan         string   `json:"fan,omitempty"`
	Swing       string   `json:"swing,omitempty"`
	PowerOff    bool     `json:"power_off,omitempty"`
}

// Params converts the operation to aircon_settings form fields
func (op Operation) Params() remo.AirConParams {
	var p remo.AirConParams
	if op.PowerOff {
		p.Button = remo.ButtonPowerOff
		return p
	}
	if op.Mode != "" {
		p.OperationMode = string(op.Mode)
		p.PowerOn = true
	}
	if op.Temperature != nil {
		p.Temperature = strconv.FormatFloat(*op.Temperature, 'f', -1, 64)
	}
	p.AirVolume = op.Fan
	p.AirDirection = op.Swing
	return p
}

// Matches reports whether every field the operation sets is reflected in s
func (op Operation) Matches(s DeviceState) bool {
	if op.PowerOff {
		return s.Mode == ModeOff
	}
	if op.Mode != "" && s.Mode != op.Mode {
		return false
	}
	if op.Temperature != nil {
		if s.TargetTemperature == nil || math.Abs(*s.TargetTemperature-*op.Temperature) > epsilon {
			return false
		}
	}
	if op.Fan != "" && s.FanSpeed != op.Fan {
		return false
	}
	if op.Swing != "" && s.Swing != op.Swing {
		return false
	}
	return true
}

// Apply overlays the operation's fields on s
func (op Operation) Apply(s DeviceState) DeviceState {
	if op.PowerOff {
		s.Mode = ModeOff
		s.TargetTemperature = nil
		return s
	}
	if op.Mode != "" {
		s.Mode = op.Mode
	}
	if op.Temperature != nil {
		t := *op.Temperature
		s.TargetTemperature = &t
	}
	if op.Fan != "" {
		s.FanSpeed = op.Fan
	}
	if op.Swing != "" {
		s.Swing = op.Swing
	}
	return s
}
