package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/remo"
)

// Manufacturer is reported in device info for every entity
const Manufacturer = "Nature Remo"

// Kind is the host platform entity type
type Kind string

const (
	KindClimate Kind = "climate"
	KindSensor  Kind = "sensor"
)

var (
	// ErrNotFound is returned when routing a command to an unknown entity
	ErrNotFound = errors.New("entity not found")
	// ErrReadOnly is returned for commands sent to sensors
	ErrReadOnly = errors.New("entity does not accept commands")
	// ErrUnavailable is returned for commands while the cloud is unreachable
	ErrUnavailable = errors.New("entity unavailable")
)

// UnknownCommandError is returned for a command kind the entity does not handle
type UnknownCommandError struct {
	Kind string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Kind)
}

// InvalidValueError is returned when a command value cannot be parsed
type InvalidValueError struct {
	Kind  string
	Value string
	Err   error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid %s value %q: %v", e.Kind, e.Value, e.Err)
}

func (e *InvalidValueError) Unwrap() error {
	return e.Err
}

// DeviceInfo groups entities under the Remo device they come from
type DeviceInfo struct {
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`
}

func deviceInfo(d remo.Device) DeviceInfo {
	return DeviceInfo{
		Identifier:   d.ID,
		Name:         d.Name,
		Manufacturer: Manufacturer,
		Model:        d.SerialNumber,
		SWVersion:    d.FirmwareVersion,
	}
}

// Capabilities describe what an entity reports and accepts
type Capabilities struct {
	Kind        Kind       `json:"kind"`
	DeviceClass string     `json:"device_class,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Device      DeviceInfo `json:"device"`

	// Climate only
	HVACModes  []string                          `json:"hvac_modes,omitempty"`
	FanModes   []string                          `json:"fan_modes,omitempty"`
	SwingModes []string                          `json:"swing_modes,omitempty"`
	MinTemp    float64                           `json:"min_temp,omitempty"`
	MaxTemp    float64                           `json:"max_temp,omitempty"`
	TempStep   float64                           `json:"temp_step,omitempty"`
	Modes      map[climate.Mode]climate.ModeRange `json:"modes,omitempty"`
}

// State is what an entity publishes to the host
type State struct {
	EntityID  string    `json:"entity_id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`

	// Climate only
	Climate *climate.DeviceState `json:"climate,omitempty"`
	Pending bool                 `json:"pending,omitempty"`

	// Sensor only
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

// Entity is one thing exposed to the host platform
type Entity interface {
	ID() string
	Name() string
	Kind() Kind
	Capabilities() Capabilities
	PublishedState() State
	Available() bool
	OnUserCommand(ctx context.Context, kind, value string) error
}

// Commander sends air conditioner operations to the cloud
type Commander interface {
	UpdateAirConSettings(ctx context.Context, applianceID string, params remo.AirConParams) (*remo.AirConSettings, error)
}
