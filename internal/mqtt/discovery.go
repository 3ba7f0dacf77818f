package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/entity"
)

// Topics derives every topic the publisher uses from the two prefixes
type Topics struct {
	Discovery string
	Base      string
}

// BridgeAvailability is the retained online/offline topic for the bridge itself
func (t Topics) BridgeAvailability() string {
	return t.Base + "/bridge/availability"
}

func (t Topics) Config(kind entity.Kind, id string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.Discovery, kind, objectID(id))
}

func (t Topics) State(id string) string {
	return fmt.Sprintf("%s/%s/state", t.Base, objectID(id))
}

func (t Topics) Availability(id string) string {
	return fmt.Sprintf("%s/%s/availability", t.Base, objectID(id))
}

func (t Topics) Command(id string, field climate.Field) string {
	return fmt.Sprintf("%s/%s/set/%s", t.Base, objectID(id), field)
}

// CommandFilter matches every command topic
func (t Topics) CommandFilter() string {
	return t.Base + "/+/set/+"
}

// ParseCommand splits a command topic into object ID and command kind
func (t Topics) ParseCommand(topic string) (id, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Base+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "set" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

// objectID makes an entity ID safe for use as a topic level
func objectID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type availability struct {
	Topic string `json:"topic"`
}

// DiscoveryConfig is a Home Assistant MQTT discovery payload for a climate
// or sensor entity. Unused fields are omitted
type DiscoveryConfig struct {
	Name             string          `json:"name"`
	UniqueID         string          `json:"unique_id"`
	Device           discoveryDevice `json:"device"`
	Availability     []availability  `json:"availability"`
	AvailabilityMode string          `json:"availability_mode"`

	// Sensor
	StateTopic        string `json:"state_topic,omitempty"`
	ValueTemplate     string `json:"value_template,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	StateClass        string `json:"state_class,omitempty"`

	// Climate
	Modes                      []string `json:"modes,omitempty"`
	FanModes                   []string `json:"fan_modes,omitempty"`
	SwingModes                 []string `json:"swing_modes,omitempty"`
	MinTemp                    float64  `json:"min_temp,omitempty"`
	MaxTemp                    float64  `json:"max_temp,omitempty"`
	TempStep                   float64  `json:"temp_step,omitempty"`
	TemperatureUnit            string   `json:"temperature_unit,omitempty"`
	ModeStateTopic             string   `json:"mode_state_topic,omitempty"`
	ModeStateTemplate          string   `json:"mode_state_template,omitempty"`
	ModeCommandTopic           string   `json:"mode_command_topic,omitempty"`
	TemperatureStateTopic      string   `json:"temperature_state_topic,omitempty"`
	TemperatureStateTemplate   string   `json:"temperature_state_template,omitempty"`
	TemperatureCommandTopic    string   `json:"temperature_command_topic,omitempty"`
	CurrentTemperatureTopic    string   `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTemplate string   `json:"current_temperature_template,omitempty"`
	CurrentHumidityTopic       string   `json:"current_humidity_topic,omitempty"`
	CurrentHumidityTemplate    string   `json:"current_humidity_template,omitempty"`
	FanModeStateTopic          string   `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTemplate       string   `json:"fan_mode_state_template,omitempty"`
	FanModeCommandTopic        string   `json:"fan_mode_command_topic,omitempty"`
	SwingModeStateTopic        string   `json:"swing_mode_state_topic,omitempty"`
	SwingModeStateTemplate     string   `json:"swing_mode_state_template,omitempty"`
	SwingModeCommandTopic      string   `json:"swing_mode_command_topic,omitempty"`
}

// BuildDiscovery returns the discovery payload for an entity
func (t Topics) BuildDiscovery(id, name string, caps entity.Capabilities) DiscoveryConfig {
	dc := DiscoveryConfig{
		Name:     name,
		UniqueID: "remo_" + objectID(id),
		Device: discoveryDevice{
			Identifiers:  []string{caps.Device.Identifier},
			Name:         caps.Device.Name,
			Manufacturer: caps.Device.Manufacturer,
			Model:        caps.Device.Model,
			SWVersion:    caps.Device.SWVersion,
		},
		Availability: []availability{
			{Topic: t.BridgeAvailability()},
			{Topic: t.Availability(id)},
		},
		AvailabilityMode: "all",
	}
	state := t.State(id)

	if caps.Kind == entity.KindSensor {
		dc.StateTopic = state
		dc.ValueTemplate = "{{ value_json.value }}"
		dc.DeviceClass = caps.DeviceClass
		dc.UnitOfMeasurement = caps.Unit
		dc.StateClass = "measurement"
		return dc
	}

	for _, m := range caps.HVACModes {
		if mode, err := climate.ParseMode(m); err == nil {
			dc.Modes = append(dc.Modes, mode.HostMode())
		}
	}
	dc.FanModes = caps.FanModes
	dc.SwingModes = caps.SwingModes
	dc.MinTemp, dc.MaxTemp, dc.TempStep = caps.MinTemp, caps.MaxTemp, caps.TempStep
	dc.TemperatureUnit = "C"

	dc.ModeStateTopic = state
	dc.ModeStateTemplate = "{{ value_json.mode }}"
	dc.ModeCommandTopic = t.Command(id, climate.FieldMode)
	dc.TemperatureStateTopic = state
	dc.TemperatureStateTemplate = "{{ value_json.target_temperature }}"
	dc.TemperatureCommandTopic = t.Command(id, climate.FieldTemperature)
	dc.CurrentTemperatureTopic = state
	dc.CurrentTemperatureTemplate = "{{ value_json.current_temperature }}"
	dc.CurrentHumidityTopic = state
	dc.CurrentHumidityTemplate = "{{ value_json.current_humidity }}"
	if len(caps.FanModes) > 0 {
		dc.FanModeStateTopic = state
		dc.FanModeStateTemplate = "{{ value_json.fan_mode }}"
		dc.FanModeCommandTopic = t.Command(id, climate.FieldFan)
	}
	if len(caps.SwingModes) > 0 {
		dc.SwingModeStateTopic = state
		dc.SwingModeStateTemplate = "{{ value_json.swing_mode }}"
		dc.SwingModeCommandTopic = t.Command(id, climate.FieldSwing)
	}
	return dc
}

type statePayload struct {
	Mode               string   `json:"mode,omitempty"`
	TargetTemperature  *float64 `json:"target_temperature,omitempty"`
	FanMode            string   `json:"fan_mode,omitempty"`
	SwingMode          string   `json:"swing_mode,omitempty"`
	CurrentTemperature *float64 `json:"current_temperature,omitempty"`
	CurrentHumidity    *float64 `json:"current_humidity,omitempty"`
	Pending            bool     `json:"pending,omitempty"`
	Value              *float64 `json:"value,omitempty"`
	Unit               string   `json:"unit,omitempty"`
}

// BuildState renders a published state with Home Assistant mode names
func BuildState(st entity.State) ([]byte, error) {
	p := statePayload{Value: st.Value, Unit: st.Unit, Pending: st.Pending}
	if c := st.Climate; c != nil {
		p.Mode = c.Mode.HostMode()
		p.TargetTemperature = c.TargetTemperature
		p.FanMode = c.FanSpeed
		p.SwingMode = c.Swing
		p.CurrentTemperature = c.RoomTemperature
		p.CurrentHumidity = c.Humidity
	}
	return json.Marshal(p)
}

func availabilityPayload(available bool) string {
	if available {
		return "online"
	}
	return "offline"
}
