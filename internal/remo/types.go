package remo

import (
	"strconv"
	"time"
)

// Appliance types reported by the cloud
const (
	ApplianceTypeAirCon     = "AC"
	ApplianceTypeSmartMeter = "EL_SMART_METER"
	ApplianceTypeTV         = "TV"
	ApplianceTypeLight      = "LIGHT"
	ApplianceTypeIR         = "IR"
)

// ButtonPowerOff is the aircon_settings button value for "off"
const ButtonPowerOff = "power-off"

// EPCInstantaneousPower is the ECHONET Lite property code for instantaneous power (W)
const EPCInstantaneousPower = 231

// Newest event sensor keys
const (
	SensorTemperature = "te"
	SensorHumidity    = "hu"
	SensorIlluminance = "il"
	SensorMovement    = "mo"
)

// Device is a Nature Remo hub (Remo, Remo mini, Remo E)
type Device struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	TemperatureOffset float64                `json:"temperature_offset"`
	HumidityOffset    float64                `json:"humidity_offset"`
	FirmwareVersion   string                 `json:"firmware_version"`
	MacAddress        string                 `json:"mac_address"`
	SerialNumber      string                 `json:"serial_number"`
	NewestEvents      map[string]SensorValue `json:"newest_events,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// SensorValue is a single newest event reading
type SensorValue struct {
	Value     float64   `json:"val"`
	CreatedAt time.Time `json:"created_at"`
}

// Event returns the newest reading for key, if the device reports it
func (d Device) Event(key string) (SensorValue, bool) {
	v, ok := d.NewestEvents[key]
	return v, ok
}

// Appliance is something controlled through a Remo hub
type Appliance struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Nickname   string          `json:"nickname"`
	Image      string          `json:"image"`
	Device     Device          `json:"device"`
	Model      *ApplianceModel `json:"model,omitempty"`
	Settings   *AirConSettings `json:"settings,omitempty"`
	AirCon     *AirCon         `json:"aircon,omitempty"`
	SmartMeter *SmartMeter     `json:"smart_meter,omitempty"`
}

// ApplianceModel describes the IR model of an appliance
type ApplianceModel struct {
	ID           string `json:"id"`
	Manufacturer string `json:"manufacturer"`
	RemoteName   string `json:"remote_name"`
	Name         string `json:"name"`
	Image        string `json:"image"`
}

// AirConSettings is the last state the cloud sent to an air conditioner.
// Temp is a string because some models use non-numeric values
type AirConSettings struct {
	Temp      string    `json:"temp"`
	TempUnit  string    `json:"temp_unit"`
	Mode      string    `json:"mode"`
	Vol       string    `json:"vol"`
	Dir       string    `json:"dir"`
	DirH      string    `json:"dir_h"`
	Button    string    `json:"button"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Temperature parses Temp; ok is false when it is empty or not a number
func (s AirConSettings) Temperature() (float64, bool) {
	if s.Temp == "" {
		return 0, false
	}
	t, err := strconv.ParseFloat(s.Temp, 64)
	if err != nil {
		return 0, false
	}
	return t, true
}

// PoweredOff reports whether the last button sent was power-off
func (s AirConSettings) PoweredOff() bool {
	return s.Button == ButtonPowerOff
}

// AirCon is the capability description of an air conditioner
type AirCon struct {
	Range    AirConRange `json:"range"`
	TempUnit string      `json:"tempUnit"`
}

// AirConRange lists what each mode accepts
type AirConRange struct {
	Modes        map[string]AirConModeRange `json:"modes"`
	FixedButtons []string                   `json:"fixedButtons"`
}

// AirConModeRange lists the values accepted in one operation mode
type AirConModeRange struct {
	Temp []string `json:"temp"`
	Dir  []string `json:"dir"`
	DirH []string `json:"dir_h"`
	Vol  []string `json:"vol"`
}

// SmartMeter holds the ECHONET Lite properties of a Remo E appliance
type SmartMeter struct {
	EchonetLiteProperties []EchonetLiteProperty `json:"echonetlite_properties"`
}

// EchonetLiteProperty is a single ECHONET Lite property reading
type EchonetLiteProperty struct {
	Name      string    `json:"name"`
	EPC       int       `json:"epc"`
	Value     string    `json:"val"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstantaneousPower returns the measured instantaneous power in watts
func (m *SmartMeter) InstantaneousPower() (float64, bool) {
	if m == nil {
		return 0, false
	}
	for _, p := range m.EchonetLiteProperties {
		if p.EPC != EPCInstantaneousPower {
			continue
		}
		v, err := strconv.ParseFloat(p.Value, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// User is the account that owns the access token
type User struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// Snapshot is the cloud's view of all appliances and devices at one poll
type Snapshot struct {
	Appliances map[string]Appliance
	Devices    map[string]Device
	FetchedAt  time.Time
}

// AirConParams are the form fields of POST appliances/{id}/aircon_settings.
// Empty fields are not sent. PowerOn sends an explicit empty button
type AirConParams struct {
	OperationMode string
	Temperature   string
	AirVolume     string
	AirDirection  string
	Button        string
	PowerOn       bool
}

// RateLimit is the last observed X-Rate-Limit-* header set
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}
