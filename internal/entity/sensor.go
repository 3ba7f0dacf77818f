package entity

import (
	"context"
	"sync"
	"time"

	"github.com/stephens/remo-bridge/internal/remo"
)

// SensorKind is what a sensor entity measures
type SensorKind string

const (
	SensorPower       SensorKind = "power"
	SensorTemperature SensorKind = "temperature"
	SensorHumidity    SensorKind = "humidity"
	SensorIlluminance SensorKind = "illuminance"
)

type sensorSpec struct {
	eventKey string
	suffix   string
	unit     string
}

var sensorSpecs = map[SensorKind]sensorSpec{
	SensorPower:       {unit: "W"},
	SensorTemperature: {eventKey: remo.SensorTemperature, suffix: "Temperature", unit: "°C"},
	SensorHumidity:    {eventKey: remo.SensorHumidity, suffix: "Humidity", unit: "%"},
	SensorIlluminance: {eventKey: remo.SensorIlluminance, suffix: "Illuminance", unit: "lx"},
}

// deviceSensorKinds are created from a device's newest events
var deviceSensorKinds = []SensorKind{SensorTemperature, SensorHumidity, SensorIlluminance}

// SensorEntity is a read-only measurement: Remo E power or a Remo's
// temperature, humidity or illuminance
type SensorEntity struct {
	id      string
	kind    SensorKind
	publish func(State)

	mu        sync.RWMutex
	name      string
	info      DeviceInfo
	value     *float64
	available bool
	updatedAt time.Time
}

func newSensorEntity(id string, kind SensorKind, publish func(State)) *SensorEntity {
	return &SensorEntity{id: id, kind: kind, publish: publish}
}

// sensorID returns the unique ID of a device event sensor
func sensorID(deviceID string, kind SensorKind) string {
	return deviceID + "-" + sensorSpecs[kind].eventKey
}

func (s *SensorEntity) ID() string { return s.id }

func (s *SensorEntity) Kind() Kind { return KindSensor }

// SensorKind returns what the sensor measures
func (s *SensorEntity) SensorKind() SensorKind { return s.kind }

func (s *SensorEntity) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *SensorEntity) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

func (s *SensorEntity) Capabilities() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Capabilities{
		Kind:        KindSensor,
		DeviceClass: string(s.kind),
		Unit:        sensorSpecs[s.kind].unit,
		Device:      s.info,
	}
}

func (s *SensorEntity) PublishedState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		EntityID:  s.id,
		Name:      s.name,
		Kind:      KindSensor,
		Available: s.available,
		UpdatedAt: s.updatedAt,
		Unit:      sensorSpecs[s.kind].unit,
	}
	if s.value != nil {
		v := *s.value
		st.Value = &v
	}
	return st
}

// OnUserCommand always fails; sensors are read-only
func (s *SensorEntity) OnUserCommand(ctx context.Context, kind, value string) error {
	return ErrReadOnly
}

// updateFromMeter reads instantaneous power from a Remo E appliance
func (s *SensorEntity) updateFromMeter(a remo.Appliance, at time.Time) {
	value, ok := a.SmartMeter.InstantaneousPower()
	s.set("Nature Remo "+a.Nickname, deviceInfo(a.Device), value, ok, at)
}

// updateFromDevice reads the newest event of the sensor's kind
func (s *SensorEntity) updateFromDevice(d remo.Device, at time.Time) {
	spec := sensorSpecs[s.kind]
	ev, ok := d.Event(spec.eventKey)
	if ok && !ev.CreatedAt.IsZero() {
		at = ev.CreatedAt
	}
	s.set("Nature Remo "+d.Name+" "+spec.suffix, deviceInfo(d), ev.Value, ok, at)
}

func (s *SensorEntity) set(name string, info DeviceInfo, value float64, ok bool, at time.Time) {
	s.mu.Lock()
	s.name = name
	s.info = info
	s.available = true
	s.updatedAt = at
	if ok {
		s.value = &value
	}
	s.mu.Unlock()

	s.publish(s.PublishedState())
}

func (s *SensorEntity) markUnavailable() {
	s.mu.Lock()
	changed := s.available
	s.available = false
	s.mu.Unlock()

	if changed {
		s.publish(s.PublishedState())
	}
}
