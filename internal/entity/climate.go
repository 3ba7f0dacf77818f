package entity

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/log"
	"github.com/stephens/remo-bridge/internal/remo"
)

// ClimateEntity is one air conditioner appliance. It owns the mode
// temperature memory and the reconciler for that appliance
type ClimateEntity struct {
	id     string
	cmd    Commander
	logger *log.Logger

	memory     *climate.Memory
	reconciler *climate.Reconciler
	translator *climate.Translator
	defaults   climate.Defaults

	// serializes user commands
	cmdMu sync.Mutex

	mu        sync.RWMutex
	name      string
	device    *climate.Device
	info      DeviceInfo
	available bool

	publish func(State)
	refresh func()
}

func newClimateEntity(a remo.Appliance, cmd Commander, opts Options, publish func(State), refresh func()) (*ClimateEntity, error) {
	device, err := climate.NewDevice(a, opts.Defaults)
	if err != nil {
		return nil, err
	}

	memory := climate.NewMemory()
	return &ClimateEntity{
		id:         a.ID,
		cmd:        cmd,
		logger:     log.Component("climate").WithField("entity", a.ID),
		memory:     memory,
		reconciler: climate.NewReconciler(opts.PendingTimeout, opts.Now),
		translator: climate.NewTranslator(memory),
		defaults:   opts.Defaults,
		name:       "Nature Remo " + a.Nickname,
		device:     device,
		info:       deviceInfo(a.Device),
		publish:    publish,
		refresh:    refresh,
	}, nil
}

func (e *ClimateEntity) ID() string { return e.id }

func (e *ClimateEntity) Kind() Kind { return KindClimate }

func (e *ClimateEntity) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

func (e *ClimateEntity) Available() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.available
}

// Device returns the current capability model
func (e *ClimateEntity) Device() *climate.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.device
}

// Memory returns the remembered temperature per mode
func (e *ClimateEntity) Memory() map[climate.Mode]float64 {
	return e.memory.Snapshot()
}

// Capabilities lists modes and the fan, swing and temperature limits of
// the mode currently published
func (e *ClimateEntity) Capabilities() Capabilities {
	e.mu.RLock()
	device, info := e.device, e.info
	e.mu.RUnlock()

	caps := Capabilities{
		Kind:   KindClimate,
		Unit:   "°C",
		Device: info,
		Modes:  device.Modes,
	}
	for _, m := range device.SupportedModes() {
		caps.HVACModes = append(caps.HVACModes, string(m))
	}

	mode := climate.ModeOff
	if s, ok := e.reconciler.Current(); ok {
		mode = s.Mode
	}
	if r, ok := device.Modes[mode]; ok {
		caps.FanModes = r.FanSpeeds
		caps.SwingModes = r.SwingPositions
		if r.HasTemperature {
			caps.MinTemp, caps.MaxTemp, caps.TempStep = r.Min, r.Max, r.Step
		}
	}
	return caps
}

// PublishedState is the reconciled state
func (e *ClimateEntity) PublishedState() State {
	e.mu.RLock()
	st := State{EntityID: e.id, Name: e.name, Kind: KindClimate, Available: e.available}
	e.mu.RUnlock()

	if s, ok := e.reconciler.Current(); ok {
		st.Climate = &s
		st.UpdatedAt = s.UpdatedAt
	}
	_, st.Pending = e.reconciler.Pending()
	return st
}

// update merges a polled snapshot and remembers the temperature of the
// mode it reports
func (e *ClimateEntity) update(a remo.Appliance, dev *remo.Device) {
	device, err := climate.NewDevice(a, e.defaults)

	e.mu.Lock()
	if err == nil {
		e.device = device
	} else {
		device = e.device
		e.logger.Warn("Keeping previous capabilities: %v", err)
	}
	e.name = "Nature Remo " + a.Nickname
	e.info = deviceInfo(a.Device)
	e.available = true
	e.mu.Unlock()

	snapshot := climate.StateFromCloud(a, dev)
	merged, result := e.reconciler.Merge(snapshot)
	if result != climate.MergeNoPending {
		e.logger.Debug("Merged snapshot: %s", result)
	}

	if merged.Mode != climate.ModeOff && merged.TargetTemperature != nil {
		if err := e.memory.RecordObserved(device, merged.Mode, *merged.TargetTemperature); err != nil {
			e.logger.Debug("Not remembering temperature: %v", err)
		}
	}

	e.publish(e.PublishedState())
}

func (e *ClimateEntity) markUnavailable() {
	e.mu.Lock()
	changed := e.available
	e.available = false
	e.mu.Unlock()

	if changed {
		e.publish(e.PublishedState())
	}
}

// OnUserCommand validates a host command, shows it optimistically and
// sends it to the cloud. A rejected command is dropped at once; other send
// failures are left to the pending timeout
func (e *ClimateEntity) OnUserCommand(ctx context.Context, kind, value string) error {
	field, ok := climate.ParseField(kind)
	if !ok {
		return &UnknownCommandError{Kind: kind}
	}

	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	if !e.Available() {
		return ErrUnavailable
	}

	device := e.Device()
	mode := climate.ModeOff
	if s, ok := e.reconciler.Current(); ok {
		mode = s.Mode
	}

	op, err := e.translate(device, mode, field, value)
	if err != nil {
		return err
	}

	e.reconciler.Issue(field, op)
	e.publish(e.PublishedState())
	e.logger.Info("Sending %s=%s", field, value)

	if _, err := e.cmd.UpdateAirConSettings(ctx, e.id, op.Params()); err != nil {
		var rejected *remo.RejectedByDeviceError
		if errors.As(err, &rejected) {
			e.reconciler.Reject()
			e.publish(e.PublishedState())
		}
		return err
	}

	if e.refresh != nil {
		e.refresh()
	}
	return nil
}

func (e *ClimateEntity) translate(device *climate.Device, mode climate.Mode, field climate.Field, value string) (climate.Operation, error) {
	switch field {
	case climate.FieldMode:
		m, err := climate.ParseMode(value)
		if err != nil {
			return climate.Operation{}, &InvalidValueError{Kind: string(field), Value: value, Err: err}
		}
		return e.translator.TranslateSetMode(device, m)
	case climate.FieldTemperature:
		t, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return climate.Operation{}, &InvalidValueError{Kind: string(field), Value: value, Err: err}
		}
		return e.translator.TranslateSetTemperature(device, mode, t)
	case climate.FieldFan:
		return e.translator.TranslateSetFan(device, mode, value)
	default:
		return e.translator.TranslateSetSwing(device, mode, value)
	}
}

