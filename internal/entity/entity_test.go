package entity

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/remo"
)

type fakeCommander struct {
	mu    sync.Mutex
	calls []remo.AirConParams
	err   error
}

func (f *fakeCommander) UpdateAirConSettings(ctx context.Context, id string, p remo.AirConParams) (*remo.AirConSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return nil, f.err
	}
	return &remo.AirConSettings{}, nil
}

func (f *fakeCommander) last() remo.AirConParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) listen(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) lastFor(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.states) - 1; i >= 0; i-- {
		if r.states[i].EntityID == id {
			return r.states[i], true
		}
	}
	return State{}, false
}

func acAppliance(mode, temp string) remo.Appliance {
	return remo.Appliance{
		ID:       "ac-1",
		Type:     remo.ApplianceTypeAirCon,
		Nickname: "Living AC",
		Device:   remo.Device{ID: "dev-1", Name: "Living Remo", SerialNumber: "1W3200", FirmwareVersion: "Remo/1.0.62"},
		Settings: &remo.AirConSettings{Temp: temp, Mode: mode, Vol: "auto", Dir: "auto"},
		AirCon: &remo.AirCon{Range: remo.AirConRange{Modes: map[string]remo.AirConModeRange{
			"cool": {Temp: []string{"18", "19", "20", "21", "22", "23", "24", "25", "26", "27", "28", "29", "30"}, Vol: []string{"auto", "1"}, Dir: []string{"auto"}},
			"warm": {Temp: []string{"16", "18", "20", "22", "24"}, Vol: []string{"auto"}, Dir: []string{"auto"}},
		}}},
	}
}

func snapshot(appliances ...remo.Appliance) *remo.Snapshot {
	snap := &remo.Snapshot{
		Appliances: map[string]remo.Appliance{},
		Devices: map[string]remo.Device{
			"dev-1": {ID: "dev-1", Name: "Living Remo", NewestEvents: map[string]remo.SensorValue{
				remo.SensorTemperature: {Value: 26.5},
				remo.SensorHumidity:    {Value: 40},
			}},
		},
		FetchedAt: time.Unix(2000, 0),
	}
	for _, a := range appliances {
		snap.Appliances[a.ID] = a
	}
	return snap
}

func meterAppliance(watts string) remo.Appliance {
	return remo.Appliance{
		ID:       "meter-1",
		Type:     remo.ApplianceTypeSmartMeter,
		Nickname: "Smart Meter",
		Device:   remo.Device{ID: "dev-2", Name: "Remo E"},
		SmartMeter: &remo.SmartMeter{EchonetLiteProperties: []remo.EchonetLiteProperty{
			{EPC: remo.EPCInstantaneousPower, Value: watts},
		}},
	}
}

func newTestRegistry(cmd Commander, now func() time.Time) (*Registry, *recorder) {
	reg := NewRegistry(cmd, Options{PendingTimeout: 30 * time.Second, Now: now})
	rec := &recorder{}
	reg.AddListener(rec.listen)
	return reg, rec
}

func TestUpdateCreatesEntities(t *testing.T) {
	reg, rec := newTestRegistry(&fakeCommander{}, nil)

	added, removed := reg.Update(snapshot(acAppliance("cool", "26"), meterAppliance("512")))
	assert.ElementsMatch(t, []string{"ac-1", "meter-1", "dev-1-te", "dev-1-hu"}, added)
	assert.Empty(t, removed)
	assert.Len(t, reg.List(), 4)

	power, ok := rec.lastFor("meter-1")
	require.True(t, ok)
	assert.Equal(t, 512.0, *power.Value)
	assert.Equal(t, "W", power.Unit)

	te, ok := rec.lastFor("dev-1-te")
	require.True(t, ok)
	assert.Equal(t, "Nature Remo Living Remo Temperature", te.Name)
	assert.Equal(t, 26.5, *te.Value)

	ac, ok := reg.Get("ac-1")
	require.True(t, ok)
	caps := ac.Capabilities()
	assert.Equal(t, []string{"off", "cool", "warm"}, caps.HVACModes)
	assert.Equal(t, 18.0, caps.MinTemp)
	assert.Equal(t, Manufacturer, caps.Device.Manufacturer)
	assert.Equal(t, "1W3200", caps.Device.Model)

	st := ac.PublishedState()
	assert.True(t, st.Available)
	assert.Equal(t, climate.ModeCool, st.Climate.Mode)
	assert.Equal(t, 26.5, *st.Climate.RoomTemperature)
}

func TestUpdateRemovesMissingEntities(t *testing.T) {
	reg, _ := newTestRegistry(&fakeCommander{}, nil)
	var gone []string
	reg.OnRemove(func(id string) { gone = append(gone, id) })

	reg.Update(snapshot(acAppliance("cool", "26"), meterAppliance("1")))
	_, removed := reg.Update(snapshot(acAppliance("cool", "26")))

	assert.Equal(t, []string{"meter-1"}, removed)
	assert.Equal(t, []string{"meter-1"}, gone)
	_, ok := reg.Get("meter-1")
	assert.False(t, ok)
}

func TestCommandShowsOptimisticStateUntilConfirmed(t *testing.T) {
	cmd := &fakeCommander{}
	reg, rec := newTestRegistry(cmd, nil)
	refreshed := 0
	reg.SetRefreshFunc(func() { refreshed++ })

	reg.Update(snapshot(acAppliance("cool", "26")))
	require.NoError(t, reg.OnUserCommand(context.Background(), "ac-1", "temperature", "24"))

	assert.Equal(t, "24", cmd.last().Temperature)
	assert.Equal(t, 1, refreshed)

	st, _ := rec.lastFor("ac-1")
	assert.True(t, st.Pending)
	assert.Equal(t, 24.0, *st.Climate.TargetTemperature)

	reg.Update(snapshot(acAppliance("cool", "26")))
	st, _ = rec.lastFor("ac-1")
	assert.True(t, st.Pending)
	assert.Equal(t, 24.0, *st.Climate.TargetTemperature)

	reg.Update(snapshot(acAppliance("cool", "24")))
	st, _ = rec.lastFor("ac-1")
	assert.False(t, st.Pending)
	assert.Equal(t, 24.0, *st.Climate.TargetTemperature)
}

func TestModeSwitchThroughEntity(t *testing.T) {
	cmd := &fakeCommander{}
	reg, _ := newTestRegistry(cmd, nil)
	ctx := context.Background()

	reg.Update(snapshot(acAppliance("cool", "24")))

	require.NoError(t, reg.OnUserCommand(ctx, "ac-1", "mode", "heat"))
	assert.Equal(t, "warm", cmd.last().OperationMode)
	assert.Equal(t, "20", cmd.last().Temperature)
	reg.Update(snapshot(acAppliance("warm", "20")))

	require.NoError(t, reg.OnUserCommand(ctx, "ac-1", "temperature", "22"))
	reg.Update(snapshot(acAppliance("warm", "22")))

	require.NoError(t, reg.OnUserCommand(ctx, "ac-1", "mode", "cool"))
	assert.Equal(t, "cool", cmd.last().OperationMode)
	assert.Equal(t, "24", cmd.last().Temperature)

	ac, _ := reg.Get("ac-1")
	st := ac.PublishedState()
	assert.Equal(t, climate.ModeCool, st.Climate.Mode)
	assert.Equal(t, 24.0, *st.Climate.TargetTemperature)
}

func TestRejectedCommandClearsPending(t *testing.T) {
	cmd := &fakeCommander{err: &remo.RejectedByDeviceError{ApplianceID: "ac-1", Status: 400}}
	reg, _ := newTestRegistry(cmd, nil)
	var observed error
	reg.OnCommand(func(id, kind, value string, err error) { observed = err })

	reg.Update(snapshot(acAppliance("cool", "26")))
	err := reg.OnUserCommand(context.Background(), "ac-1", "temperature", "22")

	var rejected *remo.RejectedByDeviceError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, err, observed)

	ac, _ := reg.Get("ac-1")
	st := ac.PublishedState()
	assert.False(t, st.Pending)
	assert.Equal(t, 26.0, *st.Climate.TargetTemperature)
}

func TestNetworkFailureKeepsPendingUntilTimeout(t *testing.T) {
	now := time.Unix(5000, 0)
	clock := func() time.Time { return now }
	cmd := &fakeCommander{err: &remo.NetworkError{Op: "update", Status: 502}}
	reg, _ := newTestRegistry(cmd, clock)

	reg.Update(snapshot(acAppliance("cool", "26")))
	require.Error(t, reg.OnUserCommand(context.Background(), "ac-1", "temperature", "22"))

	ac, _ := reg.Get("ac-1")
	assert.True(t, ac.PublishedState().Pending)
	assert.Equal(t, 22.0, *ac.PublishedState().Climate.TargetTemperature)

	now = now.Add(31 * time.Second)
	reg.Update(snapshot(acAppliance("cool", "26")))
	st := ac.PublishedState()
	assert.False(t, st.Pending)
	assert.Equal(t, 26.0, *st.Climate.TargetTemperature)
}

func TestValidationErrorsAreNotSent(t *testing.T) {
	cmd := &fakeCommander{}
	reg, _ := newTestRegistry(cmd, nil)
	ctx := context.Background()
	reg.Update(snapshot(acAppliance("cool", "26"), meterAppliance("1")))

	var rangeErr *climate.OutOfRangeError
	assert.True(t, errors.As(reg.OnUserCommand(ctx, "ac-1", "temperature", "35"), &rangeErr))

	var modeErr *climate.UnsupportedModeError
	assert.True(t, errors.As(reg.OnUserCommand(ctx, "ac-1", "mode", "dry"), &modeErr))

	var valueErr *climate.UnsupportedValueError
	assert.True(t, errors.As(reg.OnUserCommand(ctx, "ac-1", "fan", "5"), &valueErr))

	var invalid *InvalidValueError
	assert.True(t, errors.As(reg.OnUserCommand(ctx, "ac-1", "temperature", "warm"), &invalid))

	var unknown *UnknownCommandError
	assert.True(t, errors.As(reg.OnUserCommand(ctx, "ac-1", "preset", "eco"), &unknown))

	assert.ErrorIs(t, reg.OnUserCommand(ctx, "meter-1", "mode", "cool"), ErrReadOnly)
	assert.ErrorIs(t, reg.OnUserCommand(ctx, "nope", "mode", "cool"), ErrNotFound)

	assert.Empty(t, cmd.calls)
}

func TestMarkUnavailableKeepsLastKnownGood(t *testing.T) {
	cmd := &fakeCommander{}
	reg, rec := newTestRegistry(cmd, nil)
	reg.Update(snapshot(acAppliance("cool", "26"), meterAppliance("300")))

	reg.MarkUnavailable()

	ac, _ := reg.Get("ac-1")
	st := ac.PublishedState()
	assert.False(t, st.Available)
	assert.Equal(t, 26.0, *st.Climate.TargetTemperature)

	power, _ := rec.lastFor("meter-1")
	assert.False(t, power.Available)
	assert.Equal(t, 300.0, *power.Value)

	assert.ErrorIs(t, reg.OnUserCommand(context.Background(), "ac-1", "temperature", "24"), ErrUnavailable)

	reg.Update(snapshot(acAppliance("cool", "26"), meterAppliance("300")))
	assert.True(t, ac.Available())
}

func TestConcurrentUpdateAndCommands(t *testing.T) {
	cmd := &fakeCommander{}
	reg, rec := newTestRegistry(cmd, nil)
	var refreshed atomic.Int32
	reg.SetRefreshFunc(func() { refreshed.Add(1) })
	reg.Update(snapshot(acAppliance("cool", "26")))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		temp := strconv.Itoa(18 + i%13)
		go func() {
			defer wg.Done()
			reg.Update(snapshot(acAppliance("cool", temp)))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.OnUserCommand(context.Background(), "ac-1", "temperature", temp))
		}()
	}
	wg.Wait()

	cmd.mu.Lock()
	calls := len(cmd.calls)
	cmd.mu.Unlock()
	assert.Equal(t, 100, calls)
	assert.Equal(t, int32(100), refreshed.Load())

	st, ok := rec.lastFor("ac-1")
	require.True(t, ok)
	require.NotNil(t, st.Climate.TargetTemperature)
	assert.GreaterOrEqual(t, *st.Climate.TargetTemperature, 18.0)
	assert.LessOrEqual(t, *st.Climate.TargetTemperature, 30.0)
}
