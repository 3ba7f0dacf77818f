package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/config"
	"github.com/stephens/remo-bridge/internal/entity"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu         sync.Mutex
	published  []published
	subscribed []string
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.published {
		out = append(out, p.topic)
	}
	return out
}

func (c *fakeClient) last(topic string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i].payload
		}
	}
	return nil
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeEntity struct {
	id    string
	kind  entity.Kind
	caps  entity.Capabilities
	state entity.State
}

func (e *fakeEntity) ID() string                        { return e.id }
func (e *fakeEntity) Name() string                      { return "Nature Remo " + e.id }
func (e *fakeEntity) Kind() entity.Kind                 { return e.kind }
func (e *fakeEntity) Capabilities() entity.Capabilities { return e.caps }
func (e *fakeEntity) PublishedState() entity.State      { return e.state }
func (e *fakeEntity) Available() bool                   { return e.state.Available }
func (e *fakeEntity) OnUserCommand(ctx context.Context, kind, value string) error {
	return nil
}

type fakeSource map[string]entity.Entity

func (s fakeSource) Get(id string) (entity.Entity, bool) {
	e, ok := s[id]
	return e, ok
}

func (s fakeSource) List() []entity.Entity {
	var out []entity.Entity
	for _, e := range s {
		out = append(out, e)
	}
	return out
}

type command struct{ id, kind, value string }

type fakeRouter struct {
	mu       sync.Mutex
	commands []command
}

func (r *fakeRouter) OnUserCommand(ctx context.Context, id, kind, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command{id, kind, value})
	return nil
}

var testTopics = Topics{Discovery: "homeassistant", Base: "remo"}

func climateCaps() entity.Capabilities {
	return entity.Capabilities{
		Kind:      entity.KindClimate,
		Device:    entity.DeviceInfo{Identifier: "dev-1", Name: "Living Remo", Manufacturer: entity.Manufacturer},
		HVACModes: []string{"off", "cool", "warm", "blow"},
		FanModes:  []string{"auto", "1", "2"},
		MinTemp:   16,
		MaxTemp:   30,
		TempStep:  0.5,
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "homeassistant/climate/ac-1/config", testTopics.Config(entity.KindClimate, "ac-1"))
	assert.Equal(t, "remo/ac-1/state", testTopics.State("ac-1"))
	assert.Equal(t, "remo/ac-1/set/temperature", testTopics.Command("ac-1", climate.FieldTemperature))
	assert.Equal(t, "remo/a_b/state", testTopics.State("a/b"))

	id, kind, ok := testTopics.ParseCommand("remo/ac-1/set/mode")
	require.True(t, ok)
	assert.Equal(t, "ac-1", id)
	assert.Equal(t, "mode", kind)

	for _, topic := range []string{"remo/ac-1/state", "other/ac-1/set/mode", "remo//set/mode", "remo/ac-1/set/mode/x"} {
		_, _, ok := testTopics.ParseCommand(topic)
		assert.False(t, ok, topic)
	}
}

func TestBuildDiscoveryClimate(t *testing.T) {
	dc := testTopics.BuildDiscovery("ac-1", "Living AC", climateCaps())

	assert.Equal(t, "remo_ac-1", dc.UniqueID)
	assert.Equal(t, []string{"off", "cool", "heat", "fan_only"}, dc.Modes)
	assert.Equal(t, "remo/ac-1/set/mode", dc.ModeCommandTopic)
	assert.Equal(t, "remo/ac-1/set/fan", dc.FanModeCommandTopic)
	assert.Empty(t, dc.SwingModeCommandTopic)
	assert.Equal(t, 0.5, dc.TempStep)
	assert.Equal(t, "all", dc.AvailabilityMode)
	assert.Equal(t, []string{"dev-1"}, dc.Device.Identifiers)
}

func TestBuildDiscoverySensor(t *testing.T) {
	caps := entity.Capabilities{Kind: entity.KindSensor, DeviceClass: "power", Unit: "W"}
	dc := testTopics.BuildDiscovery("meter-1", "Meter", caps)

	assert.Equal(t, "remo/meter-1/state", dc.StateTopic)
	assert.Equal(t, "W", dc.UnitOfMeasurement)
	assert.Equal(t, "measurement", dc.StateClass)
	assert.Empty(t, dc.Modes)
}

func TestBuildStateUsesHostModes(t *testing.T) {
	target := 22.0
	payload, err := BuildState(entity.State{
		EntityID: "ac-1", Kind: entity.KindClimate, Pending: true,
		Climate: &climate.DeviceState{Mode: climate.ModeWarm, TargetTemperature: &target, FanSpeed: "auto"},
	})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "heat", got["mode"])
	assert.Equal(t, 22.0, got["target_temperature"])
	assert.Equal(t, true, got["pending"])
}

func TestPublishStateSendsDiscoveryOnce(t *testing.T) {
	target := 24.0
	e := &fakeEntity{id: "ac-1", kind: entity.KindClimate, caps: climateCaps(), state: entity.State{
		EntityID: "ac-1", Kind: entity.KindClimate, Available: true,
		Climate: &climate.DeviceState{Mode: climate.ModeCool, TargetTemperature: &target},
	}}
	fc := &fakeClient{}
	p := New(config.MQTTConfig{DiscoveryPrefix: "homeassistant", TopicPrefix: "remo"}, fakeSource{"ac-1": e}, &fakeRouter{})
	p.client = fc

	p.PublishState(e.state)
	p.PublishState(e.state)

	assert.Equal(t, []string{
		"homeassistant/climate/ac-1/config", "remo/ac-1/state", "remo/ac-1/availability",
		"remo/ac-1/state", "remo/ac-1/availability",
	}, fc.topics())
	assert.Equal(t, "online", string(fc.last("remo/ac-1/availability")))

	// changed capabilities are republished
	e.caps.SwingModes = []string{"1", "swing"}
	e.state.Available = false
	p.PublishState(e.state)
	assert.Contains(t, string(fc.last("homeassistant/climate/ac-1/config")), "swing_mode_command_topic")
	assert.Equal(t, "offline", string(fc.last("remo/ac-1/availability")))
}

func TestRemoveClearsRetainedTopics(t *testing.T) {
	fc := &fakeClient{}
	p := New(config.MQTTConfig{DiscoveryPrefix: "homeassistant", TopicPrefix: "remo"}, fakeSource{}, &fakeRouter{})
	p.client = fc

	p.Remove("meter-1")
	assert.ElementsMatch(t, []string{
		"homeassistant/climate/meter-1/config", "homeassistant/sensor/meter-1/config", "remo/meter-1/state",
	}, fc.topics())
	assert.Empty(t, fc.last("remo/meter-1/state"))
}

func TestOnConnectSubscribesAndRepublishes(t *testing.T) {
	e := &fakeEntity{id: "meter-1", kind: entity.KindSensor,
		caps:  entity.Capabilities{Kind: entity.KindSensor, DeviceClass: "power", Unit: "W"},
		state: entity.State{EntityID: "meter-1", Kind: entity.KindSensor, Available: true}}
	fc := &fakeClient{}
	p := New(config.MQTTConfig{DiscoveryPrefix: "homeassistant", TopicPrefix: "remo"}, fakeSource{"meter-1": e}, &fakeRouter{})
	p.client = fc

	p.onConnect()
	assert.Equal(t, []string{"remo/+/set/+"}, fc.subscribed)
	assert.Equal(t, "online", string(fc.last("remo/bridge/availability")))
	assert.NotNil(t, fc.last("homeassistant/sensor/meter-1/config"))
}

func TestHandleMessageRoutesCommand(t *testing.T) {
	router := &fakeRouter{}
	p := New(config.MQTTConfig{DiscoveryPrefix: "homeassistant", TopicPrefix: "remo"}, fakeSource{}, router)

	p.handleMessage(nil, fakeMessage{topic: "remo/ac-1/set/temperature", payload: []byte("24.5")})
	p.handleMessage(nil, fakeMessage{topic: "remo/ac-1/state", payload: []byte("{}")})

	require.Len(t, router.commands, 1)
	assert.Equal(t, command{"ac-1", "temperature", "24.5"}, router.commands[0])
}
