package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/stephens/remo-bridge/internal/config"
	"github.com/stephens/remo-bridge/internal/entity"
	"github.com/stephens/remo-bridge/internal/log"
)

const (
	publishTimeout = 5 * time.Second
	commandTimeout = 20 * time.Second
)

// EntitySource looks up entities for discovery
type EntitySource interface {
	Get(id string) (entity.Entity, bool)
	List() []entity.Entity
}

// CommandRouter delivers commands received on command topics
type CommandRouter interface {
	OnUserCommand(ctx context.Context, entityID, kind, value string) error
}

// client is the part of the paho client the publisher uses
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

// Publisher mirrors entities to an MQTT broker using Home Assistant discovery
type Publisher struct {
	cfg    config.MQTTConfig
	topics Topics
	source EntitySource
	router CommandRouter
	logger *log.Logger

	mu         sync.Mutex
	client     client
	discovered map[string][]byte
	ids        map[string]string
}

// New creates a publisher; call Connect to start it
func New(cfg config.MQTTConfig, source EntitySource, router CommandRouter) *Publisher {
	return &Publisher{
		cfg:        cfg,
		topics:     Topics{Discovery: cfg.DiscoveryPrefix, Base: cfg.TopicPrefix},
		source:     source,
		router:     router,
		logger:     log.Component("mqtt"),
		discovered: make(map[string][]byte),
		ids:        make(map[string]string),
	}
}

// Connect dials the broker. Discovery and states are republished on every
// (re)connect
func (p *Publisher) Connect() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetUsername(p.cfg.Username)
	opts.SetPassword(p.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	// commands block until the cloud answers
	opts.SetOrderMatters(false)
	opts.SetWill(p.topics.BridgeAvailability(), availabilityPayload(false), 1, true)
	opts.OnConnect = func(_ paho.Client) {
		p.onConnect()
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		p.logger.Warn("Connection to broker lost: %v", err)
	}

	c := paho.NewClient(opts)
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()

	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	p.logger.Info("Connected to %s", p.cfg.Broker)
	return nil
}

func (p *Publisher) onConnect() {
	c := p.getClient()
	if c == nil {
		return
	}
	p.publish(c, p.topics.BridgeAvailability(), true, []byte(availabilityPayload(true)))

	if token := c.Subscribe(p.topics.CommandFilter(), 1, p.handleMessage); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		p.logger.Error("Subscribe to %s failed: %v", p.topics.CommandFilter(), token.Error())
	}

	p.mu.Lock()
	p.discovered = make(map[string][]byte)
	p.mu.Unlock()
	for _, e := range p.source.List() {
		p.PublishState(e.PublishedState())
	}
}

// PublishState publishes an entity's state, sending its discovery config
// first when it is new or its capabilities changed
func (p *Publisher) PublishState(st entity.State) {
	c := p.getClient()
	if c == nil {
		return
	}

	if e, ok := p.source.Get(st.EntityID); ok {
		p.publishDiscovery(c, e)
	}

	payload, err := BuildState(st)
	if err != nil {
		p.logger.Error("Encode state for %s: %v", st.EntityID, err)
		return
	}
	p.publish(c, p.topics.State(st.EntityID), true, payload)
	p.publish(c, p.topics.Availability(st.EntityID), true, []byte(availabilityPayload(st.Available)))
}

func (p *Publisher) publishDiscovery(c client, e entity.Entity) {
	id := e.ID()
	payload, err := json.Marshal(p.topics.BuildDiscovery(id, e.Name(), e.Capabilities()))
	if err != nil {
		p.logger.Error("Encode discovery for %s: %v", id, err)
		return
	}

	p.mu.Lock()
	unchanged := bytes.Equal(p.discovered[id], payload)
	if !unchanged {
		p.discovered[id] = payload
		p.ids[objectID(id)] = id
	}
	p.mu.Unlock()

	if !unchanged {
		p.logger.Debug("Publishing discovery for %s", id)
		p.publish(c, p.topics.Config(e.Kind(), id), true, payload)
	}
}

// Remove clears the retained discovery config and state of a removed entity
func (p *Publisher) Remove(entityID string) {
	c := p.getClient()
	if c == nil {
		return
	}

	p.mu.Lock()
	delete(p.discovered, entityID)
	delete(p.ids, objectID(entityID))
	p.mu.Unlock()

	for _, kind := range []entity.Kind{entity.KindClimate, entity.KindSensor} {
		p.publish(c, p.topics.Config(kind, entityID), true, []byte{})
	}
	p.publish(c, p.topics.State(entityID), true, []byte{})
}

// Close marks the bridge offline and disconnects
func (p *Publisher) Close() {
	c := p.getClient()
	if c == nil {
		return
	}
	p.publish(c, p.topics.BridgeAvailability(), true, []byte(availabilityPayload(false)))
	c.Disconnect(250)
}

func (p *Publisher) handleMessage(_ paho.Client, msg paho.Message) {
	object, kind, ok := p.topics.ParseCommand(msg.Topic())
	if !ok {
		p.logger.Debug("Ignoring message on %s", msg.Topic())
		return
	}

	p.mu.Lock()
	id, known := p.ids[object]
	p.mu.Unlock()
	if !known {
		id = object
	}

	value := string(msg.Payload())
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := p.router.OnUserCommand(ctx, id, kind, value); err != nil {
		p.logger.Warn("Command %s=%q for %s failed: %v", kind, value, id, err)
		return
	}
	p.logger.Debug("Command %s=%q for %s accepted", kind, value, id)
}

func (p *Publisher) publish(c client, topic string, retained bool, payload []byte) {
	token := c.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn("Publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Debug("Publish to %s failed: %v", topic, err)
	}
}

func (p *Publisher) getClient() client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}
