package entity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/log"
	"github.com/stephens/remo-bridge/internal/remo"
)

// Options configure the entities a registry creates
type Options struct {
	Defaults       climate.Defaults
	PendingTimeout time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

// Listener receives every published state
type Listener func(State)

// RemoveListener is told when an entity disappears from the cloud
type RemoveListener func(entityID string)

// CommandObserver is told about every routed command and its result
type CommandObserver func(entityID, kind, value string, err error)

type updatable interface {
	Entity
	markUnavailable()
}

// Registry owns all entities and keeps them in step with the cloud
type Registry struct {
	cmd    Commander
	opts   Options
	logger *log.Logger

	mu       sync.RWMutex
	entities map[string]updatable
	refresh  func()

	listenersMu     sync.RWMutex
	listeners       []Listener
	removeListeners []RemoveListener
	commandObs      []CommandObserver
}

// NewRegistry creates an empty registry sending commands through cmd
func NewRegistry(cmd Commander, opts Options) *Registry {
	if opts.Defaults == nil {
		opts.Defaults = climate.DefaultDefaults()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		cmd:      cmd,
		opts:     opts,
		logger:   log.Component("entity"),
		entities: make(map[string]updatable),
	}
}

// SetRefreshFunc sets what climate entities call after a successful command
func (r *Registry) SetRefreshFunc(fn func()) {
	r.mu.Lock()
	r.refresh = fn
	r.mu.Unlock()
}

// AddListener registers a listener for published states
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

// OnRemove registers a listener for removed entities
func (r *Registry) OnRemove(l RemoveListener) {
	r.listenersMu.Lock()
	r.removeListeners = append(r.removeListeners, l)
	r.listenersMu.Unlock()
}

// OnCommand registers an observer for routed commands
func (r *Registry) OnCommand(o CommandObserver) {
	r.listenersMu.Lock()
	r.commandObs = append(r.commandObs, o)
	r.listenersMu.Unlock()
}

func (r *Registry) notify(st State) {
	r.listenersMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(st)
	}
}

func (r *Registry) requestRefresh() {
	r.mu.RLock()
	fn := r.refresh
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Update applies a poll: entities are created for new appliances and
// devices, updated in place, and removed when gone from the cloud
func (r *Registry) Update(snap *remo.Snapshot) (added, removed []string) {
	at := snap.FetchedAt
	if at.IsZero() {
		at = r.opts.Now()
	}

	seen := make(map[string]bool)
	var updates []func()

	r.mu.Lock()
	for _, a := range sortedAppliances(snap.Appliances) {
		switch {
		case a.Type == remo.ApplianceTypeAirCon && a.AirCon != nil:
			e, ok := r.entities[a.ID].(*ClimateEntity)
			if !ok {
				created, err := newClimateEntity(a, r.cmd, r.opts, r.notify, r.requestRefresh)
				if err != nil {
					r.logger.Warn("Skipping appliance %s: %v", a.ID, err)
					continue
				}
				e = created
				r.entities[a.ID] = e
				added = append(added, a.ID)
			}
			seen[a.ID] = true

			var dev *remo.Device
			if d, ok := snap.Devices[a.Device.ID]; ok {
				dev = &d
			}
			appliance := a
			updates = append(updates, func() { e.update(appliance, dev) })

		case a.Type == remo.ApplianceTypeSmartMeter:
			s, isNew := r.sensorLocked(a.ID, SensorPower)
			if isNew {
				added = append(added, a.ID)
			}
			seen[a.ID] = true
			appliance := a
			updates = append(updates, func() { s.updateFromMeter(appliance, at) })
		}
	}

	for _, d := range sortedDevices(snap.Devices) {
		for _, kind := range deviceSensorKinds {
			if _, ok := d.Event(sensorSpecs[kind].eventKey); !ok {
				continue
			}
			id := sensorID(d.ID, kind)
			s, isNew := r.sensorLocked(id, kind)
			if isNew {
				added = append(added, id)
			}
			seen[id] = true
			device := d
			updates = append(updates, func() { s.updateFromDevice(device, at) })
		}
	}

	for id := range r.entities {
		if !seen[id] {
			delete(r.entities, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, fn := range updates {
		fn()
	}

	if len(removed) > 0 {
		sort.Strings(removed)
		r.listenersMu.RLock()
		ls := append([]RemoveListener(nil), r.removeListeners...)
		r.listenersMu.RUnlock()
		for _, id := range removed {
			r.logger.Info("Removed entity %s", id)
			for _, l := range ls {
				l(id)
			}
		}
	}
	if len(added) > 0 {
		r.logger.Info("Added %d entities", len(added))
	}
	return added, removed
}

// sensorLocked returns the sensor with id, creating it if needed; mu must be held
func (r *Registry) sensorLocked(id string, kind SensorKind) (*SensorEntity, bool) {
	if s, ok := r.entities[id].(*SensorEntity); ok {
		return s, false
	}
	s := newSensorEntity(id, kind, r.notify)
	r.entities[id] = s
	return s, true
}

// MarkUnavailable flags every entity unavailable; published values are kept
func (r *Registry) MarkUnavailable() {
	r.mu.RLock()
	entities := make([]updatable, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	r.mu.RUnlock()

	for _, e := range entities {
		e.markUnavailable()
	}
}

// Get returns the entity with id
func (r *Registry) Get(id string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// List returns all entities sorted by ID
func (r *Registry) List() []Entity {
	r.mu.RLock()
	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// States returns the published state of every entity
func (r *Registry) States() []State {
	entities := r.List()
	states := make([]State, 0, len(entities))
	for _, e := range entities {
		states = append(states, e.PublishedState())
	}
	return states
}

// OnUserCommand routes a host command to an entity
func (r *Registry) OnUserCommand(ctx context.Context, entityID, kind, value string) error {
	e, ok := r.Get(entityID)
	var err error
	if !ok {
		err = ErrNotFound
	} else {
		err = e.OnUserCommand(ctx, kind, value)
	}

	r.listenersMu.RLock()
	obs := append([]CommandObserver(nil), r.commandObs...)
	r.listenersMu.RUnlock()
	for _, o := range obs {
		o(entityID, kind, value, err)
	}
	return err
}

func sortedAppliances(m map[string]remo.Appliance) []remo.Appliance {
	out := make([]remo.Appliance, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedDevices(m map[string]remo.Device) []remo.Device {
	out := make([]remo.Device, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
