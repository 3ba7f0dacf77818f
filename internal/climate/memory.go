package climate

import "sync"

// Memory remembers the last target temperature per mode for one device,
// so switching modes and back restores what was chosen before
type Memory struct {
	mu    sync.Mutex
	temps map[Mode]float64
}

// NewMemory creates an empty memory
func NewMemory() *Memory {
	return &Memory{temps: make(map[Mode]float64)}
}

// RecordObserved stores t for mode, replacing any previous value
func (m *Memory) RecordObserved(d *Device, mode Mode, t float64) error {
	if !d.Supports(mode) {
		return &UnsupportedModeError{DeviceID: d.ID, Mode: mode}
	}

	m.mu.Lock()
	m.temps[mode] = t
	m.mu.Unlock()
	return nil
}

// TemperatureFor returns the remembered temperature for mode, snapped to the
// step grid, while it is within the current range; otherwise the mode's
// default. ok is false when the mode takes no temperature
func (m *Memory) TemperatureFor(d *Device, mode Mode) (float64, bool, error) {
	r, err := d.Range(mode)
	if err != nil {
		return 0, false, err
	}
	if !r.HasTemperature {
		return 0, false, nil
	}

	m.mu.Lock()
	t, ok := m.temps[mode]
	m.mu.Unlock()

	if ok && r.InRange(t) {
		return r.snap(t), true, nil
	}
	return r.Default, true, nil
}

// Snapshot returns a copy of the remembered values
func (m *Memory) Snapshot() map[Mode]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Mode]float64, len(m.temps))
	for k, v := range m.temps {
		out[k] = v
	}
	return out
}
