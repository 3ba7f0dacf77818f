package climate

// Translator validates host commands against a device and shapes them
// into cloud operations
type Translator struct {
	memory *Memory
}

// NewTranslator creates a translator backed by memory
func NewTranslator(memory *Memory) *Translator {
	return &Translator{memory: memory}
}

// TranslateSetMode switches mode together with the remembered or default
// temperature for that mode. Off becomes the power-off button
func (t *Translator) TranslateSetMode(d *Device, mode Mode) (Operation, error) {
	if !d.Supports(mode) {
		return Operation{}, &UnsupportedModeError{DeviceID: d.ID, Mode: mode}
	}
	if mode == ModeOff {
		return Operation{PowerOff: true}, nil
	}

	op := Operation{Mode: mode}
	temp, ok, err := t.memory.TemperatureFor(d, mode)
	if err != nil {
		return Operation{}, err
	}
	if ok {
		op.Temperature = &temp
	}
	return op, nil
}

// TranslateSetTemperature rounds temp to the mode's step and records it
// in memory
func (t *Translator) TranslateSetTemperature(d *Device, mode Mode, temp float64) (Operation, error) {
	r, err := d.Range(mode)
	if err != nil {
		return Operation{}, err
	}
	if !r.HasTemperature {
		return Operation{}, &OutOfRangeError{DeviceID: d.ID, Mode: mode, Value: temp, NoSteps: true}
	}
	if !r.InRange(temp) {
		return Operation{}, &OutOfRangeError{DeviceID: d.ID, Mode: mode, Value: temp, Min: r.Min, Max: r.Max}
	}

	rounded := r.snap(temp)
	if err := t.memory.RecordObserved(d, mode, rounded); err != nil {
		return Operation{}, err
	}
	return Operation{Temperature: &rounded}, nil
}

// TranslateSetFan passes fan through if the mode advertises it
func (t *Translator) TranslateSetFan(d *Device, mode Mode, fan string) (Operation, error) {
	r, err := d.Range(mode)
	if err != nil {
		return Operation{}, err
	}
	if !r.SupportsFan(fan) {
		return Operation{}, &UnsupportedValueError{DeviceID: d.ID, Mode: mode, Field: FieldFan, Value: fan}
	}
	return Operation{Fan: fan}, nil
}

// TranslateSetSwing passes swing through if the mode advertises it
func (t *Translator) TranslateSetSwing(d *Device, mode Mode, swing string) (Operation, error) {
	r, err := d.Range(mode)
	if err != nil {
		return Operation{}, err
	}
	if !r.SupportsSwing(swing) {
		return Operation{}, &UnsupportedValueError{DeviceID: d.ID, Mode: mode, Field: FieldSwing, Value: swing}
	}
	return Operation{Swing: swing}, nil
}
