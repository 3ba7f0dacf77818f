package climate

import "fmt"

// UnsupportedModeError is returned for a mode the device does not advertise
type UnsupportedModeError struct {
	DeviceID string
	Mode     Mode
}

func (e *UnsupportedModeError) Error() string {
	return fmt.Sprintf("device %s does not support mode %q", e.DeviceID, e.Mode)
}

// UnsupportedValueError is returned for a fan speed or swing position
// the device does not advertise in the given mode
type UnsupportedValueError struct {
	DeviceID string
	Mode     Mode
	Field    Field
	Value    string
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("device %s does not support %s %q in mode %s", e.DeviceID, e.Field, e.Value, e.Mode)
}

// OutOfRangeError is returned for a temperature outside the mode's range,
// or for any temperature in a mode that takes none
type OutOfRangeError struct {
	DeviceID string
	Mode     Mode
	Value    float64
	Min      float64
	Max      float64
	NoSteps  bool
}

func (e *OutOfRangeError) Error() string {
	if e.NoSteps {
		return fmt.Sprintf("device %s accepts no temperature in mode %s", e.DeviceID, e.Mode)
	}
	return fmt.Sprintf("temperature %g out of range [%g, %g] for device %s mode %s", e.Value, e.Min, e.Max, e.DeviceID, e.Mode)
}
