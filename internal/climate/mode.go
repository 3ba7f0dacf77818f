package climate

import "fmt"

// Mode is an air conditioner operation mode
type Mode string

const (
	ModeOff  Mode = "off"
	ModeAuto Mode = "auto"
	ModeCool Mode = "cool"
	ModeDry  Mode = "dry"
	ModeWarm Mode = "warm"
	ModeBlow Mode = "blow"
)

// modeOrder is the order modes are listed in capabilities
var modeOrder = []Mode{ModeOff, ModeAuto, ModeCool, ModeDry, ModeWarm, ModeBlow}

// ParseMode converts a cloud or host mode name. "heat" and "fan_only"
// are accepted as aliases for warm and blow
func ParseMode(s string) (Mode, error) {
	switch s {
	case "off":
		return ModeOff, nil
	case "auto", "heat_cool":
		return ModeAuto, nil
	case "cool":
		return ModeCool, nil
	case "dry":
		return ModeDry, nil
	case "warm", "heat":
		return ModeWarm, nil
	case "blow", "fan_only":
		return ModeBlow, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// HostMode returns the Home Assistant hvac_mode name
func (m Mode) HostMode() string {
	switch m {
	case ModeAuto:
		return "heat_cool"
	case ModeWarm:
		return "heat"
	case ModeBlow:
		return "fan_only"
	default:
		return string(m)
	}
}

func (m Mode) String() string {
	return string(m)
}
