package config

import (
	"fmt"
	"time"
)

const (
	// EntryVersion is the current config entry schema version
	EntryVersion = 2

	DefaultUpdateIntervalSeconds = 60
	DefaultCoolTemperature       = 28
	DefaultWarmTemperature       = 20
)

// UpdateIntervalOptions lists the poll intervals (seconds) a user may pick
var UpdateIntervalOptions = []int{10, 15, 30, 45, 60, 90, 120}

// EntrySource records how an entry was created
type EntrySource string

const (
	SourceUser   EntrySource = "user"
	SourceImport EntrySource = "import"
)

// EntryState tracks whether the entry could be set up
type EntryState string

const (
	EntryLoaded         EntryState = "loaded"
	EntryNotLoaded      EntryState = "not_loaded"
	EntrySetupError     EntryState = "setup_error"
	EntryMigrationError EntryState = "migration_error"
)

// Entry is the single stored configuration for the Nature Remo account.
// UI-driven setup and legacy import both produce one
type Entry struct {
	Version               int         `json:"version"`
	Source                EntrySource `json:"source"`
	State                 EntryState  `json:"state"`
	AccessToken           string      `json:"-"`
	UpdateIntervalSeconds int         `json:"update_interval_seconds"`
}

// NewEntry builds a current-version entry
func NewEntry(source EntrySource, token string, intervalSeconds int) Entry {
	return Entry{
		Version:               EntryVersion,
		Source:                source,
		State:                 EntryNotLoaded,
		AccessToken:           token,
		UpdateIntervalSeconds: intervalSeconds,
	}
}

// UpdateInterval returns the polling interval as a duration
func (e Entry) UpdateInterval() time.Duration {
	if e.UpdateIntervalSeconds <= 0 {
		return DefaultUpdateIntervalSeconds * time.Second
	}
	return time.Duration(e.UpdateIntervalSeconds) * time.Second
}

// Failed reports whether the entry is stuck in an error state and may be replaced
func (e Entry) Failed() bool {
	return e.State == EntrySetupError || e.State == EntryMigrationError
}

// ValidateInterval checks seconds against UpdateIntervalOptions
func ValidateInterval(seconds int) error {
	for _, opt := range UpdateIntervalOptions {
		if opt == seconds {
			return nil
		}
	}
	return fmt.Errorf("update interval %ds is not one of %v", seconds, UpdateIntervalOptions)
}

// MigrateEntry upgrades an entry to EntryVersion. The bool is false when no
// migration was needed
func MigrateEntry(e Entry) (Entry, bool, error) {
	switch e.Version {
	case EntryVersion:
		return e, false, nil
	case 0, 1:
		// v2 added the update interval
		e.UpdateIntervalSeconds = DefaultUpdateIntervalSeconds
		e.Version = EntryVersion
		e.State = EntryNotLoaded
		return e, true, nil
	default:
		e.State = EntryMigrationError
		return e, false, fmt.Errorf("unsupported config entry version %d", e.Version)
	}
}
