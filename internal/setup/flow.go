package setup

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/stephens/remo-bridge/internal/config"
	"github.com/stephens/remo-bridge/internal/log"
	"github.com/stephens/remo-bridge/internal/remo"
)

// Step IDs
const (
	StepUser        = "user"
	StepImport      = "import"
	StepReconfigure = "reconfigure"
)

// Error and abort reasons
const (
	ErrInvalidAuth       = "invalid_auth"
	ErrCannotConnect     = "cannot_connect"
	ErrUnknown           = "unknown"
	ErrInvalidInterval   = "invalid_interval"
	ErrMissingToken      = "missing_token"
	AbortConfigured      = "already_configured"
	AbortInvalidYAML     = "invalid_yaml_config"
	AbortNotFound        = "not_found"
	AbortReconfigureDone = "reconfigure_successful"
)

// TokenPortalURL is where users create access tokens
const TokenPortalURL = "https://home.nature.global"

// ResultType is the kind of step outcome
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Result is the outcome of a flow step
type Result struct {
	Type         ResultType        `json:"type"`
	StepID       string            `json:"step_id,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Errors       map[string]string `json:"errors,omitempty"`
	Placeholders map[string]string `json:"description_placeholders,omitempty"`
	Defaults     map[string]int    `json:"defaults,omitempty"`
	Entry        *config.Entry     `json:"entry,omitempty"`
	// RemoveLegacy asks the caller to flag the legacy file for removal
	RemoveLegacy bool `json:"remove_legacy,omitempty"`
}

// UserInput is what the user step and reconfigure step accept
type UserInput struct {
	AccessToken    string `json:"access_token"`
	UpdateInterval int    `json:"update_interval"`
}

// EntryStore persists the single config entry
type EntryStore interface {
	Load() (*config.Entry, error)
	Save(entry config.Entry) error
	Delete() error
}

// TokenValidator checks an access token against the cloud
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// Flow drives creation, import and reconfiguration of the config entry
type Flow struct {
	store     EntryStore
	validator TokenValidator
	logger    *log.Logger
}

// NewFlow creates a config flow
func NewFlow(store EntryStore, validator TokenValidator) *Flow {
	return &Flow{store: store, validator: validator, logger: log.Component("setup")}
}

// User handles the user step. A nil input shows the form. An existing entry
// aborts unless it is in an error state, in which case it is replaced
func (f *Flow) User(ctx context.Context, input *UserInput) Result {
	existing, err := f.store.Load()
	if err != nil {
		f.logger.Error("Failed to load config entry: %v", err)
		return abort(ErrUnknown)
	}
	if existing != nil {
		if !existing.Failed() {
			return abort(AbortConfigured)
		}
		f.logger.Info("Replacing config entry in state %s", existing.State)
		if err := f.store.Delete(); err != nil {
			f.logger.Warn("Failed to remove failed entry: %v", err)
		}
	}

	if input == nil {
		return form(StepUser, nil, config.DefaultUpdateIntervalSeconds)
	}

	entry, errs := f.validate(ctx, *input)
	if errs != nil {
		return form(StepUser, errs, intervalOrDefault(input.UpdateInterval))
	}
	entry.Source = config.SourceUser

	if err := f.store.Save(entry); err != nil {
		f.logger.Error("Failed to save config entry: %v", err)
		return form(StepUser, map[string]string{"base": ErrUnknown}, entry.UpdateIntervalSeconds)
	}
	f.logger.Info("Created config entry (interval %ds)", entry.UpdateIntervalSeconds)
	return Result{Type: ResultCreateEntry, StepID: StepUser, Entry: &entry}
}

// Import handles a legacy file configuration. The legacy file is always
// flagged for removal once an import was attempted
func (f *Flow) Import(ctx context.Context, legacy config.LegacyConfig) Result {
	existing, err := f.store.Load()
	if err != nil {
		f.logger.Error("Failed to load config entry: %v", err)
		return withRemove(abort(ErrUnknown))
	}
	if existing != nil {
		return withRemove(abort(AbortConfigured))
	}

	imported, err := config.ImportLegacy(legacy)
	if err != nil {
		return withRemove(abort(AbortInvalidYAML))
	}

	if reason := f.checkToken(ctx, imported.Entry.AccessToken); reason != "" {
		return withRemove(abort(reason))
	}

	if err := f.store.Save(imported.Entry); err != nil {
		f.logger.Error("Failed to save imported entry: %v", err)
		return withRemove(abort(ErrUnknown))
	}
	f.logger.Info("Imported legacy configuration")
	entry := imported.Entry
	return Result{Type: ResultCreateEntry, StepID: StepImport, Entry: &entry, RemoveLegacy: imported.RemoveLegacy}
}

// Reconfigure replaces the token and interval of the existing entry. An
// entry in an error state is removed and the user step runs instead
func (f *Flow) Reconfigure(ctx context.Context, input *UserInput) Result {
	existing, err := f.store.Load()
	if err != nil {
		f.logger.Error("Failed to load config entry: %v", err)
		return abort(ErrUnknown)
	}
	if existing == nil {
		return abort(AbortNotFound)
	}
	if existing.Failed() {
		f.logger.Info("Entry in state %s, starting over", existing.State)
		if err := f.store.Delete(); err != nil {
			f.logger.Warn("Failed to remove failed entry: %v", err)
		}
		return f.User(ctx, input)
	}

	if input == nil {
		return form(StepReconfigure, nil, existing.UpdateIntervalSeconds)
	}

	entry, errs := f.validate(ctx, *input)
	if errs != nil {
		return form(StepReconfigure, errs, intervalOrDefault(input.UpdateInterval))
	}
	entry.Source = existing.Source

	if err := f.store.Save(entry); err != nil {
		f.logger.Error("Failed to save config entry: %v", err)
		return form(StepReconfigure, map[string]string{"base": ErrUnknown}, entry.UpdateIntervalSeconds)
	}
	f.logger.Info("Reconfigured entry (interval %ds)", entry.UpdateIntervalSeconds)
	return Result{Type: ResultAbort, StepID: StepReconfigure, Reason: AbortReconfigureDone, Entry: &entry}
}

// Migrate upgrades the stored entry to the current version. A failed
// migration leaves the entry in the migration_error state
func (f *Flow) Migrate() (*config.Entry, error) {
	existing, err := f.store.Load()
	if err != nil || existing == nil {
		return existing, err
	}

	migrated, changed, err := config.MigrateEntry(*existing)
	if err != nil {
		f.logger.Error("Migration of entry version %d failed: %v", existing.Version, err)
		if saveErr := f.store.Save(migrated); saveErr != nil {
			f.logger.Warn("Failed to record migration error: %v", saveErr)
		}
		return &migrated, err
	}
	if changed {
		f.logger.Info("Migrated config entry from version %d to %d", existing.Version, migrated.Version)
		if err := f.store.Save(migrated); err != nil {
			return nil, err
		}
	}
	return &migrated, nil
}

// validate checks the interval and the token; a nil map means success
func (f *Flow) validate(ctx context.Context, input UserInput) (config.Entry, map[string]string) {
	interval := intervalOrDefault(input.UpdateInterval)
	if err := config.ValidateInterval(interval); err != nil {
		return config.Entry{}, map[string]string{"update_interval": ErrInvalidInterval}
	}

	token := strings.TrimSpace(input.AccessToken)
	if token == "" {
		return config.Entry{}, map[string]string{"access_token": ErrMissingToken}
	}
	if reason := f.checkToken(ctx, token); reason != "" {
		return config.Entry{}, map[string]string{"base": reason}
	}
	return config.NewEntry(config.SourceUser, token, interval), nil
}

// checkToken returns an error reason, or "" when the token works
func (f *Flow) checkToken(ctx context.Context, token string) string {
	err := f.validator.Validate(ctx, token)
	if err == nil {
		return ""
	}

	var authErr *remo.AuthError
	var netErr *remo.NetworkError
	switch {
	case errors.As(err, &authErr):
		f.logger.Debug("Token rejected: %v", err)
		return ErrInvalidAuth
	case errors.As(err, &netErr):
		f.logger.Warn("Cannot reach Nature Remo cloud: %v", err)
		return ErrCannotConnect
	default:
		f.logger.Error("Unexpected error validating token: %v", err)
		return ErrUnknown
	}
}

func form(step string, errs map[string]string, interval int) Result {
	return Result{
		Type:   ResultForm,
		StepID: step,
		Errors: errs,
		Placeholders: map[string]string{
			"url":          TokenPortalURL,
			"min_interval": strconv.Itoa(config.UpdateIntervalOptions[0]),
			"max_interval": strconv.Itoa(config.UpdateIntervalOptions[len(config.UpdateIntervalOptions)-1]),
		},
		Defaults: map[string]int{"update_interval": interval},
	}
}

func abort(reason string) Result {
	return Result{Type: ResultAbort, Reason: reason}
}

func withRemove(r Result) Result {
	r.StepID = StepImport
	r.RemoveLegacy = true
	return r
}

func intervalOrDefault(seconds int) int {
	if seconds == 0 {
		return config.DefaultUpdateIntervalSeconds
	}
	return seconds
}
