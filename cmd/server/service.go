package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/stephens/remo-bridge/internal/config"
	"github.com/stephens/remo-bridge/internal/coordinator"
	"github.com/stephens/remo-bridge/internal/entity"
	"github.com/stephens/remo-bridge/internal/log"
	"github.com/stephens/remo-bridge/internal/remo"
	"github.com/stephens/remo-bridge/internal/setup"
	"github.com/stephens/remo-bridge/internal/storage"
	"github.com/stephens/remo-bridge/internal/web"
)

const (
	noticeAutoAck  = 5 * time.Minute
	eventRetention = 30 * 24 * time.Hour
)

var errNotConfigured = errors.New("no Nature Remo account configured")

// cloud holds the current API client; reconfiguring swaps it
type cloud struct {
	mu     sync.RWMutex
	client *remo.Client
}

func (c *cloud) set(client *remo.Client) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

func (c *cloud) get() *remo.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *cloud) Fetch(ctx context.Context) (*remo.Snapshot, error) {
	client := c.get()
	if client == nil {
		return nil, errNotConfigured
	}
	return client.Fetch(ctx)
}

func (c *cloud) UpdateAirConSettings(ctx context.Context, applianceID string, params remo.AirConParams) (*remo.AirConSettings, error) {
	client := c.get()
	if client == nil {
		return nil, errNotConfigured
	}
	return client.UpdateAirConSettings(ctx, applianceID, params)
}

func (c *cloud) RateLimit() remo.RateLimit {
	client := c.get()
	if client == nil {
		return remo.RateLimit{}
	}
	return client.RateLimit()
}

// Service orchestrates the bridge components
type Service struct {
	cfg      *config.Config
	db       *storage.DB
	entries  *storage.EntryStore
	flow     *setup.Flow
	cloud    *cloud
	registry *entity.Registry
	coord    *coordinator.Coordinator
	logger   *log.Logger

	mu         sync.Mutex
	ctx        context.Context
	polling    bool
	entryState config.EntryState
}

// GetDB returns the database
func (s *Service) GetDB() *storage.DB {
	return s.db
}

// GetRegistry returns the entity registry
func (s *Service) GetRegistry() *entity.Registry {
	return s.registry
}

// GetPoller returns the polling coordinator
func (s *Service) GetPoller() web.Poller {
	return s.coord
}

// GetConfigFlow returns the config flow
func (s *Service) GetConfigFlow() *setup.Flow {
	return s.flow
}

// GetEntryStore returns the config entry store
func (s *Service) GetEntryStore() web.EntryLoader {
	return s.entries
}

// GetRateLimit returns the last seen API rate limit
func (s *Service) GetRateLimit() remo.RateLimit {
	return s.cloud.RateLimit()
}

// ApplyEntry points the bridge at the entry's account and interval, and
// starts polling if it is not running yet
func (s *Service) ApplyEntry(entry config.Entry) {
	client, err := remo.NewClient(remo.Options{
		BaseURL:           s.cfg.RemoBaseURL,
		AccessToken:       entry.AccessToken,
		RequestsPerMinute: s.cfg.RequestsPerMinute,
	})
	if err != nil {
		s.logger.Error("Cannot set up Nature Remo client: %v", err)
		s.setEntryState(config.EntrySetupError)
		return
	}
	s.cloud.set(client)
	s.coord.SetInterval(entry.UpdateInterval())

	s.mu.Lock()
	s.entryState = entry.State
	start := !s.polling && s.ctx != nil
	if start {
		s.polling = true
	}
	ctx := s.ctx
	s.mu.Unlock()

	if start {
		go s.coord.Run(ctx)
		return
	}
	s.coord.RequestRefresh()
}

// onPoll tracks the entry state from poll outcomes
func (s *Service) onPoll(result coordinator.PollResult) {
	if result.Err == nil {
		s.setEntryState(config.EntryLoaded)
		return
	}
	var authErr *remo.AuthError
	if errors.As(result.Err, &authErr) {
		s.setEntryState(config.EntrySetupError)
	}
}

func (s *Service) setEntryState(state config.EntryState) {
	s.mu.Lock()
	changed := s.entryState != state
	s.entryState = state
	s.mu.Unlock()
	if !changed {
		return
	}
	if err := s.entries.SetState(state); err != nil {
		s.logger.Warn("Failed to record entry state %s: %v", state, err)
		return
	}
	s.logger.Info("Config entry is now %s", state)
}

// saveEntityState keeps the last published state as last-known-good
func (s *Service) saveEntityState(st entity.State) {
	data, err := json.Marshal(st)
	if err != nil {
		s.logger.Error("Failed to encode state of %s: %v", st.EntityID, err)
		return
	}
	rec := &storage.EntityRecord{
		EntityID:  st.EntityID,
		Kind:      string(st.Kind),
		Name:      st.Name,
		Available: st.Available,
		State:     data,
	}
	if err := s.db.SaveEntityState(rec); err != nil {
		s.logger.Error("Failed to save state of %s: %v", st.EntityID, err)
	}
}

func (s *Service) deleteEntityState(entityID string) {
	if err := s.db.DeleteEntityState(entityID); err != nil {
		s.logger.Warn("Failed to delete state of %s: %v", entityID, err)
	}
	s.db.LogEvent(storage.EventSourceRemo, storage.EventTypeInfo, "Entity removed",
		map[string]interface{}{"entity_id": entityID})
}

// importLegacy imports the legacy YAML file once and raises the notice
func (s *Service) importLegacy(ctx context.Context, path string) {
	legacy, err := config.LoadLegacy(path)
	if err != nil {
		s.logger.Error("Failed to read legacy config: %v", err)
		return
	}
	if legacy == nil {
		return
	}

	result := s.flow.Import(ctx, *legacy)
	switch result.Type {
	case setup.ResultCreateEntry:
		s.logger.Info("Imported Nature Remo configuration from %s", path)
		s.db.LogEvent(storage.EventSourceSystem, storage.EventTypeImport, "Legacy configuration imported",
			map[string]interface{}{"path": path})
		if err := s.db.ShowImportNotice(); err != nil {
			s.logger.Warn("Failed to raise import notice: %v", err)
		}
	default:
		if result.Reason != setup.AbortConfigured {
			s.db.LogEvent(storage.EventSourceSystem, storage.EventTypeError, "Legacy configuration import failed",
				map[string]interface{}{"path": path, "reason": result.Reason})
		}
		s.logger.Warn("Legacy configuration not imported: %s", result.Reason)
	}
	if result.RemoveLegacy {
		s.logger.Warn("Remove the %s block from %s; it is no longer used", config.LegacyDomain, path)
	}
}

// autoAckNotice acknowledges a pending import notice after noticeAutoAck
func (s *Service) autoAckNotice(ctx context.Context) {
	notice, err := s.db.GetImportNotice()
	if err != nil || !notice.Shown || notice.Acknowledged {
		return
	}

	t := time.NewTimer(noticeAutoAck)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		if err := s.db.AcknowledgeImportNotice(); err != nil {
			s.logger.Warn("Failed to acknowledge import notice: %v", err)
			return
		}
		s.logger.Debug("Import notice acknowledged automatically")
	}
}

// runMaintenance prunes old event log rows once a day
func (s *Service) runMaintenance(ctx context.Context) {
	prune := func() {
		n, err := s.db.PruneEventLogs(time.Now().Add(-eventRetention))
		if err != nil {
			s.logger.Warn("Failed to prune event log: %v", err)
			return
		}
		if n > 0 {
			s.logger.Debug("Pruned %d event log rows", n)
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
