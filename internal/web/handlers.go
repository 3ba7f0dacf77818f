package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/config"
	"github.com/stephens/remo-bridge/internal/coordinator"
	"github.com/stephens/remo-bridge/internal/entity"
	"github.com/stephens/remo-bridge/internal/remo"
	"github.com/stephens/remo-bridge/internal/setup"
	"github.com/stephens/remo-bridge/internal/storage"
)

// Version information, set via ldflags at build time
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// StatusResponse represents the overall system status
type StatusResponse struct {
	Configured   bool                  `json:"configured"`
	EntryState   config.EntryState     `json:"entry_state,omitempty"`
	Cloud        coordinator.Status    `json:"cloud"`
	RateLimit    remo.RateLimit        `json:"rate_limit"`
	Entities     int                   `json:"entities"`
	Available    int                   `json:"available"`
	ImportNotice *storage.ImportNotice `json:"import_notice,omitempty"`
}

// EntityResponse is an entity's published state and capabilities
type EntityResponse struct {
	entity.State
	Capabilities entity.Capabilities `json:"capabilities"`
}

// CommandRequest operates an entity
type CommandRequest struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// ConfigResponse represents configuration status
type ConfigResponse struct {
	Configured            bool                  `json:"configured"`
	Entry                 *config.Entry         `json:"entry,omitempty"`
	UpdateIntervalOptions []int                 `json:"update_interval_options"`
	ImportNotice          *storage.ImportNotice `json:"import_notice,omitempty"`
}

// VersionResponse represents version info
type VersionResponse struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
}

// handleStatus returns overall system status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{
		Cloud:     s.service.GetPoller().Status(),
		RateLimit: s.service.GetRateLimit(),
	}

	if entry, err := s.service.GetEntryStore().Load(); err == nil && entry != nil {
		status.Configured = true
		status.EntryState = entry.State
	}

	for _, st := range s.service.GetRegistry().States() {
		status.Entities++
		if st.Available {
			status.Available++
		}
	}

	if notice, err := s.service.GetDB().GetImportNotice(); err == nil && notice.Shown && !notice.Acknowledged {
		status.ImportNotice = notice
	}

	writeJSON(w, status)
}

// handleListEntities returns every entity
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities := s.service.GetRegistry().List()
	response := make([]EntityResponse, 0, len(entities))
	for _, e := range entities {
		response = append(response, EntityResponse{State: e.PublishedState(), Capabilities: e.Capabilities()})
	}
	writeJSON(w, response)
}

// handleGetEntity returns one entity
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := s.service.GetRegistry().Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "Entity not found")
		return
	}
	writeJSON(w, EntityResponse{State: e.PublishedState(), Capabilities: e.Capabilities()})
}

// handleCommand routes a user command to an entity
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	registry := s.service.GetRegistry()
	err := registry.OnUserCommand(r.Context(), id, req.Kind, req.Value)
	s.logCommand(storage.EventSourceUser, id, req.Kind, req.Value, err)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}

	e, ok := registry.Get(id)
	if !ok {
		writeJSON(w, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, EntityResponse{State: e.PublishedState(), Capabilities: e.Capabilities()})
}

// commandStatus maps a command error to an HTTP status
func commandStatus(err error) int {
	var (
		authErr    *remo.AuthError
		netErr     *remo.NetworkError
		rejected   *remo.RejectedByDeviceError
		modeErr    *climate.UnsupportedModeError
		valueErr   *climate.UnsupportedValueError
		rangeErr   *climate.OutOfRangeError
		invalidErr *entity.InvalidValueError
		unknownErr *entity.UnknownCommandError
	)
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrReadOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, entity.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &modeErr), errors.As(err, &valueErr), errors.As(err, &rangeErr),
		errors.As(err, &invalidErr), errors.As(err, &unknownErr):
		return http.StatusBadRequest
	case errors.As(err, &rejected):
		return http.StatusConflict
	case errors.As(err, &authErr), errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logCommand(source storage.EventSource, id, kind, value string, err error) {
	details := map[string]interface{}{"entity_id": id, "kind": kind, "value": value}
	eventType := storage.EventTypeCommand
	message := fmt.Sprintf("Set %s of %s to %s", kind, id, value)
	if err != nil {
		details["error"] = err.Error()
		eventType = storage.EventTypeError
		message = fmt.Sprintf("Failed to set %s of %s to %s", kind, id, value)
	}
	if logErr := s.service.GetDB().LogEvent(source, eventType, message, details); logErr != nil {
		s.logger.Debug("Failed to log event: %v", logErr)
	}
}

// handleGetConfig returns configuration status
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.GetEntryStore().Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get config")
		return
	}

	response := ConfigResponse{
		Configured:            entry != nil,
		Entry:                 entry,
		UpdateIntervalOptions: config.UpdateIntervalOptions,
	}
	if notice, err := s.service.GetDB().GetImportNotice(); err == nil && notice.Shown {
		response.ImportNotice = notice
	}
	writeJSON(w, response)
}

// handleCreateConfig runs the user step of the config flow. An empty body
// returns the form
func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeUserInput(w, r)
	if !ok {
		return
	}

	result := s.service.GetConfigFlow().User(r.Context(), input)
	s.finishFlow(w, result)
}

// handleReconfigure runs the reconfigure step of the config flow
func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeUserInput(w, r)
	if !ok {
		return
	}

	result := s.service.GetConfigFlow().Reconfigure(r.Context(), input)
	s.finishFlow(w, result)
}

func (s *Server) finishFlow(w http.ResponseWriter, result setup.Result) {
	applied := result.Entry != nil &&
		(result.Type == setup.ResultCreateEntry || result.Reason == setup.AbortReconfigureDone)
	if applied {
		s.service.ApplyEntry(*result.Entry)
		message := "Config entry created"
		if result.Reason == setup.AbortReconfigureDone {
			message = "Config entry reconfigured"
		}
		if err := s.service.GetDB().LogEvent(storage.EventSourceUser, storage.EventTypeConfig, message,
			map[string]interface{}{"update_interval": result.Entry.UpdateIntervalSeconds}); err != nil {
			s.logger.Debug("Failed to log event: %v", err)
		}
	}
	writeJSON(w, result)
}

func decodeUserInput(w http.ResponseWriter, r *http.Request) (*setup.UserInput, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if len(body) == 0 {
		return nil, true
	}

	var input setup.UserInput
	if err := json.Unmarshal(body, &input); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	return &input, true
}

// handleAckNotice acknowledges the legacy import notice
func (s *Server) handleAckNotice(w http.ResponseWriter, r *http.Request) {
	if err := s.service.GetDB().AcknowledgeImportNotice(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to acknowledge notice")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleRefresh asks the coordinator for a debounced refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.service.GetPoller().RequestRefresh()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "refresh requested"})
}

// handleGetLogs returns event logs
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	filter := storage.EventLogFilter{
		Limit: 100,
	}

	q := r.URL.Query()
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}
	if source := q.Get("source"); source != "" {
		src := storage.EventSource(source)
		filter.Source = &src
	}
	if eventType := q.Get("type"); eventType != "" {
		et := storage.EventType(eventType)
		filter.EventType = &et
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}

	logs, err := s.service.GetDB().GetEventLogs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get logs")
		return
	}
	if logs == nil {
		logs = []storage.EventLog{}
	}

	writeJSON(w, logs)
}

// handleVersion returns version information
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, VersionResponse{
		Version:   Version,
		BuildDate: BuildDate,
	})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
