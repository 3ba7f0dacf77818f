package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stephens/remo-bridge/internal/config"
	"github.com/stephens/remo-bridge/internal/coordinator"
	"github.com/stephens/remo-bridge/internal/entity"
	"github.com/stephens/remo-bridge/internal/log"
	"github.com/stephens/remo-bridge/internal/remo"
	"github.com/stephens/remo-bridge/internal/setup"
	"github.com/stephens/remo-bridge/internal/storage"
)

// Poller is the polling coordinator as seen by the API
type Poller interface {
	Status() coordinator.Status
	RequestRefresh()
}

// EntryLoader reads the stored config entry
type EntryLoader interface {
	Load() (*config.Entry, error)
}

// ServiceInterface defines what the HTTP server needs from the main service
type ServiceInterface interface {
	GetDB() *storage.DB
	GetRegistry() *entity.Registry
	GetPoller() Poller
	GetConfigFlow() *setup.Flow
	GetEntryStore() EntryLoader
	GetRateLimit() remo.RateLimit
	// ApplyEntry is called after the config flow created or changed the entry
	ApplyEntry(entry config.Entry)
}

// Server is the HTTP server
type Server struct {
	port    int
	service ServiceInterface
	router  *mux.Router
	hub     *Hub
	metrics http.Handler
	logger  *log.Logger
}

// NewServer creates a new HTTP server; metrics may be nil
func NewServer(port int, service ServiceInterface, metrics http.Handler) *Server {
	s := &Server{
		port:    port,
		service: service,
		router:  mux.NewRouter(),
		metrics: metrics,
		logger:  log.Component("web"),
	}
	s.hub = NewHub(s)

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/entities", s.handleListEntities).Methods("GET")
	api.HandleFunc("/entities/{id}", s.handleGetEntity).Methods("GET")
	api.HandleFunc("/entities/{id}/command", s.handleCommand).Methods("POST")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleCreateConfig).Methods("POST")
	api.HandleFunc("/config", s.handleReconfigure).Methods("PUT")
	api.HandleFunc("/config/notice/ack", s.handleAckNotice).Methods("POST")
	api.HandleFunc("/refresh", s.handleRefresh).Methods("POST")
	api.HandleFunc("/logs", s.handleGetLogs).Methods("GET")
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/ws", s.handleWebSocket)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Web server listening on port %d", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// BroadcastState pushes a published entity state to websocket clients
func (s *Server) BroadcastState(st entity.State) {
	s.hub.Broadcast(Message{Type: MessageEntityUpdate, Data: st})
}

// BroadcastRemoved tells websocket clients an entity is gone
func (s *Server) BroadcastRemoved(entityID string) {
	s.hub.Broadcast(Message{Type: MessageEntityRemoved, Data: map[string]string{"entity_id": entityID}})
}

// BroadcastPoll pushes the poll status after every poll
func (s *Server) BroadcastPoll(result coordinator.PollResult) {
	s.hub.Broadcast(Message{Type: MessagePollStatus, Data: s.service.GetPoller().Status()})
}

// GetHub returns the WebSocket hub
func (s *Server) GetHub() *Hub {
	return s.hub
}
