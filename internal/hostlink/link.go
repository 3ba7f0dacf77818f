package hostlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stephens/remo-bridge/internal/entity"
	"github.com/stephens/remo-bridge/internal/log"
)

const (
	queueSize      = 100
	reconnectDelay = 5 * time.Second
	commandTimeout = 20 * time.Second
)

// EntitySource looks up entity capabilities to send along with new states
type EntitySource interface {
	Get(id string) (entity.Entity, bool)
}

// CommandRouter delivers commands received from the host
type CommandRouter interface {
	OnUserCommand(ctx context.Context, entityID, kind, value string) error
}

// Link pushes published states to an external host over HTTP and reads the
// host's commands from its websocket event stream
type Link struct {
	baseURL    string
	httpClient *http.Client
	source     EntitySource
	router     CommandRouter
	logger     *log.Logger

	queue chan entity.State

	wsMu   sync.Mutex
	wsConn *websocket.Conn

	sentMu sync.Mutex
	sent   map[string]bool
}

// New creates a link to the host at baseURL
func New(baseURL string, source EntitySource, router CommandRouter) *Link {
	return &Link{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		source: source,
		router: router,
		logger: log.Component("hostlink"),
		queue:  make(chan entity.State, queueSize),
		sent:   make(map[string]bool),
	}
}

// Start runs the state pusher and the event stream until ctx is done
func (l *Link) Start(ctx context.Context) {
	go l.pushLoop(ctx)
	go l.connectWebSocket(ctx)
}

// Stop closes the event stream
func (l *Link) Stop() {
	l.wsMu.Lock()
	if l.wsConn != nil {
		l.wsConn.Close()
	}
	l.wsMu.Unlock()
}

// Connected reports whether the event stream is up
func (l *Link) Connected() bool {
	l.wsMu.Lock()
	defer l.wsMu.Unlock()
	return l.wsConn != nil
}

// Publish queues a state for the host. States are dropped when the queue is full
func (l *Link) Publish(st entity.State) {
	select {
	case l.queue <- st:
	default:
		l.logger.Warn("Host queue full, dropping state for %s", st.EntityID)
	}
}

// Forget makes the next state for entityID carry capabilities again
func (l *Link) Forget(entityID string) {
	l.sentMu.Lock()
	delete(l.sent, entityID)
	l.sentMu.Unlock()
}

// GetStatus retrieves the host's status
func (l *Link) GetStatus(ctx context.Context) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PushState posts one state to the host
func (l *Link) PushState(ctx context.Context, st entity.State) error {
	msg := StateMessage{State: st}

	l.sentMu.Lock()
	first := !l.sent[st.EntityID]
	l.sentMu.Unlock()
	if first {
		if e, ok := l.source.Get(st.EntityID); ok {
			caps := e.Capabilities()
			msg.Capabilities = &caps
		}
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/state", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if first {
		l.sentMu.Lock()
		l.sent[st.EntityID] = true
		l.sentMu.Unlock()
	}
	return nil
}

func (l *Link) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-l.queue:
			if err := l.PushState(ctx, st); err != nil {
				l.logger.Debug("Push state for %s failed: %v", st.EntityID, err)
			}
		}
	}
}

// eventsURL turns the http(s) base URL into the websocket events URL
func (l *Link) eventsURL() string {
	switch {
	case strings.HasPrefix(l.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(l.baseURL, "https://") + "/events"
	case strings.HasPrefix(l.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(l.baseURL, "http://") + "/events"
	default:
		return l.baseURL + "/events"
	}
}

// connectWebSocket keeps the event stream connected until ctx is done
func (l *Link) connectWebSocket(ctx context.Context) {
	wsURL := l.eventsURL()

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			l.logger.Debug("Event stream dial failed: %v", err)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			continue
		}
		l.logger.Info("Connected to host event stream")

		l.wsMu.Lock()
		l.wsConn = conn
		l.wsMu.Unlock()

		// full state resend after reconnect
		l.sentMu.Lock()
		l.sent = make(map[string]bool)
		l.sentMu.Unlock()

		l.readWebSocket(ctx, conn)

		l.wsMu.Lock()
		l.wsConn = nil
		l.wsMu.Unlock()
		conn.Close()

		if !sleep(ctx, time.Second) {
			return
		}
	}
}

// readWebSocket reads events until the connection fails
func (l *Link) readWebSocket(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("Host event stream closed: %v", err)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			l.logger.Debug("Ignoring malformed event: %v", err)
			continue
		}

		switch event.Type {
		case EventTypeCommand:
			var cmd Command
			if err := json.Unmarshal(event.Data, &cmd); err != nil {
				l.logger.Warn("Malformed command: %v", err)
				continue
			}
			go l.handleCommand(ctx, cmd)
		case EventTypeError:
			l.logger.Warn("Host reported error: %s", string(event.Data))
		}
	}
}

func (l *Link) handleCommand(ctx context.Context, cmd Command) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := l.router.OnUserCommand(ctx, cmd.EntityID, cmd.Kind, cmd.Value); err != nil {
		l.logger.Warn("Host command %s=%q for %s failed: %v", cmd.Kind, cmd.Value, cmd.EntityID, err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
