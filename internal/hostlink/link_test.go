package hostlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephens/remo-bridge/internal/entity"
)

type stubEntity struct {
	entity.Entity
	caps entity.Capabilities
}

func (e stubEntity) Capabilities() entity.Capabilities { return e.caps }

type stubSource map[string]entity.Entity

func (s stubSource) Get(id string) (entity.Entity, bool) {
	e, ok := s[id]
	return e, ok
}

type recordingRouter struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *recordingRouter) OnUserCommand(ctx context.Context, id, kind, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, Command{EntityID: id, Kind: kind, Value: value})
	return nil
}

func (r *recordingRouter) commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.cmds...)
}

type fakeHost struct {
	mu     sync.Mutex
	states []StateMessage
}

func (h *fakeHost) handler(events []Event) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		var msg StateMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.states = append(h.states, msg)
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResponse{Running: true, Entities: 2})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

func TestPushStateSendsCapabilitiesOnce(t *testing.T) {
	host := &fakeHost{}
	srv := httptest.NewServer(host.handler(nil))
	defer srv.Close()

	src := stubSource{"ac-1": stubEntity{caps: entity.Capabilities{Kind: entity.KindClimate, MinTemp: 16}}}
	l := New(srv.URL+"/", src, &recordingRouter{})

	st := entity.State{EntityID: "ac-1", Kind: entity.KindClimate, Available: true}
	require.NoError(t, l.PushState(context.Background(), st))
	require.NoError(t, l.PushState(context.Background(), st))

	require.Len(t, host.states, 2)
	require.NotNil(t, host.states[0].Capabilities)
	assert.Equal(t, 16.0, host.states[0].Capabilities.MinTemp)
	assert.Nil(t, host.states[1].Capabilities)
	assert.Equal(t, "ac-1", host.states[1].EntityID)

	l.Forget("ac-1")
	require.NoError(t, l.PushState(context.Background(), st))
	assert.NotNil(t, host.states[2].Capabilities)
}

func TestPushStateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := New(srv.URL, stubSource{}, &recordingRouter{})
	assert.Error(t, l.PushState(context.Background(), entity.State{EntityID: "x"}))
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer((&fakeHost{}).handler(nil))
	defer srv.Close()

	status, err := New(srv.URL, stubSource{}, &recordingRouter{}).GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.Entities)
}

func TestEventStreamRoutesCommands(t *testing.T) {
	data, _ := json.Marshal(Command{EntityID: "ac-1", Kind: "mode", Value: "heat"})
	events := []Event{
		{Type: EventTypeConnection, Timestamp: time.Now()},
		{Type: EventTypeCommand, Timestamp: time.Now(), Data: data},
	}
	srv := httptest.NewServer((&fakeHost{}).handler(events))
	defer srv.Close()

	router := &recordingRouter{}
	l := New(srv.URL, stubSource{}, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	assert.Eventually(t, func() bool { return len(router.commands()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Command{EntityID: "ac-1", Kind: "mode", Value: "heat"}, router.commands()[0])
	assert.True(t, l.Connected())
}

func TestPublishQueuesToHost(t *testing.T) {
	host := &fakeHost{}
	srv := httptest.NewServer(host.handler(nil))
	defer srv.Close()

	l := New(srv.URL, stubSource{}, &recordingRouter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.Publish(entity.State{EntityID: "meter-1", Kind: entity.KindSensor})
	assert.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return len(host.states) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventsURL(t *testing.T) {
	assert.Equal(t, "ws://host:9000/events", New("http://host:9000", nil, nil).eventsURL())
	assert.Equal(t, "wss://host/events", New("https://host/", nil, nil).eventsURL())
}

func TestReadWebSocketReleasesConnectionGoroutine(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	l := New(srv.URL, stubSource{}, &recordingRouter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"

	cycle := func() {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		l.readWebSocket(ctx, conn)
		conn.Close()
	}

	cycle()
	time.Sleep(50 * time.Millisecond)
	baseline := runtime.NumGoroutine()

	for i := 0; i < 10; i++ {
		cycle()
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+2
	}, 2*time.Second, 20*time.Millisecond)
}
