package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stephens/remo-bridge/internal/log"
	"github.com/stephens/remo-bridge/internal/remo"
	"github.com/stephens/remo-bridge/internal/storage"
)

// DefaultDebounce coalesces refresh requests made in quick succession
const DefaultDebounce = 2 * time.Second

// Fetcher retrieves the cloud state
type Fetcher interface {
	Fetch(ctx context.Context) (*remo.Snapshot, error)
}

// Sink receives every successful poll and is told when polling fails
type Sink interface {
	Update(snap *remo.Snapshot) (added, removed []string)
	MarkUnavailable()
}

// EventLogger records notable events
type EventLogger interface {
	LogEvent(source storage.EventSource, eventType storage.EventType, message string, details interface{}) error
}

// Options configure a Coordinator
type Options struct {
	Interval time.Duration
	Debounce time.Duration
	Events   EventLogger
}

// PollResult describes one poll
type PollResult struct {
	At       time.Time
	Duration time.Duration
	Err      error
	Added    int
	Removed  int
}

// Status is the coordinator's last known outcome
type Status struct {
	LastUpdateSuccess bool      `json:"last_update_success"`
	LastUpdate        time.Time `json:"last_update,omitempty"`
	LastAttempt       time.Time `json:"last_attempt,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	IntervalSeconds   int       `json:"interval_seconds"`
}

// Coordinator polls the cloud on a fixed interval and on request
type Coordinator struct {
	fetcher Fetcher
	sink    Sink
	events  EventLogger
	logger  *log.Logger

	debounce   time.Duration
	refreshCh  chan struct{}
	intervalCh chan time.Duration

	// serializes polls
	pollMu sync.Mutex

	mu        sync.RWMutex
	status    Status
	interval  time.Duration
	observers []func(PollResult)
}

// New creates a coordinator
func New(fetcher Fetcher, sink Sink, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Coordinator{
		fetcher:    fetcher,
		sink:       sink,
		events:     opts.Events,
		logger:     log.Component("coordinator"),
		debounce:   opts.Debounce,
		refreshCh:  make(chan struct{}, 1),
		intervalCh: make(chan time.Duration, 1),
		interval:   opts.Interval,
	}
}

// AddObserver registers fn to be called after every poll
func (c *Coordinator) AddObserver(fn func(PollResult)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Interval returns the polling interval
func (c *Coordinator) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// SetInterval changes the polling interval of a running loop
func (c *Coordinator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()

	select {
	case <-c.intervalCh:
	default:
	}
	c.intervalCh <- d
}

// Status returns the outcome of the last poll
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.status
	st.IntervalSeconds = int(c.interval / time.Second)
	return st
}

// RequestRefresh asks the loop for a poll soon; requests are coalesced
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.Interval()
	c.logger.Info("Starting polling loop (interval: %s)", interval)

	c.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var debounceC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.intervalCh:
			c.logger.Info("Polling interval changed to %s", d)
			ticker.Reset(d)
		case <-c.refreshCh:
			if debounceC == nil {
				debounceC = time.After(c.debounce)
			}
		case <-debounceC:
			debounceC = nil
			c.Refresh(ctx)
			ticker.Reset(c.Interval())
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh polls once and applies the result
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	start := time.Now()
	snap, err := c.fetcher.Fetch(ctx)
	result := PollResult{At: start, Duration: time.Since(start), Err: err}

	if err != nil {
		c.handleFailure(err)
	} else {
		added, removed := c.sink.Update(snap)
		result.Added, result.Removed = len(added), len(removed)
		c.handleSuccess(start, result)
	}

	c.mu.RLock()
	observers := append(([]func(PollResult))(nil), c.observers...)
	c.mu.RUnlock()
	for _, fn := range observers {
		fn(result)
	}
	return err
}

func (c *Coordinator) handleSuccess(at time.Time, result PollResult) {
	c.mu.Lock()
	recovered := !c.status.LastUpdateSuccess && !c.status.LastAttempt.IsZero()
	c.status.LastUpdateSuccess = true
	c.status.LastUpdate = at
	c.status.LastAttempt = at
	c.status.LastError = ""
	c.mu.Unlock()

	if recovered {
		c.logger.Info("Connection to Nature Remo cloud restored")
		c.logEvent(storage.EventTypeConnection, "Connection restored", nil)
	}
	c.logger.Debug("Poll complete in %s (%d added, %d removed)", result.Duration, result.Added, result.Removed)
}

func (c *Coordinator) handleFailure(err error) {
	c.mu.Lock()
	c.status.LastUpdateSuccess = false
	c.status.LastAttempt = time.Now()
	c.status.LastError = err.Error()
	c.mu.Unlock()

	c.sink.MarkUnavailable()

	var authErr *remo.AuthError
	var netErr *remo.NetworkError
	switch {
	case errors.As(err, &authErr):
		c.logger.Error("Access token rejected: %v", err)
		c.logEvent(storage.EventTypeError, "Access token rejected", map[string]interface{}{"error": err.Error()})
	case errors.As(err, &netErr):
		c.logger.Warn("Poll failed: %v", err)
		c.logEvent(storage.EventTypeConnection, fmt.Sprintf("Poll failed: %v", err), nil)
	default:
		c.logger.Error("Poll failed: %v", err)
		c.logEvent(storage.EventTypeError, fmt.Sprintf("Poll failed: %v", err), nil)
	}
}

func (c *Coordinator) logEvent(eventType storage.EventType, message string, details interface{}) {
	if c.events == nil {
		return
	}
	if err := c.events.LogEvent(storage.EventSourceRemo, eventType, message, details); err != nil {
		c.logger.Debug("Failed to log event: %v", err)
	}
}
