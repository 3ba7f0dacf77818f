package climate

import (
	"sync"
	"time"
)

// DefaultPendingTimeout is how long an unconfirmed command is shown optimistically
const DefaultPendingTimeout = 30 * time.Second

// PendingCommand is a command sent but not yet seen in a poll
type PendingCommand struct {
	Field     Field     `json:"field"`
	Operation Operation `json:"operation"`
	IssuedAt  time.Time `json:"issued_at"`
}

// MergeResult describes what Merge did with the pending command
type MergeResult int

const (
	// MergeNoPending: nothing was pending, the snapshot was published as is
	MergeNoPending MergeResult = iota
	// MergeConfirmed: the snapshot reflects the pending command, which was cleared
	MergeConfirmed
	// MergeOptimistic: the pending command's fields were overlaid on the snapshot
	MergeOptimistic
	// MergeExpired: the pending command timed out and was dropped
	MergeExpired
)

func (r MergeResult) String() string {
	switch r {
	case MergeConfirmed:
		return "confirmed"
	case MergeOptimistic:
		return "optimistic"
	case MergeExpired:
		return "expired"
	default:
		return "no_pending"
	}
}

// Reconciler merges polled snapshots with the one in-flight command of a device
type Reconciler struct {
	mu       sync.Mutex
	timeout  time.Duration
	now      func() time.Time
	pending  *PendingCommand
	snapshot DeviceState
	hasSnap  bool
}

// NewReconciler creates a reconciler; now defaults to time.Now
func NewReconciler(timeout time.Duration, now func() time.Time) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{timeout: timeout, now: now}
}

// Issue records op as the pending command, superseding any earlier one
func (r *Reconciler) Issue(field Field, op Operation) PendingCommand {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := PendingCommand{Field: field, Operation: op, IssuedAt: r.now()}
	r.pending = &cmd
	return cmd
}

// Reject drops the pending command so the next snapshot is trusted
func (r *Reconciler) Reject() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}

// Merge combines a polled snapshot with the pending command
func (r *Reconciler) Merge(snapshot DeviceState) (DeviceState, MergeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshot = snapshot
	r.hasSnap = true

	if r.pending == nil {
		return snapshot, MergeNoPending
	}
	if r.pending.Operation.Matches(snapshot) {
		r.pending = nil
		return snapshot, MergeConfirmed
	}
	if r.expired() {
		r.pending = nil
		return snapshot, MergeExpired
	}
	return r.pending.Operation.Apply(snapshot), MergeOptimistic
}

// Current returns the state to publish right now: the last snapshot with
// an unexpired pending command overlaid. ok is false before the first merge
func (r *Reconciler) Current() (DeviceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasSnap {
		return DeviceState{}, false
	}
	if r.pending == nil || r.expired() {
		return r.snapshot, true
	}
	return r.pending.Operation.Apply(r.snapshot), true
}

// Pending returns the in-flight command, if any
func (r *Reconciler) Pending() (PendingCommand, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return PendingCommand{}, false
	}
	return *r.pending, true
}

// expired must be called with mu held
func (r *Reconciler) expired() bool {
	return r.now().Sub(r.pending.IssuedAt) >= r.timeout
}
