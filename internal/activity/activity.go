// Package activity keeps an in-memory view of running and recently finished
// booking operations.
package activity

import (
	"sync"
	"time"

	"github.com/bizblasts/calsync/internal/db"
)

// Status values for an Operation.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// Operation is one booking sync, update, delete or retry sweep.
type Operation struct {
	Key         string        `json:"key"`
	Action      db.SyncAction `json:"action"`
	Status      string        `json:"status"`
	Connections int           `json:"connections"`
	Succeeded   int           `json:"succeeded"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    string        `json:"duration,omitempty"`
	Message     string        `json:"message,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
}

// Snapshot is the reply of Tracker.All.
type Snapshot struct {
	Active []*Operation `json:"active"`
	Recent []*Operation `json:"recent"`
}

// Tracker tracks running operations by key and keeps the last few finished ones.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*Operation
	recent    []*Operation
	maxRecent int
	now       func() time.Time
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*Operation),
		maxRecent: 50,
		now:       time.Now,
	}
}

// Start begins tracking an operation. A key already running is replaced.
func (t *Tracker) Start(key string, action db.SyncAction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[key] = &Operation{
		Key:       key,
		Action:    action,
		Status:    StatusRunning,
		StartedAt: t.now(),
	}
}

// Finish records the outcome and moves the operation to the recent list.
// succeeded out of total connections completed; err is a failure that
// stopped the operation as a whole.
func (t *Tracker) Finish(key string, succeeded, total int, errs []string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.active[key]
	if !exists {
		return
	}

	now := t.now()
	op.CompletedAt = &now
	op.Duration = now.Sub(op.StartedAt).Round(time.Millisecond).String()
	op.Connections = total
	op.Succeeded = succeeded
	op.Errors = errs

	switch {
	case err != nil:
		op.Status = StatusError
		op.Message = err.Error()
	case succeeded < total && succeeded > 0:
		op.Status = StatusPartial
	case succeeded < total:
		op.Status = StatusError
	default:
		op.Status = StatusCompleted
	}

	t.recent = append([]*Operation{op}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}

	delete(t.active, key)
}

// Active returns copies of all running operations.
func (t *Tracker) Active() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	result := make([]*Operation, 0, len(t.active))
	for _, op := range t.active {
		cp := *op
		cp.Duration = now.Sub(op.StartedAt).Round(time.Millisecond).String()
		result = append(result, &cp)
	}
	return result
}

// Recent returns copies of recently finished operations, newest first.
func (t *Tracker) Recent() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Operation, len(t.recent))
	for i, op := range t.recent {
		cp := *op
		result[i] = &cp
	}
	return result
}

// All returns both active and recent operations.
func (t *Tracker) All() Snapshot {
	return Snapshot{Active: t.Active(), Recent: t.Recent()}
}

// IsRunning reports whether key is currently tracked as running.
func (t *Tracker) IsRunning(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[key]
	return exists
}
