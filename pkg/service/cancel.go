package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrCancelled is the distinguished outcome of a cooperative cancellation
// check. It is never reported as a task failure.
var ErrCancelled = errors.New("audit cancelled")

// CancelRegistry is the process-scoped cancellation state, keyed by task id
// so every concurrent unit touching a task observes the same flag. Entries
// are created on submit and removed during terminal cleanup; a request is
// sticky until then, so cancelling before pickup is remembered and repeat
// requests are no-ops.
type CancelRegistry struct {
	mu        sync.Mutex
	requested map[string]bool
	kills     map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		requested: make(map[string]bool),
		kills:     make(map[string]context.CancelFunc),
	}
}

// Register creates the flag entry for a task. Called at submit time.
func (r *CancelRegistry) Register(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requested[taskID]; !ok {
		r.requested[taskID] = false
	}
}

// Request marks the task cancelled and fires the forced-interrupt handle if
// one is armed. Returns false when the request was already recorded.
func (r *CancelRegistry) Request(taskID string) bool {
	r.mu.Lock()
	already := r.requested[taskID]
	r.requested[taskID] = true
	kill := r.kills[taskID]
	r.mu.Unlock()

	if kill != nil {
		kill()
	}
	return !already
}

// Requested reports the flag for a task id.
func (r *CancelRegistry) Requested(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested[taskID]
}

// Check is the cooperative safe point: a positive flag read converts into
// the distinguished cancelled outcome.
func (r *CancelRegistry) Check(taskID string) error {
	if r.Requested(taskID) {
		return ErrCancelled
	}
	return nil
}

// Arm installs the forced-interrupt handle for the task's unit of
// concurrency. If cancellation was already requested the handle fires
// immediately, covering the submit/pickup race.
func (r *CancelRegistry) Arm(taskID string, kill context.CancelFunc) {
	r.mu.Lock()
	r.kills[taskID] = kill
	pending := r.requested[taskID]
	r.mu.Unlock()

	if pending {
		kill()
	}
}

// Release drops all cancellation state for a task. Runs on every exit path.
func (r *CancelRegistry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requested, taskID)
	delete(r.kills, taskID)
}
