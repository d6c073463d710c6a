// Package queue runs stage tasks. Tasks are deduplicated by key so at most
// one pending task exists per key. Two backends exist: a polling queue on
// the store's tasks table and a Temporal workflow per task.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
)

// ErrNoHandler is returned when a task name has no registered handler.
var ErrNoHandler = eris.New("queue: no handler registered")

// Handler executes one task. Returning a transient error (see
// resilience.IsTransient) retries the task with backoff.
type Handler func(ctx context.Context, payload model.TaskPayload) error

// FailureHook is called once a task will not be retried any more.
type FailureHook func(ctx context.Context, name string, payload model.TaskPayload, err error)

// Queue accepts tasks.
type Queue interface {
	// Enqueue schedules a task after delay. It reports false when a pending
	// task with dedupeKey already exists.
	Enqueue(ctx context.Context, name string, payload model.TaskPayload, dedupeKey string, delay time.Duration) (bool, error)
}

// Config tunes task execution.
type Config struct {
	PollInterval time.Duration
	ClaimBatch   int
	MaxAttempts  int
	// StaleAfter is how long a task may stay running before it is presumed
	// abandoned by a crashed worker.
	StaleAfter time.Duration
	Retry      resilience.RetryConfig
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		ClaimBatch:   10,
		MaxAttempts:  5,
		StaleAfter:   15 * time.Minute,
		Retry: resilience.RetryConfig{
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
			Multiplier:     2,
			JitterFraction: 0.2,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = d.ClaimBatch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry = d.Retry
	}
	return c
}

// Registry maps task names to handlers. Both backends dispatch through it.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	onFailure FailureHook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Handle registers h for name, replacing any previous handler.
func (r *Registry) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// OnFailure sets the hook called for tasks that exhausted their retries or
// failed permanently.
func (r *Registry) OnFailure(h FailureHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailure = h
}

func (r *Registry) dispatch(ctx context.Context, name string, payload model.TaskPayload) error {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return eris.Wrapf(ErrNoHandler, "queue: task %q", name)
	}
	return h(ctx, payload)
}

func (r *Registry) failed(ctx context.Context, name string, payload model.TaskPayload, err error) {
	r.mu.RLock()
	hook := r.onFailure
	r.mu.RUnlock()
	if hook != nil {
		hook(ctx, name, payload, err)
	}
}
