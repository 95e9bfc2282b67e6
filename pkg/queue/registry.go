package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
)

// HandlerFunc executes one job to completion. A nil return marks the job
// succeeded; an error is classified through the jobs taxonomy to decide
// between retry and permanent failure.
type HandlerFunc func(ctx context.Context, job *jobs.Job) error

// Hook observes job completion or permanent failure. Hooks must never
// affect terminal state; the worker pool recovers a panicking hook.
type Hook func(ctx context.Context, job *jobs.Job, err error)

// Queue is the handle returned by registration: one name, one policy, one
// set of named handlers.
type Queue struct {
	Name   string
	Policy Policy

	handlers    map[string]HandlerFunc
	onCompleted []Hook
	onFailed    []Hook
}

// Handle binds a named handler function to the queue. Registering the same
// handler name twice is a configuration error.
func (q *Queue) Handle(name string, fn HandlerFunc) error {
	if _, dup := q.handlers[name]; dup {
		return jobs.Configf("handler %q already registered on queue %s", name, q.Name)
	}
	q.handlers[name] = fn
	return nil
}

// Handler looks up a handler by name.
func (q *Queue) Handler(name string) (HandlerFunc, bool) {
	fn, ok := q.handlers[name]
	return fn, ok
}

// OnCompleted adds a completion hook.
func (q *Queue) OnCompleted(h Hook) { q.onCompleted = append(q.onCompleted, h) }

// OnFailed adds a permanent-failure hook.
func (q *Queue) OnFailed(h Hook) { q.onFailed = append(q.onFailed, h) }

// CompletedHooks returns the completion hooks in registration order.
func (q *Queue) CompletedHooks() []Hook { return q.onCompleted }

// FailedHooks returns the permanent-failure hooks in registration order.
func (q *Queue) FailedHooks() []Hook { return q.onFailed }

// Registry declares every named queue once at process start and is the only
// way to enqueue a job. It is constructed once and passed by handle to
// every component that needs to enqueue; there is no global queue state.
type Registry struct {
	store  *Store
	queues map[string]*Queue

	// enqueueAttempts bounds the retries against a transiently
	// unavailable store before Enqueue surfaces a fatal error.
	enqueueAttempts int
	enqueueBackoff  time.Duration
}

// NewRegistry creates an empty registry on the given store.
func NewRegistry(store *Store) *Registry {
	return &Registry{
		store:           store,
		queues:          make(map[string]*Queue),
		enqueueAttempts: 3,
		enqueueBackoff:  100 * time.Millisecond,
	}
}

// Store returns the underlying queue store.
func (r *Registry) Store() *Store { return r.store }

// Register declares a queue with its operating policy. Registering the same
// name twice is a configuration error, fatal at startup.
func (r *Registry) Register(name string, policy Policy) (*Queue, error) {
	if _, dup := r.queues[name]; dup {
		return nil, jobs.Configf("queue %q already registered", name)
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Concurrency < 1 {
		policy.Concurrency = 1
	}
	q := &Queue{
		Name:     name,
		Policy:   policy,
		handlers: make(map[string]HandlerFunc),
	}
	r.queues[name] = q
	return q, nil
}

// MustRegister is Register for the static startup table.
func (r *Registry) MustRegister(name string, policy Policy) *Queue {
	q, err := r.Register(name, policy)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("queue", name).Msg("Queue registration failed")
	}
	return q
}

// Lookup returns a registered queue by name.
func (r *Registry) Lookup(name string) (*Queue, bool) {
	q, ok := r.queues[name]
	return q, ok
}

// Names returns every registered queue name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}

// Option adjusts a single enqueue.
type Option func(*enqueueOpts)

type enqueueOpts struct {
	priority int
	delay    time.Duration
}

// WithPriority sets the job priority (lower numeric value = served first).
func WithPriority(p int) Option {
	return func(o *enqueueOpts) { o.priority = p }
}

// WithDelay defers the job's first eligibility for dispatch.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOpts) { o.delay = d }
}

// Enqueue adds a job to a registered queue and returns its identity. The
// queue and handler names are validated against the registry, so an unknown
// name fails fast as a configuration error rather than dead-lettering
// later.
//
// Transient store unavailability is retried a bounded number of times here;
// only after the retries are exhausted does the caller see a fatal "queue
// unavailable" error.
func (r *Registry) Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...Option) (string, error) {
	q, ok := r.queues[queueName]
	if !ok {
		return "", jobs.Configf("enqueue into unknown queue %q", queueName)
	}
	if _, ok := q.Handler(handler); !ok {
		return "", jobs.Configf("unknown handler %q for queue %s", handler, queueName)
	}

	o := enqueueOpts{priority: jobs.PriorityDefault}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", jobs.Validationf("marshal payload for %s/%s: %v", queueName, handler, err)
	}

	job := jobs.Job{
		ID:        uuid.New().String(),
		Queue:     queueName,
		Handler:   handler,
		Payload:   data,
		Priority:  o.priority,
		CreatedAt: time.Now(),
		Attempts:  0,
	}

	var pushErr error
	for attempt := 0; attempt < r.enqueueAttempts; attempt++ {
		if pushErr = r.store.Push(ctx, job, o.delay); pushErr == nil {
			return job.ID, nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(r.enqueueBackoff)
	}

	logger.Log.Error().Err(pushErr).
		Str("queue", queueName).
		Str("handler", handler).
		Msg("Queue unavailable, enqueue abandoned")
	return "", jobs.Transient(pushErr)
}
