// Package jobs runs background work in-process with at-least-once,
// retrying semantics and per-kind concurrency limits.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job kinds.
const (
	KindSendNotifications       = "send-notifications"
	KindRemoveTaskNotifications = "remove-task-notifications"
	KindReconcileClient         = "reconcile-client"
	KindCleanupPrincipal        = "cleanup-principal"
)

var (
	ErrClosed      = errors.New("job runner closed")
	ErrUnknownKind = errors.New("unknown job kind")
)

// HandlerFunc executes one attempt of a job. Returning an error schedules a
// retry while attempts remain.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

type Retry struct {
	Attempts int
	Backoff  time.Duration
}

type Options struct {
	// ConcurrencyLimit is fixed per kind when the kind is registered.
	ConcurrencyLimit int
	MaxDuration      time.Duration
	Retry            Retry
}

// Enqueuer is the producer side of the runner.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, kind string, payload any, opts Options) (*Handle, error)
}

// Handle tracks one enqueued job until it succeeds or runs out of attempts.
type Handle struct {
	ID   string
	Kind string

	done     chan struct{}
	mu       sync.Mutex
	err      error
	attempts int
}

func newHandle(id, kind string) *Handle {
	return &Handle{ID: id, Kind: kind, done: make(chan struct{})}
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the final error, nil on success. Valid after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Wait blocks until the job finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type kindState struct {
	handler  HandlerFunc
	defaults Options
	group    *errgroup.Group
}

type Runner struct {
	logger *zap.Logger

	mu    sync.Mutex
	kinds map[string]*kindState
	// queued holds jobs whose handler has not started; only these coalesce.
	queued   map[string]*Handle
	running  map[string]*Handle
	inflight int
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger:  logger,
		kinds:   map[string]*kindState{},
		queued:  map[string]*Handle{},
		running: map[string]*Handle{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register installs the handler and default options for kind. Registering a
// kind twice replaces the handler but keeps the original concurrency limit.
func (r *Runner) Register(kind string, handler HandlerFunc, defaults Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ks, ok := r.kinds[kind]; ok {
		ks.handler = handler
		ks.defaults = defaults
		return
	}
	g := &errgroup.Group{}
	if defaults.ConcurrencyLimit > 0 {
		g.SetLimit(defaults.ConcurrencyLimit)
	}
	r.kinds[kind] = &kindState{handler: handler, defaults: defaults, group: g}
}

// Enqueue schedules a job. A job whose id is queued but not yet started is
// coalesced and its existing handle returned. When a job with the same id is
// already running, a new job is queued behind it, so work triggered after a
// handler began reading state is never dropped.
func (r *Runner) Enqueue(ctx context.Context, jobID, kind string, payload any, opts Options) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	ks, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if h, ok := r.queued[jobID]; ok {
		return h, nil
	}
	h := newHandle(jobID, kind)
	prev := r.running[jobID]
	r.queued[jobID] = h
	r.inflight++
	r.wg.Add(1)
	go r.run(h, prev, ks, raw, merge(ks.defaults, opts))
	return h, nil
}

func merge(defaults, opts Options) Options {
	out := defaults
	if opts.MaxDuration > 0 {
		out.MaxDuration = opts.MaxDuration
	}
	if opts.Retry.Attempts > 0 {
		out.Retry.Attempts = opts.Retry.Attempts
	}
	if opts.Retry.Backoff > 0 {
		out.Retry.Backoff = opts.Retry.Backoff
	}
	if out.Retry.Attempts <= 0 {
		out.Retry.Attempts = 1
	}
	return out
}

func (r *Runner) run(h, prev *Handle, ks *kindState, payload json.RawMessage, opts Options) {
	defer r.wg.Done()
	if prev != nil {
		// Same-id jobs never overlap.
		select {
		case <-prev.done:
		case <-r.ctx.Done():
		}
	}
	backoff := opts.Retry.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		errCh := make(chan error, 1)
		ks.group.Go(func() error {
			if attempt == 1 {
				r.start(h)
			}
			errCh <- r.exec(h, ks.handler, payload, opts.MaxDuration)
			return nil
		})
		err = <-errCh
		h.mu.Lock()
		h.attempts = attempt
		h.mu.Unlock()
		if err == nil || attempt >= opts.Retry.Attempts {
			break
		}
		r.logger.Warn("job attempt failed",
			zap.String("job_id", h.ID),
			zap.String("kind", h.Kind),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-r.ctx.Done():
			err = r.ctx.Err()
		case <-time.After(backoff):
		}
		if r.ctx.Err() != nil {
			break
		}
		backoff *= 2
	}
	if err != nil {
		r.logger.Error("job failed",
			zap.String("job_id", h.ID),
			zap.String("kind", h.Kind),
			zap.Int("attempts", h.Attempts()),
			zap.Error(err))
	}
	r.finish(h, err)
}

func (r *Runner) exec(h *Handle, handler HandlerFunc, payload json.RawMessage, maxDuration time.Duration) (err error) {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	ctx := r.ctx
	if maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.ctx, maxDuration)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", h.ID, p)
		}
	}()
	return handler(ctx, payload)
}

func (r *Runner) start(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued[h.ID] == h {
		delete(r.queued, h.ID)
	}
	r.running[h.ID] = h
}

func (r *Runner) finish(h *Handle, err error) {
	r.mu.Lock()
	if r.queued[h.ID] == h {
		delete(r.queued, h.ID)
	}
	if r.running[h.ID] == h {
		delete(r.running, h.ID)
	}
	r.inflight--
	r.mu.Unlock()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Pending reports how many jobs are queued or running.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// Flush waits until no job is queued or running.
func (r *Runner) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for r.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting jobs and waits for in-flight ones. When ctx ends
// first, running handlers are cancelled and Close still waits for them.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
