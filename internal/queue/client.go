package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/trovehq/trove/internal/platform/logger"
)

/*
Client is the driver-independent producer surface: enqueue, lookup, retry,
cancel, stats. It is safe for concurrent use.

Cancellation spans two mechanisms. The driver write moves the job to failed,
which any worker discovers at its next lease renewal; the in-process registry
additionally cancels the handler context immediately when the job happens to
be running on a worker attached to this client.
*/
type Client struct {
	driver  Driver
	log     *logger.Logger
	cancels *cancelRegistry
	closed  atomic.Bool
}

func NewClient(driver Driver, baseLog *logger.Logger) *Client {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	return &Client{
		driver:  driver,
		log:     baseLog.With("component", "QueueClient"),
		cancels: newCancelRegistry(),
	}
}

// Driver exposes the underlying driver to workers and the scheduler.
func (c *Client) Driver() Driver { return c.driver }

func (c *Client) Enqueue(ctx context.Context, queue string, data map[string]any, opts EnqueueOptions) (string, error) {
	if c.closed.Load() {
		return "", ErrClientClosed
	}
	return c.driver.Enqueue(ctx, queue, data, opts.WithDefaults())
}

func (c *Client) GetJob(ctx context.Context, idOrKey string) (*Job, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.driver.GetJob(ctx, idOrKey)
}

// Retry re-targets a failed job. Returns false for missing jobs and for any
// non-failed state.
func (c *Client) Retry(ctx context.Context, idOrKey string) (bool, error) {
	if c.closed.Load() {
		return false, ErrClientClosed
	}
	return c.driver.Retry(ctx, idOrKey)
}

// Cancel fails a pending or processing job with last_error = "cancelled".
// When the job is running on a worker attached to this client, the handler
// context is cancelled as well.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	if c.closed.Load() {
		return false, ErrClientClosed
	}
	ok, err := c.driver.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		c.cancels.cancel(id)
	}
	return ok, nil
}

func (c *Client) Stats(ctx context.Context, queue string) (Stats, error) {
	if c.closed.Load() {
		return Stats{}, ErrClientClosed
	}
	return c.driver.Stats(ctx, queue)
}

// Close releases the driver. Idempotent; only the first call closes.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.driver.Close()
}

// cancelRegistry maps in-flight job ids to their handler context cancel
// functions. Workers register on claim and unregister on commit.
type cancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{m: make(map[string]context.CancelFunc)}
}

func (r *cancelRegistry) register(id string, fn context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = fn
}

func (r *cancelRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

func (r *cancelRegistry) cancel(id string) {
	r.mu.Lock()
	fn := r.m[id]
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
