package worker

import (
	"context"
	"sync"

	"tilefarm/internal/pkg/errors"
)

// Client turns a Worker's message stream into blocking Render calls. It must
// be the only reader of the worker's Messages.
type Client struct {
	w *Worker

	mu      sync.Mutex
	waiting map[string]chan Message
	stopped bool
}

// NewClient starts reading w's messages. The client stops when w closes its
// message channel.
func NewClient(w *Worker) *Client {
	c := &Client{w: w, waiting: make(map[string]chan Message)}
	go c.dispatch()
	return c
}

// Worker returns the underlying worker.
func (c *Client) Worker() *Worker { return c.w }

// WaitReady blocks until the worker has loaded its render module.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.w.Ready():
		return c.w.Err()
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "worker.wait_ready", "render module still loading")
	}
}

// Render posts payload and waits for its message.
func (c *Client) Render(ctx context.Context, payload []uint32) ([]byte, error) {
	const op = "worker.client.render"

	// Reserve the id first so the reply cannot race the registration.
	id := c.w.nextID()
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, errors.Unavailable(c.w.Name())
	}
	c.waiting[id] = ch
	c.mu.Unlock()

	if _, err := c.w.Post(ctx, Job{ID: id, Payload: payload}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, errors.Unavailable(c.w.Name())
		}
		if m.Kind == KindError {
			return nil, errors.Wrap(m.Err, op, "render failed").WithField("job_id", id)
		}
		return m.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, errors.Wrap(ctx.Err(), op, "waiting for render").WithField("job_id", id)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

func (c *Client) dispatch() {
	for m := range c.w.Messages() {
		if m.JobID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.waiting[m.JobID]
		delete(c.waiting, m.JobID)
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	}

	c.mu.Lock()
	c.stopped = true
	for id, ch := range c.waiting {
		close(ch)
		delete(c.waiting, id)
	}
	c.mu.Unlock()
}
