package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
)

// DefaultQueueSize is the job queue capacity when Options.QueueSize is 0.
const DefaultQueueSize = 64

// Options configures a Worker.
type Options struct {
	// Name identifies the worker in logs and generated job ids.
	Name       string
	QueueSize  int
	Policy     Policy
	JobTimeout time.Duration
	Log        *logger.Logger
}

// Worker owns one render module and renders posted jobs one at a time, in
// posting order. Jobs posted before the module has loaded wait in the queue.
type Worker struct {
	name   string
	loader Loader
	policy Policy
	jobTO  time.Duration
	log    *logger.Logger

	queue    chan Job
	messages chan Message
	ready    chan struct{}
	done     chan struct{}
	exited   chan struct{}
	stopping chan struct{}

	// sendMu orders queue sends against the loop exit: once stopped is set no
	// job can enter the queue.
	sendMu  sync.RWMutex
	stopped bool

	state   atomic.Int32
	initErr error
	ids     atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New returns a Worker in the loading state. Call Start to run the loader.
func New(loader Loader, opts Options) *Worker {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyBlock
	}
	name := opts.Name
	if name == "" {
		name = "worker"
	}
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}

	return &Worker{
		name:     name,
		loader:   loader,
		policy:   policy,
		jobTO:    opts.JobTimeout,
		log:      log.WithComponent("render_worker").WithFields(map[string]any{"worker": name}),
		queue:    make(chan Job, size),
		messages: make(chan Message, size),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		stopping: make(chan struct{}),
	}
}

// Start runs the loader and then the job loop on a new goroutine. The worker
// stops when ctx ends or Close is called. Start is a no-op after the first call.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		go w.run(ctx)
	})
}

// Messages delivers ready, result and error messages. It is closed once the
// worker has stopped.
func (w *Worker) Messages() <-chan Message { return w.messages }

// Ready is closed when loading finishes, successfully or not.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Err returns the load error once Ready is closed.
func (w *Worker) Err() error {
	select {
	case <-w.ready:
		return w.initErr
	default:
		return nil
	}
}

func (w *Worker) State() State { return State(w.state.Load()) }

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

func (w *Worker) nextID() string {
	return fmt.Sprintf("%s-%d", w.name, w.ids.Add(1))
}

// Pending returns the number of queued jobs, excluding the one in flight.
func (w *Worker) Pending() int { return len(w.queue) }

// Post queues j and returns its id, generating one when j.ID is empty.
// With PolicyReject a full queue fails with RESOURCE_EXHAUSTED; with
// PolicyBlock Post waits for space until ctx ends.
func (w *Worker) Post(ctx context.Context, j Job) (string, error) {
	const op = "worker.post"

	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.stopped || w.State() == StateClosed {
		return "", errors.Unavailable(w.name)
	}
	if j.ID == "" {
		j.ID = w.nextID()
	}

	if w.policy == PolicyReject {
		select {
		case w.queue <- j:
			return j.ID, nil
		case <-w.done:
			return "", errors.Unavailable(w.name)
		case <-w.stopping:
			return "", errors.Unavailable(w.name)
		default:
			return "", errors.ResourceExhausted("worker queue", cap(w.queue)).WithField("job_id", j.ID)
		}
	}

	select {
	case w.queue <- j:
		return j.ID, nil
	case <-w.done:
		return "", errors.Unavailable(w.name)
	case <-w.stopping:
		return "", errors.Unavailable(w.name)
	case <-ctx.Done():
		return "", errors.WrapWithCode(ctx.Err(), errors.ToReport(ctx.Err()).Code, op, "queue is full").
			WithField("job_id", j.ID)
	}
}

// Close stops the worker, interrupting the job in flight. Jobs still queued
// are dropped without a message. Close waits for the job loop to exit, after
// which Messages is closed.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.state.Store(int32(StateClosed))
		close(w.done)

		w.startOnce.Do(func() {
			w.stopAccepting()
			w.initErr = errors.Unavailable(w.name)
			close(w.ready)
			close(w.messages)
			close(w.exited)
		})
		if w.cancel != nil {
			w.cancel()
		}
		<-w.exited

		if n := len(w.queue); n > 0 {
			w.log.Warn("worker closed with queued jobs", "dropped", n)
		}
	})
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.messages)
	defer close(w.exited)
	defer w.stopAccepting()

	var seq uint64
	start := time.Now()

	r, err := w.load(ctx)
	w.initErr = err
	if err != nil {
		w.state.CompareAndSwap(int32(StateLoading), int32(StateFailed))
		close(w.ready)
		w.log.Error("render module failed to load",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		w.emit(ctx, Message{Kind: KindError, Seq: seq, Err: errors.ToReport(err), Elapsed: time.Since(start)})
	} else {
		w.state.CompareAndSwap(int32(StateLoading), int32(StateReady))
		close(w.ready)
		w.log.Info("worker ready", "duration_ms", time.Since(start).Milliseconds())
		w.emit(ctx, Message{Kind: KindReady, Seq: seq, Elapsed: time.Since(start)})
		if c, ok := r.(interface{ Close(context.Context) error }); ok {
			defer func() {
				if err := c.Close(context.WithoutCancel(ctx)); err != nil {
					w.log.Warn("close render module", "error", err.Error())
				}
			}()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case j := <-w.queue:
			seq++
			var m Message
			if err != nil {
				m = w.unavailable(j, seq)
			} else {
				m = w.process(ctx, r, j, seq)
			}
			if !w.emit(ctx, m) {
				return
			}
		}
	}
}

// stopAccepting wakes blocked posters and waits for in-progress sends, so
// that no job is queued after the loop has gone.
func (w *Worker) stopAccepting() {
	close(w.stopping)
	w.sendMu.Lock()
	w.stopped = true
	w.sendMu.Unlock()
}

func (w *Worker) load(ctx context.Context) (r Renderer, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Internalf("render module loader panicked: %v", p)
		}
	}()
	r, err = w.loader(ctx)
	if err == nil && r == nil {
		err = errors.Internal("render module loader returned no renderer")
	}
	return r, err
}

func (w *Worker) unavailable(j Job, seq uint64) Message {
	err := errors.Unavailable(w.name).
		WithField("job_id", j.ID).
		WithField("cause", w.initErr.Error())
	return Message{Kind: KindError, Seq: seq, JobID: j.ID, Err: errors.ToReport(err)}
}

func (w *Worker) process(ctx context.Context, r Renderer, j Job, seq uint64) Message {
	log := w.log.WithJobID(j.ID)
	start := time.Now()

	out, err := w.render(ctx, r, j)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn("render failed", "error", err.Error(), "duration_ms", elapsed.Milliseconds())
		return Message{Kind: KindError, Seq: seq, JobID: j.ID, Err: errors.ToReport(err), Elapsed: elapsed}
	}

	log.Debug("render done", "bytes", len(out), "duration_ms", elapsed.Milliseconds())
	return Message{Kind: KindResult, Seq: seq, JobID: j.ID, Result: out, Elapsed: elapsed}
}

func (w *Worker) render(ctx context.Context, r Renderer, j Job) (out []byte, err error) {
	const op = "worker.render"

	if w.jobTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTO)
		defer cancel()
	}
	ctx = logger.ContextWithJobID(ctx, j.ID)

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, errors.Internalf("render panicked: %v", p).WithField("job_id", j.ID)
		}
	}()

	out, err = r.Render(ctx, j.Payload)
	if err != nil {
		return nil, errors.Wrap(err, op, "render job").WithField("job_id", j.ID)
	}
	return out, nil
}

// emit delivers m unless the worker is stopping. It reports whether m was sent.
func (w *Worker) emit(ctx context.Context, m Message) bool {
	select {
	case w.messages <- m:
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}
}
