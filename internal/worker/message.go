package worker

import (
	"context"
	"time"

	"tilefarm/internal/pkg/errors"
)

// State is the lifecycle state of a Worker.
type State int32

const (
	StateLoading State = iota
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind tells what a Message carries.
type Kind string

const (
	KindReady  Kind = "ready"
	KindResult Kind = "result"
	KindError  Kind = "error"
)

// Job is one render request. Payload is the marshalled job.RenderJob.
type Job struct {
	ID      string   `json:"id"`
	Payload []uint32 `json:"payload"`
}

// Message is what a Worker posts back to its caller.
//
// The first message is always seq 0: either KindReady, or a KindError without
// a JobID when the render module failed to load. Every posted job then yields
// exactly one KindResult or KindError message, in posting order.
type Message struct {
	Kind    Kind           `json:"kind"`
	Seq     uint64         `json:"seq"`
	JobID   string         `json:"job_id,omitempty"`
	Result  []byte         `json:"result,omitempty"`
	Err     *errors.Report `json:"error,omitempty"`
	Elapsed time.Duration  `json:"elapsed_ns"`
}

// Renderer turns a marshalled job into PNG bytes.
type Renderer interface {
	Render(ctx context.Context, payload []uint32) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, payload []uint32) ([]byte, error)

func (f RendererFunc) Render(ctx context.Context, payload []uint32) ([]byte, error) {
	return f(ctx, payload)
}

// Loader initializes the render module. It runs once, on the worker's goroutine.
type Loader func(ctx context.Context) (Renderer, error)

// Policy decides what Post does when the queue is full.
type Policy string

const (
	// PolicyBlock waits for space or for the caller's context.
	PolicyBlock Policy = "block"
	// PolicyReject fails immediately with RESOURCE_EXHAUSTED.
	PolicyReject Policy = "reject"
)

// ParsePolicy accepts "block", "reject" or "" (block).
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyBlock:
		return PolicyBlock, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", errors.ValidationField("backpressure", "must be block or reject").WithField("value", s)
	}
}
