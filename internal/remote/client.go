// Package remote talks to render nodes over HTTP.
//
// A node answers GET /ping with "pong" and GET /{x,y,w,h,cw,ch,s,r} with the
// rendered tile as image/png.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tilefarm/internal/httpkit"
	"tilefarm/internal/job"
	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/pkg/logger"
)

// MaxTileBytes bounds the PNG a node may return.
const MaxTileBytes = 64 << 20

type Options struct {
	// Timeout bounds one request. Zero means 10 minutes.
	Timeout time.Duration
	// RPS paces requests to the node. Zero or less disables pacing.
	RPS   float64
	Burst int
	// HTTPClient overrides the default client; Timeout is then ignored.
	HTTPClient *http.Client
	Log        *logger.Logger
}

// Client renders tiles on one remote node.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

func NewClient(baseURL string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  hc,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.WithComponent("remote").WithFields(map[string]any{"node": baseURL}),
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Ping checks that the node is up.
func (c *Client) Ping(ctx context.Context) error {
	const op = "remote.ping"

	res, err := c.get(ctx, "/ping")
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "node unreachable").WithField("node", c.baseURL)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return statusError(res, op)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 64))
	if err != nil {
		return errors.Wrap(err, op, "read ping")
	}
	if strings.TrimSpace(string(body)) != "pong" {
		return errors.Newf(errors.CodeUnavailable, "unexpected ping reply %q", body).WithField("node", c.baseURL)
	}
	return nil
}

// Render decodes payload as a render job, renders it on the node and
// returns the PNG.
func (c *Client) Render(ctx context.Context, payload []uint32) ([]byte, error) {
	j, err := job.FromWords(payload)
	if err != nil {
		return nil, err
	}
	return c.RenderJob(ctx, j)
}

func (c *Client) RenderJob(ctx context.Context, j job.RenderJob) ([]byte, error) {
	const op = "remote.render"
	start := time.Now()

	res, err := c.get(ctx, j.Path())
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), op, "render request")
		}
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, op, "node unreachable").WithField("node", c.baseURL)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, statusError(res, op)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/png") {
		return nil, errors.Newf(errors.CodeInternal, "node answered %q, want image/png", ct).WithField("node", c.baseURL)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, MaxTileBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, op, "read tile")
	}
	if len(body) > MaxTileBytes {
		return nil, errors.ResourceExhausted("tile response", MaxTileBytes)
	}

	c.log.Debug("remote tile rendered",
		"tile", j.String(),
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return body, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// statusError maps a non-200 reply to a coded error, preferring the code in a
// JSON error envelope.
func statusError(res *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	var env httpkit.ErrorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
		return errors.New(errors.Code(env.Error.Code), env.Error.Message).
			WithField("status", res.StatusCode)
	}

	code := errors.CodeInternal
	switch res.StatusCode {
	case http.StatusBadRequest:
		code = errors.CodeValidation
	case http.StatusNotFound:
		code = errors.CodeNotFound
	case http.StatusTooManyRequests:
		code = errors.CodeResourceExhausted
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		code = errors.CodeUnavailable
	case http.StatusGatewayTimeout:
		code = errors.CodeTimeout
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	return errors.New(code, fmt.Sprintf("node http %d: %s", res.StatusCode, msg)).
		WithField("status", res.StatusCode)
}
