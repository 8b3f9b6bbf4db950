package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/breeze-rmm/updater/internal/httputil"
	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("network")

// Policy controls retry and deadline behavior for one logical request.
type Policy struct {
	MaxAttemptsPerTransport int
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	// Jitter is the ±fraction applied to each backoff delay.
	Jitter float64
	// OverallTimeout is shared by every transport and never reset. Zero
	// disables it.
	OverallTimeout time.Duration
}

// DefaultPolicy returns the retry policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttemptsPerTransport: 3,
		BaseDelay:               time.Second,
		MaxDelay:                30 * time.Second,
		Jitter:                  0.2,
		OverallTimeout:          5 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttemptsPerTransport < 1 {
		p.MaxAttemptsPerTransport = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Attempt is one request/response cycle recorded in a trace.
type Attempt struct {
	Transport  string        `json:"transport"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"statusCode,omitempty"`
	Err        string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Succeeded reports whether the attempt produced a response.
func (a Attempt) Succeeded() bool { return a.Err == "" }

// Client runs requests over an ordered list of transports.
type Client struct {
	policy     Policy
	proxy      *ProxyResolver
	transports []Transport
	observe    func(Attempt)
}

// NewClient returns a client trying transports in the given order.
func NewClient(policy Policy, proxy *ProxyResolver, transports ...Transport) *Client {
	return &Client{
		policy:     policy.normalized(),
		proxy:      proxy,
		transports: transports,
	}
}

// WithObserver returns a copy of c that reports every attempt to fn.
func (c *Client) WithObserver(fn func(Attempt)) *Client {
	cp := *c
	cp.observe = fn
	return &cp
}

// Policy returns the normalized policy.
func (c *Client) Policy() Policy { return c.policy }

// TransportNames lists the transport chain in priority order.
func (c *Client) TransportNames() []string {
	names := make([]string, len(c.transports))
	for i, t := range c.transports {
		names[i] = t.Name()
	}
	return names
}

// Do runs req to completion.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	return c.NewOperation(req).Run(ctx)
}

// NewOperation prepares one outstanding logical request.
func (c *Client) NewOperation(req *Request) *Operation {
	return &Operation{client: c, req: req, attempts: make(map[string]int)}
}

// Operation is one logical request across the transport chain. At most one
// transport executes at any instant.
type Operation struct {
	client *Client
	req    *Request

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	cancelled bool
	active    string
	attempts  map[string]int
	trace     []Attempt
	resp      *Response
	err       error
}

// Cancel aborts the operation. The running transport sees its context end.
func (op *Operation) Cancel() {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.cancelled = true
	if op.cancel != nil {
		op.cancel()
	}
}

// Trace returns every attempt made so far.
func (op *Operation) Trace() []Attempt {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]Attempt(nil), op.trace...)
}

// Attempts returns the number of attempts made on the named transport.
func (op *Operation) Attempts(transport string) int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.attempts[transport]
}

// Active returns the transport currently executing, if any.
func (op *Operation) Active() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.active
}

// Result returns the outcome once Run has returned. Both are nil while pending.
func (op *Operation) Result() (*Response, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.resp, op.err
}

// Run iterates the transport chain. Success short-circuits; on exhaustion
// the error is a *Error carrying the last transport's failure.
func (op *Operation) Run(parent context.Context) (*Response, error) {
	op.mu.Lock()
	if op.started {
		op.mu.Unlock()
		return nil, errors.New("operation already run")
	}
	op.started = true
	ctx, cancel := context.WithCancel(parent)
	op.cancel = cancel
	if op.cancelled {
		cancel()
	}
	op.mu.Unlock()
	defer cancel()

	policy := op.client.policy
	if policy.OverallTimeout > 0 {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithTimeout(ctx, policy.OverallTimeout)
		defer cancelDeadline()
	}

	proxy := op.client.proxy.Resolve()

	var (
		lastErr error
		tried   []string
	)
	for _, t := range op.client.transports {
		if ctx.Err() != nil {
			break
		}
		tried = append(tried, t.Name())

		resp, err := op.runTransport(ctx, t, proxy, policy)
		if err == nil {
			op.finish(resp, nil)
			return resp, nil
		}
		lastErr = err
		log.Warn("transport failed",
			logging.KeyTransport, t.Name(),
			"url", op.req.URL,
			"attempts", op.Attempts(t.Name()),
			logging.KeyError, err,
		)
	}

	if len(op.client.transports) == 0 {
		lastErr = errors.New("no transports configured")
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}

	netErr := &Error{
		Kind:       op.classify(parent, ctx),
		Transports: tried,
		StatusCode: statusCode(lastErr),
		Err:        lastErr,
	}
	op.finish(nil, netErr)
	return nil, netErr
}

func (op *Operation) classify(parent, ctx context.Context) ErrorKind {
	op.mu.Lock()
	cancelled := op.cancelled
	op.mu.Unlock()

	switch {
	case cancelled || errors.Is(parent.Err(), context.Canceled):
		return KindCancelled
	case errors.Is(parent.Err(), context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return KindTimeout
	}
	return KindNetwork
}

// runTransport retries one transport with exponential backoff. Capability
// mismatches and non-retryable statuses stop this transport's retries at
// once; Run then falls back to the next transport in the chain.
func (op *Operation) runTransport(ctx context.Context, t Transport, proxy httputil.ProxyFunc, policy Policy) (*Response, error) {
	op.setActive(t.Name())
	defer op.setActive("")

	expBackoff := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: policy.Jitter,
		Multiplier:          2,
		MaxInterval:         policy.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	expBackoff.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(policy.MaxAttemptsPerTransport-1)), ctx)

	var resp *Response
	err := backoff.RetryNotify(
		func() error {
			n := op.nextAttempt(t.Name())
			start := time.Now()
			r, err := t.Do(ctx, op.req, proxy)
			op.record(Attempt{
				Transport:  t.Name(),
				Attempt:    n,
				StatusCode: attemptStatus(r, err),
				Err:        errString(err),
				Duration:   time.Since(start),
			})
			if err == nil {
				resp = r
				return nil
			}
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		bo,
		func(err error, d time.Duration) {
			log.Debug("retrying transport",
				logging.KeyTransport, t.Name(),
				"delay", d,
				logging.KeyError, err,
			)
		},
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (op *Operation) nextAttempt(transport string) int {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.attempts[transport]++
	return op.attempts[transport]
}

func (op *Operation) record(a Attempt) {
	op.mu.Lock()
	op.trace = append(op.trace, a)
	op.mu.Unlock()
	if op.client.observe != nil {
		op.client.observe(a)
	}
}

func (op *Operation) setActive(name string) {
	op.mu.Lock()
	op.active = name
	op.mu.Unlock()
}

func (op *Operation) finish(resp *Response, err error) {
	op.mu.Lock()
	op.resp, op.err = resp, err
	op.mu.Unlock()
}

func attemptStatus(r *Response, err error) int {
	if r != nil {
		return r.StatusCode
	}
	return statusCode(err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
