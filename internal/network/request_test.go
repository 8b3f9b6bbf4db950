package network

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/http/httpproxy"

	"github.com/breeze-rmm/updater/internal/httputil"
)

type fakeTransport struct {
	name  string
	fails int // attempts that fail before success; -1 fails forever
	err   error
	delay time.Duration

	calls     atomic.Int32
	inFlight  *atomic.Int32
	maxActive *atomic.Int32
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Do(ctx context.Context, req *Request, _ httputil.ProxyFunc) (*Response, error) {
	if f.inFlight != nil {
		cur := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			prev := f.maxActive.Load()
			if cur <= prev || f.maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
	}
	n := int(f.calls.Add(1))
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fails < 0 || n <= f.fails {
		err := f.err
		if err == nil {
			err = fmt.Errorf("%s: connection reset", f.name)
		}
		return nil, err
	}
	return &Response{StatusCode: 200, Body: []byte(f.name), Transport: f.name}, nil
}

func fastPolicy() Policy {
	return Policy{
		MaxAttemptsPerTransport: 3,
		BaseDelay:               time.Millisecond,
		MaxDelay:                5 * time.Millisecond,
		OverallTimeout:          5 * time.Second,
	}
}

type attemptSummary struct {
	Transport string
	Attempt   int
	OK        bool
}

func summarize(trace []Attempt) []attemptSummary {
	out := make([]attemptSummary, len(trace))
	for i, a := range trace {
		out[i] = attemptSummary{a.Transport, a.Attempt, a.Succeeded()}
	}
	return out
}

func TestFallbackAfterExhaustingFirstTransport(t *testing.T) {
	a := &fakeTransport{name: "a", fails: -1}
	b := &fakeTransport{name: "b"}
	op := NewClient(fastPolicy(), nil, a, b).NewOperation(&Request{URL: "https://u.example.com/x"})

	resp, err := op.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Transport != "b" {
		t.Fatalf("served by %q, want b", resp.Transport)
	}

	want := []attemptSummary{
		{"a", 1, false}, {"a", 2, false}, {"a", 3, false},
		{"b", 1, true},
	}
	if diff := cmp.Diff(want, summarize(op.Trace())); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
	if op.Attempts("a") != 3 || op.Attempts("b") != 1 {
		t.Fatalf("attempts a=%d b=%d", op.Attempts("a"), op.Attempts("b"))
	}
}

func TestSuccessShortCircuits(t *testing.T) {
	a := &fakeTransport{name: "a", fails: 1}
	b := &fakeTransport{name: "b"}
	resp, err := NewClient(fastPolicy(), nil, a, b).Do(context.Background(), &Request{URL: "https://u.example.com"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Transport != "a" || b.calls.Load() != 0 {
		t.Fatalf("expected a to succeed on retry without touching b (b calls=%d)", b.calls.Load())
	}
}

func TestNonRetryableStatusFallsBackToNextTransport(t *testing.T) {
	a := &fakeTransport{name: "a", fails: -1, err: &httputil.StatusError{StatusCode: 404, URL: "x"}}
	b := &fakeTransport{name: "b"}
	op := NewClient(fastPolicy(), nil, a, b).NewOperation(&Request{URL: "https://u.example.com"})
	resp, err := op.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if op.Attempts("a") != 1 {
		t.Fatalf("404 should not be retried, got %d attempts", op.Attempts("a"))
	}
	if resp.Transport != "b" || op.Attempts("b") != 1 {
		t.Fatalf("served by %q after %d attempts on b, want b after 1", resp.Transport, op.Attempts("b"))
	}
}

func TestUnsupportedIsNotRetried(t *testing.T) {
	a := &fakeTransport{name: "a", fails: -1, err: fmt.Errorf("%w: blocked", ErrUnsupported)}
	op := NewClient(fastPolicy(), nil, a).NewOperation(&Request{URL: "http://u.example.com"})

	_, err := op.Run(context.Background())
	var netErr *Error
	if !errors.As(err, &netErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if netErr.Kind != KindNetwork || !errors.Is(err, ErrUnsupported) {
		t.Fatalf("unexpected error %v (kind %s)", err, netErr.Kind)
	}
	if diff := cmp.Diff([]string{"a"}, netErr.Transports); diff != "" {
		t.Fatalf("transports (-want +got):\n%s", diff)
	}
	if op.Attempts("a") != 1 {
		t.Fatalf("attempts = %d, want 1", op.Attempts("a"))
	}
}

func TestExhaustionReportsLastErrorAndTransports(t *testing.T) {
	a := &fakeTransport{name: "a", fails: -1}
	b := &fakeTransport{name: "b", fails: -1, err: &httputil.StatusError{StatusCode: 503, URL: "x"}}
	_, err := NewClient(fastPolicy(), nil, a, b).Do(context.Background(), &Request{URL: "https://u.example.com"})

	var netErr *Error
	if !errors.As(err, &netErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if netErr.StatusCode != 503 {
		t.Fatalf("status = %d, want last transport's 503", netErr.StatusCode)
	}
	if diff := cmp.Diff([]string{"a", "b"}, netErr.Transports); diff != "" {
		t.Fatalf("transports (-want +got):\n%s", diff)
	}
}

func TestOverallDeadlineIsSharedAcrossTransports(t *testing.T) {
	policy := fastPolicy()
	policy.OverallTimeout = 60 * time.Millisecond
	a := &fakeTransport{name: "a", fails: -1, delay: 40 * time.Millisecond}
	b := &fakeTransport{name: "b", delay: 40 * time.Millisecond}

	start := time.Now()
	_, err := NewClient(policy, nil, a, b).Do(context.Background(), &Request{URL: "https://u.example.com"})
	var netErr *Error
	if !errors.As(err, &netErr) || netErr.Kind != KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline not enforced, took %v", elapsed)
	}
	if b.calls.Load() != 0 {
		t.Fatalf("b ran %d attempts after the shared deadline passed", b.calls.Load())
	}
}

func TestCancelDuringAttempt(t *testing.T) {
	a := &fakeTransport{name: "a", delay: time.Second}
	op := NewClient(fastPolicy(), nil, a).NewOperation(&Request{URL: "https://u.example.com"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		op.Cancel()
	}()
	_, err := op.Run(context.Background())
	var netErr *Error
	if !errors.As(err, &netErr) || netErr.Kind != KindCancelled {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if _, resErr := op.Result(); resErr == nil {
		t.Fatal("Result should report the failure")
	}
}

func TestAtMostOneTransportActive(t *testing.T) {
	var inFlight, maxActive atomic.Int32
	var transports []Transport
	for _, name := range []string{"a", "b", "c"} {
		fails := -1
		if name == "c" {
			fails = 0
		}
		transports = append(transports, &fakeTransport{
			name: name, fails: fails, delay: 2 * time.Millisecond,
			inFlight: &inFlight, maxActive: &maxActive,
		})
	}
	if _, err := NewClient(fastPolicy(), nil, transports...).Do(context.Background(), &Request{URL: "https://u.example.com"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent transports = %d, want 1", maxActive.Load())
	}
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	var seen atomic.Int32
	a := &fakeTransport{name: "a", fails: 2}
	client := NewClient(fastPolicy(), nil, a).WithObserver(func(Attempt) { seen.Add(1) })
	if _, err := client.Do(context.Background(), &Request{URL: "https://u.example.com"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if seen.Load() != 3 {
		t.Fatalf("observer saw %d attempts, want 3", seen.Load())
	}
}

func TestNoTransports(t *testing.T) {
	_, err := NewClient(fastPolicy(), nil).Do(context.Background(), &Request{URL: "https://u.example.com"})
	if err == nil {
		t.Fatal("expected error without transports")
	}
}

func TestSelect(t *testing.T) {
	d := &DirectTransport{}
	bg := &BackgroundTransport{}
	got, err := Select([]string{"background", "direct"}, d, bg, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got[0].Name() != "background" || got[1].Name() != "direct" {
		t.Fatalf("unexpected order %v", []string{got[0].Name(), got[1].Name()})
	}
	if _, err := Select([]string{"mirror"}, d, bg, nil); err == nil {
		t.Fatal("expected error for unavailable transport")
	}
}

func TestProxyResolverOverridesEnvironment(t *testing.T) {
	r := NewProxyResolver(ProxyConfig{HTTPSProxy: "http://proxy.internal:3128", NoProxy: "skip.example.com"})
	r.lookup = func() *httpproxy.Config {
		return &httpproxy.Config{HTTPSProxy: "http://env-proxy:8080"}
	}
	proxy := r.Resolve()

	target, _ := url.Parse("https://update.example.com/check")
	got, err := proxy(target)
	if err != nil || got == nil || got.Host != "proxy.internal:3128" {
		t.Fatalf("proxy = %v, %v", got, err)
	}

	skipped, _ := url.Parse("https://skip.example.com/x")
	if got, _ := proxy(skipped); got != nil {
		t.Fatalf("expected no proxy for NO_PROXY host, got %v", got)
	}
}
