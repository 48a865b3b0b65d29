package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedDoer replays a fixed sequence of statuses, repeating the last one.
type scriptedDoer struct {
	statuses []int
	body     string
	calls    atomic.Int32
	netErrs  int
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	n := int(d.calls.Add(1))
	if n <= d.netErrs {
		return nil, errors.New("connection reset by peer")
	}
	idx := n - d.netErrs - 1
	if idx >= len(d.statuses) {
		idx = len(d.statuses) - 1
	}
	return &http.Response{
		StatusCode: d.statuses[idx],
		Body:       io.NopCloser(strings.NewReader(d.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      4 * time.Millisecond,
		BackoffFactor: 2,
		JitterFrac:    0.3,
	}
}

func TestDoAlways503ExhaustsAttempts(t *testing.T) {
	d := &scriptedDoer{statuses: []int{503}}
	res := Do(context.Background(), d, Request{Name: "test", URL: "http://example.invalid/x"}, fastPolicy(5))

	if res.OK() {
		t.Fatal("expected failure result")
	}
	if got := d.calls.Load(); got != 5 {
		t.Fatalf("attempts = %d, want 5", got)
	}
	if res.Attempts != 5 {
		t.Fatalf("Result.Attempts = %d, want 5", res.Attempts)
	}
	if !errors.Is(res.Err, ErrRetriesExhausted) {
		t.Fatalf("Err = %v, want ErrRetriesExhausted", res.Err)
	}
	if !IsStatus(res.Err, http.StatusServiceUnavailable) {
		t.Fatalf("Err = %v, want wrapped 503 StatusError", res.Err)
	}
}

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	d := &scriptedDoer{statuses: []int{503, 502, 200}, body: `{"ok":true}`}
	res := Do(context.Background(), d, Request{Name: "test", URL: "http://example.invalid/x"}, fastPolicy(5))

	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if got := d.calls.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}

	var payload struct {
		OK bool `json:"ok"`
	}
	if err := res.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !payload.OK {
		t.Fatal("decoded payload ok = false, want true")
	}
}

func TestDoNonRetryableStatusFailsImmediately(t *testing.T) {
	d := &scriptedDoer{statuses: []int{404}, body: "not found"}
	res := Do(context.Background(), d, Request{Name: "test", URL: "http://example.invalid/x"}, fastPolicy(5))

	if res.OK() {
		t.Fatal("expected failure")
	}
	if got := d.calls.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if errors.Is(res.Err, ErrRetriesExhausted) {
		t.Fatal("terminal failure should not report exhausted retries")
	}
	if res.Status != http.StatusNotFound {
		t.Fatalf("Status = %d, want 404", res.Status)
	}
}

func TestDoRetriesNetworkErrors(t *testing.T) {
	d := &scriptedDoer{statuses: []int{200}, netErrs: 2, body: "{}"}
	res := Do(context.Background(), d, Request{Name: "test", URL: "http://example.invalid/x"}, fastPolicy(3))

	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestDoSingleAttemptReportsRateLimit(t *testing.T) {
	d := &scriptedDoer{statuses: []int{429}}
	res := Do(context.Background(), d, Request{Name: "presence", URL: "http://example.invalid/x"}, fastPolicy(1))

	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Status != http.StatusTooManyRequests {
		t.Fatalf("Status = %d, want 429", res.Status)
	}
	if !IsStatus(res.Err, http.StatusTooManyRequests) {
		t.Fatalf("Err = %v, want 429 StatusError", res.Err)
	}
}

func TestDoCustomSuccessStatuses(t *testing.T) {
	d := &scriptedDoer{statuses: []int{204}}
	p := fastPolicy(2)
	p.SuccessStatuses = []int{http.StatusOK}

	res := Do(context.Background(), d, Request{Name: "test", URL: "http://example.invalid/x"}, p)
	if res.OK() {
		t.Fatal("204 should fail when only 200 is a success status")
	}
	if got := d.calls.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 (204 is not retryable)", got)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	d := &scriptedDoer{statuses: []int{503}}
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(10)
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := Do(ctx, d, Request{Name: "test", URL: "http://example.invalid/x"}, p)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", res.Err)
	}
	if got := d.calls.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestDoReplaysBodyAndHeaders(t *testing.T) {
	var bodies []string
	var contentTypes []string
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(req.Body)
		bodies = append(bodies, string(b))
		contentTypes = append(contentTypes, req.Header.Get("Content-Type"))
		status := http.StatusServiceUnavailable
		if len(bodies) == 2 {
			status = http.StatusOK
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader("{}"))}, nil
	})

	res := Do(context.Background(), doer, Request{
		Name:   "presence",
		Method: http.MethodPost,
		URL:    "http://example.invalid/x",
		Body:   []byte(`{"userIds":[1]}`),
		Header: http.Header{"Content-Type": {"application/json"}},
	}, fastPolicy(3))

	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	for i, b := range bodies {
		if b != `{"userIds":[1]}` {
			t.Fatalf("attempt %d body = %q", i+1, b)
		}
		if contentTypes[i] != "application/json" {
			t.Fatalf("attempt %d content type = %q", i+1, contentTypes[i])
		}
	}
}

func TestApplyJitterStaysInRange(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		got := applyJitter(base, 0.3)
		if got < 70*time.Millisecond || got > 130*time.Millisecond {
			t.Fatalf("applyJitter = %v, outside ±30%% of %v", got, base)
		}
	}
	if got := applyJitter(base, 0); got != base {
		t.Fatalf("applyJitter with zero frac = %v, want %v", got, base)
	}
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }
