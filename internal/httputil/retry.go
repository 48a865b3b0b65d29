package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
)

var log = logging.L("httputil")

// maxBodySize caps how much of a response body is buffered.
const maxBodySize = 8 << 20

// ErrRetriesExhausted is wrapped by Result.Err when every attempt hit a
// retryable status or a network error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Doer is the subset of *http.Client used here. Tests substitute a fake
// transport through it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy controls how a request is retried.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)

	// SuccessStatuses lists the statuses treated as success. Empty means any 2xx.
	SuccessStatuses []int
}

// DefaultPolicy returns the defaults used for Roblox calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   5,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// Request describes one logical call. Body is kept as bytes so it can be
// replayed on every attempt.
type Request struct {
	// Name labels the endpoint in logs and metrics ("roster", "presence", ...).
	Name   string
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Result is the outcome of Do. A failed Result is a value, not a panic or a
// partially read response, so callers can keep their previous state.
type Result struct {
	Status   int
	Body     []byte
	Attempts int
	Err      error
}

// OK reports whether the request succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Decode unmarshals the JSON body of a successful result into v.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError reports a response with a status outside the success set.
type StatusError struct {
	StatusCode int
	URL        string
	Retryable  bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsStatus reports whether err carries a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// isRetryableStatus returns true for HTTP status codes that are safe to retry.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func (p Policy) isSuccess(code int) bool {
	if len(p.SuccessStatuses) == 0 {
		return code >= 200 && code < 300
	}
	return slices.Contains(p.SuccessStatuses, code)
}

// Do performs req, retrying network errors and retryable statuses with
// capped exponential backoff plus jitter until MaxAttempts is reached.
// Non-retryable statuses fail immediately.
func Do(ctx context.Context, client Doer, req Request, p Policy) Result {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var (
		lastErr    error
		lastStatus int
	)
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := applyJitter(delay, p.JitterFrac)
			log.Debug("retrying request",
				"endpoint", req.Name,
				"attempt", attempt,
				"delay", wait,
				"lastError", lastErr,
			)
			metrics.HTTPRetriesTotal.WithLabelValues(req.Name).Inc()

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{Status: lastStatus, Attempts: attempt - 1, Err: ctx.Err()}
			case <-timer.C:
			}

			delay = time.Duration(float64(delay) * p.BackoffFactor)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
		if err != nil {
			return Result{Attempts: attempt, Err: err}
		}
		for k, vals := range req.Header {
			for _, v := range vals {
				httpReq.Header.Add(k, v)
			}
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(req.Name, "0").Inc()
			if ctx.Err() != nil {
				return Result{Attempts: attempt, Err: ctx.Err()}
			}
			lastErr = err
			lastStatus = 0
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		resp.Body.Close()
		metrics.HTTPRequestsTotal.WithLabelValues(req.Name, strconv.Itoa(resp.StatusCode)).Inc()

		if p.isSuccess(resp.StatusCode) {
			if readErr != nil {
				lastErr = fmt.Errorf("read body: %w", readErr)
				lastStatus = resp.StatusCode
				continue
			}
			return Result{Status: resp.StatusCode, Body: data, Attempts: attempt}
		}

		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			URL:        req.URL,
			Retryable:  isRetryableStatus(resp.StatusCode),
		}
		if !statusErr.Retryable {
			log.Warn("request failed",
				"endpoint", req.Name,
				"status", resp.StatusCode,
				"body", truncate(data, 200),
			)
			metrics.HTTPFailuresTotal.WithLabelValues(req.Name, "terminal").Inc()
			return Result{Status: resp.StatusCode, Body: data, Attempts: attempt, Err: statusErr}
		}
		lastErr = statusErr
		lastStatus = resp.StatusCode
	}

	log.Warn("all retries exhausted",
		"endpoint", req.Name,
		"method", method,
		"attempts", p.MaxAttempts,
		logging.KeyError, lastErr,
	)
	metrics.HTTPFailuresTotal.WithLabelValues(req.Name, "exhausted").Inc()
	return Result{
		Status:   lastStatus,
		Attempts: p.MaxAttempts,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, p.MaxAttempts, lastErr),
	}
}

// applyJitter adds ±frac random jitter to a duration.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
