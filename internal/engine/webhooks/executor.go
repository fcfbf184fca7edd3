package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"carehub/internal/pkg/validator"
	"carehub/internal/platform/models"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
	HeaderEvent     = "X-Webhook-Event"

	defaultTimeout = 30 * time.Second
	defaultMaxBody = 1000
	drainLimit     = 64 << 10
)

// Attempt is one delivery of an event to one endpoint snapshot.
type Attempt struct {
	EventID   string
	EventType string
	CreatedAt time.Time
	Data      json.RawMessage
	Number    int
	Target    models.EndpointSnapshot
}

// Result is the outcome of an Attempt. Err is one of *TimeoutError,
// *NetworkError, or *HTTPError when Success is false.
type Result struct {
	Success         bool
	HTTPStatus      int
	ResponseBody    string
	ResponseHeaders map[string]string
	Duration        time.Duration
	Err             error
}

// Outcome labels the result for metrics.
func (r Result) Outcome() string {
	var timeoutErr *TimeoutError
	var netErr *NetworkError
	var httpErr *HTTPError
	switch {
	case r.Success:
		return "success"
	case errors.As(r.Err, &timeoutErr):
		return "timeout"
	case errors.As(r.Err, &netErr):
		return "network_error"
	case errors.As(r.Err, &httpErr):
		return "http_error"
	default:
		return "network_error"
	}
}

// Executor performs single signed HTTP POSTs.
type Executor struct {
	client    *http.Client
	userAgent string
	maxBody   int
	now       func() time.Time
}

// NewHTTPClient returns the client deliveries are sent with. Unless
// allowPrivate is set, connections to loopback, private, and other
// non-public addresses are refused after DNS resolution.
func NewHTTPClient(allowPrivate bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !allowPrivate {
		dialer.Control = validator.PublicDialControl
	}
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &http.Client{Transport: transport, CheckRedirect: noRedirect}
}

// NewExecutor sends deliveries with client, or NewHTTPClient(false) when
// client is nil. Redirects are never followed; a 3xx answer is a failure.
func NewExecutor(client *http.Client, userAgent string, maxBody int) *Executor {
	if client == nil {
		client = NewHTTPClient(false)
	} else {
		c := *client
		c.CheckRedirect = noRedirect
		client = &c
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Executor{
		client:    client,
		userAgent: userAgent,
		maxBody:   maxBody,
		now:       time.Now,
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Deliver sends the attempt and reports what happened. Failures are returned
// in the Result, never as a panic or error.
func (e *Executor) Deliver(ctx context.Context, a Attempt) Result {
	start := e.now()
	timeout := time.Duration(a.Target.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	body, err := NewEnvelope(a.EventID, a.EventType, a.CreatedAt, a.Data).Marshal()
	if err != nil {
		return Result{Err: &NetworkError{Err: err}}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, a.Target.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: &NetworkError{Err: err}, Duration: e.since(start)}
	}
	for k, v := range a.Target.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	req.Header.Set(HeaderSignature, Sign(a.Target.Secret, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(start.Unix(), 10))
	req.Header.Set(HeaderID, a.EventID)
	req.Header.Set(HeaderEvent, a.EventType)

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{Err: classify(ctx, err, timeout), Duration: e.since(start)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(e.maxBody)))
	io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	result := Result{
		HTTPStatus:      resp.StatusCode,
		ResponseBody:    strings.ToValidUTF8(string(raw), ""),
		ResponseHeaders: flattenHeaders(resp.Header),
		Duration:        e.since(start),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
	} else {
		result.Err = &HTTPError{StatusCode: resp.StatusCode, Body: result.ResponseBody}
	}
	return result
}

func (e *Executor) since(start time.Time) time.Duration {
	return e.now().Sub(start)
}

// classify maps a transport error to the taxonomy. Only the attempt's own
// deadline is a timeout; cancellation of parent is an interruption.
func classify(parent context.Context, err error, timeout time.Duration) error {
	if cause := parent.Err(); cause != nil {
		return &NetworkError{Err: fmt.Errorf("%w: %w", ErrInterrupted, cause)}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Timeout: timeout}
	}
	return &NetworkError{Err: err}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
