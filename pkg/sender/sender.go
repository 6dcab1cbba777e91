// Package sender delivers spool records to the ingestion API over HTTP and
// classifies every possible outcome into a uniform Result, so the drain loop
// never inspects transport errors itself.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/zoff-tech/go-eventspool/pkg/backoff"
	"github.com/zoff-tech/go-eventspool/pkg/breaker"
	"github.com/zoff-tech/go-eventspool/pkg/metrics"
	"github.com/zoff-tech/go-eventspool/schema"
)

// MaxPayloadBytes matches the ingestion API's documented payload ceiling.
// Oversized payloads are rejected locally without a network call.
const MaxPayloadBytes = 16 * 1024

// maxResponseBytes bounds how much of an error response body is retained.
const maxResponseBytes = 4 * 1024

// Result is the uniform outcome of one delivery attempt.
type Result struct {
	Success    bool
	StatusCode int
	Body       string
	Retriable  bool
	// RetryAfter, when non-nil, is the server-suggested next attempt time
	// and takes precedence over computed backoff.
	RetryAfter *time.Time
	Message    string
}

// Sender posts records to the ingestion API through a circuit breaker.
// It is stateless across calls except for the breaker.
type Sender struct {
	client *http.Client
	brk    *breaker.Breaker
	// token returns the current bearer token so a rotated token takes
	// effect without re-enqueueing spooled records.
	token func() string
}

// New creates a Sender. The client's timeout is the per-request delivery
// timeout; a timed-out attempt is always classified retriable.
func New(client *http.Client, brk *breaker.Breaker, token func() string) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Sender{client: client, brk: brk, token: token}
}

// Breaker exposes the embedded circuit breaker for stats and admin control.
func (s *Sender) Breaker() *breaker.Breaker { return s.brk }

// Close releases idle transport connections. Safe to call more than once.
func (s *Sender) Close() { s.client.CloseIdleConnections() }

// Send delivers one record. Every branch returns a Result; Send itself never
// returns an error.
func (s *Sender) Send(ctx context.Context, rec *schema.SpoolRecord) Result {
	if len(rec.RequestJSON) > MaxPayloadBytes {
		return Result{
			Retriable: false,
			Message:   fmt.Sprintf("payload too large: %d bytes exceeds %d byte limit", len(rec.RequestJSON), MaxPayloadBytes),
		}
	}
	if !json.Valid(rec.RequestJSON) {
		return Result{Retriable: false, Message: "payload is not valid JSON"}
	}

	var (
		status        int
		body          string
		retryAfterHdr string
	)

	start := time.Now()
	err := s.brk.Call(func() error {
		req, err := s.buildRequest(ctx, rec)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		status = resp.StatusCode
		body = string(data)
		retryAfterHdr = resp.Header.Get("Retry-After")

		// Server-side failures count toward tripping the breaker.
		if status >= 500 {
			return fmt.Errorf("http %d from ingestion API", status)
		}
		return nil
	})
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if errors.Is(err, breaker.ErrOpen) {
		return Result{Retriable: true, Message: "circuit breaker open, delivery not attempted"}
	}
	if err != nil && status == 0 {
		// Network-level failure: timeout, refused, reset.
		return Result{Retriable: true, Message: fmt.Sprintf("network error: %v", err)}
	}

	return s.classify(status, body, retryAfterHdr)
}

func (s *Sender) buildRequest(ctx context.Context, rec *schema.SpoolRecord) (*http.Request, error) {
	method := rec.Method
	if method == "" {
		method = schema.DefaultMethod
	}
	path := rec.EndpointPath
	if path == "" {
		path = schema.DefaultEndpointPath
	}
	url := strings.TrimRight(rec.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(rec.RequestJSON))
	if err != nil {
		return nil, fmt.Errorf("build request for record %s: %w", rec.ID, err)
	}

	// Stored headers first, then live-config injections so a stored header
	// can never shadow auth, content type or the idempotency key.
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+s.token())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.IdempotencyKey)
	return req, nil
}

// classify maps an HTTP status to the result taxonomy the drain loop acts on.
func (s *Sender) classify(status int, body, retryAfterHdr string) Result {
	switch {
	case status == http.StatusAccepted:
		return Result{Success: true, StatusCode: status, Body: body}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// Retrying with the same credentials cannot help; distinct message
		// so operators know to rotate the token.
		return Result{
			StatusCode: status,
			Body:       body,
			Message:    fmt.Sprintf("authentication rejected (http %d): check bearer token", status),
		}

	case status == http.StatusBadRequest ||
		status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity:
		return Result{
			StatusCode: status,
			Body:       body,
			Message:    fmt.Sprintf("rejected by ingestion API (http %d)", status),
		}

	case status == http.StatusConflict || status == http.StatusTooManyRequests:
		return s.retriableResult(status, body, retryAfterHdr)

	case status >= 500:
		return s.retriableResult(status, body, retryAfterHdr)

	default:
		// Unknown statuses are treated conservatively as permanent.
		return Result{
			StatusCode: status,
			Body:       body,
			Message:    fmt.Sprintf("unexpected http %d from ingestion API", status),
		}
	}
}

func (s *Sender) retriableResult(status int, body, retryAfterHdr string) Result {
	res := Result{
		StatusCode: status,
		Body:       body,
		Retriable:  true,
		Message:    fmt.Sprintf("transient failure (http %d)", status),
	}
	if retryAfterHdr != "" {
		if at, ok := backoff.ParseRetryAfter(retryAfterHdr, time.Now().UTC()); ok {
			res.RetryAfter = &at
		}
	}
	return res
}
