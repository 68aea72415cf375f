package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxResponseBytes bounds the response body read per attempt.
const DefaultMaxResponseBytes = 64 << 20 // 64 MiB

// ErrResponseTooLarge is reported when a response body exceeds the limit.
var ErrResponseTooLarge = errors.New("response too large")

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures an Orchestrator. Zero values fall back to defaults.
type Options struct {
	BaseURL     string
	Client      Doer
	MaxAttempts int
	BaseDelay   time.Duration
	Sleeper     Sleeper
	Tracer      trace.Tracer
	Logger      *log.Logger

	// MaxResponseBytes caps the body read per attempt.
	MaxResponseBytes int64
}

// Orchestrator executes CallRequests with bounded exponential backoff.
// It is safe for concurrent use; every Do call keeps its own retry state.
type Orchestrator struct {
	baseURL     string
	client      Doer
	maxAttempts int
	baseDelay   time.Duration
	sleeper     Sleeper
	tracer      trace.Tracer
	logger      *log.Logger
	maxBody     int64
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		client:      opts.Client,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		sleeper:     opts.Sleeper,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
		maxBody:     opts.MaxResponseBytes,
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.baseDelay <= 0 {
		o.baseDelay = DefaultBaseDelay
	}
	if o.maxBody <= 0 {
		o.maxBody = DefaultMaxResponseBytes
	}
	if o.sleeper == nil {
		o.sleeper = timerSleeper{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("snapdiff/orchestrator")
	}
	return o
}

// Do runs req and returns exactly one Outcome. Expected failures never
// surface as errors; they are encoded in the Outcome.
func (o *Orchestrator) Do(ctx context.Context, req CallRequest) Outcome {
	ctx, span := o.tracer.Start(ctx, "orchestrator.call", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("snapdiff.endpoint", req.Endpoint),
	))
	defer span.End()

	out := o.do(ctx, span, req)

	span.SetAttributes(
		attribute.Int("snapdiff.attempts", out.Attempts),
		attribute.String("snapdiff.outcome", out.Kind.String()),
	)
	if out.OK() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, out.String())
	}
	return out
}

func (o *Orchestrator) do(ctx context.Context, span trace.Span, req CallRequest) Outcome {
	var body []byte
	var contentType string
	if req.Body != nil {
		var err error
		body, contentType, err = req.Body.Encode()
		if err != nil {
			span.RecordError(err)
			return TerminalFailure(0, err.Error())
		}
	}

	var last Outcome
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		span.AddEvent("attempt.started", trace.WithAttributes(attribute.Int("attempt", attempt)))

		out, retryable := o.attempt(ctx, req, body, contentType)
		out.Attempts = attempt + 1
		if !retryable {
			return out
		}

		last = out
		span.AddEvent("attempt.failed", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", errString(out.Err)),
		))
		if attempt == o.maxAttempts-1 {
			break
		}

		delay := ComputeDelay(attempt, o.baseDelay)
		o.logf("%s %s: attempt %d/%d failed: %v; retrying in %s", req.Method, req.Endpoint, attempt+1, o.maxAttempts, out.Err, delay)
		if err := o.sleeper.Sleep(ctx, delay); err != nil {
			break
		}
	}

	res := RetriesExhausted(last)
	res.Attempts = last.Attempts
	return res
}

// attempt issues one request. The boolean reports whether the failure is
// retryable, which is only the case when no complete response was obtained.
func (o *Orchestrator) attempt(ctx context.Context, req CallRequest, body []byte, contentType string) (Outcome, bool) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, o.baseURL+req.Endpoint, rd)
	if err != nil {
		return TerminalFailure(0, err.Error()), false
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return NetworkFailure(err), true
	}
	defer resp.Body.Close()

	payload, err := readPayload(resp.Body, o.maxBody)
	if errors.Is(err, ErrResponseTooLarge) {
		return TerminalFailure(resp.StatusCode, err.Error()), false
	}
	if err != nil {
		return NetworkFailure(err), true
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out := TerminalFailure(resp.StatusCode, http.StatusText(resp.StatusCode))
		out.Payload = payload
		if msg := out.ErrorField(); msg != "" {
			out.Message = msg
		}
		return out, false
	}
	return Success(payload), false
}

// readPayload returns the body if it is valid JSON and {} otherwise. A body
// that cannot be read in full is an error, never {}.
func readPayload(r io.Reader, limit int64) (json.RawMessage, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrResponseTooLarge
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || !json.Valid(b) {
		return emptyObject, nil
	}
	return json.RawMessage(b), nil
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
