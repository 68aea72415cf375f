package orchestrator

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/throw-if-null/snapdiff/internal/telemetry"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *recordingSleeper) total() time.Duration {
	var t time.Duration
	for _, d := range s.delays {
		t += d
	}
	return t
}

// failingDoer never obtains a response.
type failingDoer struct {
	calls int
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return nil, errors.New("dial tcp 127.0.0.1:5000: connect: connection refused")
}

// flakyDoer fails the first n calls, then delegates.
type flakyDoer struct {
	failures int
	calls    int
	next     Doer
}

func (d *flakyDoer) Do(r *http.Request) (*http.Response, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("i/o timeout")
	}
	return d.next.Do(r)
}

func newTestOrchestrator(baseURL string, client Doer, s Sleeper) *Orchestrator {
	return New(Options{BaseURL: baseURL, Client: client, Sleeper: s})
}

func TestDo_SuccessReturnsPayloadUnchanged(t *testing.T) {
	var gotBody, gotCT string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotCT = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s1","file_count":42}`))
	}))
	defer ts.Close()

	o := newTestOrchestrator(ts.URL, ts.Client(), &recordingSleeper{})
	out := o.Do(context.Background(), CallRequest{
		Endpoint: "/snapshot",
		Method:   http.MethodPost,
		Body:     JSONBody{Value: map[string]string{"path": "/data", "id": "s1"}},
	})
	if out.Kind != KindSuccess {
		t.Fatalf("expected success, got %s", out)
	}
	if string(out.Payload) != `{"id":"s1","file_count":42}` {
		t.Fatalf("payload changed: %s", out.Payload)
	}
	if out.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", out.Attempts)
	}
	if gotCT != "application/json" {
		t.Fatalf("unexpected content type %q", gotCT)
	}
	if gotBody != `{"id":"s1","path":"/data"}` {
		t.Fatalf("unexpected request body %q", gotBody)
	}
}

func TestDo_NonJSONSuccessBecomesEmptyObject(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer ts.Close()

	out := newTestOrchestrator(ts.URL, ts.Client(), &recordingSleeper{}).Do(context.Background(), CallRequest{Endpoint: "/diff", Method: http.MethodPost})
	if out.Kind != KindSuccess {
		t.Fatalf("expected success, got %s", out)
	}
	if string(out.Payload) != "{}" {
		t.Fatalf("expected {}, got %s", out.Payload)
	}
}

func TestDo_TerminalFailureIsNotRetried(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"snapshot not found"}`))
	}))
	defer ts.Close()

	s := &recordingSleeper{}
	out := newTestOrchestrator(ts.URL, ts.Client(), s).Do(context.Background(), CallRequest{
		Endpoint: "/diff",
		Method:   http.MethodPost,
		Body:     JSONBody{Value: map[string]string{"id_a": "s1", "id_b": "s2"}},
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if len(s.delays) != 0 {
		t.Fatalf("expected no backoff, got %v", s.delays)
	}
	if out.Kind != KindTerminalFailure {
		t.Fatalf("expected terminal failure, got %s", out)
	}
	if out.StatusCode != 500 || out.Message != "snapshot not found" {
		t.Fatalf("unexpected terminal failure: %d %q", out.StatusCode, out.Message)
	}
}

func TestDo_TerminalFailureWithoutStructuredError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer ts.Close()

	out := newTestOrchestrator(ts.URL, ts.Client(), &recordingSleeper{}).Do(context.Background(), CallRequest{Endpoint: "/x", Method: http.MethodGet})
	if out.Kind != KindTerminalFailure {
		t.Fatalf("expected terminal failure, got %s", out)
	}
	if out.Message != "Not Found" {
		t.Fatalf("expected status text, got %q", out.Message)
	}
	if string(out.Payload) != "{}" {
		t.Fatalf("expected {} payload, got %s", out.Payload)
	}
}

func TestDo_NetworkFailuresExhaustRetries(t *testing.T) {
	d := &failingDoer{}
	s := &recordingSleeper{}
	out := newTestOrchestrator("http://127.0.0.1:5000", d, s).Do(context.Background(), CallRequest{Endpoint: "/snapshot", Method: http.MethodPost})

	if d.calls != DefaultMaxAttempts {
		t.Fatalf("expected %d calls, got %d", DefaultMaxAttempts, d.calls)
	}
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}
	if len(s.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, s.delays)
	}
	for i := range want {
		if s.delays[i] != want[i] {
			t.Fatalf("delay %d: expected %s, got %s", i, want[i], s.delays[i])
		}
	}
	if s.total() < 3000*time.Millisecond {
		t.Fatalf("expected at least 3s of backoff, got %s", s.total())
	}
	if out.Kind != KindRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %s", out)
	}
	if out.Last == nil || out.Last.Kind != KindNetworkFailure {
		t.Fatalf("expected last failure to be a network failure, got %+v", out.Last)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", out.Attempts)
	}
}

func TestDo_RecoversAfterTransientFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"file_count":3}`))
	}))
	defer ts.Close()

	d := &flakyDoer{failures: 2, next: ts.Client()}
	s := &recordingSleeper{}
	out := newTestOrchestrator(ts.URL, d, s).Do(context.Background(), CallRequest{Endpoint: "/snapshot/upload-folder", Method: http.MethodPost})
	if out.Kind != KindSuccess {
		t.Fatalf("expected success, got %s", out)
	}
	if d.calls != 3 || out.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d attempts=%d", d.calls, out.Attempts)
	}
	if len(s.delays) != 2 {
		t.Fatalf("expected 2 delays, got %v", s.delays)
	}
}

func TestDo_ReplaysBodyOnEveryAttempt(t *testing.T) {
	var bodies []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	d := &flakyDoer{failures: 1, next: ts.Client()}
	out := newTestOrchestrator(ts.URL, d, &recordingSleeper{}).Do(context.Background(), CallRequest{
		Endpoint: "/diff",
		Method:   http.MethodPost,
		Body:     JSONBody{Value: map[string]string{"id_a": "a", "id_b": "b"}},
	})
	if out.Kind != KindSuccess {
		t.Fatalf("expected success, got %s", out)
	}
	if len(bodies) != 1 || bodies[0] != `{"id_a":"a","id_b":"b"}` {
		t.Fatalf("unexpected bodies: %v", bodies)
	}
}

func TestDo_CancelledBackoffEndsCall(t *testing.T) {
	d := &failingDoer{}
	ctx, cancel := context.WithCancel(context.Background())
	s := SleeperFunc(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})
	out := newTestOrchestrator("http://127.0.0.1:5000", d, s).Do(ctx, CallRequest{Endpoint: "/snapshot", Method: http.MethodPost})
	if out.Kind != KindRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %s", out)
	}
	if d.calls != 1 {
		t.Fatalf("expected 1 call, got %d", d.calls)
	}
}

func TestDo_UnencodableBodyMakesNoCall(t *testing.T) {
	d := &failingDoer{}
	out := newTestOrchestrator("http://127.0.0.1:5000", d, &recordingSleeper{}).Do(context.Background(), CallRequest{
		Endpoint: "/snapshot",
		Method:   http.MethodPost,
		Body:     JSONBody{Value: make(chan int)},
	})
	if out.Kind != KindTerminalFailure || d.calls != 0 {
		t.Fatalf("expected terminal failure with no calls, got %s calls=%d", out, d.calls)
	}
}

func TestDo_IndependentInvocations(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"summary":{"added":1}}`))
	}))
	defer ts.Close()

	o := newTestOrchestrator(ts.URL, ts.Client(), &recordingSleeper{})
	req := CallRequest{Endpoint: "/diff", Method: http.MethodPost, Body: JSONBody{Value: map[string]string{"id_a": "s1", "id_b": "s2"}}}
	a := o.Do(context.Background(), req)
	b := o.Do(context.Background(), req)
	if a.Kind != KindSuccess || b.Kind != KindSuccess {
		t.Fatalf("expected two successes, got %s and %s", a, b)
	}
	if string(a.Payload) != string(b.Payload) || a.Attempts != 1 || b.Attempts != 1 {
		t.Fatalf("outcomes differ: %+v vs %+v", a, b)
	}
}

func TestDo_MultipartBodyKeepsRelativePaths(t *testing.T) {
	var names []string
	var id string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("content type: %v", err)
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			_, dp, _ := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
			if p.FormName() == "id" {
				b, _ := io.ReadAll(p)
				id = string(b)
				continue
			}
			names = append(names, dp["filename"])
		}
		_, _ = w.Write([]byte(`{"file_count":2}`))
	}))
	defer ts.Close()

	body := MultipartBody{
		Fields: []FormField{{Name: "id", Value: "s1"}},
		Files: []FormFile{
			{Field: "files[]", Filename: "root/a.txt", Content: []byte("a")},
			{Field: "files[]", Filename: "root/sub/b.txt", Content: []byte("b")},
		},
	}
	out := newTestOrchestrator(ts.URL, ts.Client(), &recordingSleeper{}).Do(context.Background(), CallRequest{Endpoint: "/snapshot/upload-folder", Method: http.MethodPost, Body: body})
	if out.Kind != KindSuccess {
		t.Fatalf("expected success, got %s", out)
	}
	if id != "s1" {
		t.Fatalf("unexpected id %q", id)
	}
	if strings.Join(names, ",") != "root/a.txt,root/sub/b.txt" {
		t.Fatalf("unexpected filenames: %v", names)
	}
}

func TestDo_EmitsSpanPerInvocation(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, shutdown, err := telemetry.NewTracerProvider(exp, telemetry.Config{ServiceName: "snapdiff", ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("tracer provider: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	o := New(Options{BaseURL: "http://127.0.0.1:5000", Client: &failingDoer{}, Sleeper: &recordingSleeper{}, Tracer: tp.Tracer("test")})
	_ = o.Do(context.Background(), CallRequest{Endpoint: "/snapshot", Method: http.MethodPost})
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "orchestrator.call" {
		t.Fatalf("unexpected span name %q", spans[0].Name)
	}
	failed := 0
	for _, ev := range spans[0].Events {
		if ev.Name == "attempt.failed" {
			failed++
		}
	}
	if failed != 3 {
		t.Fatalf("expected 3 attempt.failed events, got %d", failed)
	}
}

// stall blocks until the client gives up on the request or d elapses.
func stall(r *http.Request, d time.Duration) {
	select {
	case <-r.Context().Done():
	case <-time.After(d):
	}
}

func TestDo_TimeoutsExhaustRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		stall(r, 500*time.Millisecond)
	}))
	defer ts.Close()

	s := &recordingSleeper{}
	client := &http.Client{Timeout: 100 * time.Millisecond}
	out := newTestOrchestrator(ts.URL, client, s).Do(context.Background(), CallRequest{Endpoint: "/snapshot", Method: http.MethodPost})

	if out.Kind != KindRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %s", out)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 calls, got %d", n)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(s.delays) != 2 || s.delays[0] != want[0] || s.delays[1] != want[1] {
		t.Fatalf("expected delays %v, got %v", want, s.delays)
	}
}

func TestDo_BodyReadTimeoutIsRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte(`{"id":"s1",`))
			w.(http.Flusher).Flush()
			stall(r, 500*time.Millisecond)
			return
		}
		_, _ = w.Write([]byte(`{"id":"s1","file_count":42}`))
	}))
	defer ts.Close()

	s := &recordingSleeper{}
	client := &http.Client{Timeout: 100 * time.Millisecond}
	out := newTestOrchestrator(ts.URL, client, s).Do(context.Background(), CallRequest{Endpoint: "/snapshot", Method: http.MethodPost})

	if out.Kind != KindSuccess {
		t.Fatalf("expected success after retry, got %s", out)
	}
	if string(out.Payload) != `{"id":"s1","file_count":42}` {
		t.Fatalf("unexpected payload %s", out.Payload)
	}
	if out.Attempts != 2 || len(s.delays) != 1 {
		t.Fatalf("expected one retry, got attempts=%d delays=%v", out.Attempts, s.delays)
	}
}

func TestDo_BodyReadTimeoutNeverBecomesSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"s1",`))
		w.(http.Flusher).Flush()
		stall(r, 500*time.Millisecond)
	}))
	defer ts.Close()

	client := &http.Client{Timeout: 100 * time.Millisecond}
	out := newTestOrchestrator(ts.URL, client, &recordingSleeper{}).Do(context.Background(), CallRequest{Endpoint: "/snapshot", Method: http.MethodPost})

	if out.Kind != KindRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %s", out)
	}
	if out.Last == nil || out.Last.Kind != KindNetworkFailure {
		t.Fatalf("expected last failure to be a network failure, got %+v", out.Last)
	}
}

func TestDo_OversizedResponseIsNotTruncated(t *testing.T) {
	body := `{"summary":{"added":2},"diff_details":{"added":["a.txt","b.txt"]}}`
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	s := &recordingSleeper{}
	o := New(Options{BaseURL: ts.URL, Client: ts.Client(), Sleeper: s, MaxResponseBytes: 16})
	out := o.Do(context.Background(), CallRequest{Endpoint: "/diff", Method: http.MethodPost})
	if out.Kind != KindTerminalFailure {
		t.Fatalf("expected terminal failure, got %s", out)
	}
	if out.Message != ErrResponseTooLarge.Error() || out.StatusCode != http.StatusOK {
		t.Fatalf("unexpected failure: %d %q", out.StatusCode, out.Message)
	}
	if atomic.LoadInt32(&calls) != 1 || len(s.delays) != 0 {
		t.Fatalf("oversized response must not be retried")
	}

	o = New(Options{BaseURL: ts.URL, Client: ts.Client(), Sleeper: s, MaxResponseBytes: int64(len(body))})
	out = o.Do(context.Background(), CallRequest{Endpoint: "/diff", Method: http.MethodPost})
	if out.Kind != KindSuccess || string(out.Payload) != body {
		t.Fatalf("body at the limit should pass unchanged, got %s %s", out, out.Payload)
	}
}
