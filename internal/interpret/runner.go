package interpret

import (
	"context"
	"errors"
	"sync"

	"github.com/throw-if-null/snapdiff/internal/orchestrator"
)

// ErrInFlight is returned when an operation is triggered while its previous
// run has not resolved yet.
var ErrInFlight = errors.New("operation already in flight")

// State of a user-triggered operation.
type State int

const (
	StateIdle State = iota
	StateInFlight
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Caller executes a backend call. *orchestrator.Orchestrator satisfies it.
type Caller interface {
	Do(ctx context.Context, req orchestrator.CallRequest) orchestrator.Outcome
}

// Runner drives one operation through Idle -> InFlight -> Succeeded|Failed
// and is the only writer of that operation's status line.
type Runner struct {
	op     Operation
	caller Caller
	ports  Ports

	mu       sync.Mutex
	state    State
	detached bool
}

func NewRunner(op Operation, caller Caller, ports Ports) *Runner {
	return &Runner{op: op, caller: caller, ports: ports}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Detach marks the output target as gone. A call already in flight still
// completes, but its status and notification are dropped.
func (r *Runner) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = true
}

// Run triggers the operation and blocks until its outcome is rendered.
// subject is quoted in the in-flight status (a path, an id pair, ...).
func (r *Runner) Run(ctx context.Context, req orchestrator.CallRequest, subject string) (Result, error) {
	if err := r.begin(subject); err != nil {
		return Result{}, err
	}
	out := r.caller.Do(ctx, req)
	res := Interpret(r.op, out)
	r.finish(res)
	return res, nil
}

// Start is the non-blocking form of Run. The in-flight status is written
// before Start returns; the result is delivered once on the channel.
func (r *Runner) Start(ctx context.Context, req orchestrator.CallRequest, subject string) (<-chan Result, error) {
	if err := r.begin(subject); err != nil {
		return nil, err
	}
	ch := make(chan Result, 1)
	go func() {
		out := r.caller.Do(ctx, req)
		res := Interpret(r.op, out)
		r.finish(res)
		ch <- res
		close(ch)
	}()
	return ch, nil
}

func (r *Runner) begin(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateInFlight {
		return ErrInFlight
	}
	r.state = StateInFlight
	r.setStatusLocked(InFlightStatus(r.op, subject))
	return nil
}

func (r *Runner) finish(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Failed {
		r.state = StateFailed
	} else {
		r.state = StateSucceeded
	}
	r.setStatusLocked(res.Status)
	if !r.detached && r.ports.Notify != nil {
		r.ports.Notify.Notify(res.Message)
	}
}

func (r *Runner) setStatusLocked(text string) {
	if r.detached || r.ports.Status == nil {
		return
	}
	r.ports.Status.SetStatus(text)
}
