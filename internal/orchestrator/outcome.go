package orchestrator

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the Outcome variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindSuccess
	KindTerminalFailure
	KindNetworkFailure
	KindRetriesExhausted
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTerminalFailure:
		return "terminal_failure"
	case KindNetworkFailure:
		return "network_failure"
	case KindRetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

// Outcome is the single result of one orchestrator invocation.
//
// Success carries Payload. TerminalFailure carries StatusCode, Message and
// the (possibly empty-object) Payload of the error body. NetworkFailure
// carries Err. RetriesExhausted carries the Last failure observed.
type Outcome struct {
	Kind       Kind
	Payload    json.RawMessage
	StatusCode int
	Message    string
	Err        error
	Last       *Outcome
	Attempts   int
}

func Success(payload json.RawMessage) Outcome {
	return Outcome{Kind: KindSuccess, Payload: payload}
}

func TerminalFailure(statusCode int, message string) Outcome {
	return Outcome{Kind: KindTerminalFailure, StatusCode: statusCode, Message: message}
}

func NetworkFailure(err error) Outcome {
	return Outcome{Kind: KindNetworkFailure, Err: err}
}

func RetriesExhausted(last Outcome) Outcome {
	return Outcome{Kind: KindRetriesExhausted, Last: &last}
}

func (o Outcome) OK() bool { return o.Kind == KindSuccess }

// Decode unmarshals the payload into v. An empty payload decodes as {}.
func (o Outcome) Decode(v any) error {
	data := o.Payload
	if len(data) == 0 {
		data = emptyObject
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// ErrorField returns the "error" string of the payload, if the payload is an
// object that carries one.
func (o Outcome) ErrorField() string {
	var body struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(o.Payload, &body); err != nil {
		return ""
	}
	s, _ := body.Error.(string)
	return s
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return "success"
	case KindTerminalFailure:
		return fmt.Sprintf("terminal failure (%d): %s", o.StatusCode, o.Message)
	case KindNetworkFailure:
		return fmt.Sprintf("network failure: %v", o.Err)
	case KindRetriesExhausted:
		if o.Last != nil {
			return fmt.Sprintf("retries exhausted after %d attempts: %s", o.Attempts, o.Last)
		}
		return "retries exhausted"
	default:
		return "unknown outcome"
	}
}

var emptyObject = json.RawMessage(`{}`)
