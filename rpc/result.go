// Package rpc defines what a registered handler sees: the Handler capability,
// the per-invocation call Context and the Result a context is finished with.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/igxactly-forks/swiboe/message"
)

// Kind selects the variant of a Result.
type Kind byte

const (
	KindOK         Kind = Kind(message.StatusOK)
	KindErr        Kind = Kind(message.StatusErr)
	KindNotHandled Kind = Kind(message.StatusNotHandled)
)

func (k Kind) String() string {
	return message.Status(k).String()
}

// ErrorKind names the cause of a failed call.
type ErrorKind string

const (
	ErrorKindIo                   ErrorKind = "Io"
	ErrorKindUnknownRPC           ErrorKind = "UnknownRpc"
	ErrorKindInvalidArgs          ErrorKind = "InvalidArgs"
	ErrorKindInternal             ErrorKind = "Internal"
	ErrorKindHandler              ErrorKind = "Handler"
	ErrorKindTimeout              ErrorKind = "Timeout"
	ErrorKindRPCAlreadyRegistered ErrorKind = "RpcAlreadyRegistered"
)

// Error is the error variant of a Result.
type Error struct {
	Kind    ErrorKind
	Details json.RawMessage
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("rpc error: %s", e.Kind)
	}
	return fmt.Sprintf("rpc error: %s: %s", e.Kind, e.Details)
}

// Result is the outcome a call context is finished with.
type Result struct {
	Kind    Kind
	Payload json.RawMessage // KindOK only; may be empty
	Error   *Error          // KindErr only
}

// Success returns a successful result carrying payload, which may be empty.
func Success(payload json.RawMessage) Result {
	return Result{Kind: KindOK, Payload: payload}
}

// Failure returns an error result.
func Failure(kind ErrorKind, details json.RawMessage) Result {
	return Result{Kind: KindErr, Error: &Error{Kind: kind, Details: details}}
}

// Failuref returns an error result whose details are a JSON string built
// from format.
func Failuref(kind ErrorKind, format string, args ...any) Result {
	details, _ := json.Marshal(fmt.Sprintf(format, args...))
	return Failure(kind, details)
}

// NotHandled returns the result that lets the broker try the next handler.
func NotHandled() Result {
	return Result{Kind: KindNotHandled}
}

func (r Result) IsOK() bool         { return r.Kind == KindOK }
func (r Result) IsNotHandled() bool { return r.Kind == KindNotHandled }

// Err returns the *Error of an error result, nil otherwise.
func (r Result) Err() error {
	if r.Kind != KindErr {
		return nil
	}
	if r.Error == nil {
		return &Error{Kind: ErrorKindInternal}
	}
	return r.Error
}

// Unmarshal decodes the success payload into v.
func (r Result) Unmarshal(v any) error {
	if r.Kind != KindOK {
		return fmt.Errorf("cannot unmarshal a %s result", r.Kind)
	}
	if len(r.Payload) == 0 {
		return errors.New("result has an empty payload")
	}
	return json.Unmarshal(r.Payload, v)
}

// Fill writes r into the status fields of msg.
func (r Result) Fill(msg *message.RPCMessage) {
	msg.Status = message.Status(r.Kind)
	msg.Error = ""
	msg.Payload = nil
	switch r.Kind {
	case KindOK:
		msg.Payload = r.Payload
	case KindErr:
		e := r.Err().(*Error)
		msg.Error = string(e.Kind)
		msg.Payload = e.Details
	}
}

// ResultFromMessage reads a Result out of a Finish or Response message.
func ResultFromMessage(msg *message.RPCMessage) (Result, error) {
	switch msg.Status {
	case message.StatusOK:
		return Success(msg.Payload), nil
	case message.StatusErr:
		return Failure(ErrorKind(msg.Error), msg.Payload), nil
	case message.StatusNotHandled:
		return NotHandled(), nil
	default:
		return Result{}, fmt.Errorf("invalid status %s", msg.Status)
	}
}

// MarshalJSON renders a result the way the CLI prints it.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindOK:
		payload := r.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		return json.Marshal(map[string]json.RawMessage{"Ok": payload})
	case KindErr:
		e := r.Err().(*Error)
		details := e.Details
		if len(details) == 0 {
			details = json.RawMessage("null")
		}
		return json.Marshal(map[string]any{"Err": map[string]any{"kind": e.Kind, "details": details}})
	default:
		return json.Marshal("NotHandled")
	}
}
