package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/igxactly-forks/swiboe/rpc"
)

// StatusCode is what a foreign callback returns.
type StatusCode uint16

const (
	StatusOK         StatusCode = 0
	StatusErr        StatusCode = 1
	StatusNotHandled StatusCode = 2
)

// Callback is a foreign function taking the call arguments as NUL-terminated
// JSON text and returning a StatusCode.
type Callback func(args []byte) uint16

// InvalidStatusError is returned by CallbackRPC.Call when the callback
// answered with a code outside StatusCode.
type InvalidStatusError struct {
	Code uint16
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("%v: %d", ErrInvalidStatus, e.Code)
}

func (e *InvalidStatusError) Unwrap() error { return ErrInvalidStatus }

// CallbackRPC is an rpc.Handler backed by a foreign callback.
type CallbackRPC struct {
	priority uint16
	callback Callback
}

func NewCallbackRPC(priority uint16, callback Callback) *CallbackRPC {
	return &CallbackRPC{priority: priority, callback: callback}
}

func (r *CallbackRPC) Priority() uint16 {
	return r.priority
}

// Call runs the callback synchronously and finishes ctx according to the
// status it returns. An invalid status leaves ctx unfinished.
func (r *CallbackRPC) Call(ctx *rpc.Context, args json.RawMessage) error {
	text, err := CanonicalJSON(args)
	if err != nil {
		return err
	}
	buf, err := EncodeString(text)
	if err != nil {
		return err
	}

	code := r.callback(buf)

	switch StatusCode(code) {
	case StatusOK:
		return ctx.Finish(rpc.Success(nil))
	case StatusErr:
		return ctx.Finish(rpc.Failure(rpc.ErrorKindHandler, nil))
	case StatusNotHandled:
		return ctx.Finish(rpc.NotHandled())
	default:
		return &InvalidStatusError{Code: code}
	}
}

// CanonicalJSON renders args as compact JSON with sorted object keys. Numbers
// are kept as written and HTML characters are not escaped. Empty args render
// as null.
func CanonicalJSON(args json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		return "null", nil
	}
	if !utf8.Valid(args) {
		return "", ErrInvalidUTF8
	}

	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("decode call arguments: %w", err)
	}
	if dec.More() {
		return "", errors.New("decode call arguments: trailing data after JSON value")
	}

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode call arguments: %w", err)
	}
	return string(bytes.TrimSuffix(out.Bytes(), []byte("\n"))), nil
}
