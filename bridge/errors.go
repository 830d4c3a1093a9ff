package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUTF8   = errors.New("string is not valid UTF-8")
	ErrEmbeddedNul   = errors.New("string contains a NUL byte")
	ErrConnect       = errors.New("cannot connect to broker")
	ErrInvalidHandle = errors.New("invalid client handle")
	ErrRegister      = errors.New("cannot register rpc")
	ErrInvalidStatus = errors.New("callback returned an invalid status code")
	ErrNullPointer   = errors.New("null pointer argument")
	ErrDisconnect    = errors.New("error while disconnecting")
)

// Code is the result of every boundary function. CodeOK is zero.
type Code uint16

const (
	CodeOK Code = iota
	CodeInvalidUTF8
	CodeEmbeddedNul
	CodeConnect
	CodeInvalidHandle
	CodeRegister
	CodeInvalidStatus
	CodeNullPointer
	CodeDisconnect
	CodeInternal
)

// codes lists the sentinels in the order CodeOf tests them. Argument errors
// come first since they are never wrapped by an operation error.
var codes = []struct {
	err  error
	code Code
}{
	{ErrNullPointer, CodeNullPointer},
	{ErrInvalidHandle, CodeInvalidHandle},
	{ErrInvalidUTF8, CodeInvalidUTF8},
	{ErrEmbeddedNul, CodeEmbeddedNul},
	{ErrInvalidStatus, CodeInvalidStatus},
	{ErrConnect, CodeConnect},
	{ErrRegister, CodeRegister},
	{ErrDisconnect, CodeDisconnect},
}

// CodeOf maps an error returned by this package to its boundary code.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "success"
	case CodeInternal:
		return "internal error"
	}
	for _, e := range codes {
		if e.code == c {
			return e.err.Error()
		}
	}
	return fmt.Sprintf("unknown error code %d", uint16(c))
}
