// Package message defines the envelope exchanged between clients and the broker.
//
// RPCMessage is serialized by the codec layer and wrapped in a protocol frame.
// The frame's message type says which fields are meaningful:
//
//   - Register: Function, Priority
//   - Request:  Function, Payload (call arguments)
//   - Invoke:   Function, Context, Payload (call arguments)
//   - Finish:   Context, Status, Error, Payload (result)
//   - Response: Status, Error, Payload (result of a Request, or a Register ack)
package message

import "fmt"

// Status is the outcome of a finished call as carried on the wire.
type Status byte

const (
	StatusOK         Status = 0 // Call succeeded, Payload holds the result
	StatusErr        Status = 1 // Call failed, Error holds the error kind
	StatusNotHandled Status = 2 // Handler declined, the broker tries the next one
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusErr:
		return "err"
	case StatusNotHandled:
		return "not_handled"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s <= StatusNotHandled
}

// RPCMessage carries the data for a single protocol frame body.
type RPCMessage struct {
	Function string // RPC name, e.g. "buffer.open"
	Context  string // Broker-assigned id of an in-flight call
	Priority uint16 // Handler rank for Register; lower values are tried first
	Status   Status // Outcome for Finish and Response
	Error    string // Error kind when Status is StatusErr
	Payload  []byte // JSON arguments or JSON result
}
