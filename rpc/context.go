package rpc

import (
	"errors"
	"sync/atomic"
)

// ErrAlreadyFinished is returned by Finish on every call after the first.
var ErrAlreadyFinished = errors.New("rpc: context already finished")

// Finisher delivers the result of a call context, usually as a Finish frame.
type Finisher func(result Result) error

// Context represents one in-flight invocation delivered to a handler.
// It must be finished exactly once.
type Context struct {
	id       string
	function string
	finish   Finisher
	finished atomic.Bool
}

func NewContext(id, function string, finish Finisher) *Context {
	return &Context{id: id, function: function, finish: finish}
}

// ID returns the broker-assigned id of the call.
func (c *Context) ID() string { return c.id }

// Function returns the RPC name the call was addressed to.
func (c *Context) Function() string { return c.function }

// Finish completes the call with result. Only the first call delivers
// anything; later calls return ErrAlreadyFinished. Safe for concurrent use.
func (c *Context) Finish(result Result) error {
	if !c.finished.CompareAndSwap(false, true) {
		return ErrAlreadyFinished
	}
	if c.finish == nil {
		return nil
	}
	return c.finish(result)
}

// Finished reports whether Finish has been called.
func (c *Context) Finished() bool {
	return c.finished.Load()
}
