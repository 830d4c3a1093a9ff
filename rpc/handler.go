package rpc

import "encoding/json"

// Handler is the capability a registered RPC offers to the dispatcher.
//
// Priority orders handlers registered under the same name; lower values are
// tried first. Call must finish ctx exactly once, or return an error and
// leave ctx unfinished for the dispatcher to fail.
type Handler interface {
	Priority() uint16
	Call(ctx *Context, args json.RawMessage) error
}

type funcHandler struct {
	priority uint16
	fn       func(ctx *Context, args json.RawMessage) error
}

// HandlerFunc adapts a plain function to the Handler interface.
func HandlerFunc(priority uint16, fn func(ctx *Context, args json.RawMessage) error) Handler {
	return &funcHandler{priority: priority, fn: fn}
}

func (h *funcHandler) Priority() uint16 { return h.priority }

func (h *funcHandler) Call(ctx *Context, args json.RawMessage) error {
	return h.fn(ctx, args)
}
