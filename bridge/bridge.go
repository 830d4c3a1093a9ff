// Package bridge exposes swiboe clients to foreign callers that only deal in
// NUL-terminated strings, integer handles and status codes. The cgo layer in
// cmd/libswiboe is a thin shell around it.
//
// Every function reports failures as errors that CodeOf turns into boundary
// codes. Nothing in here terminates the process.
package bridge

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/igxactly-forks/swiboe/client"
)

// Bridge owns the clients foreign code connected through it.
type Bridge struct {
	logger  *zap.Logger
	opts    []client.Option
	handles handleTable
}

// New returns a bridge whose clients are created with opts.
func New(logger *zap.Logger, opts ...client.Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		logger: logger,
		opts:   append([]client.Option{client.WithLogger(logger)}, opts...),
	}
}

// Connect opens a client to the broker listening at path and returns the
// handle that owns it.
func (b *Bridge) Connect(path []byte) (Handle, error) {
	socket, err := DecodeString(path)
	if err != nil {
		return 0, fmt.Errorf("socket path: %w", err)
	}

	c, err := client.Connect(socket, b.opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	h := b.handles.insert(c)
	b.logger.Debug("Client connected", zap.Uintptr("handle", uintptr(h)), zap.String("socket", socket))
	return h, nil
}

// Disconnect closes the client behind h. The handle is invalid from the
// moment Disconnect is entered, whether or not closing succeeds. Callbacks
// already running are waited for and none start afterwards, so a callback
// must not disconnect its own client.
func (b *Bridge) Disconnect(h Handle) error {
	c, ok := b.handles.release(h)
	if !ok {
		return ErrInvalidHandle
	}

	b.logger.Debug("Client disconnecting", zap.Uintptr("handle", uintptr(h)))
	if err := c.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}
	return nil
}

// NewRPC registers callback under name on the client behind h. The callback
// is invoked synchronously on the goroutine serving each call.
func (b *Bridge) NewRPC(h Handle, name []byte, priority uint16, callback Callback) error {
	if callback == nil {
		return fmt.Errorf("callback: %w", ErrNullPointer)
	}
	c, ok := b.handles.get(h)
	if !ok {
		return ErrInvalidHandle
	}
	rpcName, err := DecodeString(name)
	if err != nil {
		return fmt.Errorf("rpc name: %w", err)
	}

	if err := c.NewRPC(rpcName, NewCallbackRPC(priority, callback)); err != nil {
		if errors.Is(err, client.ErrClosed) {
			return ErrInvalidHandle
		}
		return fmt.Errorf("%w %s: %w", ErrRegister, rpcName, err)
	}
	return nil
}

// Close disconnects every client still held by the bridge.
func (b *Bridge) Close() error {
	var err error
	b.handles.each(func(h Handle, _ *client.Client) {
		if disconnectErr := b.Disconnect(h); disconnectErr != nil && !errors.Is(disconnectErr, ErrInvalidHandle) {
			err = multierr.Append(err, disconnectErr)
		}
	})
	return err
}
