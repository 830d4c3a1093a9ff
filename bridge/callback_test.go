package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igxactly-forks/swiboe/rpc"
)

func recordingContext() (*rpc.Context, *[]rpc.Result) {
	var results []rpc.Result
	ctx := rpc.NewContext("ctx-1", "test.rpc", func(r rpc.Result) error {
		results = append(results, r)
		return nil
	})
	return ctx, &results
}

func TestCallbackRPCPriority(t *testing.T) {
	r := NewCallbackRPC(42, func([]byte) uint16 { return 0 })
	assert.Equal(t, uint16(42), r.Priority())
	assert.Equal(t, uint16(42), r.Priority())
}

func TestCallbackRPCStatusMapping(t *testing.T) {
	cases := []struct {
		status uint16
		want   rpc.Kind
	}{
		{0, rpc.KindOK},
		{1, rpc.KindErr},
		{2, rpc.KindNotHandled},
	}
	for _, tc := range cases {
		ctx, results := recordingContext()
		r := NewCallbackRPC(0, func([]byte) uint16 { return tc.status })

		require.NoError(t, r.Call(ctx, json.RawMessage(`{}`)))
		require.Len(t, *results, 1)
		assert.Equal(t, tc.want, (*results)[0].Kind)
	}
}

func TestCallbackRPCOKHasEmptyPayload(t *testing.T) {
	ctx, results := recordingContext()
	r := NewCallbackRPC(0, func([]byte) uint16 { return 0 })

	require.NoError(t, r.Call(ctx, json.RawMessage(`{"x":1}`)))
	assert.Empty(t, (*results)[0].Payload)
}

func TestCallbackRPCErrIsHandlerError(t *testing.T) {
	ctx, results := recordingContext()
	r := NewCallbackRPC(0, func([]byte) uint16 { return 1 })

	require.NoError(t, r.Call(ctx, nil))
	var rerr *rpc.Error
	require.ErrorAs(t, (*results)[0].Err(), &rerr)
	assert.Equal(t, rpc.ErrorKindHandler, rerr.Kind)
}

func TestCallbackRPCInvalidStatus(t *testing.T) {
	ctx, results := recordingContext()
	r := NewCallbackRPC(0, func([]byte) uint16 { return 99 })

	err := r.Call(ctx, json.RawMessage(`{}`))
	var statusErr *InvalidStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, uint16(99), statusErr.Code)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, CodeInvalidStatus, CodeOf(err))

	assert.False(t, ctx.Finished())
	assert.Empty(t, *results)
}

func TestCallbackRPCPassesCanonicalArgs(t *testing.T) {
	var seen []byte
	r := NewCallbackRPC(0, func(args []byte) uint16 {
		seen = append([]byte(nil), args...)
		return 0
	})
	ctx, _ := recordingContext()

	require.NoError(t, r.Call(ctx, json.RawMessage("{ \"x\" : 1 }")))
	assert.Equal(t, []byte("{\"x\":1}\x00"), seen)
}

func TestCallbackRPCInvokedOncePerCall(t *testing.T) {
	calls := 0
	r := NewCallbackRPC(0, func([]byte) uint16 {
		calls++
		return 2
	})
	for i := 0; i < 3; i++ {
		ctx, results := recordingContext()
		require.NoError(t, r.Call(ctx, nil))
		require.Len(t, *results, 1)
	}
	assert.Equal(t, 3, calls)
}

func TestCallbackRPCEscapesNul(t *testing.T) {
	var seen []byte
	r := NewCallbackRPC(0, func(args []byte) uint16 {
		seen = append([]byte(nil), args...)
		return 0
	})
	ctx, _ := recordingContext()

	require.NoError(t, r.Call(ctx, json.RawMessage(`"a\u0000b"`)))
	assert.Equal(t, []byte("\"a\\u0000b\"\x00"), seen)
}

func TestCanonicalJSON(t *testing.T) {
	cases := map[string]string{
		``:                               `null`,
		`  `:                             `null`,
		`null`:                           `null`,
		`{"x":1}`:                        `{"x":1}`,
		`{"b":2,"a":{"d":4,"c":3}}`:      `{"a":{"c":3,"d":4},"b":2}`,
		`[1, 2.50, 1e3]`:                 `[1,2.50,1e3]`,
		`{"html":"<a href=\"x\">&</a>"}`: `{"html":"<a href=\"x\">&</a>"}`,
		`"plain"`:                        `"plain"`,
		`12345678901234567890123`:        `12345678901234567890123`,
	}
	for in, want := range cases {
		got, err := CanonicalJSON(json.RawMessage(in))
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestCanonicalJSONRejectsBadInput(t *testing.T) {
	_, err := CanonicalJSON(json.RawMessage(`{"x":`))
	assert.Error(t, err)

	_, err = CanonicalJSON(json.RawMessage(`1 2`))
	assert.Error(t, err)

	_, err = CanonicalJSON(json.RawMessage([]byte{'"', 0xff, '"'}))
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}
