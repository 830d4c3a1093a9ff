package rpc

import (
	"encoding/json"
	"testing"

	"github.com/igxactly-forks/swiboe/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultThroughMessage(t *testing.T) {
	results := []Result{
		Success(json.RawMessage(`{"x":1}`)),
		Success(nil),
		Failure(ErrorKindUnknownRPC, json.RawMessage(`"no handler for echo"`)),
		NotHandled(),
	}
	for _, want := range results {
		var msg message.RPCMessage
		want.Fill(&msg)

		got, err := ResultFromMessage(&msg)
		require.NoError(t, err)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, string(want.Payload), string(got.Payload))
		if want.Error != nil {
			require.NotNil(t, got.Error)
			assert.Equal(t, want.Error.Kind, got.Error.Kind)
			assert.Equal(t, string(want.Error.Details), string(got.Error.Details))
		}
	}
}

func TestResultFromInvalidStatus(t *testing.T) {
	_, err := ResultFromMessage(&message.RPCMessage{Status: message.Status(99)})
	assert.Error(t, err)
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, Success(nil).Err())
	assert.NoError(t, NotHandled().Err())

	err := Failuref(ErrorKindTimeout, "after %s", "5s").Err()
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrorKindTimeout, rpcErr.Kind)
	assert.Equal(t, `rpc error: Timeout: "after 5s"`, err.Error())
}

func TestResultUnmarshal(t *testing.T) {
	var v struct{ X int }
	require.NoError(t, Success(json.RawMessage(`{"X":3}`)).Unmarshal(&v))
	assert.Equal(t, 3, v.X)

	assert.Error(t, Success(nil).Unmarshal(&v))
	assert.Error(t, NotHandled().Unmarshal(&v))
}

func TestResultMarshalJSON(t *testing.T) {
	cases := map[string]Result{
		`{"Ok":{"x":1}}`: Success(json.RawMessage(`{"x":1}`)),
		`{"Ok":null}`:    Success(nil),
		`"NotHandled"`:   NotHandled(),
		`{"Err":{"details":null,"kind":"Handler"}}`: Failure(ErrorKindHandler, nil),
	}
	for want, result := range cases {
		got, err := json.Marshal(result)
		require.NoError(t, err)
		assert.JSONEq(t, want, string(got))
	}
}
