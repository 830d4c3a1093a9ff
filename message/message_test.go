package message

import (
	"encoding/json"
	"testing"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusOK:         "ok",
		StatusErr:        "err",
		StatusNotHandled: "not_handled",
		Status(7):        "status(7)",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", byte(status), got, want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusOK, StatusErr, StatusNotHandled} {
		if !s.Valid() {
			t.Errorf("expect %s to be valid", s)
		}
	}
	if Status(3).Valid() {
		t.Error("expect status 3 to be invalid")
	}
}

func TestRequestCarriesRawJSON(t *testing.T) {
	req := &RPCMessage{
		Function: "buffer.open",
		Payload:  []byte(`{"uri":"file:///tmp/a.txt"}`),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	var decoded RPCMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal with error: %v", err)
	}

	var args map[string]string
	if err := json.Unmarshal(decoded.Payload, &args); err != nil {
		t.Fatalf("payload is no longer JSON: %v", err)
	}
	if args["uri"] != "file:///tmp/a.txt" {
		t.Fatalf("unexpected args: %v", args)
	}
}
