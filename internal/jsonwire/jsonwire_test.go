package jsonwire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRequest(t *testing.T) {
	env, err := Parse([]byte(`{"id":3,"command":"cell_set","x":1,"y":2}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Kind != KindRequest || env.ID != 3 || env.Command != "cell_set" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParsePush(t *testing.T) {
	env, err := Parse([]byte(`{"id":0,"command":"event"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Kind != KindPush {
		t.Fatalf("expected push, got %+v", env)
	}
}

func TestParseResponse(t *testing.T) {
	env, err := Parse([]byte(`{"id":3,"success":true,"value":{"ok":true}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Kind != KindResponse || env.ID != 3 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseRejectsUnknownShape(t *testing.T) {
	if _, err := Parse([]byte(`{"id":3}`)); !errors.Is(err, ErrUnknownShape) {
		t.Fatalf("expected ErrUnknownShape, got %v", err)
	}
	if _, err := Parse([]byte(`not json`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestMarshalSuccessRoundTrip(t *testing.T) {
	out, err := MarshalSuccess(9, "cell_set_response", map[string]bool{"ok": true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := ParseResponse(out)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !resp.Success || resp.ID != 9 || resp.ResponseType != "cell_set_response" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	var value map[string]bool
	if err := json.Unmarshal(resp.Value, &value); err != nil || !value["ok"] {
		t.Fatalf("unexpected value: %s err=%v", resp.Value, err)
	}
}

func TestMarshalFailureShape(t *testing.T) {
	resp, err := ParseResponse(MarshalFailure(4, "json protocol not configured"))
	if err != nil {
		t.Fatalf("parse failure: %v", err)
	}
	if resp.Success || resp.ID != 4 || resp.Error == "" {
		t.Fatalf("unexpected failure response: %+v", resp)
	}
}
