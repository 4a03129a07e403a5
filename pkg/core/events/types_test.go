package events

import (
	"encoding/json"
	"testing"
)

func TestEventValidate(t *testing.T) {
	if err := (Event{}).Validate(); err == nil {
		t.Fatal("expected missing type error")
	}
	if err := (Event{Type: StreamChunk}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTerminal(t *testing.T) {
	if !(Event{Type: StreamEnd}).Terminal() {
		t.Error("STREAM_END must be terminal")
	}
	if (Event{Type: StreamError}).Terminal() {
		t.Error("STREAM_ERROR must not be terminal")
	}
}

func TestEndPayloadOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Event{Type: StreamEnd, SessionID: "s1", Payload: EndPayload{Success: true, Model: "m"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload := decoded["payload"].(map[string]any)
	if _, ok := payload["error"]; ok {
		t.Errorf("error should be omitted on success: %s", data)
	}
	if _, ok := payload["sourceDocuments"]; ok {
		t.Errorf("sourceDocuments should be omitted when empty: %s", data)
	}
	if decoded["type"] != "STREAM_END" || payload["success"] != true {
		t.Errorf("unexpected encoding: %s", data)
	}
}
