package federation

import (
	"encoding/json"
	"testing"
)

func TestQualifyResponseIDs(t *testing.T) {
	body := []byte(`{
		"members": [{"user_id":"bob"},{"user_id":"carol@already.example"}],
		"group": {"created_by":"alice"},
		"messages": [{"sender_id":"bob","text":"hi"}]
	}`)

	out := qualifyResponseIDs(body, "b.example")

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	members := doc["members"].([]any)
	if got := members[0].(map[string]any)["user_id"]; got != "bob@b.example" {
		t.Errorf("expected bob to be qualified, got %v", got)
	}
	if got := members[1].(map[string]any)["user_id"]; got != "carol@already.example" {
		t.Errorf("expected already-qualified id to be untouched, got %v", got)
	}
	if got := doc["group"].(map[string]any)["created_by"]; got != "alice@b.example" {
		t.Errorf("expected created_by to be qualified, got %v", got)
	}
	if got := doc["messages"].([]any)[0].(map[string]any)["sender_id"]; got != "bob@b.example" {
		t.Errorf("expected sender_id to be qualified, got %v", got)
	}
}

func TestQualifyResponseIDsPassesThroughNonJSON(t *testing.T) {
	body := []byte("not json")
	if out := qualifyResponseIDs(body, "b.example"); string(out) != "not json" {
		t.Errorf("expected passthrough, got %q", out)
	}
}
