package domain

import (
	"encoding/json"
	"testing"
)

func TestProgressEventKind(t *testing.T) {
	tests := []struct {
		name     string
		ev       ProgressEvent
		kind     ProgressKind
		terminal bool
	}{
		{"log", LogEvent("Connecting"), KindLog, false},
		{"success", SuccessEvent("Login verified", nil), KindSuccess, true},
		{"error", ErrorEvent("boom"), KindError, true},
		{"action required", ActionRequiredEvent("captcha", nil), KindActionRequired, true},
		{"unknown status", ProgressEvent{Status: "weird"}, KindUnknown, false},
		{"empty", ProgressEvent{}, KindUnknown, false},
		{"type wins", ProgressEvent{Type: "log", Status: "success"}, KindLog, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Kind(); got != tt.kind {
				t.Errorf("Kind() = %q, want %q", got, tt.kind)
			}
			if got := tt.ev.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestProgressEventWireShape(t *testing.T) {
	tests := []struct {
		ev   ProgressEvent
		want string
	}{
		{LogEvent("Connecting"), `{"type":"log","message":"Connecting"}`},
		{ErrorEvent("boom"), `{"status":"error","message":"boom"}`},
		{ActionRequiredEvent("2FA enabled", &Identity{Username: "bob"}), `{"status":"action_required","reason":"2FA enabled","info":{"username":"bob"}}`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.ev)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(data) != tt.want {
			t.Errorf("got %s, want %s", data, tt.want)
		}
	}
}

func TestSessionIDContext(t *testing.T) {
	ctx := ContextWithSessionID(t.Context(), "01HZX")
	if got := SessionIDFromContext(ctx); got != "01HZX" {
		t.Errorf("SessionIDFromContext() = %q, want 01HZX", got)
	}
	if got := SessionIDFromContext(t.Context()); got != "" {
		t.Errorf("SessionIDFromContext(empty) = %q, want empty", got)
	}
}
