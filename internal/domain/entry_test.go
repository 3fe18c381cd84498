package domain

import (
	"encoding/json"
	"testing"
)

func TestEntryStatusTerminal(t *testing.T) {
	tests := map[EntryStatus]bool{
		StatusPending:        false,
		StatusProcessing:     false,
		StatusSuccess:        true,
		StatusError:          true,
		StatusActionRequired: true,
	}
	for status, want := range tests {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestCredentialEntryDisplayLabel(t *testing.T) {
	e := CredentialEntry{Token: "tok-AAA"}
	if got := e.DisplayLabel(); got != "tok-AAA" {
		t.Errorf("DisplayLabel() = %q, want token", got)
	}
	e.ProfileName = "Discord 01"
	if got := e.DisplayLabel(); got != "Discord 01" {
		t.Errorf("DisplayLabel() = %q, want profile name", got)
	}
}

func TestCredentialEntryUsername(t *testing.T) {
	var e CredentialEntry
	if got := e.Username(); got != "" {
		t.Errorf("Username() = %q, want empty", got)
	}
	e.Info = &Identity{UserID: "42", Username: "bob"}
	if got := e.Username(); got != "bob" {
		t.Errorf("Username() = %q, want bob", got)
	}
}

func TestCount(t *testing.T) {
	entries := []CredentialEntry{
		{Status: StatusPending},
		{Status: StatusPending},
		{Status: StatusProcessing},
		{Status: StatusSuccess},
		{Status: StatusError},
		{Status: StatusError},
		{Status: StatusActionRequired},
	}
	got := Count(entries)
	want := StatusCounters{Pending: 2, Processing: 1, Success: 1, Error: 2, ActionRequired: 1}
	if got != want {
		t.Errorf("Count() = %+v, want %+v", got, want)
	}
	if empty := Count(nil); empty != (StatusCounters{}) {
		t.Errorf("Count(nil) = %+v, want zero", empty)
	}
}

func TestCredentialEntryJSONOmitsEmpty(t *testing.T) {
	data, err := json.Marshal(CredentialEntry{Index: 3, Token: "t", Status: StatusPending})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"index":3,"token":"t","status":"pending"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}
