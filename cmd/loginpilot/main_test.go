package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loginpilot/internal/domain"
	"loginpilot/internal/infra/config"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVersionCmd(t *testing.T) {
	got, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(got, "loginpilot dev") {
		t.Errorf("output = %q", got)
	}
}

func TestEncryptSecretCmd(t *testing.T) {
	t.Setenv("LOGINPILOT_CONFIG_KEY", "correct horse")

	got, err := execute(t, "s3cret\n", "encrypt-secret")
	if err != nil {
		t.Fatalf("encrypt-secret: %v", err)
	}
	enc := strings.TrimSpace(got)
	if !strings.HasPrefix(enc, "enc:") {
		t.Fatalf("output = %q, want enc: prefix", enc)
	}
	plain, err := config.DecryptValue(strings.TrimPrefix(enc, "enc:"), "correct horse")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if plain != "s3cret" {
		t.Errorf("decrypted = %q", plain)
	}
}

func TestEncryptSecretCmd_NoPassphrase(t *testing.T) {
	t.Setenv("LOGINPILOT_CONFIG_KEY", "")
	if _, err := execute(t, "", "encrypt-secret", "x"); err == nil {
		t.Error("expected error without LOGINPILOT_CONFIG_KEY")
	}
}

func TestReadInput(t *testing.T) {
	text, err := readInput(strings.NewReader("Alice|env-1|tok-AAA\ntok-BBB\n"), "-", "")
	if err != nil {
		t.Fatalf("readInput: %v", err)
	}
	if text != "Alice|env-1|tok-AAA\ntok-BBB" {
		t.Errorf("text = %q", text)
	}

	path := filepath.Join(t.TempDir(), "in.csv")
	if err := os.WriteFile(path, []byte("Alice,env-1,tok-AAA\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	text, err = readInput(nil, path, "")
	if err != nil {
		t.Fatalf("readInput csv: %v", err)
	}
	if text != "Alice,env-1,tok-AAA" {
		t.Errorf("csv text = %q", text)
	}

	if _, err := readInput(nil, path, "ods"); err == nil {
		t.Error("expected error for unknown format")
	}
}

// pipelineServer answers every verification with a success for bob.
func pipelineServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.PipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(domain.LogEvent("Starting profile " + req.ProfileID))
		ev := domain.SuccessEvent("Login verified", &domain.Identity{UserID: "42", Username: "bob"})
		ev.Token = req.Token
		_ = enc.Encode(ev)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunCmd_RemotePipelineRecordsAndExports(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOGINPILOT_STORE_PATH", filepath.Join(dir, "runs.db"))
	ts := pipelineServer(t)

	input := filepath.Join(dir, "accounts.txt")
	if err := os.WriteFile(input, []byte("Alice, env-1, tok-AAAAAAAA\n\ntok-BBBBBBBB\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	results := filepath.Join(dir, "out", "results.csv")

	got, err := execute(t, "",
		"--config", filepath.Join(dir, "missing.yaml"), "--log-level", "error",
		"run", "--no-tui", "-i", input, "-o", results, "--pipeline-url", ts.URL)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(got, "2 success, 0 failed") {
		t.Errorf("summary = %q", got)
	}

	data, err := os.ReadFile(results)
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("results = %q", data)
	}
	if lines[0] != "name,id,token,username,status,message" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "Alice,env-1,tok-AAAAAAAA,bob,success,Login verified" {
		t.Errorf("row = %q", lines[1])
	}

	got, err = execute(t, "", "--config", filepath.Join(dir, "missing.yaml"), "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(got, "finished") {
		t.Errorf("runs output = %q", got)
	}

	exported := filepath.Join(dir, "history.csv")
	if _, err := execute(t, "", "--config", filepath.Join(dir, "missing.yaml"), "export", "-o", exported); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err = os.ReadFile(exported)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if strings.Contains(string(data), "tok-AAAAAAAA") {
		t.Error("history export must not contain full tokens")
	}
	if !strings.Contains(string(data), "tok-AA***") {
		t.Errorf("export = %q", data)
	}
}

func TestRunCmd_EmptyInput(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOGINPILOT_STORE_ENABLED", "false")
	_, err := execute(t, "\n\n", "--config", filepath.Join(dir, "missing.yaml"), "--log-level", "error", "run", "--no-tui")
	if err == nil || !strings.Contains(err.Error(), "no accounts") {
		t.Errorf("err = %v, want no accounts", err)
	}
}
