package datapulsectl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunAskCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey, gotCaller string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		gotCaller = r.Header.Get("X-Caller-ID")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sql":"SELECT 1","row_count":1}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"-caller-id", "caller-a",
		"ask", "how", "many", "customers",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/answer" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" || gotCaller != "caller-a" {
		t.Fatalf("headers api_key=%q caller=%q", gotAPIKey, gotCaller)
	}
	if gotBody["question"] != "how many customers" {
		t.Fatalf("question = %q", gotBody["question"])
	}
	if stdout.Len() == 0 {
		t.Fatal("expected command output")
	}
}

func TestRunSessionCommands(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"session_id":"abc"}`))
	}))
	defer srv.Close()

	if code := Run(context.Background(), []string{"-base-url", srv.URL, "session-new"}, Options{}); code != 0 {
		t.Fatalf("session-new exit code = %d", code)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/sessions" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}

	if code := Run(context.Background(), []string{"-base-url", srv.URL, "session-drop", "abc"}, Options{}); code != 0 {
		t.Fatalf("session-drop exit code = %d", code)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/sessions/abc" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}

func TestRunAskRequiresQuestion(t *testing.T) {
	var stderr bytes.Buffer
	if code := Run(context.Background(), []string{"ask"}, Options{Stderr: &stderr}); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error_code":"RATE_LIMITED"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "hello"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"unknown"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected usage output")
	}
}
