package sqlragctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	apiKey string
	body   map[string]any
}

func newCaptureServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.apiKey = r.Header.Get("X-API-Key")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &got.body); err != nil {
				t.Errorf("request body is not JSON: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRunGenerateCommand(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"sql":"SELECT 1"}`)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"generate", "list", "all", "customers",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if got.method != http.MethodPost || got.path != "/v1/sql/generate" {
		t.Fatalf("request = %s %s", got.method, got.path)
	}
	if got.apiKey != "k1" {
		t.Fatalf("api key = %q", got.apiKey)
	}
	if got.body["natural_language"] != "list all customers" {
		t.Fatalf("body = %v", got.body)
	}
	if !strings.Contains(stdout.String(), `"sql": "SELECT 1"`) {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunExecuteCommandSendsRowLimit(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"row_count":1}`)

	code := Run(context.Background(), []string{"-base-url", srv.URL, "-row-limit", "25", "execute", "SELECT 1"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.path != "/v1/sql/execute" || got.body["sql"] != "SELECT 1" || got.body["row_limit"] != float64(25) {
		t.Fatalf("request = %s body=%v", got.path, got.body)
	}
}

func TestRunFeedbackFromStdin(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"status":"recorded"}`)

	stdin := strings.NewReader(`{"query_id":"q-1","natural_language":"n","generated_sql":"SELECT 1","feedback":"positive"}`)
	code := Run(context.Background(), []string{"-base-url", srv.URL, "feedback", "-"}, Options{Stdin: stdin})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.path != "/v1/feedback" || got.body["query_id"] != "q-1" {
		t.Fatalf("request = %s body=%v", got.path, got.body)
	}
}

func TestRunFeedbackRejectsInvalidJSON(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"feedback", "{not json"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunSimilarCommand(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"similar":[]}`)

	code := Run(context.Background(), []string{"-base-url", srv.URL, "-limit", "3", "similar", "q-1"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.method != http.MethodGet || got.path != "/v1/feedback/q-1/similar" || got.query != "limit=3" {
		t.Fatalf("request = %s %s?%s", got.method, got.path, got.query)
	}
}

func TestRunSnapshotCommand(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"record_count":2}`)

	code := Run(context.Background(), []string{"-base-url", srv.URL, "snapshot"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.method != http.MethodPost || got.path != "/v1/index/snapshot" {
		t.Fatalf("request = %s %s", got.method, got.path)
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusForbidden, `{"error_code":"FORBIDDEN"}`)

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "reindex"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "http 403") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"unknown"},
		{"generate"},
		{"similar"},
		{},
	} {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		if code != 2 {
			t.Fatalf("%v: exit code = %d", args, code)
		}
		if stderr.Len() == 0 {
			t.Fatalf("%v: expected usage output", args)
		}
	}
}
