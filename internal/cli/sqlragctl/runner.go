package sqlragctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	body   []byte
}

type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlragctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlrag API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")
	rowLimit := fs.Int("row-limit", 0, "row limit for execute; 0 uses the server default")
	limit := fs.Int("limit", 0, "result count for similar; 0 uses the server default")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	req, err := buildRequest(command, fs.Args()[1:], *rowLimit, *limit, defaults.Stdin)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req.method, endpoint, *apiKey, req.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, rest []string, rowLimit, limit int, stdin io.Reader) (request, error) {
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "schema":
		return request{method: http.MethodGet, path: "/v1/schema"}, nil
	case "reindex":
		return request{method: http.MethodPost, path: "/v1/schema/reindex"}, nil
	case "stats":
		return request{method: http.MethodGet, path: "/v1/feedback/stats"}, nil
	case "snapshot":
		return request{method: http.MethodPost, path: "/v1/index/snapshot"}, nil
	case "generate":
		question := strings.TrimSpace(strings.Join(rest, " "))
		if question == "" {
			return request{}, usageError{"generate requires a question"}
		}
		body, err := json.Marshal(map[string]any{"natural_language": question})
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/sql/generate", body: body}, nil
	case "execute":
		statement := strings.TrimSpace(strings.Join(rest, " "))
		if statement == "" {
			return request{}, usageError{"execute requires a SQL statement"}
		}
		payload := map[string]any{"sql": statement}
		if rowLimit > 0 {
			payload["row_limit"] = rowLimit
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/sql/execute", body: body}, nil
	case "feedback":
		body, err := feedbackBody(rest, stdin)
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/feedback", body: body}, nil
	case "similar":
		if len(rest) != 1 || strings.TrimSpace(rest[0]) == "" {
			return request{}, usageError{"similar requires exactly one query id"}
		}
		path := "/v1/feedback/" + url.PathEscape(strings.TrimSpace(rest[0])) + "/similar"
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
		return request{method: http.MethodGet, path: path}, nil
	default:
		return request{}, usageError{fmt.Sprintf("unknown command %q", command)}
	}
}

// feedbackBody takes the JSON document from the single argument, or from
// stdin when the argument is "-".
func feedbackBody(rest []string, stdin io.Reader) ([]byte, error) {
	if len(rest) != 1 {
		return nil, usageError{"feedback requires one JSON document (or - for stdin)"}
	}
	raw := []byte(rest[0])
	if rest[0] == "-" {
		if stdin == nil {
			return nil, usageError{"feedback: stdin is not available"}
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read feedback from stdin: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, usageError{"feedback document is not valid JSON"}
	}
	return bytes.TrimSpace(raw), nil
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint, apiKey string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlragctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                 GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema                GET /v1/schema")
	_, _ = fmt.Fprintln(w, "  reindex               POST /v1/schema/reindex")
	_, _ = fmt.Fprintln(w, "  generate <question>   POST /v1/sql/generate")
	_, _ = fmt.Fprintln(w, "  execute <sql>         POST /v1/sql/execute (-row-limit)")
	_, _ = fmt.Fprintln(w, "  feedback <json|->     POST /v1/feedback")
	_, _ = fmt.Fprintln(w, "  similar <query_id>    GET /v1/feedback/{query_id}/similar (-limit)")
	_, _ = fmt.Fprintln(w, "  stats                 GET /v1/feedback/stats")
	_, _ = fmt.Fprintln(w, "  snapshot              POST /v1/index/snapshot")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
