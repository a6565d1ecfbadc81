package askdbctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	body   any
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("askdbctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "askdb API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 90*time.Second), "HTTP timeout (e.g. 90s)")
	rawJSON := fs.Bool("json", false, "print raw JSON replies for ask")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	command := strings.TrimSpace(fs.Arg(0))
	req, ok := buildRequest(command, fs.Args()[1:], stderr)
	if !ok {
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if command == "ask" && !*rawJSON {
		return printReply(stdout, stderr, responseBody)
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

func buildRequest(command string, args []string, stderr io.Writer) (request, bool) {
	sub := flag.NewFlagSet(command, flag.ContinueOnError)
	sub.SetOutput(stderr)
	backend := sub.String("backend", "", "limit to one backend (postgres or mongodb)")
	sessionID := sub.String("session", "", "chat session id")
	table := sub.String("table", "", "limit schema to one table or collection")

	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, true
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, true
	case "tools":
		return request{method: http.MethodGet, path: "/v1/tools"}, true
	case "suggest":
		return request{method: http.MethodGet, path: "/v1/suggestions"}, true
	case "schema", "refresh":
		if err := sub.Parse(args); err != nil {
			return request{}, false
		}
		req := request{method: http.MethodGet, path: "/v1/schema"}
		if command == "refresh" {
			req = request{method: http.MethodPost, path: "/v1/schema/refresh"}
		}
		params := url.Values{}
		if *backend != "" {
			params.Set("backend", *backend)
		}
		if command == "schema" && *table != "" {
			params.Set("table", *table)
		}
		if len(params) > 0 {
			req.path += "?" + params.Encode()
		}
		return req, true
	case "ask":
		if err := sub.Parse(args); err != nil {
			return request{}, false
		}
		question := strings.TrimSpace(strings.Join(sub.Args(), " "))
		if *sessionID == "" || question == "" {
			_, _ = fmt.Fprintln(stderr, "usage: askdbctl ask -session <id> <question...>")
			return request{}, false
		}
		return request{
			method: http.MethodPost,
			path:   "/v1/chat",
			body:   map[string]string{"session_id": *sessionID, "message": question},
		}, true
	case "clear":
		if err := sub.Parse(args); err != nil {
			return request{}, false
		}
		if *sessionID == "" {
			_, _ = fmt.Fprintln(stderr, "usage: askdbctl clear -session <id>")
			return request{}, false
		}
		return request{method: http.MethodDelete, path: "/v1/sessions/" + url.PathEscape(*sessionID)}, true
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return request{}, false
	}
}

func doRequest(ctx context.Context, client *http.Client, r request, endpoint, apiKey string) (int, []byte, error) {
	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
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

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

type chatReply struct {
	TraceID     string `json:"trace_id"`
	Text        string `json:"text"`
	Backend     string `json:"backend"`
	Query       string `json:"query"`
	Explanation string `json:"explanation"`
	Table       string `json:"table"`
	Error       *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// printReply renders a chat reply for a terminal. A pipeline error exits 1.
func printReply(stdout, stderr io.Writer, raw []byte) int {
	var reply chatReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		_, _ = fmt.Fprintf(stderr, "decode reply: %v\n", err)
		return 1
	}
	if reply.Error != nil {
		hint := ""
		if reply.Error.Retryable {
			hint = " (retryable)"
		}
		_, _ = fmt.Fprintf(stderr, "%s%s [trace %s]\n", reply.Error.Message, hint, reply.TraceID)
		return 1
	}
	if reply.Query != "" {
		_, _ = fmt.Fprintf(stdout, "-- %s\n%s\n\n", reply.Backend, reply.Query)
	}
	if reply.Explanation != "" {
		_, _ = fmt.Fprintf(stdout, "%s\n\n", reply.Explanation)
	}
	if reply.Table != "" {
		_, _ = fmt.Fprintln(stdout, reply.Table)
	} else if reply.Text != "" {
		_, _ = fmt.Fprintln(stdout, reply.Text)
	}
	return 0
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
	_, _ = fmt.Fprintln(w, "usage: askdbctl [flags] <command> [command flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                          GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                           GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  tools                           GET /v1/tools")
	_, _ = fmt.Fprintln(w, "  schema [-backend b] [-table t]  GET /v1/schema")
	_, _ = fmt.Fprintln(w, "  refresh [-backend b]            POST /v1/schema/refresh")
	_, _ = fmt.Fprintln(w, "  suggest                         GET /v1/suggestions")
	_, _ = fmt.Fprintln(w, "  ask -session id <question...>   POST /v1/chat")
	_, _ = fmt.Fprintln(w, "  clear -session id               DELETE /v1/sessions/{id}")
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
