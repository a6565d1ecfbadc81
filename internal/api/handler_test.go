package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/querygen"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/session"
	"github.com/askdb/askdb/internal/tool"
)

type fakeChat struct {
	sessionIDs []string
	messages   []string
	err        error
	cleared    []string
}

func (f *fakeChat) Handle(_ context.Context, sessionID, message string) (chat.Reply, error) {
	f.sessionIDs = append(f.sessionIDs, sessionID)
	f.messages = append(f.messages, message)
	if f.err != nil {
		return chat.Reply{}, f.err
	}
	return chat.Reply{Intent: chat.IntentQuestion, TraceID: "t1", Backend: "postgres", RowCount: 1}, nil
}

func (f *fakeChat) Clear(_ context.Context, sessionID string) (int64, error) {
	if strings.TrimSpace(sessionID) == "" || strings.HasSuffix(sessionID, "/") {
		return 0, session.ErrInvalidID
	}
	f.cleared = append(f.cleared, sessionID)
	return int64(len(f.cleared)), nil
}

func (f *fakeChat) Suggestions(context.Context) []querygen.Suggestion {
	return []querygen.Suggestion{{Backend: query.Relational, Question: "How many rows are in customers?", Source: querygen.SourceSchema}}
}

type fakeSchemas struct {
	backends  []query.Backend
	failing   query.Backend
	refreshed []query.Backend
}

func (f *fakeSchemas) Backends() []query.Backend { return f.backends }

func (f *fakeSchemas) Get(_ context.Context, backend query.Backend) (schema.Descriptor, error) {
	if backend == f.failing {
		return schema.Descriptor{}, query.NewExecutionError(query.ErrConnectionLost, backend, "describe schema", errors.New("refused"))
	}
	return schema.Descriptor{Backend: backend, Database: "shop", Tables: []schema.Table{{Name: "customers"}}}, nil
}

func (f *fakeSchemas) Refresh(ctx context.Context, backend query.Backend) (schema.Descriptor, error) {
	f.refreshed = append(f.refreshed, backend)
	return f.Get(ctx, backend)
}

type fakeTools struct{}

func (fakeTools) Operations() []tool.Operation {
	return []tool.Operation{{Name: "postgres_execute_query", Backend: query.Relational, ReadOnly: true}}
}

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("askdb-api", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("missing X-Trace-ID header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{
		Readiness: func(context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("body = %#v", body)
	}
}

func TestChatEndpoint(t *testing.T) {
	svc := &fakeChat{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Chat: svc})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"session_id":"s1","message":"Show me all customers"}`))
	req.Header.Set("X-Trace-ID", "trace-abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["intent"] != "question" || body["backend"] != "postgres" {
		t.Fatalf("body = %#v", body)
	}
	if len(svc.sessionIDs) != 1 || svc.sessionIDs[0] != "s1" || svc.messages[0] != "Show me all customers" {
		t.Fatalf("chat calls = %#v %#v", svc.sessionIDs, svc.messages)
	}
	if rr.Header().Get("X-Trace-ID") != "trace-abc" {
		t.Fatalf("X-Trace-ID = %q", rr.Header().Get("X-Trace-ID"))
	}
}

func TestChatEndpointValidatesRequest(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Chat: &fakeChat{}})
	tests := []struct {
		body string
		code string
	}{
		{body: `{`, code: "INVALID_JSON"},
		{body: `{"session_id":"s1","message":"hi","extra":1}`, code: "INVALID_JSON"},
		{body: `{"message":"hi"}`, code: "SESSION_REQUIRED"},
		{body: `{"session_id":"s1","message":"  "}`, code: "MESSAGE_REQUIRED"},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(tt.body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d", tt.body, rr.Code)
		}
		if got := decodeBody(t, rr)["error_code"]; got != tt.code {
			t.Fatalf("body %s: error_code = %v, want %s", tt.body, got, tt.code)
		}
	}
}

func TestChatEndpointReportsSessionStoreFailure(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Chat: &fakeChat{err: errors.New("redis down")}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"session_id":"s1","message":"hi"}`)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "SESSION_STORE_UNAVAILABLE" || body["retryable"] != true {
		t.Fatalf("body = %#v", body)
	}
}

func TestProtectedRoutesRequireAuthAndScopeSessions(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"ASKDB_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:t1:asker,k2:t2:schema_viewer")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	svc := &fakeChat{}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Chat:           svc,
		Schemas:        &fakeSchemas{backends: []query.Backend{query.Relational}},
	})

	unauth := httptest.NewRecorder()
	h.ServeHTTP(unauth, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"session_id":"s1","message":"hi"}`)))
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauth.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"session_id":"s1","message":"hi"}`))
	req.Header.Set("X-API-Key", "k1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("auth status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if svc.sessionIDs[0] != "t1/s1" {
		t.Fatalf("session id = %q, want tenant scoped", svc.sessionIDs[0])
	}

	viewer := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"session_id":"s1","message":"hi"}`))
	viewer.Header.Set("X-API-Key", "k2")
	forbidden := httptest.NewRecorder()
	h.ServeHTTP(forbidden, viewer)
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("viewer chat status = %d", forbidden.Code)
	}

	refresh := httptest.NewRequest(http.MethodPost, "/v1/schema/refresh", nil)
	refresh.Header.Set("X-API-Key", "k2")
	refreshResp := httptest.NewRecorder()
	h.ServeHTTP(refreshResp, refresh)
	if refreshResp.Code != http.StatusForbidden {
		t.Fatalf("viewer refresh status = %d", refreshResp.Code)
	}
}

func TestAuthRequiredWithoutMiddleware(t *testing.T) {
	h := NewHandler(loadConfig(t, map[string]string{"ASKDB_AUTH_REQUIRED": "true"}), Dependencies{Chat: &fakeChat{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestClearSessionEndpoint(t *testing.T) {
	svc := &fakeChat{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Chat: svc})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["session_id"] != "s1" || body["epoch"] != float64(1) || body["cleared"] != true {
		t.Fatalf("body = %#v", body)
	}
	if len(svc.cleared) != 1 || svc.cleared[0] != "s1" {
		t.Fatalf("cleared = %#v", svc.cleared)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	schemas := &fakeSchemas{backends: []query.Backend{query.Relational, query.Document}, failing: query.Document}
	h := NewHandler(loadConfig(t, nil), Dependencies{Schemas: schemas})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Schemas []struct {
			Backend string             `json:"backend"`
			Prompt  string             `json:"prompt"`
			Error   *pipeline.Message  `json:"error"`
			Schema  *schema.Descriptor `json:"schema"`
		} `json:"schemas"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(body.Schemas) != 2 {
		t.Fatalf("schemas = %#v", body.Schemas)
	}
	if body.Schemas[0].Schema == nil || !strings.Contains(body.Schemas[0].Prompt, "Table: customers") {
		t.Fatalf("relational entry = %#v", body.Schemas[0])
	}
	if body.Schemas[1].Error == nil || body.Schemas[1].Error.Code != "execution_connection_lost" {
		t.Fatalf("document entry = %#v", body.Schemas[1])
	}

	filtered := httptest.NewRecorder()
	h.ServeHTTP(filtered, httptest.NewRequest(http.MethodGet, "/v1/schema?backend=postgresql", nil))
	if filtered.Code != http.StatusOK || strings.Contains(filtered.Body.String(), "mongodb") {
		t.Fatalf("filtered status = %d, body=%s", filtered.Code, filtered.Body.String())
	}

	oneTable := httptest.NewRecorder()
	h.ServeHTTP(oneTable, httptest.NewRequest(http.MethodGet, "/v1/schema?backend=postgres&table=CUSTOMERS", nil))
	if oneTable.Code != http.StatusOK || !strings.Contains(oneTable.Body.String(), `"name":"customers"`) {
		t.Fatalf("table filter status = %d, body=%s", oneTable.Code, oneTable.Body.String())
	}

	noTable := httptest.NewRecorder()
	h.ServeHTTP(noTable, httptest.NewRequest(http.MethodGet, "/v1/schema?table=invoices", nil))
	if noTable.Code != http.StatusNotFound {
		t.Fatalf("missing table status = %d", noTable.Code)
	}
	if body := decodeBody(t, noTable); body["error_code"] != "TABLE_NOT_FOUND" {
		t.Fatalf("missing table body = %#v", body)
	}

	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, httptest.NewRequest(http.MethodGet, "/v1/schema?backend=oracle", nil))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad backend status = %d", bad.Code)
	}
}

func TestSchemaRefreshEndpoint(t *testing.T) {
	schemas := &fakeSchemas{backends: []query.Backend{query.Relational}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Schemas: schemas})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/schema/refresh", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(schemas.refreshed) != 1 || schemas.refreshed[0] != query.Relational {
		t.Fatalf("refreshed = %#v", schemas.refreshed)
	}

	missing := httptest.NewRecorder()
	h.ServeHTTP(missing, httptest.NewRequest(http.MethodPost, "/v1/schema/refresh?backend=mongodb", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unconfigured backend status = %d", missing.Code)
	}

	schemas.failing = query.Relational
	failed := httptest.NewRecorder()
	h.ServeHTTP(failed, httptest.NewRequest(http.MethodPost, "/v1/schema/refresh", nil))
	if failed.Code != http.StatusBadGateway {
		t.Fatalf("failed refresh status = %d", failed.Code)
	}
}

func TestToolsEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Tools: fakeTools{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "postgres_execute_query") {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestSuggestionsEndpoint(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"ASKDB_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:t1:asker,k2:t2:schema_viewer,k3:t3:ops")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{AuthMiddleware: auth.Middleware(nil, validator), Chat: &fakeChat{}})

	for key, want := range map[string]int{"k1": http.StatusOK, "k2": http.StatusOK, "k3": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/v1/suggestions", nil)
		req.Header.Set("X-API-Key", key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("key %s status = %d, want %d", key, rr.Code, want)
		}
		if want == http.StatusOK && !strings.Contains(rr.Body.String(), `"question":"How many rows are in customers?"`) {
			t.Fatalf("key %s body = %s", key, rr.Body.String())
		}
	}
}

func TestUnconfiguredDependenciesReturn501(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{}`)),
		httptest.NewRequest(http.MethodGet, "/v1/schema", nil),
		httptest.NewRequest(http.MethodGet, "/v1/tools", nil),
		httptest.NewRequest(http.MethodGet, "/v1/suggestions", nil),
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("%s %s status = %d", req.Method, req.URL.Path, rr.Code)
		}
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckSessionStoreWrapsError(t *testing.T) {
	check := CheckSessionStore(func(context.Context) error { return errors.New("refused") })
	if err := check(context.Background()); err == nil || !strings.Contains(err.Error(), "session store") {
		t.Fatalf("check() = %v", err)
	}
	if CheckSessionStore(nil) != nil || CheckBackends(nil) != nil {
		t.Fatal("nil dependencies should yield nil checks")
	}
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
