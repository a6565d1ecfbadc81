package api

import (
	"net/http"
	"slices"
	"strings"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
)

type schemaEntry struct {
	Backend    query.Backend      `json:"backend"`
	Descriptor *schema.Descriptor `json:"schema,omitempty"`
	Prompt     string             `json:"prompt,omitempty"`
	Error      *pipeline.Message  `json:"error,omitempty"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schemas == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema cache is not configured", false, nil)
		return
	}
	if err := auth.Authorize(r.Context(), auth.RoleViewer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	backends, ok := selectBackends(deps, w, r)
	if !ok {
		return
	}
	table := strings.TrimSpace(r.URL.Query().Get("table"))

	entries := make([]schemaEntry, 0, len(backends))
	found := false
	for _, backend := range backends {
		desc, err := deps.Schemas.Get(r.Context(), backend)
		if err == nil && table != "" {
			var ok bool
			if desc, ok = onlyTable(desc, table); !ok {
				continue
			}
			found = true
		}
		entries = append(entries, newSchemaEntry(backend, desc, err))
	}
	if table != "" && !found {
		writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND", "no table or collection with that name", false, map[string]any{"table": table, "schemas": entries})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": entries})
}

// onlyTable narrows desc to one table or collection.
func onlyTable(desc schema.Descriptor, name string) (schema.Descriptor, bool) {
	t, ok := desc.Table(name)
	if !ok {
		return desc, false
	}
	desc.Tables = []schema.Table{t}
	return desc, true
}

func handleSchemaRefresh(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schemas == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema cache is not configured", false, nil)
		return
	}
	if err := auth.Authorize(r.Context(), auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	backends, ok := selectBackends(deps, w, r)
	if !ok {
		return
	}

	status := http.StatusOK
	entries := make([]schemaEntry, 0, len(backends))
	for _, backend := range backends {
		desc, err := deps.Schemas.Refresh(r.Context(), backend)
		if err != nil {
			status = http.StatusBadGateway
			logFailure(deps, r, "schema refresh failed", err)
		}
		entries = append(entries, newSchemaEntry(backend, desc, err))
	}
	writeJSON(w, status, map[string]any{"schemas": entries})
}

// selectBackends honours ?backend= and writes the error response itself.
func selectBackends(deps Dependencies, w http.ResponseWriter, r *http.Request) ([]query.Backend, bool) {
	configured := deps.Schemas.Backends()
	raw := strings.TrimSpace(r.URL.Query().Get("backend"))
	if raw == "" {
		return configured, true
	}
	backend, err := query.ParseBackend(raw)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BACKEND", err.Error(), false, nil)
		return nil, false
	}
	if !slices.Contains(configured, backend) {
		writeError(r.Context(), w, http.StatusNotFound, "BACKEND_NOT_CONFIGURED", "backend is not configured", false, map[string]any{"backend": backend})
		return nil, false
	}
	return []query.Backend{backend}, true
}

func newSchemaEntry(backend query.Backend, desc schema.Descriptor, err error) schemaEntry {
	if err != nil {
		msg := pipeline.UserMessage(err)
		return schemaEntry{Backend: backend, Error: &msg}
	}
	return schemaEntry{Backend: backend, Descriptor: &desc, Prompt: desc.Prompt()}
}

func handleTools(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Tools == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TOOLS_NOT_CONFIGURED", "tool registry is not configured", false, nil)
		return
	}
	if err := auth.Authorize(r.Context(), auth.RoleViewer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": deps.Tools.Operations()})
}
