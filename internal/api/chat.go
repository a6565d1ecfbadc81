package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/querygen"
	"github.com/askdb/askdb/internal/session"
)

const maxChatBody = 64 << 10

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat is not configured", false, nil)
		return
	}
	if err := auth.Authorize(r.Context(), auth.RoleAsker); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req chatRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session_id is required", false, nil)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_REQUIRED", "message is required", false, nil)
		return
	}

	reply, err := deps.Chat.Handle(r.Context(), auth.ScopedSessionID(r.Context(), req.SessionID), req.Message)
	if err != nil {
		logFailure(deps, r, "chat failed", err)
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SESSION_STORE_UNAVAILABLE", "conversation history is unavailable", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func handleClearSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat is not configured", false, nil)
		return
	}
	if err := auth.Authorize(r.Context(), auth.RoleAsker); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	epoch, err := deps.Chat.Clear(r.Context(), auth.ScopedSessionID(r.Context(), sessionID))
	if err != nil {
		if errors.Is(err, session.ErrInvalidID) {
			writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session_id is required", false, nil)
			return
		}
		logFailure(deps, r, "clear session failed", err)
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SESSION_STORE_UNAVAILABLE", "conversation history is unavailable", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "epoch": epoch, "cleared": true})
}

// handleSuggestions serves example questions to askers and schema viewers.
func handleSuggestions(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat is not configured", false, nil)
		return
	}
	if err := auth.Authorize(r.Context(), auth.RoleAsker); err != nil {
		if viewerErr := auth.Authorize(r.Context(), auth.RoleViewer); viewerErr != nil {
			writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
			return
		}
	}
	suggestions := deps.Chat.Suggestions(r.Context())
	if suggestions == nil {
		suggestions = []querygen.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func logFailure(deps Dependencies, r *http.Request, msg string, err error) {
	if deps.Logger == nil {
		return
	}
	deps.Logger.ErrorContext(r.Context(), msg,
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}
