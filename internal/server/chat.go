package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/parlancehq/parlance/internal/engine"
)

// ChatRequest is the JSON body accepted by POST /api/chat and by each frame
// on the WebSocket stream.
type ChatRequest struct {
	// ConversationID scopes the turn. Empty starts a new conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// UserID identifies the requesting user, for multi-user deployments.
	UserID string `json:"user_id,omitempty"`

	// Message is the user's text. Required unless Images are attached.
	Message string `json:"message"`

	// Images holds base64-encoded image attachments.
	Images [][]byte `json:"images,omitempty"`

	// Provider overrides the configured default provider for this turn.
	Provider string `json:"provider,omitempty"`

	// Model overrides the configured default model for this turn.
	Model string `json:"model,omitempty"`
}

// ChatResponse is the JSON body returned by POST /api/chat.
type ChatResponse struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// errorResponse is the JSON error body shared by all REST handlers.
type errorResponse struct {
	Error string `json:"error"`
}

func (r ChatRequest) engineRequest() engine.Request {
	return engine.Request{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Text:           r.Message,
		Images:         r.Images,
		Provider:       r.Provider,
		Model:          r.Model,
	}
}

// handleChat serves POST /api/chat: it runs a full turn, drains the stream,
// and returns the final assistant message as a single JSON response.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	ch, err := s.engine.Run(r.Context(), req.engineRequest())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var content strings.Builder
	resp := ChatResponse{ConversationID: req.ConversationID}
	for chunk := range ch {
		switch {
		case chunk.Err != "":
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: chunk.Err})
			return
		case chunk.Done:
			if chunk.ConversationID != "" {
				resp.ConversationID = chunk.ConversationID
			}
		default:
			content.WriteString(chunk.Content)
		}
	}

	resp.Content = content.String()
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
