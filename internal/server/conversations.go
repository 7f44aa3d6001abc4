package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/parlancehq/parlance/pkg/memory"
)

// detailMessageLimit caps how many recent messages the conversation detail
// endpoint returns.
const detailMessageLimit = 50

type conversationJSON struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type conversationDetailJSON struct {
	conversationJSON
	Summary  string        `json:"summary,omitempty"`
	Messages []messageJSON `json:"messages"`
}

type messageJSON struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toConversationJSON(c memory.Conversation) conversationJSON {
	return conversationJSON{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// handleListConversations serves GET /api/conversations with optional limit
// and offset query parameters.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	var opts []memory.ListOpt
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		opts = append(opts, memory.WithListLimit(n))
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid offset"})
			return
		}
		opts = append(opts, memory.WithListOffset(n))
	}

	convs, err := s.store.ListConversations(r.Context(), opts...)
	if err != nil {
		s.log.Error("list conversations failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "listing conversations failed"})
		return
	}

	out := make([]conversationJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetConversation serves GET /api/conversations/{id}: the conversation
// record, its rolling summary and the most recent messages.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, memory.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "conversation not found"})
		return
	}
	if err != nil {
		s.log.Error("get conversation failed", "id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "fetching conversation failed"})
		return
	}

	msgs, err := s.store.RecentMessages(r.Context(), id, detailMessageLimit)
	if err != nil {
		s.log.Error("fetch messages failed", "id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "fetching messages failed"})
		return
	}

	detail := conversationDetailJSON{
		conversationJSON: toConversationJSON(conv),
		Summary:          conv.Summary,
		Messages:         make([]messageJSON, 0, len(msgs)),
	}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, messageJSON{
			Role:      m.Role,
			Content:   m.Content,
			Model:     m.Model,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleDeleteConversation serves DELETE /api/conversations/{id}. Deleting a
// conversation that does not exist succeeds, matching the store contract.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.log.Error("delete conversation failed", "id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "deleting conversation failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
