package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/sandbox"
)

// SandboxListResponse is the response for GET /api/sandbox/messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// handleSandboxList handles GET /api/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	filter := sandbox.ListFilter{
		Mode:  r.URL.Query().Get("mode"),
		Limit: 100,
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = min(l, 1000)
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	messages := s.inbox.List(filter)
	if messages == nil {
		messages = []*sandbox.Message{}
	}
	s.sendJSON(w, http.StatusOK, SandboxListResponse{
		Messages: messages,
		Total:    s.inbox.Stats().Total,
	})
}

// handleSandboxGet handles GET /api/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	msg := s.inbox.Get(chi.URLParam(r, "id"))
	if msg == nil {
		s.sendError(w, http.StatusNotFound, "Message not found")
		return
	}
	s.sendJSON(w, http.StatusOK, msg)
}

// handleSandboxClear handles DELETE /api/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	n := s.inbox.Clear()
	s.logger.Info("sandbox messages cleared", "count", n)
	s.sendJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": n})
}

// handleSandboxStats handles GET /api/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.inbox.Stats())
}
