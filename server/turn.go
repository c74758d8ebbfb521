package server

import (
	"encoding/json"
	"net/http"
)

type turnRequest struct {
	ThreadID      string `json:"thread_id"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
}

type turnResponse struct {
	Decision   string `json:"decision"`
	Dispatched int    `json:"dispatched"`
	Compacted  bool   `json:"compacted"`
}

// handleTurn runs one consolidation pass over a completed exchange. The
// response reports what was dispatched, not what has been written; store
// writes are fire-and-forget.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = "default"
	}
	if req.UserText == "" && req.AssistantText == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "turn is empty"})
		return
	}

	res := s.orchestrator.ProcessTurn(r.Context(), req.ThreadID, req.UserText, req.AssistantText)
	writeJSON(w, http.StatusAccepted, turnResponse{
		Decision:   string(res.Decision),
		Dispatched: res.Dispatched,
		Compacted:  res.Compacted,
	})
}

// handleContext assembles the read-side context for the next turn.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing q parameter"})
		return
	}
	c := s.builder.Build(r.Context(), query)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memories":    c.Memories,
		"knowledge":   c.Knowledge,
		"world_model": c.WorldModel,
		"rendered":    c.Render(),
	})
}
