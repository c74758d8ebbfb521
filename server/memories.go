package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mwynn/mnemod/episodic"
)

// handleMemorySearch runs hybrid retrieval over episodic memories.
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing q parameter"})
		return
	}
	k := 5
	if v := r.URL.Query().Get("k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			k = n
		}
	}

	hits, err := s.episodic.Retrieve(r.Context(), query, k, episodic.Weights{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": hits})
}

type memoryAddRequest struct {
	Content    string   `json:"content"`
	Importance float64  `json:"importance"`
	Role       string   `json:"role"`
	Tags       []string `json:"tags"`
	ExpiryDays float64  `json:"expiry_days"`
}

// handleMemoryAdd stores a memory directly, bypassing the extraction model.
func (s *Server) handleMemoryAdd(w http.ResponseWriter, r *http.Request) {
	var req memoryAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	id, err := s.episodic.Add(r.Context(), episodic.AddRequest{
		Content:    req.Content,
		Importance: req.Importance,
		Role:       episodic.Role(req.Role),
		Tags:       req.Tags,
		ExpiryDays: req.ExpiryDays,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}
