package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleWorldList returns every live world-model state.
func (s *Server) handleWorldList(w http.ResponseWriter, r *http.Request) {
	states, err := s.world.GetAllStates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"states": states})
}

func (s *Server) handleWorldGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	st, err := s.world.GetState(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or expired key"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type worldSetRequest struct {
	Value      json.RawMessage `json:"value"`
	Source     string          `json:"source"`
	Confidence float64         `json:"confidence"`
	TTLHours   *float64        `json:"ttl_hours"`
}

func (s *Server) handleWorldSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req worldSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 1.0
	}

	var value interface{}
	if len(req.Value) > 0 {
		value = req.Value
	}
	if err := s.world.SetState(r.Context(), key, value, req.Source, req.Confidence, req.TTLHours); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorldDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.world.DeleteState(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type thoughtAddRequest struct {
	Thought  string  `json:"thought"`
	Mood     string  `json:"mood"`
	Source   string  `json:"source"`
	TTLHours float64 `json:"ttl_hours"`
}

func (s *Server) handleThoughtAdd(w http.ResponseWriter, r *http.Request) {
	var req thoughtAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := s.world.AddThought(r.Context(), req.Thought, req.Mood, req.Source, req.TTLHours); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleThoughtList(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	thoughts, err := s.world.GetRecentThoughts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"thoughts": thoughts})
}
