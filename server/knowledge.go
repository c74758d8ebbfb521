package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mwynn/mnemod/semantic"
)

// handleKnowledge returns relationship facts relevant to a query.
func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
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

	facts, err := s.semantic.RetrieveRelevantKnowledge(r.Context(), query, k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"knowledge": facts})
}

type relationshipRequest struct {
	FromEntity string  `json:"from_entity"`
	FromType   string  `json:"from_type"`
	Relation   string  `json:"relation"`
	ToEntity   string  `json:"to_entity"`
	ToType     string  `json:"to_type"`
	Confidence float64 `json:"confidence"`
}

// handleAddRelationship upserts an edge directly into the graph.
func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	var req relationshipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	err := s.semantic.AddRelationship(r.Context(),
		req.FromEntity, semantic.EntityType(req.FromType),
		req.Relation,
		req.ToEntity, semantic.EntityType(req.ToType),
		req.Confidence)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
