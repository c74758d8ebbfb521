package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/assemble"
	"github.com/mwynn/mnemod/consolidate"
	"github.com/mwynn/mnemod/embedding/embeddingtest"
	"github.com/mwynn/mnemod/episodic"
	"github.com/mwynn/mnemod/migrations"
	"github.com/mwynn/mnemod/oracle"
	"github.com/mwynn/mnemod/semantic"
	"github.com/mwynn/mnemod/transcript"
	"github.com/mwynn/mnemod/worldmodel"
)

type skipExtractor struct{}

func (skipExtractor) Extract(context.Context, oracle.Request) (oracle.Decision, error) {
	return oracle.Coerce(oracle.Decision{Decision: oracle.DecisionSkip}), nil
}

type noopSummarizer struct{}

func (noopSummarizer) Summarize(context.Context, string) (string, error) {
	return "summary", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Run(db, "../migrations", zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	provider := embeddingtest.NewHash(64)
	ep := episodic.NewStore(db, provider, zerolog.Nop())
	sem := semantic.NewStore(db, provider, semantic.Options{}, zerolog.Nop())
	world := worldmodel.NewStore(db, worldmodel.Options{}, zerolog.Nop())
	transcripts := transcript.NewStore(db)
	pool := consolidate.NewPool(2, 8, zerolog.Nop())
	t.Cleanup(pool.Shutdown)
	orch := consolidate.NewOrchestrator(ep, sem, world, transcripts,
		skipExtractor{}, noopSummarizer{}, pool, consolidate.Thresholds{CompactEveryTurns: 100}, zerolog.Nop())
	builder := assemble.NewBuilder(ep, sem, world, 5, 5, zerolog.Nop())
	return New(ep, sem, world, orch, builder, zerolog.Nop())
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMemoryAddAndSearch(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/memories", map[string]interface{}{
		"content":    "User runs every morning before work",
		"importance": 0.8,
		"tags":       []string{"habit"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/memories/search?q=morning+runs&k=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "runs every morning") {
		t.Errorf("search result missing memory: %s", rec.Body)
	}
}

func TestMemoryAddValidation(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/memories", map[string]interface{}{
		"content":    "out of range",
		"importance": 1.5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for importance outside [0,1]", rec.Code)
	}
}

func TestWorldCRUD(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPut, "/v1/world/current_focus", map[string]interface{}{
		"value":  "shipping",
		"source": "api",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/world/current_focus", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "shipping") {
		t.Errorf("get body = %s", rec.Body)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/v1/world/current_focus", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/v1/world/current_focus", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestTurnEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/turn", map[string]string{
		"thread_id":      "t1",
		"user_text":      "hi",
		"assistant_text": "hello!",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Decision != string(oracle.DecisionSkip) || resp.Dispatched != 0 {
		t.Errorf("turn response = %+v, want SKIP with 0 dispatched", resp)
	}
}

func TestContextEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/context", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q should 400, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/context?q=anything", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
