package consolidate

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/embedding/embeddingtest"
	"github.com/mwynn/mnemod/episodic"
	"github.com/mwynn/mnemod/migrations"
	"github.com/mwynn/mnemod/oracle"
	"github.com/mwynn/mnemod/semantic"
	"github.com/mwynn/mnemod/transcript"
	"github.com/mwynn/mnemod/worldmodel"
)

type stubExtractor struct {
	decision oracle.Decision
	err      error
	calls    int
}

func (s *stubExtractor) Extract(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	s.calls++
	if s.err != nil {
		return oracle.Decision{}, s.err
	}
	return oracle.Coerce(s.decision), nil
}

type stubSummarizer struct {
	mu      sync.Mutex
	windows []string
	summary string
	err     error
}

func (s *stubSummarizer) Summarize(ctx context.Context, windowText string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.windows = append(s.windows, windowText)
	return s.summary, nil
}

type fixture struct {
	db          *sql.DB
	episodic    *episodic.Store
	semantic    *semantic.Store
	world       *worldmodel.Store
	transcripts *transcript.Store
	extractor   *stubExtractor
	summarizer  *stubSummarizer
	pool        *Pool
	orch        *Orchestrator
}

func setup(t *testing.T, thresholds Thresholds) *fixture {
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
	f := &fixture{
		db:          db,
		episodic:    episodic.NewStore(db, provider, zerolog.Nop()),
		semantic:    semantic.NewStore(db, provider, semantic.Options{}, zerolog.Nop()),
		world:       worldmodel.NewStore(db, worldmodel.Options{}, zerolog.Nop()),
		transcripts: transcript.NewStore(db),
		extractor:   &stubExtractor{},
		summarizer:  &stubSummarizer{summary: "what was discussed"},
		pool:        NewPool(3, 32, zerolog.Nop()),
	}
	t.Cleanup(f.pool.Shutdown)
	f.orch = NewOrchestrator(f.episodic, f.semantic, f.world, f.transcripts,
		f.extractor, f.summarizer, f.pool, thresholds, zerolog.Nop())
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestSkipDispatchesNothing(t *testing.T) {
	f := setup(t, Thresholds{CompactEveryTurns: 100})
	f.extractor.decision = oracle.Decision{Decision: oracle.DecisionSkip, Reason: "small talk"}

	res := f.orch.ProcessTurn(context.Background(), "t1", "hi", "hello!")
	if res.Dispatched != 0 {
		t.Errorf("dispatched = %d, want 0", res.Dispatched)
	}
	if res.Decision != oracle.DecisionSkip {
		t.Errorf("decision = %s", res.Decision)
	}

	// Give any stray job a moment, then confirm the stores are untouched.
	time.Sleep(50 * time.Millisecond)
	for _, table := range []string{"episodic_memories", "entities", "entity_relationships", "world_model", "inner_thoughts"} {
		if n := countRows(t, f.db, table); n != 0 {
			t.Errorf("%s has %d rows after SKIP, want 0", table, n)
		}
	}
	// The transcript still records the turns.
	if n := countRows(t, f.db, "transcript_turns"); n != 2 {
		t.Errorf("transcript_turns = %d, want 2", n)
	}
}

func TestExtractionFailureSkipsTurn(t *testing.T) {
	f := setup(t, Thresholds{CompactEveryTurns: 100})
	f.extractor.err = context.DeadlineExceeded

	res := f.orch.ProcessTurn(context.Background(), "t1", "I work at Acme", "Noted!")
	if res.Dispatched != 0 {
		t.Errorf("dispatched = %d, want 0 on extraction failure", res.Dispatched)
	}
}

func TestDispatchFansOutAllCategories(t *testing.T) {
	f := setup(t, Thresholds{CompactEveryTurns: 100})
	importance := 0.7
	expiry := 1.0
	f.extractor.decision = oracle.Decision{
		Decision: oracle.DecisionBoth,
		Reason:   "rich turn",
		Relationships: []oracle.Relationship{
			{FromEntity: "User", FromType: "person", Relation: "works_at", ToEntity: "Acme", ToType: "org", Confidence: 0.9},
		},
		People: []oracle.Person{
			{Name: "Maya", Relation: "sister", Category: "family", Notes: "lives in Berlin"},
		},
		Preferences:        []string{"Prefers Postgres over vector-only DBs"},
		EpisodicContent:    "Planning a demo tomorrow",
		EpisodicImportance: &importance,
		EpisodicTags:       []string{"work"},
		EpisodicExpiryDays: &expiry,
	}

	res := f.orch.ProcessTurn(context.Background(), "t1", "busy day", "sounds like it")
	// relationship + person + preference + episodic + reason thought
	if res.Dispatched != 5 {
		t.Errorf("dispatched = %d, want 5", res.Dispatched)
	}

	waitFor(t, "relationship write", func() bool { return countRows(t, f.db, "entity_relationships") == 1 })
	waitFor(t, "episodic write", func() bool { return countRows(t, f.db, "episodic_memories") == 1 })
	waitFor(t, "preference write", func() bool { return countRows(t, f.db, "world_model") == 1 })
	waitFor(t, "thought write", func() bool { return countRows(t, f.db, "inner_thoughts") == 1 })
	waitFor(t, "person entity", func() bool {
		e, err := f.semantic.GetEntity(context.Background(), "Maya")
		return err == nil && e != nil
	})

	st, err := f.world.GetState(context.Background(), "preference.prefers_postgres_over_vector_only_dbs")
	if err != nil || st == nil {
		t.Fatalf("preference state missing: %v %v", st, err)
	}
}

func TestCompactionInsertsSingleMarker(t *testing.T) {
	f := setup(t, Thresholds{CompactEveryTurns: 6, CompactWindowTurns: 6})
	f.extractor.decision = oracle.Decision{Decision: oracle.DecisionSkip}
	ctx := context.Background()

	var compactions int
	for i := 0; i < 3; i++ {
		res := f.orch.ProcessTurn(ctx, "t1", "tell me more", "sure thing")
		if res.Compacted {
			compactions++
		}
	}
	if compactions != 1 {
		t.Fatalf("compactions = %d, want 1 after 6 turns with threshold 6", compactions)
	}
	n, err := f.transcripts.MarkerCount(ctx, "t1")
	if err != nil {
		t.Fatalf("MarkerCount: %v", err)
	}
	if n != 1 {
		t.Errorf("markers = %d, want 1", n)
	}

	tail, err := f.transcripts.TailSinceLastSummary(ctx, "t1")
	if err != nil {
		t.Fatalf("TailSinceLastSummary: %v", err)
	}
	if len(tail) != 0 {
		t.Errorf("tail after compaction = %d turns, want 0", len(tail))
	}
}

func TestCompactionNeverResummarizes(t *testing.T) {
	f := setup(t, Thresholds{CompactEveryTurns: 4, CompactWindowTurns: 10})
	f.extractor.decision = oracle.Decision{Decision: oracle.DecisionSkip}
	ctx := context.Background()

	f.orch.ProcessTurn(ctx, "t1", "first alpha", "ack alpha")
	f.orch.ProcessTurn(ctx, "t1", "second alpha", "ack again") // triggers compaction #1
	f.orch.ProcessTurn(ctx, "t1", "first beta", "ack beta")
	f.orch.ProcessTurn(ctx, "t1", "second beta", "ack beta again") // triggers compaction #2

	f.summarizer.mu.Lock()
	windows := append([]string(nil), f.summarizer.windows...)
	f.summarizer.mu.Unlock()
	if len(windows) != 2 {
		t.Fatalf("summarizer called %d times, want 2", len(windows))
	}
	if !strings.Contains(windows[0], "first alpha") {
		t.Errorf("first window missing alpha turns:\n%s", windows[0])
	}
	if strings.Contains(windows[1], "alpha") {
		t.Errorf("second window re-summarized pre-marker content:\n%s", windows[1])
	}
	if !strings.Contains(windows[1], "first beta") {
		t.Errorf("second window missing beta turns:\n%s", windows[1])
	}
}

func TestNilSummarizerDisablesCompaction(t *testing.T) {
	f := setup(t, Thresholds{CompactEveryTurns: 2})
	f.extractor.decision = oracle.Decision{Decision: oracle.DecisionSkip}
	f.orch.summarizer = nil
	ctx := context.Background()

	res := f.orch.ProcessTurn(ctx, "t1", "hello", "hi")
	if res.Compacted {
		t.Error("compaction should be disabled without a summarizer")
	}
	n, err := f.transcripts.MarkerCount(ctx, "t1")
	if err != nil {
		t.Fatalf("MarkerCount: %v", err)
	}
	if n != 0 {
		t.Errorf("markers = %d, want 0", n)
	}

	// The rest of the turn still runs: both turns landed in the transcript.
	tail, err := f.transcripts.TailSinceLastSummary(ctx, "t1")
	if err != nil {
		t.Fatalf("TailSinceLastSummary: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("transcript turns = %d, want 2", len(tail))
	}
}

func TestCompactionFailureIsNoOp(t *testing.T) {
	f := setup(t, Thresholds{CompactEveryTurns: 2})
	f.extractor.decision = oracle.Decision{Decision: oracle.DecisionSkip}
	f.summarizer.err = context.DeadlineExceeded
	ctx := context.Background()

	res := f.orch.ProcessTurn(ctx, "t1", "hello", "hi")
	if res.Compacted {
		t.Error("compaction should not report success when summarization fails")
	}
	n, err := f.transcripts.MarkerCount(ctx, "t1")
	if err != nil {
		t.Fatalf("MarkerCount: %v", err)
	}
	if n != 0 {
		t.Errorf("markers = %d, want 0", n)
	}
}
