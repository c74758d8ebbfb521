package episodic

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/embedding/embeddingtest"
	"github.com/mwynn/mnemod/memerr"
	"github.com/mwynn/mnemod/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := migrations.Run(db, "../migrations", zerolog.Nop()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return db
}

func countRecords(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM episodic_memories").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestEffectiveImportanceStrictlyDecreasing(t *testing.T) {
	for _, importance := range []float64{0.1, 0.5, 1.0} {
		for _, decay := range []float64{0.001, 0.01, 0.5} {
			prev := EffectiveImportance(importance, decay, 0)
			for age := 1.0; age <= 100; age *= 2 {
				cur := EffectiveImportance(importance, decay, age)
				if cur >= prev {
					t.Errorf("importance=%v decay=%v: not decreasing at age %v (%v >= %v)",
						importance, decay, age, cur, prev)
				}
				prev = cur
			}
		}
	}
}

func TestAddRejectsContractViolations(t *testing.T) {
	store := NewStore(setupTestDB(t), embeddingtest.NewHash(32), zerolog.Nop())
	ctx := context.Background()

	cases := []struct {
		name string
		req  AddRequest
	}{
		{"importance above one", AddRequest{Content: "x", Importance: 1.1}},
		{"negative importance", AddRequest{Content: "x", Importance: -0.1}},
		{"empty content", AddRequest{Content: "  ", Importance: 0.5}},
		{"bad role", AddRequest{Content: "x", Importance: 0.5, Role: "oracle"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Add(ctx, tc.req); !memerr.IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if n := countRecords(t, store.db); n != 0 {
		t.Fatalf("expected no rows after rejected adds, got %d", n)
	}
}

func TestAddEmbeddingFailureWritesNothing(t *testing.T) {
	store := NewStore(setupTestDB(t), embeddingtest.Failing{}, zerolog.Nop())

	_, err := store.Add(context.Background(), AddRequest{Content: "hello", Importance: 0.5})
	if !memerr.IsProviderError(err) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if n := countRecords(t, store.db); n != 0 {
		t.Fatalf("expected no partial write, got %d rows", n)
	}
}

func TestRetrieveRanksRelevantAboveIrrelevant(t *testing.T) {
	store := NewStore(setupTestDB(t), embeddingtest.NewHash(64), zerolog.Nop())
	ctx := context.Background()

	if _, err := store.Add(ctx, AddRequest{
		Content:    "User likes Python as a programming language",
		Importance: 0.8,
		Role:       RoleUser,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Add(ctx, AddRequest{
		Content:    "It is sunny today",
		Importance: 0.2,
		Role:       RoleSystem,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := store.Retrieve(ctx, "favorite programming language Python", 2, Weights{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Role != RoleUser {
		t.Fatalf("expected the Python memory first, got %q (score %v) over %q (score %v)",
			results[0].Content, results[0].Score, results[1].Content, results[1].Score)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("expected strict ranking, got %v <= %v", results[0].Score, results[1].Score)
	}
	if results[0].Debug == "" {
		t.Error("expected debug annotation on retrieval hit")
	}
}

func TestRetrieveExcludesLowImportanceAndExpired(t *testing.T) {
	store := NewStore(setupTestDB(t), embeddingtest.NewHash(32), zerolog.Nop())
	ctx := context.Background()

	// At the floor exactly: never surfaced.
	if _, err := store.Add(ctx, AddRequest{Content: "barely notable fact", Importance: 0.1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Short-lived record that the clock will pass.
	if _, err := store.Add(ctx, AddRequest{
		Content:    "meeting tomorrow about facts",
		Importance: 0.9,
		ExpiryDays: 1,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// A durable record to prove retrieval still works.
	if _, err := store.Add(ctx, AddRequest{Content: "durable notable fact", Importance: 0.9}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	results, err := store.Retrieve(ctx, "notable fact meeting", 10, Weights{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, r := range results {
		if r.Importance <= minImportanceFloor {
			t.Errorf("retrieved record with importance %v at/below floor", r.Importance)
		}
		if r.ExpiresAt != nil && r.ExpiresAt.Before(store.now()) {
			t.Errorf("retrieved expired record %q", r.Content)
		}
	}
	if len(results) != 1 {
		t.Fatalf("expected only the durable record, got %d results", len(results))
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	store := NewStore(setupTestDB(t), embeddingtest.NewHash(32), zerolog.Nop())
	results, err := store.Retrieve(context.Background(), "anything", 5, Weights{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result set, got %d", len(results))
	}
}

func TestCleanupThresholds(t *testing.T) {
	store := NewStore(setupTestDB(t), embeddingtest.NewHash(32), zerolog.Nop())
	ctx := context.Background()

	if _, err := store.Add(ctx, AddRequest{Content: "a decaying fact", Importance: 0.8}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Add(ctx, AddRequest{Content: "a short-lived fact", Importance: 0.8, ExpiryDays: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Threshold 0: nothing decays out; only hard-expired rows go.
	deleted, err := store.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("threshold 0 deleted %d records before expiry", deleted)
	}

	store.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	deleted, err = store.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("threshold 0 after expiry: deleted %d, want 1 (the expired row)", deleted)
	}

	// Threshold 1.0: every decaying record has effective importance < 1.
	deleted, err = store.Cleanup(ctx, 1.0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("threshold 1.0: deleted %d, want 1", deleted)
	}
	if n := countRecords(t, store.db); n != 0 {
		t.Fatalf("expected empty table, got %d rows", n)
	}
}
