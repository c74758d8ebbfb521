package semantic

import (
	"context"
	"database/sql"
	"testing"

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

// vectors gives full control of pairwise similarity for resolution tests.
func testProvider() *embeddingtest.Static {
	return &embeddingtest.Static{
		Dimension: 4,
		Vectors: map[string][]float32{
			"Acme":      {1, 0, 0, 0},
			"Acme Inc":  {1, 0.1, 0, 0},  // cosine ~0.995 vs Acme
			"Zeta Corp": {0, 1, 0, 0},    // orthogonal to Acme
			"Chinmay":   {0, 0, 1, 0},
			"Amsterdam": {0, 0, 0, 1},
		},
	}
}

func TestGetOrCreateEntityExactMatchIdempotent(t *testing.T) {
	store := NewStore(setupTestDB(t), testProvider(), Options{}, zerolog.Nop())
	ctx := context.Background()

	id1, err := store.GetOrCreateEntity(ctx, "Acme", EntityOrg, "")
	if err != nil {
		t.Fatalf("GetOrCreateEntity: %v", err)
	}
	id2, err := store.GetOrCreateEntity(ctx, "Acme", EntityOrg, "")
	if err != nil {
		t.Fatalf("GetOrCreateEntity: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("exact match not idempotent: %s vs %s", id1, id2)
	}

	// Case-insensitive.
	id3, err := store.GetOrCreateEntity(ctx, "acme", EntityOrg, "")
	if err != nil {
		t.Fatalf("GetOrCreateEntity: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("case-insensitive match failed: %s vs %s", id3, id1)
	}
}

func TestGetOrCreateEntityFuzzyResolution(t *testing.T) {
	store := NewStore(setupTestDB(t), testProvider(), Options{}, zerolog.Nop())
	ctx := context.Background()

	acmeID, err := store.GetOrCreateEntity(ctx, "Acme", EntityOrg, "")
	if err != nil {
		t.Fatalf("GetOrCreateEntity: %v", err)
	}

	// Above the resolve threshold: merges into Acme.
	variantID, err := store.GetOrCreateEntity(ctx, "Acme Inc", EntityOrg, "")
	if err != nil {
		t.Fatalf("GetOrCreateEntity: %v", err)
	}
	if variantID != acmeID {
		t.Fatalf("expected fuzzy merge into %s, got new entity %s", acmeID, variantID)
	}

	// Below the threshold: new entity.
	zetaID, err := store.GetOrCreateEntity(ctx, "Zeta Corp", EntityOrg, "")
	if err != nil {
		t.Fatalf("GetOrCreateEntity: %v", err)
	}
	if zetaID == acmeID {
		t.Fatal("dissimilar entity was merged")
	}
}

func TestAddRelationshipUpserts(t *testing.T) {
	store := NewStore(setupTestDB(t), testProvider(), Options{}, zerolog.Nop())
	ctx := context.Background()

	if err := store.AddRelationship(ctx, "Chinmay", EntityPerson, "works_at", "Acme", EntityOrg, 0.9); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}
	if err := store.AddRelationship(ctx, "Chinmay", EntityPerson, "works_at", "Acme", EntityOrg, 0.95); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}

	var (
		count      int
		confidence float64
	)
	if err := store.db.QueryRow("SELECT COUNT(*) FROM entity_relationships").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one relationship row, got %d", count)
	}
	if err := store.db.QueryRow("SELECT confidence FROM entity_relationships").Scan(&confidence); err != nil {
		t.Fatalf("confidence: %v", err)
	}
	if confidence != 0.95 {
		t.Fatalf("expected last-write confidence 0.95, got %v", confidence)
	}
}

func TestAddRelationshipRejectsBadConfidence(t *testing.T) {
	store := NewStore(setupTestDB(t), testProvider(), Options{}, zerolog.Nop())
	err := store.AddRelationship(context.Background(), "Chinmay", EntityPerson, "works_at", "Acme", EntityOrg, 1.5)
	if !memerr.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRetrieveRelevantKnowledge(t *testing.T) {
	provider := testProvider()
	provider.Vectors["acme company org"] = []float32{1, 0.05, 0, 0} // near Acme
	provider.Vectors["quantum entanglement"] = []float32{0, 0, 0, 0} // similar to nothing

	store := NewStore(setupTestDB(t), provider, Options{}, zerolog.Nop())
	ctx := context.Background()

	if err := store.AddRelationship(ctx, "Chinmay", EntityPerson, "works_at", "Acme", EntityOrg, 0.9); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}
	if err := store.AddRelationship(ctx, "Acme", EntityOrg, "located_in", "Amsterdam", EntityLocation, 0.8); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}

	facts, err := store.RetrieveRelevantKnowledge(ctx, "acme company org", 5)
	if err != nil {
		t.Fatalf("RetrieveRelevantKnowledge: %v", err)
	}
	// Acme anchors both edges: one outgoing, one incoming.
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d: %v", len(facts), facts)
	}
	found := map[string]bool{}
	for _, f := range facts {
		found[f.Content] = true
	}
	if !found["Chinmay works_at Acme"] || !found["Acme located_in Amsterdam"] {
		t.Fatalf("unexpected fact rendering: %v", facts)
	}

	// No entity clears the threshold: empty, not error.
	none, err := store.RetrieveRelevantKnowledge(ctx, "quantum entanglement", 5)
	if err != nil {
		t.Fatalf("RetrieveRelevantKnowledge: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no facts, got %v", none)
	}
}

func TestUpdateEntityAttributes(t *testing.T) {
	store := NewStore(setupTestDB(t), testProvider(), Options{}, zerolog.Nop())
	ctx := context.Background()

	if _, err := store.GetOrCreateEntity(ctx, "Chinmay", EntityPerson, ""); err != nil {
		t.Fatalf("GetOrCreateEntity: %v", err)
	}

	if err := store.UpdateEntityAttributes(ctx, "Chinmay", map[string]interface{}{
		"relation": "self",
		"city":     "Berlin",
	}); err != nil {
		t.Fatalf("UpdateEntityAttributes: %v", err)
	}
	// Last write wins per key; untouched keys survive.
	if err := store.UpdateEntityAttributes(ctx, "Chinmay", map[string]interface{}{
		"city": "Amsterdam",
	}); err != nil {
		t.Fatalf("UpdateEntityAttributes: %v", err)
	}

	e, err := store.GetEntity(ctx, "Chinmay")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e == nil {
		t.Fatal("entity not found")
	}
	if e.Attributes["city"] != "Amsterdam" {
		t.Errorf("city = %v, want Amsterdam", e.Attributes["city"])
	}
	if e.Attributes["relation"] != "self" {
		t.Errorf("relation = %v, want self", e.Attributes["relation"])
	}

	// Unknown entity is a caller error.
	if err := store.UpdateEntityAttributes(ctx, "Nobody", map[string]interface{}{"x": 1}); !memerr.IsValidationError(err) {
		t.Fatalf("expected validation error for unknown entity, got %v", err)
	}
}
