// Package semantic implements the entity-relationship graph store with
// creation-time fuzzy deduplication.
//
// Entity resolution is deliberately a single-best-match policy: an incoming
// mention merges into the one most similar existing entity when similarity
// clears a high threshold, otherwise a new entity is created. The resolution
// threshold (default 0.9) and the retrieval threshold (default 0.4) are
// separate hand-tuned values; see config.ThresholdConfig.
package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/embedding"
	"github.com/mwynn/mnemod/memerr"
)

// Options tunes the graph store.
type Options struct {
	// ResolveThreshold is the minimum similarity for merging a new mention
	// into an existing entity. Zero means the 0.9 default.
	ResolveThreshold float64
	// RetrieveThreshold is the minimum similarity for an entity to anchor
	// knowledge retrieval. Zero means the 0.4 default.
	RetrieveThreshold float64
}

// Store persists entities and relationships in SQLite.
type Store struct {
	db       *sql.DB
	provider embedding.Provider
	logger   zerolog.Logger
	opts     Options
	now      func() time.Time
}

// NewStore creates a semantic graph store.
func NewStore(db *sql.DB, provider embedding.Provider, opts Options, logger zerolog.Logger) *Store {
	if opts.ResolveThreshold <= 0 {
		opts.ResolveThreshold = 0.9
	}
	if opts.RetrieveThreshold <= 0 {
		opts.RetrieveThreshold = 0.4
	}
	return &Store{
		db:       db,
		provider: provider,
		logger:   logger.With().Str("component", "semantic_store").Logger(),
		opts:     opts,
		now:      time.Now,
	}
}

// GetOrCreateEntity resolves name to an existing entity or creates one.
// Resolution order: exact case-insensitive name match, then the single best
// embedding match above the resolve threshold, then creation. The embedding
// for a new entity covers name plus description.
func (s *Store) GetOrCreateEntity(ctx context.Context, name string, typ EntityType, description string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", memerr.NewValidationError("semantic: entity name is empty")
	}

	// 1. Exact name match, case-insensitive.
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE name = ? COLLATE NOCASE LIMIT 1", name).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case err != sql.ErrNoRows:
		return "", memerr.NewStoreError("semantic: exact name lookup", err)
	}

	vec, err := s.provider.Embed(ctx, entityText(name, description))
	if err != nil {
		return "", memerr.NewProviderError("semantic: embed entity", err)
	}

	// 2. Fuzzy match: single best match over all entities, accepted only
	// above the resolve threshold. "Climate KIC" should absorb "Climate-KIC".
	bestID, bestName, bestSim, err := s.bestMatch(ctx, vec)
	if err != nil {
		return "", err
	}
	if bestID != "" && bestSim > s.opts.ResolveThreshold {
		s.logger.Debug().
			Str("mention", name).
			Str("resolved_to", bestName).
			Float64("similarity", bestSim).
			Msg("Resolved entity by embedding")
		return bestID, nil
	}

	// 3. Create.
	id = uuid.NewString()
	query := sq.Insert("entities").
		Columns("id", "name", "type", "description", "embedding", "attributes_json", "last_updated").
		Values(id, name, string(typ), description, embedding.Encode(vec), "{}", s.now().Unix())
	queryStr, args, err := query.ToSql()
	if err != nil {
		return "", fmt.Errorf("semantic: build entity insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return "", memerr.NewStoreError("semantic: insert entity", err)
	}

	s.logger.Info().
		Str("id", id).
		Str("name", name).
		Str("type", string(typ)).
		Msg("Created entity")
	return id, nil
}

// bestMatch scans every entity embedding and returns the single closest one.
func (s *Store) bestMatch(ctx context.Context, vec []float32) (id, name string, sim float64, err error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, embedding FROM entities")
	if err != nil {
		return "", "", 0, memerr.NewStoreError("semantic: entity scan", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	for rows.Next() {
		var (
			rowID   string
			rowName string
			embBlob []byte
		)
		if err := rows.Scan(&rowID, &rowName, &embBlob); err != nil {
			return "", "", 0, memerr.NewStoreError("semantic: scan entity", err)
		}
		rowVec, err := embedding.Decode(embBlob)
		if err != nil || len(rowVec) == 0 {
			continue
		}
		if score := embedding.CosineSimilarity(vec, rowVec); score > sim {
			id, name, sim = rowID, rowName, score
		}
	}
	if err := rows.Err(); err != nil {
		return "", "", 0, memerr.NewStoreError("semantic: iterate entities", err)
	}
	return id, name, sim, nil
}

// AddRelationship resolves or creates both endpoints, then upserts the
// (from, relation, to) edge. Repeat observations overwrite confidence and
// last_updated; they never create a second row and never average.
func (s *Store) AddRelationship(ctx context.Context, fromName string, fromType EntityType, relation string, toName string, toType EntityType, confidence float64) error {
	if strings.TrimSpace(relation) == "" {
		return memerr.NewValidationError("semantic: relation is empty")
	}
	if confidence < 0 || confidence > 1 {
		return memerr.NewValidationError(
			fmt.Sprintf("semantic: confidence %.3f outside [0,1]", confidence))
	}

	fromID, err := s.GetOrCreateEntity(ctx, fromName, fromType, "")
	if err != nil {
		return err
	}
	toID, err := s.GetOrCreateEntity(ctx, toName, toType, "")
	if err != nil {
		return err
	}

	query := sq.Insert("entity_relationships").
		Columns("id", "from_entity", "relation", "to_entity", "confidence", "last_updated").
		Values(uuid.NewString(), fromID, relation, toID, confidence, s.now().Unix()).
		Suffix(`ON CONFLICT (from_entity, relation, to_entity) DO UPDATE SET
			confidence = excluded.confidence,
			last_updated = excluded.last_updated`)
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("semantic: build relationship upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return memerr.NewStoreError("semantic: upsert relationship", err)
	}

	s.logger.Info().
		Str("from", fromName).
		Str("relation", relation).
		Str("to", toName).
		Float64("confidence", confidence).
		Msg("Linked entities")
	return nil
}

// RetrieveRelevantKnowledge embeds the query, finds entities above the
// retrieval threshold (capped at k, ranked by similarity), and returns every
// relationship touching any of them in either direction as rendered facts.
func (s *Store) RetrieveRelevantKnowledge(ctx context.Context, query string, k int) ([]Knowledge, error) {
	if k <= 0 {
		k = 5
	}
	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, memerr.NewProviderError("semantic: embed query", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, embedding FROM entities")
	if err != nil {
		return nil, memerr.NewStoreError("semantic: entity scan", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	type match struct {
		id  string
		sim float64
	}
	var matches []match
	for rows.Next() {
		var (
			id      string
			embBlob []byte
		)
		if err := rows.Scan(&id, &embBlob); err != nil {
			return nil, memerr.NewStoreError("semantic: scan entity", err)
		}
		rowVec, err := embedding.Decode(embBlob)
		if err != nil || len(rowVec) == 0 {
			continue
		}
		if sim := embedding.CosineSimilarity(vec, rowVec); sim > s.opts.RetrieveThreshold {
			matches = append(matches, match{id: id, sim: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.NewStoreError("semantic: iterate entities", err)
	}
	if len(matches) == 0 {
		return []Knowledge{}, nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].sim > matches[j].sim })
	if len(matches) > k {
		matches = matches[:k]
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}

	return s.edgesTouching(ctx, ids)
}

// edgesTouching returns all relationships with any of ids on either side,
// rendered "<from> <relation> <to>".
func (s *Store) edgesTouching(ctx context.Context, ids []string) ([]Knowledge, error) {
	query := sq.Select("e1.name", "r.relation", "e2.name", "r.confidence").
		From("entity_relationships r").
		Join("entities e1 ON r.from_entity = e1.id").
		Join("entities e2 ON r.to_entity = e2.id").
		Where(sq.Or{
			sq.Eq{"r.from_entity": ids},
			sq.Eq{"r.to_entity": ids},
		}).
		OrderBy("r.last_updated DESC")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("semantic: build edge query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, memerr.NewStoreError("semantic: edge query", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var facts []Knowledge
	for rows.Next() {
		var (
			fromName, relation, toName string
			confidence                 float64
		)
		if err := rows.Scan(&fromName, &relation, &toName, &confidence); err != nil {
			return nil, memerr.NewStoreError("semantic: scan edge", err)
		}
		facts = append(facts, Knowledge{
			Content:    fmt.Sprintf("%s %s %s", fromName, relation, toName),
			Confidence: confidence,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.NewStoreError("semantic: iterate edges", err)
	}
	if facts == nil {
		facts = []Knowledge{}
	}
	return facts, nil
}

// UpdateEntityAttributes merges attrs into the entity's attribute map,
// last write wins per key, and touches last_updated. The entity must
// already exist (resolve it with GetOrCreateEntity first).
func (s *Store) UpdateEntityAttributes(ctx context.Context, name string, attrs map[string]interface{}) error {
	if len(attrs) == 0 {
		return nil
	}

	var (
		id      string
		rawJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, attributes_json FROM entities WHERE name = ? COLLATE NOCASE LIMIT 1", name).
		Scan(&id, &rawJSON)
	if err == sql.ErrNoRows {
		return memerr.NewValidationError(fmt.Sprintf("semantic: unknown entity %q", name))
	}
	if err != nil {
		return memerr.NewStoreError("semantic: load entity attributes", err)
	}

	merged := map[string]interface{}{}
	if rawJSON != "" {
		_ = json.Unmarshal([]byte(rawJSON), &merged)
	}
	for k, v := range attrs {
		merged[k] = v
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("semantic: marshal attributes: %w", err)
	}

	update := sq.Update("entities").
		Set("attributes_json", string(mergedJSON)).
		Set("last_updated", s.now().Unix()).
		Where(sq.Eq{"id": id})
	queryStr, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("semantic: build attribute update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return memerr.NewStoreError("semantic: update attributes", err)
	}

	s.logger.Debug().
		Str("entity", name).
		Int("keys", len(attrs)).
		Msg("Merged entity attributes")
	return nil
}

// GetEntity loads an entity by name (case-insensitive exact match).
func (s *Store) GetEntity(ctx context.Context, name string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, type, description, attributes_json, last_updated
FROM entities WHERE name = ? COLLATE NOCASE LIMIT 1`, name)

	var (
		e           Entity
		typStr      string
		description sql.NullString
		attrsJSON   string
		lastUpdated int64
	)
	err := row.Scan(&e.ID, &e.Name, &typStr, &description, &attrsJSON, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.NewStoreError("semantic: load entity", err)
	}
	e.Type = EntityType(typStr)
	e.Description = description.String
	e.LastUpdated = time.Unix(lastUpdated, 0)
	if attrsJSON != "" {
		_ = json.Unmarshal([]byte(attrsJSON), &e.Attributes)
	}
	return &e, nil
}

func entityText(name, description string) string {
	if description == "" {
		return name
	}
	return name + " " + description
}
