package episodic

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"github.com/mwynn/mnemod/embedding"
	"github.com/mwynn/mnemod/memerr"
)

// candidateLimit caps the rows scanned per retrieval before in-memory
// similarity ranking.
const candidateLimit = 500

// minImportanceFloor is the hard filter applied to every retrieval: records
// at or below this importance never surface regardless of similarity.
const minImportanceFloor = 0.1

// Retrieve embeds the query and returns up to k records ranked by
//
//	score = alpha*similarity + beta*recency + gamma*importance
//
// where recency = exp(-decay_rate * age_days). Candidates are the 3k most
// similar live records above the importance floor. Ties break toward the
// earlier-inserted record (ULIDs order by insertion).
func (s *Store) Retrieve(ctx context.Context, query string, k int, w Weights) ([]ScoredRecord, error) {
	if k <= 0 {
		k = 5
	}
	if w == (Weights{}) {
		w = DefaultWeights()
	}

	queryVec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, memerr.NewProviderError("episodic: embed query", err)
	}

	now := s.now()
	candidates, err := s.loadCandidates(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []ScoredRecord{}, nil
	}

	type scored struct {
		rec        Record
		similarity float64
	}
	sims := lo.FilterMap(candidates, func(rec Record, _ int) (scored, bool) {
		if len(rec.Embedding) == 0 {
			return scored{}, false
		}
		return scored{rec: rec, similarity: embedding.CosineSimilarity(queryVec, rec.Embedding)}, true
	})

	// Keep the 3k most similar, then re-rank on the hybrid score.
	sort.SliceStable(sims, func(i, j int) bool {
		if sims[i].similarity != sims[j].similarity {
			return sims[i].similarity > sims[j].similarity
		}
		return sims[i].rec.ID < sims[j].rec.ID
	})
	if superset := 3 * k; len(sims) > superset {
		sims = sims[:superset]
	}

	results := make([]ScoredRecord, 0, len(sims))
	for _, c := range sims {
		ageDays := now.Sub(c.rec.CreatedAt).Hours() / 24
		recency := EffectiveImportance(1, c.rec.DecayRate, ageDays)
		score := w.Alpha*c.similarity + w.Beta*recency + w.Gamma*c.rec.Importance
		results = append(results, ScoredRecord{
			Record: c.rec,
			Score:  score,
			Debug: fmt.Sprintf("Sim:%.2f Imp:%.2f Age:%.1fd Role:%s",
				c.similarity, c.rec.Importance, ageDays, c.rec.Role),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}

	s.logger.Debug().
		Int("candidates", len(candidates)).
		Int("returned", len(results)).
		Str("query", truncate(query, 40)).
		Msg("Retrieve: ranked episodic memories")
	return results, nil
}

// loadCandidates fetches live records above the importance floor, newest
// first. Expiry is evaluated against the current clock at read time, so a
// cleanup sweep racing with a read can never resurface an expired record.
func (s *Store) loadCandidates(ctx context.Context, now time.Time) ([]Record, error) {
	query := sq.Select("id", "content", "embedding", "created_at", "importance",
		"decay_rate", "source_turns", "tags_json", "role", "expires_at").
		From("episodic_memories").
		Where(sq.Gt{"importance": minImportanceFloor}).
		Where(sq.Or{
			sq.Eq{"expires_at": nil},
			sq.Gt{"expires_at": now.Unix()},
		}).
		OrderBy("created_at DESC").
		Limit(candidateLimit)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("episodic: build candidate query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, memerr.NewStoreError("episodic: candidate query", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, memerr.NewStoreError("episodic: scan candidate", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.NewStoreError("episodic: iterate candidates", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec         Record
		embBlob     []byte
		createdAt   int64
		tagsJSON    sql.NullString
		roleStr     string
		expiresAt   sql.NullInt64
		sourceTurns int
	)
	if err := rows.Scan(&rec.ID, &rec.Content, &embBlob, &createdAt, &rec.Importance,
		&rec.DecayRate, &sourceTurns, &tagsJSON, &roleStr, &expiresAt); err != nil {
		return Record{}, err
	}
	vec, err := embedding.Decode(embBlob)
	if err != nil {
		return Record{}, err
	}
	rec.Embedding = vec
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.SourceTurns = sourceTurns
	rec.Role = Role(roleStr)
	if rec.DecayRate <= 0 {
		rec.DecayRate = DefaultDecayRate
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		rec.Tags = decodeTags(tagsJSON.String)
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		rec.ExpiresAt = &t
	}
	return rec, nil
}
