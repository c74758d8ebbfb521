// Package episodic implements the append-only log of decaying event memories.
//
// Each record carries an importance score and a per-day decay rate. Retrieval
// ranks a candidate superset by a weighted mix of vector similarity, recency,
// and importance; cleanup deletes records whose effective importance has
// decayed below a threshold or whose hard expiry has passed.
package episodic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/embedding"
	"github.com/mwynn/mnemod/memerr"
)

// Store persists episodic records in SQLite.
type Store struct {
	db       *sql.DB
	provider embedding.Provider
	logger   zerolog.Logger

	mu      sync.Mutex
	entropy *rand.Rand
	now     func() time.Time
}

// NewStore creates an episodic store over the given database and embedding
// provider.
func NewStore(db *sql.DB, provider embedding.Provider, logger zerolog.Logger) *Store {
	return &Store{
		db:       db,
		provider: provider,
		logger:   logger.With().Str("component", "episodic_store").Logger(),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // ULID entropy, not crypto
		now:      time.Now,
	}
}

// newID returns a fresh ULID. ULIDs sort lexically by creation time, which
// gives retrieval its stable insertion-order tie-break.
func (s *Store) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Add embeds the content and inserts a new record. There is no partial
// write: an embedding failure aborts the insert.
func (s *Store) Add(ctx context.Context, req AddRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return "", memerr.NewValidationError("episodic: content is empty")
	}
	if req.Importance < 0 || req.Importance > 1 {
		return "", memerr.NewValidationError(
			fmt.Sprintf("episodic: importance %.3f outside [0,1]", req.Importance))
	}
	role := req.Role
	if role == "" {
		role = RoleUser
	}
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return "", memerr.NewValidationError(fmt.Sprintf("episodic: invalid role %q", role))
	}
	sourceTurns := req.SourceTurns
	if sourceTurns <= 0 {
		sourceTurns = 1
	}

	vec, err := s.provider.Embed(ctx, req.Content)
	if err != nil {
		s.logger.Error().Err(err).Msg("Add: embedding failed, record not written")
		return "", memerr.NewProviderError("episodic: embed content", err)
	}

	now := s.now()
	id := s.newID(now)

	var tagsJSON []byte
	if len(req.Tags) > 0 {
		tagsJSON, err = json.Marshal(req.Tags)
		if err != nil {
			return "", fmt.Errorf("episodic: marshal tags: %w", err)
		}
	}

	var expiresAt interface{}
	if req.ExpiryDays > 0 {
		expiresAt = now.Add(time.Duration(req.ExpiryDays * 24 * float64(time.Hour))).Unix()
	}

	query := sq.Insert("episodic_memories").
		Columns("id", "content", "embedding", "created_at", "importance",
			"decay_rate", "source_turns", "tags_json", "role", "expires_at").
		Values(id, req.Content, embedding.Encode(vec), now.Unix(), req.Importance,
			DefaultDecayRate, sourceTurns, tagsJSON, string(role), expiresAt)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return "", fmt.Errorf("episodic: build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Error().Err(err).Msg("Add: insert failed")
		return "", memerr.NewStoreError("episodic: insert record", err)
	}

	s.logger.Info().
		Str("id", id).
		Str("role", string(role)).
		Float64("importance", req.Importance).
		Float64("expiry_days", req.ExpiryDays).
		Str("content", truncate(req.Content, 60)).
		Msg("Stored episodic memory")
	return id, nil
}

// Cleanup deletes every record whose effective importance has dropped below
// threshold, plus every record whose hard expiry has passed. It returns the
// number of deleted rows. The pass is idempotent and safe to run while reads
// are in flight: reads re-filter live state themselves.
func (s *Store) Cleanup(ctx context.Context, threshold float64) (int, error) {
	now := s.now()

	query := sq.Select("id", "importance", "decay_rate", "created_at", "expires_at").
		From("episodic_memories")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("episodic: build cleanup select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return 0, memerr.NewStoreError("episodic: cleanup scan", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var doomed []interface{}
	for rows.Next() {
		var (
			id         string
			importance float64
			decayRate  float64
			createdAt  int64
			expiresAt  sql.NullInt64
		)
		if err := rows.Scan(&id, &importance, &decayRate, &createdAt, &expiresAt); err != nil {
			return 0, memerr.NewStoreError("episodic: cleanup scan row", err)
		}
		if expiresAt.Valid && expiresAt.Int64 < now.Unix() {
			doomed = append(doomed, id)
			continue
		}
		ageDays := now.Sub(time.Unix(createdAt, 0)).Hours() / 24
		if EffectiveImportance(importance, decayRate, ageDays) < threshold {
			doomed = append(doomed, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, memerr.NewStoreError("episodic: cleanup iterate", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	del := sq.Delete("episodic_memories").Where(sq.Eq{"id": doomed})
	delStr, delArgs, err := del.ToSql()
	if err != nil {
		return 0, fmt.Errorf("episodic: build cleanup delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, delStr, delArgs...)
	if err != nil {
		return 0, memerr.NewStoreError("episodic: cleanup delete", err)
	}
	n, _ := res.RowsAffected()

	s.logger.Info().
		Int64("deleted", n).
		Float64("threshold", threshold).
		Msg("Episodic cleanup pass")
	return int(n), nil
}

func decodeTags(raw string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) > n {
		return string(rs[:n]) + "..."
	}
	return s
}
