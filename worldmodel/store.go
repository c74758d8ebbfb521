// Package worldmodel implements the freeform key-value understanding store
// plus the ephemeral inner-thought log.
//
// The key space is open: consolidation (or any other writer) invents keys at
// will and attaches per-key TTL, source, and confidence metadata. Expiry is a
// read-time filter; a periodic sweep physically purges expired rows.
package worldmodel

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
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/memerr"
)

// DefaultThoughtTTLHours is how long an inner thought lives unless the
// caller says otherwise.
const DefaultThoughtTTLHours = 72.0

// renderedThoughts caps how many recent thoughts RenderForPrompt includes.
const renderedThoughts = 4

// Options tunes the store.
type Options struct {
	// ThoughtTTLHours is the lifetime applied to thoughts added with a
	// zero TTL. Zero means the 72h default.
	ThoughtTTLHours float64
}

// Store persists world-model state and inner thoughts in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	opts   Options

	mu      sync.Mutex
	entropy *rand.Rand
	now     func() time.Time
}

// NewStore creates a world-model store.
func NewStore(db *sql.DB, opts Options, logger zerolog.Logger) *Store {
	if opts.ThoughtTTLHours == 0 {
		opts.ThoughtTTLHours = DefaultThoughtTTLHours
	}
	return &Store{
		db:      db,
		logger:  logger.With().Str("component", "world_model").Logger(),
		opts:    opts,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // ULID entropy, not crypto
		now:     time.Now,
	}
}

func (s *Store) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// SetState writes or overwrites a key. A nil ttlHours keeps any TTL already
// stored on the key (and means "no expiry" for a new key).
func (s *Store) SetState(ctx context.Context, key string, value interface{}, source string, confidence float64, ttlHours *float64) error {
	if strings.TrimSpace(key) == "" {
		return memerr.NewValidationError("worldmodel: state key is empty")
	}
	if source == "" {
		source = "system"
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("worldmodel: marshal value for %q: %w", key, err)
	}

	var ttlVal interface{}
	if ttlHours != nil {
		ttlVal = *ttlHours
	}
	query := sq.Insert("world_model").
		Columns("key", "value_json", "updated_at", "source", "confidence", "ttl_hours").
		Values(key, string(valueJSON), s.now().Unix(), source, confidence, ttlVal).
		Suffix(`ON CONFLICT (key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at,
			source = excluded.source,
			confidence = excluded.confidence,
			ttl_hours = COALESCE(excluded.ttl_hours, world_model.ttl_hours)`)
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("worldmodel: build state upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return memerr.NewStoreError(fmt.Sprintf("worldmodel: set state %q", key), err)
	}
	return nil
}

// GetState returns the live state for key, or nil if absent or expired.
func (s *Store) GetState(ctx context.Context, key string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key, value_json, updated_at, source, confidence, ttl_hours
FROM world_model WHERE key = ?`, key)
	st, err := scanState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.NewStoreError(fmt.Sprintf("worldmodel: get state %q", key), err)
	}
	if !st.Live(s.now()) {
		return nil, nil
	}
	return &st, nil
}

// DeleteState removes a key. Deleting an absent key is a no-op.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM world_model WHERE key = ?", key); err != nil {
		return memerr.NewStoreError(fmt.Sprintf("worldmodel: delete state %q", key), err)
	}
	return nil
}

// GetAllStates returns every live state, newest update first (key as the
// deterministic tie-break). Expired keys are excluded at read time.
func (s *Store) GetAllStates(ctx context.Context) ([]State, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, value_json, updated_at, source, confidence, ttl_hours
FROM world_model ORDER BY updated_at DESC, key ASC`)
	if err != nil {
		return nil, memerr.NewStoreError("worldmodel: list states", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	now := s.now()
	var states []State
	for rows.Next() {
		st, err := scanState(rows.Scan)
		if err != nil {
			return nil, memerr.NewStoreError("worldmodel: scan state", err)
		}
		if !st.Live(now) {
			continue
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.NewStoreError("worldmodel: iterate states", err)
	}
	return states, nil
}

// BulkSet applies SetState to every key independently: a failure on one key
// does not abort the rest. The returned error aggregates any per-key
// failures.
func (s *Store) BulkSet(ctx context.Context, updates map[string]interface{}, source string) error {
	var result *multierror.Error
	for key, value := range updates {
		if err := s.SetState(ctx, key, value, source, 1.0, nil); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("BulkSet: key failed")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// AddThought stores a private thought. ttlHours 0 means the configured
// default (72h unless overridden); a negative value means the thought never
// expires.
func (s *Store) AddThought(ctx context.Context, thought, mood, source string, ttlHours float64) error {
	if strings.TrimSpace(thought) == "" {
		return memerr.NewValidationError("worldmodel: thought is empty")
	}
	if source == "" {
		source = "reflection"
	}
	if ttlHours == 0 {
		ttlHours = s.opts.ThoughtTTLHours
	}

	now := s.now()
	var expiresAt interface{}
	if ttlHours > 0 {
		expiresAt = now.Add(hoursToDuration(ttlHours)).Unix()
	}
	query := sq.Insert("inner_thoughts").
		Columns("id", "thought", "mood", "created_at", "source", "expires_at").
		Values(s.newID(now), thought, nullable(mood), now.Unix(), source, expiresAt)
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("worldmodel: build thought insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return memerr.NewStoreError("worldmodel: add thought", err)
	}
	return nil
}

// GetRecentThoughts returns up to limit live thoughts, newest first.
func (s *Store) GetRecentThoughts(ctx context.Context, limit int) ([]Thought, error) {
	if limit <= 0 {
		limit = 5
	}
	query := sq.Select("id", "thought", "mood", "created_at", "source", "expires_at").
		From("inner_thoughts").
		Where(sq.Or{
			sq.Eq{"expires_at": nil},
			sq.Gt{"expires_at": s.now().Unix()},
		}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)) //nolint:gosec // limit is validated positive
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("worldmodel: build thought query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, memerr.NewStoreError("worldmodel: list thoughts", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var thoughts []Thought
	for rows.Next() {
		var (
			th        Thought
			mood      sql.NullString
			createdAt int64
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&th.ID, &th.Thought, &mood, &createdAt, &th.Source, &expiresAt); err != nil {
			return nil, memerr.NewStoreError("worldmodel: scan thought", err)
		}
		th.Mood = mood.String
		th.CreatedAt = time.Unix(createdAt, 0)
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			th.ExpiresAt = &t
		}
		thoughts = append(thoughts, th)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.NewStoreError("worldmodel: iterate thoughts", err)
	}
	return thoughts, nil
}

// CleanupExpired purges expired world-model rows and expired thoughts in one
// sweep, returning the per-table counts for observability.
func (s *Store) CleanupExpired(ctx context.Context) (statesPurged, thoughtsPurged int, err error) {
	now := s.now().Unix()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM world_model
WHERE ttl_hours IS NOT NULL
  AND updated_at + CAST(ttl_hours * 3600 AS INTEGER) < ?`, now)
	if err != nil {
		return 0, 0, memerr.NewStoreError("worldmodel: purge states", err)
	}
	n, _ := res.RowsAffected()
	statesPurged = int(n)

	res, err = s.db.ExecContext(ctx, `
DELETE FROM inner_thoughts
WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return statesPurged, 0, memerr.NewStoreError("worldmodel: purge thoughts", err)
	}
	n, _ = res.RowsAffected()
	thoughtsPurged = int(n)

	if statesPurged > 0 || thoughtsPurged > 0 {
		s.logger.Info().
			Int("states", statesPurged).
			Int("thoughts", thoughtsPurged).
			Msg("World model cleanup")
	}
	return statesPurged, thoughtsPurged, nil
}

func scanState(scan func(...interface{}) error) (State, error) {
	var (
		st        State
		valueJSON string
		updatedAt int64
		ttlHours  sql.NullFloat64
	)
	if err := scan(&st.Key, &valueJSON, &updatedAt, &st.Source, &st.Confidence, &ttlHours); err != nil {
		return State{}, err
	}
	st.Value = json.RawMessage(valueJSON)
	st.UpdatedAt = time.Unix(updatedAt, 0)
	if ttlHours.Valid {
		v := ttlHours.Float64
		st.TTLHours = &v
	}
	return st, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
