// Package transcript persists conversation turns per thread and tracks the
// summary markers that compaction inserts.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mwynn/mnemod/memerr"
)

// SummaryTag prefixes every compaction summary turn.
const SummaryTag = "[Conversation Summary]"

// Turn is one stored conversation message.
type Turn struct {
	ID            int64
	ThreadID      string
	Role          string
	Content       string
	SummaryMarker bool
	CreatedAt     time.Time
}

// Store handles persistence of conversation turns.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a transcript store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AppendTurn saves one turn to the thread's history.
func (s *Store) AppendTurn(ctx context.Context, threadID, role, content string) error {
	if threadID == "" {
		return memerr.NewValidationError("transcript: thread id is empty")
	}
	query := sq.Insert("transcript_turns").
		Columns("thread_id", "role", "content", "summary_marker", "created_at").
		Values(threadID, role, content, 0, s.now().Unix())
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("transcript: build append query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return memerr.NewStoreError("transcript: append turn", err)
	}
	return nil
}

// InsertSummaryMarker writes a system turn carrying the compaction summary.
// Everything at or before this turn counts as already summarized.
func (s *Store) InsertSummaryMarker(ctx context.Context, threadID, summary string) error {
	if threadID == "" {
		return memerr.NewValidationError("transcript: thread id is empty")
	}
	query := sq.Insert("transcript_turns").
		Columns("thread_id", "role", "content", "summary_marker", "created_at").
		Values(threadID, "system", SummaryTag+" "+summary, 1, s.now().Unix())
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("transcript: build marker query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return memerr.NewStoreError("transcript: insert summary marker", err)
	}
	return nil
}

// TailSinceLastSummary returns the thread's turns after the most recent
// summary marker, oldest first. With no marker it returns the whole thread.
func (s *Store) TailSinceLastSummary(ctx context.Context, threadID string) ([]Turn, error) {
	lastMarker, err := s.lastMarkerID(ctx, threadID)
	if err != nil {
		return nil, err
	}

	query := sq.Select("id", "thread_id", "role", "content", "summary_marker", "created_at").
		From("transcript_turns").
		Where(sq.And{
			sq.Eq{"thread_id": threadID},
			sq.Gt{"id": lastMarker},
		}).
		OrderBy("id ASC")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("transcript: build tail query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, memerr.NewStoreError("transcript: query tail", err)
	}
	defer rows.Close() //nolint:errcheck // Body close error can be ignored

	var turns []Turn
	for rows.Next() {
		var (
			t         Turn
			marker    int
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Role, &t.Content, &marker, &createdAt); err != nil {
			return nil, memerr.NewStoreError("transcript: scan turn", err)
		}
		t.SummaryMarker = marker != 0
		t.CreatedAt = time.Unix(createdAt, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.NewStoreError("transcript: iterate turns", err)
	}
	return turns, nil
}

// MarkerCount returns how many summary markers a thread holds.
func (s *Store) MarkerCount(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transcript_turns WHERE thread_id = ? AND summary_marker = 1",
		threadID).Scan(&n)
	if err != nil {
		return 0, memerr.NewStoreError("transcript: count markers", err)
	}
	return n, nil
}

func (s *Store) lastMarkerID(ctx context.Context, threadID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(id) FROM transcript_turns WHERE thread_id = ? AND summary_marker = 1",
		threadID).Scan(&id)
	if err != nil {
		return 0, memerr.NewStoreError("transcript: find last marker", err)
	}
	return id.Int64, nil
}
