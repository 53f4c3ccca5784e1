package trace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const spanSchema = `
CREATE TABLE IF NOT EXISTS spans (
	span_id         TEXT PRIMARY KEY,
	parent_id       TEXT,
	conversation_id TEXT NOT NULL,
	name            TEXT NOT NULL,
	span_type       TEXT NOT NULL,
	status          TEXT NOT NULL,
	start_ts        TIMESTAMP NOT NULL,
	end_ts          TIMESTAMP NOT NULL,
	duration_ms     INTEGER NOT NULL,
	attributes      TEXT
);
CREATE INDEX IF NOT EXISTS idx_spans_conversation ON spans(conversation_id);
`

// SQLStore persists closed spans to a SQL database. It is append/read
// only: a derived observability view, never the trace source of truth.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLStore wraps an existing database handle and ensures the schema.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(spanSchema); err != nil {
		return nil, fmt.Errorf("create spans schema: %w", err)
	}
	return &SQLStore{db: db, logger: logger}, nil
}

// OpenSQLStore opens a sqlite database at path and ensures the schema.
func OpenSQLStore(path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	store, err := NewSQLStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// WriteSpan appends one closed span.
func (s *SQLStore) WriteSpan(ctx context.Context, rec *SpanRecord) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO spans (
		span_id, parent_id, conversation_id, name, span_type, status,
		start_ts, end_ts, duration_ms, attributes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.SpanID, rec.ParentID, rec.ConversationID, rec.Name,
		string(rec.Type), string(rec.Status),
		rec.StartTS, rec.EndTS, rec.DurationMS, string(attrs),
	)
	return err
}

// CountSpans returns the number of stored spans for a conversation.
func (s *SQLStore) CountSpans(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM spans WHERE conversation_id = $1`, convID)
	return n, err
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
