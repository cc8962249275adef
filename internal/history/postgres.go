package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
)

// PostgresStore persists interactions in PostgreSQL. Appends for one user are
// serialized with a transaction-scoped advisory lock keyed on the user ID.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

func NewPostgresStore(ctx context.Context, databaseURL string, opts Options) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "connect postgres")
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, opts: opts.normalized()}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_interactions (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			response TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_user_created ON chat_interactions (user_id, created_at DESC, seq DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_scope_created ON chat_interactions (user_id, session_id, created_at DESC, seq DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return goerr.Wrap(err, "init schema", goerr.V("stmt", stmt))
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec Interaction) (Interaction, error) {
	if rec.UserID == "" || rec.SessionID == "" {
		return Interaction{}, ErrIncompleteScope
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return Interaction{}, err
	}
	rec.ID = uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Interaction{}, goerr.Wrap(err, "begin append tx", goerr.V("user_id", rec.UserID))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, rec.UserID); err != nil {
		return Interaction{}, goerr.Wrap(err, "lock user history", goerr.V("user_id", rec.UserID))
	}

	// created_at stays strictly increasing per user even if the clock stalls.
	err = tx.QueryRow(ctx,
		`INSERT INTO chat_interactions (id, user_id, session_id, question, response, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, GREATEST(
			clock_timestamp(),
			COALESCE((SELECT max(created_at) FROM chat_interactions WHERE user_id = $2), '-infinity'::timestamptz) + interval '1 microsecond'
		 ))
		 RETURNING seq, created_at`,
		rec.ID, rec.UserID, rec.SessionID, rec.Question, rec.Response, meta,
	).Scan(&rec.Seq, &rec.CreatedAt)
	if err != nil {
		return Interaction{}, goerr.Wrap(err, "insert interaction", goerr.V("user_id", rec.UserID))
	}

	var tag pgconn.CommandTag
	if s.opts.Scope == ScopeSession {
		tag, err = tx.Exec(ctx,
			`DELETE FROM chat_interactions WHERE seq IN (
				SELECT seq FROM chat_interactions WHERE user_id = $1 AND session_id = $2
				ORDER BY created_at DESC, seq DESC OFFSET $3)`,
			rec.UserID, rec.SessionID, s.opts.MaxHistory)
	} else {
		tag, err = tx.Exec(ctx,
			`DELETE FROM chat_interactions WHERE seq IN (
				SELECT seq FROM chat_interactions WHERE user_id = $1
				ORDER BY created_at DESC, seq DESC OFFSET $2)`,
			rec.UserID, s.opts.MaxHistory)
	}
	if err != nil {
		return Interaction{}, goerr.Wrap(err, "evict interactions", goerr.V("user_id", rec.UserID))
	}
	if err := tx.Commit(ctx); err != nil {
		return Interaction{}, goerr.Wrap(err, "commit append tx", goerr.V("user_id", rec.UserID))
	}

	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.Metadata = cloneMetadata(rec.Metadata)
	s.opts.notifyEvict(rec.UserID, int(tag.RowsAffected()))
	return rec, nil
}

func (s *PostgresStore) Recent(ctx context.Context, userID, sessionID string, limit int) ([]Interaction, error) {
	if userID == "" {
		return []Interaction{}, nil
	}
	limit = s.opts.clampLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	const cols = `seq, id, user_id, session_id, question, response, metadata, created_at`
	if sessionID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM chat_interactions WHERE user_id = $1
			 ORDER BY created_at DESC, seq DESC LIMIT $2`, userID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM chat_interactions WHERE user_id = $1 AND session_id = $2
			 ORDER BY created_at DESC, seq DESC LIMIT $3`, userID, sessionID, limit)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "query recent interactions", goerr.V("user_id", userID))
	}
	defer rows.Close()

	items := make([]Interaction, 0, limit)
	for rows.Next() {
		var (
			it   Interaction
			meta []byte
		)
		if err := rows.Scan(&it.Seq, &it.ID, &it.UserID, &it.SessionID, &it.Question, &it.Response, &meta, &it.CreatedAt); err != nil {
			return nil, goerr.Wrap(err, "scan interaction row")
		}
		if it.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		it.CreatedAt = it.CreatedAt.UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate interaction rows")
	}
	return items, nil
}

func (s *PostgresStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chat_interactions WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "count interactions", goerr.V("user_id", userID))
	}
	return n, nil
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_interactions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, goerr.Wrap(err, "purge interactions", goerr.V("cutoff", cutoff))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", goerr.Wrap(err, "encode metadata")
	}
	return string(raw), nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, goerr.Wrap(err, "decode metadata")
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
