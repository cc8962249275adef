package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists interactions in a single SQLite file. The pool holds
// one connection, so appends are serialized by the database handle.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

func NewSQLiteStore(ctx context.Context, dsn string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite", goerr.V("dsn", dsn))
	}
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{
		db:   db,
		opts: opts.normalized(),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS chat_interactions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			response TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_user_created ON chat_interactions (user_id, created_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_scope_created ON chat_interactions (user_id, session_id, created_at, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return goerr.Wrap(err, "init schema", goerr.V("stmt", stmt))
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Interaction) (Interaction, error) {
	if rec.UserID == "" || rec.SessionID == "" {
		return Interaction{}, ErrIncompleteScope
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return Interaction{}, err
	}
	rec.ID = uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Interaction{}, goerr.Wrap(err, "begin append tx", goerr.V("user_id", rec.UserID))
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM chat_interactions WHERE user_id = ?`, rec.UserID,
	).Scan(&last); err != nil {
		return Interaction{}, goerr.Wrap(err, "read latest timestamp", goerr.V("user_id", rec.UserID))
	}
	created := s.now().UnixMicro()
	if created <= last {
		created = last + 1
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chat_interactions (id, user_id, session_id, question, response, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionID, rec.Question, rec.Response, meta, created)
	if err != nil {
		return Interaction{}, goerr.Wrap(err, "insert interaction", goerr.V("user_id", rec.UserID))
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return Interaction{}, goerr.Wrap(err, "read interaction seq")
	}

	if s.opts.Scope == ScopeSession {
		res, err = tx.ExecContext(ctx,
			`DELETE FROM chat_interactions WHERE seq IN (
				SELECT seq FROM chat_interactions WHERE user_id = ? AND session_id = ?
				ORDER BY created_at DESC, seq DESC LIMIT -1 OFFSET ?)`,
			rec.UserID, rec.SessionID, s.opts.MaxHistory)
	} else {
		res, err = tx.ExecContext(ctx,
			`DELETE FROM chat_interactions WHERE seq IN (
				SELECT seq FROM chat_interactions WHERE user_id = ?
				ORDER BY created_at DESC, seq DESC LIMIT -1 OFFSET ?)`,
			rec.UserID, s.opts.MaxHistory)
	}
	if err != nil {
		return Interaction{}, goerr.Wrap(err, "evict interactions", goerr.V("user_id", rec.UserID))
	}
	evicted, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return Interaction{}, goerr.Wrap(err, "commit append tx", goerr.V("user_id", rec.UserID))
	}

	rec.CreatedAt = time.UnixMicro(created).UTC()
	rec.Metadata = cloneMetadata(rec.Metadata)
	s.opts.notifyEvict(rec.UserID, int(evicted))
	return rec, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, userID, sessionID string, limit int) ([]Interaction, error) {
	if userID == "" {
		return []Interaction{}, nil
	}
	limit = s.opts.clampLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	const cols = `seq, id, user_id, session_id, question, response, metadata, created_at`
	if sessionID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM chat_interactions WHERE user_id = ?
			 ORDER BY created_at DESC, seq DESC LIMIT ?`, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+cols+` FROM chat_interactions WHERE user_id = ? AND session_id = ?
			 ORDER BY created_at DESC, seq DESC LIMIT ?`, userID, sessionID, limit)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "query recent interactions", goerr.V("user_id", userID))
	}
	defer rows.Close()

	items := make([]Interaction, 0, limit)
	for rows.Next() {
		var (
			it      Interaction
			meta    string
			created int64
		)
		if err := rows.Scan(&it.Seq, &it.ID, &it.UserID, &it.SessionID, &it.Question, &it.Response, &meta, &created); err != nil {
			return nil, goerr.Wrap(err, "scan interaction row")
		}
		if it.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return nil, err
		}
		it.CreatedAt = time.UnixMicro(created).UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate interaction rows")
	}
	return items, nil
}

func (s *SQLiteStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM chat_interactions WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "count interactions", goerr.V("user_id", userID))
	}
	return n, nil
}

func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_interactions WHERE created_at < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, goerr.Wrap(err, "purge interactions", goerr.V("cutoff", cutoff))
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
