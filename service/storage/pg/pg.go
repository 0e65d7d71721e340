package pg

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"ChatRelay/global"
	"ChatRelay/service/protocol"
	"ChatRelay/service/storage"
	"ChatRelay/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// DB is the part of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a pool for c and pings it.
func NewPool(ctx context.Context, c global.PostgresConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "postgres dsn")
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres ping")
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id          BIGINT PRIMARY KEY,
	thread_id   TEXT        NOT NULL,
	sender_id   TEXT        NOT NULL,
	content     TEXT        NOT NULL,
	attachments JSONB       NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_thread_idx ON chat_messages (thread_id, id);
CREATE TABLE IF NOT EXISTS chat_read_state (
	thread_id    TEXT        NOT NULL,
	user_id      TEXT        NOT NULL,
	last_read_id BIGINT      NOT NULL,
	read_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (thread_id, user_id)
);`

// EnsureSchema creates the tables when missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	return nil
}

const insertMessage = `INSERT INTO chat_messages (id, thread_id, sender_id, content, attachments, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

type MessageStore struct {
	db  DB
	gen *ids.Generator
}

func NewMessageStore(db DB, gen *ids.Generator) *MessageStore {
	return &MessageStore{db: db, gen: gen}
}

func (s *MessageStore) PersistMessage(ctx context.Context, threadID, senderID, content string, attachments []protocol.Attachment) (*protocol.ChatMessage, error) {
	msg := storage.NewMessage(s.gen, threadID, senderID, content, attachments)
	if attachments == nil {
		attachments = []protocol.Attachment{}
	}
	att, err := json.Marshal(attachments)
	if err != nil {
		return nil, errors.Wrap(err, "marshal attachments")
	}
	id, _ := strconv.ParseInt(msg.ID, 10, 64)
	if _, err := s.db.Exec(ctx, insertMessage, id, threadID, senderID, content, att, msg.CreatedAt); err != nil {
		return nil, errors.Wrapf(err, "insert message into thread %s", threadID)
	}
	return msg, nil
}

const selectMessages = `SELECT id, thread_id, sender_id, content, attachments, created_at
FROM chat_messages WHERE thread_id = $1 AND id > $2 ORDER BY id LIMIT $3`

// Messages returns up to limit messages of threadID newer than afterID.
func (s *MessageStore) Messages(ctx context.Context, threadID string, afterID int64, limit int) ([]*protocol.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, selectMessages, threadID, afterID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "query thread %s", threadID)
	}
	defer rows.Close()

	var out []*protocol.ChatMessage
	for rows.Next() {
		var (
			id  int64
			att []byte
			m   protocol.ChatMessage
		)
		if err := rows.Scan(&id, &m.ThreadID, &m.SenderID, &m.Content, &att, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if len(att) > 0 {
			if err := json.Unmarshal(att, &m.Attachments); err != nil {
				return nil, errors.Wrapf(err, "decode attachments of %d", id)
			}
		}
		m.ID = strconv.FormatInt(id, 10)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, &m)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

// The upsert only touches the row when the new id is larger; RETURNING
// yields nothing when it did not.
const advanceRead = `INSERT INTO chat_read_state (thread_id, user_id, last_read_id, read_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (thread_id, user_id) DO UPDATE
SET last_read_id = EXCLUDED.last_read_id, read_at = EXCLUDED.read_at
WHERE chat_read_state.last_read_id < EXCLUDED.last_read_id
RETURNING last_read_id, read_at`

const selectRead = `SELECT last_read_id, read_at FROM chat_read_state WHERE thread_id = $1 AND user_id = $2`

type ReadState struct {
	db DB
}

func NewReadState(db DB) *ReadState {
	return &ReadState{db: db}
}

func (s *ReadState) Advance(ctx context.Context, threadID, userID string, messageID int64, at time.Time) (storage.ReadMark, bool, error) {
	var mark storage.ReadMark
	err := s.db.QueryRow(ctx, advanceRead, threadID, userID, messageID, at.UTC()).Scan(&mark.MessageID, &mark.ReadAt)
	if err == nil {
		mark.ReadAt = mark.ReadAt.UTC()
		return mark, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return storage.ReadMark{}, false, errors.Wrapf(err, "advance read state %s/%s", threadID, userID)
	}
	cur, _, err := s.Get(ctx, threadID, userID)
	return cur, false, err
}

func (s *ReadState) Get(ctx context.Context, threadID, userID string) (storage.ReadMark, bool, error) {
	var mark storage.ReadMark
	err := s.db.QueryRow(ctx, selectRead, threadID, userID).Scan(&mark.MessageID, &mark.ReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ReadMark{}, false, nil
	}
	if err != nil {
		return storage.ReadMark{}, false, errors.Wrapf(err, "get read state %s/%s", threadID, userID)
	}
	mark.ReadAt = mark.ReadAt.UTC()
	return mark, true, nil
}
