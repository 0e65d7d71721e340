package pg

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"ChatRelay/service/protocol"
	"ChatRelay/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB answers QueryRow from a queue of scan functions.
type fakeDB struct {
	execs   []execCall
	execErr error
	rows    []func(dest ...any) error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql, args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if len(f.rows) == 0 {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}
	next := f.rows[0]
	f.rows = f.rows[1:]
	return fakeRow{scan: next}
}

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func markRow(id int64, at time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*int64) = id
		*dest[1].(*time.Time) = at
		return nil
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "chat_messages") || !strings.Contains(db.execs[0].sql, "chat_read_state") {
		t.Fatalf("execs = %+v", db.execs)
	}
	db.execErr = errors.New("permission denied")
	if err := EnsureSchema(context.Background(), db); err == nil {
		t.Fatal("expected error")
	}
}

func TestPersistMessage(t *testing.T) {
	db := &fakeDB{}
	store := NewMessageStore(db, ids.NewGenerator(4))
	msg, err := store.PersistMessage(context.Background(), "t1", "alice", "hi", nil)
	if err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("execs = %d", len(db.execs))
	}
	args := db.execs[0].args
	if args[1] != "t1" || args[2] != "alice" || args[3] != "hi" {
		t.Fatalf("args = %v", args)
	}
	if string(args[4].([]byte)) != "[]" {
		t.Fatalf("attachments = %s", args[4])
	}
	var att []protocol.Attachment
	if err := json.Unmarshal(args[4].([]byte), &att); err != nil || len(att) != 0 {
		t.Fatalf("attachments not valid json: %v", err)
	}
	if msg.ID == "" || !msg.CreatedAt.Equal(args[5].(time.Time)) {
		t.Fatalf("message = %+v", msg)
	}

	db.execErr = errors.New("connection reset")
	if _, err := store.PersistMessage(context.Background(), "t1", "alice", "hi", nil); err == nil {
		t.Fatal("expected insert failure to surface")
	}
}

func TestReadStateAdvance(t *testing.T) {
	at := time.Date(2025, 2, 2, 2, 2, 2, 0, time.UTC)
	ctx := context.Background()

	advanced := &fakeDB{rows: []func(...any) error{markRow(50, at)}}
	mark, ok, err := NewReadState(advanced).Advance(ctx, "t1", "bob", 50, at)
	if err != nil || !ok || mark.MessageID != 50 {
		t.Fatalf("advance = %+v %v %v", mark, ok, err)
	}

	// the conditional upsert returned nothing, the current row is read back
	stale := &fakeDB{rows: []func(...any) error{
		func(...any) error { return pgx.ErrNoRows },
		markRow(80, at),
	}}
	mark, ok, err = NewReadState(stale).Advance(ctx, "t1", "bob", 60, at)
	if err != nil || ok || mark.MessageID != 80 {
		t.Fatalf("stale advance = %+v %v %v", mark, ok, err)
	}

	broken := &fakeDB{rows: []func(...any) error{func(...any) error { return errors.New("boom") }}}
	if _, _, err := NewReadState(broken).Advance(ctx, "t1", "bob", 1, at); err == nil {
		t.Fatal("expected error")
	}

	if _, ok, err := NewReadState(&fakeDB{}).Get(ctx, "t1", "nobody"); ok || err != nil {
		t.Fatalf("Get missing = %v %v", ok, err)
	}
}
