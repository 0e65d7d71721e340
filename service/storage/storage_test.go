package storage

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"ChatRelay/service/protocol"
	"ChatRelay/tools/ids"
)

func TestMemoryMessagesPersist(t *testing.T) {
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	gen := ids.NewGenerator(3).WithClock(func() time.Time { return clock })
	store := NewMemoryMessages(gen, 2)
	ctx := context.Background()

	var got []*protocol.ChatMessage
	for _, content := range []string{"a", "b", "c"} {
		msg, err := store.PersistMessage(ctx, "t1", "alice", content, []protocol.Attachment{{ID: "f1"}})
		if err != nil {
			t.Fatalf("PersistMessage: %v", err)
		}
		got = append(got, msg)
	}
	if got[0].SenderID != "alice" || got[0].ThreadID != "t1" || !got[0].CreatedAt.Equal(clock) {
		t.Fatalf("message = %+v", got[0])
	}
	id0, _ := strconv.ParseInt(got[0].ID, 10, 64)
	id1, _ := strconv.ParseInt(got[1].ID, 10, 64)
	if id1 <= id0 {
		t.Fatalf("ids not increasing: %d, %d", id0, id1)
	}

	kept, _ := store.Messages(ctx, "t1", 0, 0)
	if len(kept) != 2 || kept[0].Content != "b" || kept[1].Content != "c" {
		t.Fatalf("retention window wrong: %+v", kept)
	}
	first, _ := strconv.ParseInt(kept[0].ID, 10, 64)
	after, _ := store.Messages(ctx, "t1", first, 10)
	if len(after) != 1 || after[0].Content != "c" {
		t.Fatalf("Messages after %d = %+v", first, after)
	}
	if other, _ := store.Messages(ctx, "t2", 0, 0); len(other) != 0 {
		t.Fatalf("unexpected messages in t2: %+v", other)
	}
}

func TestMemoryMessagesCanceledContext(t *testing.T) {
	store := NewMemoryMessages(ids.NewGenerator(1), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.PersistMessage(ctx, "t1", "a", "x", nil); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if _, err := store.Messages(ctx, "t1", 0, 0); err == nil {
		t.Fatal("expected error reading with a canceled context")
	}
	if kept, _ := store.Messages(context.Background(), "t1", 0, 0); len(kept) != 0 {
		t.Fatalf("stored %d messages after failure", len(kept))
	}
}

func TestMemoryReadStateMonotonic(t *testing.T) {
	s := NewMemoryReadState(4)
	ctx := context.Background()
	now := time.Now()

	if _, ok, _ := s.Get(ctx, "t1", "bob"); ok {
		t.Fatal("unexpected mark before first advance")
	}
	steps := []struct {
		id       int64
		advanced bool
		want     int64
	}{
		{100, true, 100},
		{90, false, 100},
		{100, false, 100},
		{150, true, 150},
	}
	for i, st := range steps {
		mark, advanced, err := s.Advance(ctx, "t1", "bob", st.id, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if advanced != st.advanced || mark.MessageID != st.want {
			t.Fatalf("step %d: advanced=%v mark=%d, want %v/%d", i, advanced, mark.MessageID, st.advanced, st.want)
		}
	}
	mark, ok, _ := s.Get(ctx, "t1", "bob")
	if !ok || mark.MessageID != 150 || !mark.ReadAt.Equal(now.Add(3*time.Second).UTC()) {
		t.Fatalf("Get = %+v %v", mark, ok)
	}
	if _, ok, _ := s.Get(ctx, "t1", "alice"); ok {
		t.Fatal("watermarks leaked across users")
	}
}

func TestMemoryReadStateConcurrentAdvance(t *testing.T) {
	s := NewMemoryReadState(2)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := int64(1); i <= 200; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _, _ = s.Advance(ctx, "t1", "bob", id, time.Now())
		}(i)
	}
	wg.Wait()
	mark, _, _ := s.Get(ctx, "t1", "bob")
	if mark.MessageID != 200 {
		t.Fatalf("final watermark = %d", mark.MessageID)
	}
}
