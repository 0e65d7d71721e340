package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChatRelay/service/events"
	"ChatRelay/service/protocol"
	"ChatRelay/service/storage"
	"ChatRelay/tools/ids"
	"ChatRelay/tools/security"

	"github.com/pkg/errors"
)

var testSecret = []byte("test-secret")

type fakeMembers struct {
	mu      sync.Mutex
	threads map[string][]string
	err     error
	// hold, when set, runs before the next ParticipantsOf answers
	hold func()
}

func newFakeMembers(threads map[string][]string) *fakeMembers {
	return &fakeMembers{threads: threads}
}

func (f *fakeMembers) IsParticipant(_ context.Context, userID, threadID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	for _, u := range f.threads[threadID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMembers) ParticipantsOf(_ context.Context, threadID string) ([]string, error) {
	f.mu.Lock()
	hold := f.hold
	f.hold = nil
	f.mu.Unlock()
	if hold != nil {
		hold()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.threads[threadID]...), nil
}

func (f *fakeMembers) holdNext(hold func()) {
	f.mu.Lock()
	f.hold = hold
	f.mu.Unlock()
}

func (f *fakeMembers) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeStore struct {
	inner *storage.MemoryMessages
	fail  atomic.Bool
}

func (s *fakeStore) PersistMessage(ctx context.Context, threadID, senderID, content string, attachments []protocol.Attachment) (*protocol.ChatMessage, error) {
	if s.fail.Load() {
		return nil, errors.New("disk on fire")
	}
	return s.inner.PersistMessage(ctx, threadID, senderID, content, attachments)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordingPresence struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresence) Online(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	p.events = append(p.events, "on:"+userID+":"+connID)
	p.mu.Unlock()
	return nil
}

func (p *recordingPresence) Offline(_ context.Context, userID, connID string) error {
	p.mu.Lock()
	p.events = append(p.events, "off:"+userID+":"+connID)
	p.mu.Unlock()
	return nil
}

func (p *recordingPresence) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type harness struct {
	t       *testing.T
	router  *Router
	reg     *Registry
	members *fakeMembers
	store   *fakeStore
	reads   *storage.MemoryReadState
	sink    *events.Recorder
	clock   *fakeClock
	gen     *ids.Generator
	auth    security.Options
	seq     atomic.Int64
	queue   int
}

func newHarness(t *testing.T, threads map[string][]string) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	gen := ids.NewGenerator(7).WithClock(clock.Now)
	h := &harness{
		t:       t,
		members: newFakeMembers(threads),
		store:   &fakeStore{inner: storage.NewMemoryMessages(gen, 0)},
		reads:   storage.NewMemoryReadState(4),
		sink:    events.NewRecorder(64),
		clock:   clock,
		gen:     gen,
		auth:    security.DefaultOptions(testSecret),
		queue:   64,
	}
	h.reg = NewRegistry(4, nil, nil)
	h.router = NewRouter(Deps{
		Registry:   h.reg,
		Store:      h.store,
		Membership: h.members,
		ReadState:  h.reads,
		Sink:       h.sink,
	}, Options{Auth: h.auth, Now: clock.Now, MaxContentLen: 20})
	return h
}

func (h *harness) token(user string) string {
	h.t.Helper()
	tok, _, err := security.Generate(h.auth, user, nil)
	if err != nil {
		h.t.Fatalf("token: %v", err)
	}
	return tok
}

// rawConn is a connection without a socket. Frames stay in its queue.
func (h *harness) rawConn() *Conn {
	id := h.seq.Add(1)
	return newConn(fmt.Sprintf("c%d", id), nil, h.queue, h.clock.Now().Add(time.Duration(id)))
}

// connect authenticates a socketless connection as user and consumes the
// auth_success frame.
func (h *harness) connect(user string) *Conn {
	h.t.Helper()
	c := h.rawConn()
	h.send(c, map[string]any{"type": "auth", "token": h.token(user)})
	f := recv(h.t, c)
	if f["type"] != protocol.TypeAuthSuccess || f["userId"] != user {
		h.t.Fatalf("auth reply = %v", f)
	}
	return c
}

func (h *harness) send(c *Conn, v any) {
	h.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	h.router.HandleFrame(context.Background(), c, data)
}

func recv(t *testing.T, c *Conn) map[string]any {
	t.Helper()
	select {
	case frame := <-c.send:
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("bad frame %s: %v", frame, err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatalf("conn %s: no frame", c.ID)
		return nil
	}
}

func expectSilent(t *testing.T, conns ...*Conn) {
	t.Helper()
	for _, c := range conns {
		if n := len(c.send); n != 0 {
			t.Fatalf("conn %s (%s) has %d unexpected frames, first: %s", c.ID, c.UserID(), n, <-c.send)
		}
	}
}

func expectError(t *testing.T, c *Conn, code string) {
	t.Helper()
	f := recv(t, c)
	if f["type"] != protocol.TypeError || f["code"] != code {
		t.Fatalf("expected error %s, got %v", code, f)
	}
}

func drainEvents(r *events.Recorder) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-r.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}
