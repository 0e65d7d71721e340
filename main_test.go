package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ChatRelay/global"
	"ChatRelay/service/chat"
	"ChatRelay/service/client"
	"ChatRelay/service/protocol"
	"ChatRelay/tools/ids"

	"github.com/prometheus/client_golang/prometheus"
)

type relayFixture struct {
	srv      *httptest.Server
	registry *chat.Registry
	ws       *chat.Server
	st       *stack
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	cfg := global.Default()
	cfg.Auth.DevLogin = true
	cfg.Membership.Threads = map[string][]string{"t1": {"alice", "bob"}, "t2": {"carol"}}

	gen := ids.NewGenerator(3)
	st, err := buildStack(context.Background(), cfg, gen)
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	auth := authOptions(cfg)
	registry, _, ws := newRelay(cfg, st, gen, chat.NewMetrics(reg), auth)
	srv := httptest.NewServer(newEngine(cfg, ws, registry, st, reg, auth))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ws.Shutdown(ctx)
		srv.Close()
		_ = st.Close(ctx)
	})
	return &relayFixture{srv: srv, registry: registry, ws: ws, st: st}
}

func (f *relayFixture) token(t *testing.T, user string) string {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/dev/token", "application/json", strings.NewReader(`{"userId":"`+user+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev token status %d", resp.StatusCode)
	}
	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body.Data.Token
}

func (f *relayFixture) get(t *testing.T, path, user string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func (f *relayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func TestHealthAndMetrics(t *testing.T) {
	f := newRelayFixture(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestDevTokenRequiresUser(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := http.Post(f.srv.URL+"/dev/token", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestPresenceRouteNeedsToken(t *testing.T) {
	f := newRelayFixture(t)
	resp, err := http.Get(f.srv.URL + "/presence/alice")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/presence/alice", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "bob"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Data struct {
			Online  bool   `json:"online"`
			AskedBy string `json:"askedBy"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Data.Online || body.Data.AskedBy != "bob" {
		t.Fatalf("presence = %+v", body.Data)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Outbound
}

func (l *eventLog) add(e protocol.Outbound) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) waitFor(t *testing.T, typ string) protocol.Outbound {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for _, e := range l.events {
			if e.Type() == typ {
				l.mu.Unlock()
				return e
			}
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event", typ)
	return nil
}

func dialClient(t *testing.T, f *relayFixture, user string, log *eventLog) *client.Client {
	t.Helper()
	c := client.New(client.Config{
		URL:     f.wsURL(),
		Token:   f.token(t, user),
		UserID:  user,
		OnEvent: log.add,
	})
	t.Cleanup(c.Close)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	log.waitFor(t, protocol.TypeAuthSuccess)
	return c
}

func TestClientsTalkThroughRelay(t *testing.T) {
	f := newRelayFixture(t)
	var aliceLog, bobLog eventLog
	alice := dialClient(t, f, "alice", &aliceLog)
	dialClient(t, f, "bob", &bobLog)

	if !alice.SendChatMessage("t1", "hello bob") {
		t.Fatal("alice could not send")
	}
	got := bobLog.waitFor(t, protocol.TypeNewMessage).(*protocol.NewMessage)
	if got.Message.Content != "hello bob" || got.Message.SenderID != "alice" {
		t.Fatalf("bob got %+v", got.Message)
	}
	aliceLog.waitFor(t, protocol.TypeNewMessage)

	if !f.registry.IsOnline("bob") || f.registry.Len() != 2 {
		t.Fatalf("registry len %d", f.registry.Len())
	}
}

func TestClientLine(t *testing.T) {
	c := client.New(client.Config{URL: "ws://unused"})
	defer c.Close()
	if !clientLine(c, "t1", "") {
		t.Fatal("empty line should be ignored, not dropped")
	}
	for _, line := range []string{"hi", "/read", "/typing on"} {
		if clientLine(c, "t1", line) {
			t.Fatalf("%q sent while disconnected", line)
		}
	}
}

func TestBuildStackFailureReturnsError(t *testing.T) {
	cfg := global.Default()
	cfg.Store.Driver = global.StoreRedis
	cfg.Store.Redis.Addr = "127.0.0.1:1"

	st, err := buildStack(context.Background(), cfg, ids.NewGenerator(1))
	if err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
	if st != nil {
		t.Fatalf("stack = %+v", st)
	}
}

func TestThreadHistory(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()
	var sent []string
	for _, content := range []string{"one", "two", "three"} {
		msg, err := f.st.store.PersistMessage(ctx, "t1", "alice", content, nil)
		if err != nil {
			t.Fatal(err)
		}
		sent = append(sent, msg.ID)
	}

	type page struct {
		Data struct {
			Messages []protocol.ChatMessage `json:"messages"`
		} `json:"data"`
	}
	var all page
	if code := f.get(t, "/threads/t1/messages", "bob", &all); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(all.Data.Messages) != 3 || all.Data.Messages[0].Content != "one" {
		t.Fatalf("history = %+v", all.Data.Messages)
	}

	var missed page
	f.get(t, "/threads/t1/messages?after="+sent[0]+"&limit=1", "bob", &missed)
	if len(missed.Data.Messages) != 1 || missed.Data.Messages[0].ID != sent[1] {
		t.Fatalf("after %s = %+v", sent[0], missed.Data.Messages)
	}

	var none page
	f.get(t, "/threads/t1/messages?after="+sent[2], "alice", &none)
	if none.Data.Messages == nil || len(none.Data.Messages) != 0 {
		t.Fatalf("caught up = %+v", none.Data.Messages)
	}

	if code := f.get(t, "/threads/t1/messages", "carol", nil); code != http.StatusForbidden {
		t.Fatalf("outsider status %d", code)
	}
	if code := f.get(t, "/threads/t1/messages?after=abc", "bob", nil); code != http.StatusBadRequest {
		t.Fatalf("bad after status %d", code)
	}
}
