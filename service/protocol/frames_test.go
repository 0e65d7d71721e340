package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"ChatRelay/tools/errs"
)

func TestParseInbound(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"auth", `{"type":"auth","token":"abc","userId":"u1"}`, TypeAuth},
		{"chat", `{"type":"chat_message","threadId":"t1","content":"hi","attachments":[{"id":"f1","size":3}]}`, TypeChatMessage},
		{"mark", `{"type":"mark_read","threadId":"t1"}`, TypeMarkRead},
		{"typing", `{"type":"typing","threadId":"t1","isTyping":true}`, TypeTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env, err := ParseInbound([]byte(c.raw))
			if err != nil {
				t.Fatalf("ParseInbound: %v", err)
			}
			if env.Type() != c.want {
				t.Fatalf("type = %s, want %s", env.Type(), c.want)
			}
		})
	}

	env, _ := ParseInbound([]byte(cases[1].raw))
	msg := env.(*ChatMessageEnvelope)
	if msg.ThreadID != "t1" || msg.Content != "hi" || len(msg.Attachments) != 1 || msg.Attachments[0].Size != 3 {
		t.Fatalf("decoded %+v", msg)
	}
}

func TestParseInboundErrors(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"threadId":"t1"}`,
		`{"type":"shout"}`,
		`{"type":42}`,
		`{"type":"typing","threadId":"t1","isTyping":"yes"}`,
		`{"type":"chat_message","threadId":["t1"]}`,
	} {
		_, err := ParseInbound([]byte(raw))
		if !errors.Is(err, errs.ErrProtocol) {
			t.Fatalf("ParseInbound(%s) = %v, want protocol error", raw, err)
		}
	}
}

func TestChatMessageValidate(t *testing.T) {
	long := strings.Repeat("é", 11)
	cases := []struct {
		env ChatMessageEnvelope
		ok  bool
	}{
		{ChatMessageEnvelope{ThreadID: "t1", Content: "hello"}, true},
		{ChatMessageEnvelope{ThreadID: "t1", Content: "   ", Attachments: []Attachment{{URL: "https://x/y.png"}}}, true},
		{ChatMessageEnvelope{ThreadID: "t1", Content: " \n\t "}, false},
		{ChatMessageEnvelope{ThreadID: "", Content: "hello"}, false},
		{ChatMessageEnvelope{ThreadID: "t1", Content: long}, false},
		{ChatMessageEnvelope{ThreadID: "t1", Attachments: []Attachment{{Name: "no ref"}}}, false},
	}
	for i, c := range cases {
		err := c.env.Validate(10)
		if c.ok != (err == nil) {
			t.Fatalf("case %d: Validate = %v", i, err)
		}
	}
}

func TestEncodeInboundRoundTrip(t *testing.T) {
	envs := []Inbound{
		&AuthEnvelope{Token: "tok"},
		&ChatMessageEnvelope{ThreadID: "t1", Content: "x"},
		&MarkReadEnvelope{ThreadID: "t1"},
		&TypingEnvelope{ThreadID: "t1", IsTyping: true},
		&PingEnvelope{},
	}
	for _, e := range envs {
		raw, err := EncodeInbound(e)
		if err != nil {
			t.Fatalf("EncodeInbound(%s): %v", e.Type(), err)
		}
		back, err := ParseInbound(raw)
		if err != nil || back.Type() != e.Type() {
			t.Fatalf("round trip %s: %v %v", e.Type(), back, err)
		}
	}
}

func TestEncodeOutbound(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	raw := MustEncode(&NewMessage{ThreadID: "t1", Message: &ChatMessage{ID: "9", ThreadID: "t1", SenderID: "a", Content: "hello", CreatedAt: at}})

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("invalid json %s: %v", raw, err)
	}
	if m["type"] != TypeNewMessage || m["threadId"] != "t1" {
		t.Fatalf("frame = %s", raw)
	}
	msg := m["message"].(map[string]any)
	if msg["senderId"] != "a" || msg["content"] != "hello" {
		t.Fatalf("message = %v", msg)
	}

	if got := string(MustEncode(&Pong{})); got != `{"type":"pong"}` {
		t.Fatalf("pong = %s", got)
	}
	errFrame := string(MustEncode(ErrorFrom(errs.ErrNotParticipant)))
	if !strings.Contains(errFrame, `"type":"error"`) || !strings.Contains(errFrame, `"code":"NOT_PARTICIPANT"`) {
		t.Fatalf("error = %s", errFrame)
	}
}

func TestParseOutbound(t *testing.T) {
	frames := []Outbound{
		&AuthSuccess{UserID: "a"},
		&NewMessage{ThreadID: "t1", Message: &ChatMessage{ID: "1"}},
		&MessagesRead{ThreadID: "t1", UserID: "b", LastReadMessageID: "5"},
		&UserTyping{ThreadID: "t1", UserID: "a", IsTyping: true},
		&Pong{},
		&Error{Message: "nope", Code: "X"},
	}
	for _, f := range frames {
		back, err := ParseOutbound(MustEncode(f))
		if err != nil {
			t.Fatalf("ParseOutbound(%s): %v", f.Type(), err)
		}
		if back.Type() != f.Type() {
			t.Fatalf("type %s != %s", back.Type(), f.Type())
		}
	}
	typing, _ := ParseOutbound(MustEncode(frames[3]))
	if ut := typing.(*UserTyping); !ut.IsTyping || ut.UserID != "a" {
		t.Fatalf("typing = %+v", ut)
	}
	if _, err := ParseOutbound([]byte(`{"type":"mystery"}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
