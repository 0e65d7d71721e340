package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"ChatRelay/tools/decode"
	"ChatRelay/tools/errs"
)

// Client -> server envelope types.
const (
	TypeAuth        = "auth"
	TypeChatMessage = "chat_message"
	TypeMarkRead    = "mark_read"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> client envelope types.
const (
	TypeAuthSuccess  = "auth_success"
	TypeNewMessage   = "new_message"
	TypeMessagesRead = "messages_read"
	TypeUserTyping   = "user_typing"
	TypePong         = "pong"
	TypeError        = "error"
)

// Attachment is an opaque reference to uploaded content.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage is a persisted message. Immutable once created.
type ChatMessage struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId"`
	SenderID    string       `json:"senderId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Inbound is one of the client envelopes. The set is closed: only types in
// this package implement it.
type Inbound interface {
	Type() string
	inbound()
}

type AuthEnvelope struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type ChatMessageEnvelope struct {
	ThreadID    string       `json:"threadId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
}

type MarkReadEnvelope struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

type TypingEnvelope struct {
	ThreadID string `json:"threadId"`
	IsTyping bool   `json:"isTyping"`
}

type PingEnvelope struct{}

func (*AuthEnvelope) Type() string        { return TypeAuth }
func (*ChatMessageEnvelope) Type() string { return TypeChatMessage }
func (*MarkReadEnvelope) Type() string    { return TypeMarkRead }
func (*TypingEnvelope) Type() string      { return TypeTyping }
func (*PingEnvelope) Type() string        { return TypePing }

func (*AuthEnvelope) inbound()        {}
func (*ChatMessageEnvelope) inbound() {}
func (*MarkReadEnvelope) inbound()    {}
func (*TypingEnvelope) inbound()      {}
func (*PingEnvelope) inbound()        {}

// Validate checks the fields that do not need any server state.
func (e *ChatMessageEnvelope) Validate(maxContent int) error {
	if strings.TrimSpace(e.ThreadID) == "" {
		return errs.ErrProtocol.WithDetail("threadId is required")
	}
	if strings.TrimSpace(e.Content) == "" && len(e.Attachments) == 0 {
		return errs.ErrProtocol.WithDetail("message has no content and no attachments")
	}
	if maxContent > 0 && len([]rune(e.Content)) > maxContent {
		return errs.ErrProtocol.WithDetail("content too long")
	}
	for _, a := range e.Attachments {
		if a.ID == "" && a.URL == "" {
			return errs.ErrProtocol.WithDetail("attachment needs an id or url")
		}
	}
	return nil
}

func (e *MarkReadEnvelope) Validate() error {
	if strings.TrimSpace(e.ThreadID) == "" {
		return errs.ErrProtocol.WithDetail("threadId is required")
	}
	return nil
}

func (e *TypingEnvelope) Validate() error {
	if strings.TrimSpace(e.ThreadID) == "" {
		return errs.ErrProtocol.WithDetail("threadId is required")
	}
	return nil
}

// ParseInbound decodes one text frame. Any failure is a protocol error.
func ParseInbound(data []byte) (Inbound, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.ErrProtocol.WithDetail("malformed json")
	}
	typ, err := decode.ReadString(m, "type")
	if err != nil {
		return nil, errs.ErrProtocol.WithDetail("missing type")
	}

	var env Inbound
	switch typ {
	case TypeAuth:
		env, err = decodeAs[AuthEnvelope](m)
	case TypeChatMessage:
		env, err = decodeAs[ChatMessageEnvelope](m)
	case TypeMarkRead:
		env, err = decodeAs[MarkReadEnvelope](m)
	case TypeTyping:
		env, err = decodeAs[TypingEnvelope](m)
	case TypePing:
		env = &PingEnvelope{}
	default:
		return nil, errs.ErrProtocol.WithDetail("unknown type " + typ)
	}
	if err != nil {
		return nil, errs.ErrProtocol.WithDetail(typ + ": " + err.Error())
	}
	return env, nil
}

func decodeAs[T any, P interface {
	*T
	Inbound
}](m map[string]any) (Inbound, error) {
	v, err := decode.DecodeMap[T](m)
	if err != nil {
		return nil, err
	}
	return P(v), nil
}

// EncodeInbound is the client side encoder, it adds the type tag.
func EncodeInbound(env Inbound) ([]byte, error) {
	switch e := env.(type) {
	case *AuthEnvelope:
		return json.Marshal(struct {
			Type string `json:"type"`
			*AuthEnvelope
		}{TypeAuth, e})
	case *ChatMessageEnvelope:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ChatMessageEnvelope
		}{TypeChatMessage, e})
	case *MarkReadEnvelope:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ThreadID  string `json:"threadId"`
			MessageID string `json:"messageId,omitempty"`
		}{TypeMarkRead, e.ThreadID, e.MessageID})
	case *TypingEnvelope:
		return json.Marshal(struct {
			Type string `json:"type"`
			*TypingEnvelope
		}{TypeTyping, e})
	case *PingEnvelope:
		return []byte(`{"type":"ping"}`), nil
	default:
		return nil, errs.ErrProtocol.WithDetail("cannot encode envelope")
	}
}
