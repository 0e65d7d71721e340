package protocol

import (
	"encoding/json"
	"time"

	"ChatRelay/tools/errs"
)

// Outbound is one of the server envelopes.
type Outbound interface {
	Type() string
	outbound()
}

type AuthSuccess struct {
	UserID string `json:"userId"`
}

type NewMessage struct {
	ThreadID string       `json:"threadId"`
	Message  *ChatMessage `json:"message"`
}

type MessagesRead struct {
	ThreadID          string    `json:"threadId"`
	UserID            string    `json:"userId"`
	LastReadMessageID string    `json:"lastReadMessageId"`
	ReadAt            time.Time `json:"readAt"`
}

type UserTyping struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type Pong struct{}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (*AuthSuccess) Type() string  { return TypeAuthSuccess }
func (*NewMessage) Type() string   { return TypeNewMessage }
func (*MessagesRead) Type() string { return TypeMessagesRead }
func (*UserTyping) Type() string   { return TypeUserTyping }
func (*Pong) Type() string         { return TypePong }
func (*Error) Type() string        { return TypeError }

func (*AuthSuccess) outbound()  {}
func (*NewMessage) outbound()   {}
func (*MessagesRead) outbound() {}
func (*UserTyping) outbound()   {}
func (*Pong) outbound()         {}
func (*Error) outbound()        {}

// ErrorFrom builds the error envelope for a CodeError.
func ErrorFrom(ce *errs.CodeError) *Error {
	return &Error{Message: ce.Message(), Code: ce.Code}
}

// Encode serialises a server envelope with its type tag.
func Encode(env Outbound) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return json.Marshal(map[string]string{"type": env.Type()})
	}
	tag, _ := json.Marshal(env.Type())
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// MustEncode is Encode for envelopes that cannot fail to marshal.
func MustEncode(env Outbound) []byte {
	b, err := Encode(env)
	if err != nil {
		panic(err)
	}
	return b
}

// ParseOutbound decodes a server frame on the client side.
func ParseOutbound(data []byte) (Outbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errs.ErrProtocol.WithDetail("malformed json")
	}
	var env Outbound
	switch head.Type {
	case TypeAuthSuccess:
		env = &AuthSuccess{}
	case TypeNewMessage:
		env = &NewMessage{}
	case TypeMessagesRead:
		env = &MessagesRead{}
	case TypeUserTyping:
		env = &UserTyping{}
	case TypePong:
		return &Pong{}, nil
	case TypeError:
		env = &Error{}
	default:
		return nil, errs.ErrProtocol.WithDetail("unknown type " + head.Type)
	}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, errs.ErrProtocol.WithDetail(head.Type + ": " + err.Error())
	}
	return env, nil
}
