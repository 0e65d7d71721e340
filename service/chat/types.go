package chat

import (
	"context"
	"time"

	"ChatRelay/service/protocol"
	"ChatRelay/service/storage"
)

// MessageStore persists chat messages. The returned message carries the
// server assigned id and creation time.
type MessageStore interface {
	PersistMessage(ctx context.Context, threadID, senderID, content string, attachments []protocol.Attachment) (*protocol.ChatMessage, error)
}

// HistoryReader returns up to limit messages of threadID with an id
// greater than afterID, oldest first. Clients use it to catch up after a
// reconnect.
type HistoryReader interface {
	Messages(ctx context.Context, threadID string, afterID int64, limit int) ([]*protocol.ChatMessage, error)
}

// Membership answers who belongs to a thread. ParticipantsOf returns the
// thread's ordered participant list.
type Membership interface {
	IsParticipant(ctx context.Context, userID, threadID string) (bool, error)
	ParticipantsOf(ctx context.Context, threadID string) ([]string, error)
}

// ReadStateStore keeps one watermark per (thread, user). Advance stores
// messageID only when it is strictly greater than the stored one and
// reports whether it did.
type ReadStateStore interface {
	Advance(ctx context.Context, threadID, userID string, messageID int64, at time.Time) (storage.ReadMark, bool, error)
	Get(ctx context.Context, threadID, userID string) (storage.ReadMark, bool, error)
}

// PresenceHook is told about every connection that joins or leaves the
// registry. A user is online while at least one connection is known.
type PresenceHook interface {
	Online(ctx context.Context, userID, connID string) error
	Offline(ctx context.Context, userID, connID string) error
}
