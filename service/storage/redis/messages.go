package redis

import (
	"context"
	"encoding/json"
	"strconv"

	"ChatRelay/global"
	"ChatRelay/service/protocol"
	"ChatRelay/service/storage"
	"ChatRelay/tools/ids"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// MessageStore appends messages to one stream per thread. The message id
// to stream entry id mapping is kept in a hash next to the stream.
type MessageStore struct {
	rdb    redis.UniversalClient
	gen    *ids.Generator
	maxLen int64
}

func NewMessageStore(rdb redis.UniversalClient, gen *ids.Generator, maxLen int64) *MessageStore {
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &MessageStore{rdb: rdb, gen: gen, maxLen: maxLen}
}

func (s *MessageStore) PersistMessage(ctx context.Context, threadID, senderID, content string, attachments []protocol.Attachment) (*protocol.ChatMessage, error) {
	msg := storage.NewMessage(s.gen, threadID, senderID, content, attachments)
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message")
	}
	entryID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: global.ThreadStreamKey(threadID),
		Values: map[string]any{"id": msg.ID, "sender": senderID, "data": body},
		Approx: true,
		MaxLen: s.maxLen,
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "xadd thread %s", threadID)
	}
	if err := s.rdb.HSet(ctx, global.ThreadIndexKey(threadID), msg.ID, entryID).Err(); err != nil {
		return nil, errors.Wrapf(err, "index message %s", msg.ID)
	}
	return msg, nil
}

// Entry is a stored message with its stream position.
type Entry struct {
	StreamID string
	Message  *protocol.ChatMessage
}

// History reads up to count messages of threadID after stream id after,
// oldest first. An empty after starts at the beginning of the stream.
func (s *MessageStore) History(ctx context.Context, threadID, after string, count int64) ([]Entry, error) {
	start := "-"
	if after != "" {
		start = "(" + after
	}
	if count <= 0 {
		count = 100
	}
	xs, err := s.rdb.XRangeN(ctx, global.ThreadStreamKey(threadID), start, "+", count).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "xrange thread %s", threadID)
	}
	return decodeEntries(xs)
}

// Messages returns up to limit messages of threadID with an id greater than
// afterID, oldest first. A known afterID starts the scan at its stream
// entry; an unknown or trimmed one scans from the start.
func (s *MessageStore) Messages(ctx context.Context, threadID string, afterID int64, limit int) ([]*protocol.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	after := ""
	if afterID > 0 {
		entryID, err := s.rdb.HGet(ctx, global.ThreadIndexKey(threadID), strconv.FormatInt(afterID, 10)).Result()
		switch {
		case err == nil:
			after = entryID
		case !errors.Is(err, redis.Nil):
			return nil, errors.Wrapf(err, "lookup message %d", afterID)
		}
	}

	var out []*protocol.ChatMessage
	for len(out) < limit {
		page, err := s.History(ctx, threadID, after, int64(limit))
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if id, err := ids.Parse(e.Message.ID); err == nil && id > afterID && len(out) < limit {
				out = append(out, e.Message)
			}
		}
		if len(page) < limit {
			break
		}
		after = page[len(page)-1].StreamID
	}
	return out, nil
}

// Lookup finds one message by its id.
func (s *MessageStore) Lookup(ctx context.Context, threadID, messageID string) (*protocol.ChatMessage, error) {
	entryID, err := s.rdb.HGet(ctx, global.ThreadIndexKey(threadID), messageID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup message %s", messageID)
	}
	xs, err := s.rdb.XRange(ctx, global.ThreadStreamKey(threadID), entryID, entryID).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "xrange %s", entryID)
	}
	entries, err := decodeEntries(xs)
	if err != nil || len(entries) == 0 {
		// trimmed out of the stream
		return nil, err
	}
	return entries[0].Message, nil
}

func decodeEntries(xs []redis.XMessage) ([]Entry, error) {
	out := make([]Entry, 0, len(xs))
	for _, x := range xs {
		raw, ok := x.Values["data"].(string)
		if !ok {
			return nil, errors.Errorf("stream entry %s has no data", x.ID)
		}
		var m protocol.ChatMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, errors.Wrapf(err, "decode stream entry %s", x.ID)
		}
		out = append(out, Entry{StreamID: x.ID, Message: &m})
	}
	return out, nil
}
