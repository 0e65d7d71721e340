package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"ChatRelay/global"
	"ChatRelay/service/protocol"
	"ChatRelay/tools/ids"

	"github.com/pkg/errors"
)

// ReadMark is a read watermark: the newest message id a user has seen in a
// thread and when it was recorded.
type ReadMark struct {
	MessageID int64     `json:"lastReadMessageId"`
	ReadAt    time.Time `json:"readAt"`
}

// NewMessage stamps a message with the generator's id. CreatedAt is the
// instant encoded in the id so the two always agree.
func NewMessage(gen *ids.Generator, threadID, senderID, content string, attachments []protocol.Attachment) *protocol.ChatMessage {
	id := gen.Next()
	return &protocol.ChatMessage{
		ID:          strconv.FormatInt(id, 10),
		ThreadID:    threadID,
		SenderID:    senderID,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   ids.TimeOf(id),
	}
}

const defaultPartitions = 16

type messagePartition struct {
	mu      sync.RWMutex
	threads map[string][]*protocol.ChatMessage
}

// MemoryMessages keeps the newest messages of each thread in process.
type MemoryMessages struct {
	gen       *ids.Generator
	perThread int
	parts     []*messagePartition
}

// NewMemoryMessages keeps up to perThread messages per thread, 0 means 1000.
func NewMemoryMessages(gen *ids.Generator, perThread int) *MemoryMessages {
	if perThread <= 0 {
		perThread = 1000
	}
	m := &MemoryMessages{gen: gen, perThread: perThread, parts: make([]*messagePartition, defaultPartitions)}
	for i := range m.parts {
		m.parts[i] = &messagePartition{threads: make(map[string][]*protocol.ChatMessage)}
	}
	return m
}

func (m *MemoryMessages) part(threadID string) *messagePartition {
	return m.parts[global.HashPartition(threadID, len(m.parts))]
}

func (m *MemoryMessages) PersistMessage(ctx context.Context, threadID, senderID, content string, attachments []protocol.Attachment) (*protocol.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "persist message")
	}
	msg := NewMessage(m.gen, threadID, senderID, content, attachments)
	p := m.part(threadID)
	p.mu.Lock()
	list := append(p.threads[threadID], msg)
	if len(list) > m.perThread {
		list = list[len(list)-m.perThread:]
	}
	p.threads[threadID] = list
	p.mu.Unlock()
	return msg, nil
}

// Messages returns up to limit messages of threadID with an id greater than
// afterID, oldest first. limit <= 0 returns everything retained.
func (m *MemoryMessages) Messages(ctx context.Context, threadID string, afterID int64, limit int) ([]*protocol.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "read messages")
	}
	p := m.part(threadID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := p.threads[threadID]
	i := sort.Search(len(list), func(i int) bool {
		id, _ := strconv.ParseInt(list[i].ID, 10, 64)
		return id > afterID
	})
	out := append([]*protocol.ChatMessage(nil), list[i:]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type readPartition struct {
	mu    sync.Mutex
	marks map[string]map[string]ReadMark // thread -> user -> mark
}

// MemoryReadState is the in-process watermark store, partitioned by thread.
type MemoryReadState struct {
	parts []*readPartition
}

func NewMemoryReadState(partitions int) *MemoryReadState {
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	s := &MemoryReadState{parts: make([]*readPartition, partitions)}
	for i := range s.parts {
		s.parts[i] = &readPartition{marks: make(map[string]map[string]ReadMark)}
	}
	return s
}

func (s *MemoryReadState) part(threadID string) *readPartition {
	return s.parts[global.HashPartition(threadID, len(s.parts))]
}

// Advance stores messageID only if it is strictly greater than the current
// watermark. It returns the watermark in effect afterwards.
func (s *MemoryReadState) Advance(_ context.Context, threadID, userID string, messageID int64, at time.Time) (ReadMark, bool, error) {
	p := s.part(threadID)
	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.marks[threadID]
	if !ok {
		users = make(map[string]ReadMark)
		p.marks[threadID] = users
	}
	cur, ok := users[userID]
	if ok && messageID <= cur.MessageID {
		return cur, false, nil
	}
	next := ReadMark{MessageID: messageID, ReadAt: at.UTC()}
	users[userID] = next
	return next, true, nil
}

func (s *MemoryReadState) Get(_ context.Context, threadID, userID string) (ReadMark, bool, error) {
	p := s.part(threadID)
	p.mu.Lock()
	defer p.mu.Unlock()
	mark, ok := p.marks[threadID][userID]
	return mark, ok, nil
}
