package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Event is what the relay exposes to offline-push and notification
// subscribers: the envelope it broadcast plus routing metadata.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ThreadID   string          `json:"threadId"`
	UserID     string          `json:"userId"`
	Recipients []string        `json:"recipients,omitempty"`
	At         time.Time       `json:"at"`
	Payload    json.RawMessage `json:"payload"`
}

// New stamps an event with a fresh id, used downstream for dedupe.
func New(typ, threadID, userID string, recipients []string, payload []byte) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		ThreadID:   threadID,
		UserID:     userID,
		Recipients: recipients,
		At:         time.Now().UTC(),
		Payload:    json.RawMessage(payload),
	}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Sink receives relay events. Publish must not block for long, callers
// pass a bounded context.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Publish(ctx, e))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Recorder keeps published events in memory, for tests and the dev server.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events is the channel of recorded events.
func (r *Recorder) Events() <-chan Event { return r.ch }
