package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ChatRelay/logger"
	"ChatRelay/tools/safe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event sink closed")
)

// Async hands events to the wrapped sink from its own goroutine. Publish
// never waits on the broker; when the queue is full the event is dropped.
type Async struct {
	inner   Sink
	queue   chan Event
	timeout time.Duration

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func NewAsync(inner Sink, size int, timeout time.Duration) *Async {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan Event, size),
		timeout: timeout,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	safe.Go("events-async", a.run)
	return a
}

func (a *Async) Publish(_ context.Context, e Event) error {
	select {
	case <-a.quit:
		return ErrClosed
	default:
	}
	select {
	case a.queue <- e:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped counts events refused because the queue was full.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case e := <-a.queue:
			a.send(e)
		case <-a.quit:
			for {
				select {
				case e := <-a.queue:
					a.send(e)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) send(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.inner.Publish(ctx, e); err != nil {
		logger.Warn("event publish failed", zap.String("type", e.Type), zap.String("thread", e.ThreadID), zap.String("event", e.ID), zap.Error(err))
	}
}

// Close flushes what is queued. The wrapped sink is left open, its owner
// closes it.
func (a *Async) Close() error {
	a.closeOnce.Do(func() { close(a.quit) })
	<-a.done
	return nil
}
