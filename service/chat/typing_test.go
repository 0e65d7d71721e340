package chat

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTypingTracker(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var (
		mu      sync.Mutex
		expired []string
	)
	tr := NewTypingTracker(4, 6*time.Second, func(thread, user string) {
		mu.Lock()
		expired = append(expired, thread+"/"+user)
		mu.Unlock()
	}).WithClock(clock.Now)

	tr.Start("t1", "alice")
	tr.Start("t1", "bob")
	tr.Start("t2", "alice")
	if got := tr.Typing("t1"); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("Typing(t1) = %v", got)
	}

	clock.Advance(4 * time.Second)
	tr.Start("t1", "bob") // refresh
	if !tr.Stop("t2", "alice") || tr.Stop("t2", "alice") {
		t.Fatal("Stop should report presence exactly once")
	}

	if n := tr.Sweep(clock.Advance(3 * time.Second)); n != 1 {
		t.Fatalf("first sweep expired %d", n)
	}
	if tr.IsTyping("t1", "alice") || !tr.IsTyping("t1", "bob") {
		t.Fatal("alice should have lapsed, bob was refreshed")
	}

	clock.Advance(6 * time.Second)
	if tr.IsTyping("t1", "bob") {
		t.Fatal("expired entries are not typing")
	}
	if !tr.Stop("t1", "bob") {
		t.Fatal("an expired but unswept entry still counts for Stop")
	}
	if n := tr.Sweep(clock.Now()); n != 0 {
		t.Fatalf("nothing left to sweep, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "t1/alice" {
		t.Fatalf("expired = %v", expired)
	}
}

func TestTypingTrackerRun(t *testing.T) {
	fired := make(chan string, 1)
	tr := NewTypingTracker(1, time.Millisecond, func(thread, user string) { fired <- user })
	tr.Start("t1", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	select {
	case u := <-fired:
		if u != "alice" {
			t.Fatalf("fired for %s", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never fired")
	}
	cancel()
	<-done
}
