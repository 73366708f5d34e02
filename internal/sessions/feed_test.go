package sessions

import (
	"testing"
	"time"
)

func TestFeedSinceOffsets(t *testing.T) {
	f := NewFeed()
	f.Append("a")
	f.Append("b")

	events, closed, _ := f.Since(0)
	if len(events) != 2 || closed {
		t.Fatalf("Since(0) = %v, closed=%v", events, closed)
	}
	events, _, _ = f.Since(1)
	if len(events) != 1 || events[0] != "b" {
		t.Errorf("Since(1) = %v", events)
	}
	events, _, _ = f.Since(5)
	if len(events) != 0 {
		t.Errorf("Since(5) = %v", events)
	}
}

func TestFeedWakesReaders(t *testing.T) {
	f := NewFeed()
	_, _, changed := f.Since(0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Append("hello")
	}()

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Append")
	}
	events, _, changed := f.Since(0)
	if len(events) != 1 {
		t.Fatalf("events = %v", events)
	}

	f.Close()
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Close")
	}
	f.Append("late")
	if _, closed, _ := f.Since(0); !closed || f.Len() != 1 {
		t.Errorf("closed=%v len=%d", closed, f.Len())
	}
}
