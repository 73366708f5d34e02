package sessions

import "sync"

// Feed is an append-only event log with change notification. The stream
// writes to it; any number of clients read from an offset, so a client that
// reconnects resumes where it left off.
type Feed struct {
	mu      sync.Mutex
	events  []string
	changed chan struct{}
	closed  bool
}

// NewFeed creates an open, empty feed.
func NewFeed() *Feed {
	return &Feed{changed: make(chan struct{})}
}

// Append adds an event and wakes waiting readers. Appends after Close are dropped.
func (f *Feed) Append(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events = append(f.events, event)
	close(f.changed)
	f.changed = make(chan struct{})
}

// Close marks the end of the stream.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.changed)
}

// Since returns the events after offset, whether the feed is closed, and a
// channel that is closed on the next append or close.
func (f *Feed) Since(offset int) ([]string, bool, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	var events []string
	if offset < len(f.events) {
		events = append(events, f.events[offset:]...)
	}
	return events, f.closed, f.changed
}

// Len returns the number of events appended so far.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}
