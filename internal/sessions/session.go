package sessions

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// Outcome is a resolved validation delivered to the stream waiting on it.
type Outcome struct {
	ValidationID string                  `json:"validation_id"`
	Action       models.ValidationStatus `json:"action"`
	Result       any                     `json:"result,omitempty"`
	IsError      bool                    `json:"is_error,omitempty"`
	Feedback     string                  `json:"feedback,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
}

// Source is a retrieval reference surfaced by a tool and replayed to the
// client after the stream ends.
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Session is the runtime state of one active chat stream.
//
// The goroutine driving the tool loop owns the session. Other goroutines
// (HTTP approval handlers, the cancel endpoint, the cross-instance relay)
// talk to it only through Cancel and Deliver, which write to the two
// single-slot channels.
type Session struct {
	ChatID    string
	UserID    string
	StartedAt time.Time

	cancel     chan struct{}
	cancelOnce sync.Once
	outcomes   chan Outcome

	pending        atomic.Value
	disconnectedAt atomic.Int64

	sources []Source
	feed    *Feed
}

// New creates a detached session. Most callers use Registry.Create.
func New(chatID, userID string) *Session {
	s := &Session{
		ChatID:    chatID,
		UserID:    userID,
		StartedAt: time.Now(),
		cancel:    make(chan struct{}),
		outcomes:  make(chan Outcome, 1),
		feed:      NewFeed(),
	}
	s.pending.Store("")
	return s
}

// OwnedBy reports whether userID started the session. An empty userID is a
// trusted internal caller and always matches.
func (s *Session) OwnedBy(userID string) bool {
	return userID == "" || s.UserID == userID
}

// Cancel trips the cancel signal. It is idempotent.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// Done returns a channel closed once Cancel was called.
func (s *Session) Done() <-chan struct{} {
	return s.cancel
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

// Deliver places an outcome in the validation slot. It returns false when the
// slot is already full; the earlier outcome is kept.
func (s *Session) Deliver(o Outcome) bool {
	select {
	case s.outcomes <- o:
		return true
	default:
		return false
	}
}

// Outcomes is the receive side of the validation slot. Receiving clears it.
func (s *Session) Outcomes() <-chan Outcome {
	return s.outcomes
}

// SetPendingValidation records the validation the stream is waiting on.
// An empty id clears it.
func (s *Session) SetPendingValidation(id string) {
	s.pending.Store(id)
}

// PendingValidation returns the validation the stream is waiting on, if any.
func (s *Session) PendingValidation() string {
	id, _ := s.pending.Load().(string)
	return id
}

// MarkDisconnected records that the last client detached at t.
func (s *Session) MarkDisconnected(t time.Time) {
	s.disconnectedAt.Store(t.UnixNano())
}

// Reattach clears the disconnect timestamp.
func (s *Session) Reattach() {
	s.disconnectedAt.Store(0)
}

// DisconnectedAt returns when the client detached, or false while attached.
func (s *Session) DisconnectedAt() (time.Time, bool) {
	n := s.disconnectedAt.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// AddSources accumulates retrieval sources. Owner goroutine only.
func (s *Session) AddSources(sources ...Source) {
	s.sources = append(s.sources, sources...)
}

// Sources returns the accumulated sources. Owner goroutine only.
func (s *Session) Sources() []Source {
	return s.sources
}

// Feed is the event transcript that clients attach to.
func (s *Session) Feed() *Feed {
	return s.feed
}
