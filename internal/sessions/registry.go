package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotOwner is returned when a caller acts on another user's session.
var ErrNotOwner = errors.New("session belongs to another user")

// Envelope is a session signal relayed between gateway instances. UserID,
// when set, must own the receiving session.
type Envelope struct {
	Kind    string   `json:"kind"`
	UserID  string   `json:"user_id,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Envelope kinds.
const (
	KindOutcome = "outcome"
	KindCancel  = "cancel"
)

// Relay carries session signals to the instance that owns the chat's stream.
type Relay interface {
	// Subscribe delivers envelopes addressed to chatID until the returned
	// function is called.
	Subscribe(ctx context.Context, chatID string, handle func(Envelope)) (func(), error)

	// Publish sends env to chatID's owner and reports whether any instance
	// was listening.
	Publish(ctx context.Context, chatID string, env Envelope) (bool, error)
}

// RegistryConfig configures session bookkeeping.
type RegistryConfig struct {
	// DisconnectGrace is how long a stream keeps running without a client.
	DisconnectGrace time.Duration

	// OnActiveChange is called with the number of sessions after every change.
	OnActiveChange func(active int)
}

type entry struct {
	session *Session
	detach  func()
}

// Registry maps chat ids to their active session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry

	relay  Relay
	config RegistryConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry. relay may be nil for a single instance.
func NewRegistry(config RegistryConfig, relay Relay, logger *slog.Logger) *Registry {
	if config.DisconnectGrace <= 0 {
		config.DisconnectGrace = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*entry),
		relay:    relay,
		config:   config,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
	}
}

// Create starts a session for chatID. A session already running for the
// chat is cancelled and replaced.
func (r *Registry) Create(ctx context.Context, chatID, userID string) *Session {
	s := New(chatID, userID)
	s.StartedAt = r.now()

	var detach func()
	if r.relay != nil {
		d, err := r.relay.Subscribe(ctx, chatID, func(env Envelope) { apply(s, env) })
		if err != nil {
			r.logger.Warn("relay subscribe failed; session is local only", "chat_id", chatID, "error", err)
		} else {
			detach = d
		}
	}

	r.mu.Lock()
	prev := r.sessions[chatID]
	r.sessions[chatID] = &entry{session: s, detach: detach}
	active := len(r.sessions)
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("superseding running session", "chat_id", chatID)
		prev.session.Cancel()
		prev.session.feed.Close()
		if prev.detach != nil {
			prev.detach()
		}
	}
	r.notify(active)
	return s
}

// Get returns the running session for chatID.
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[chatID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// End removes s and closes its feed. It is a no-op when s was superseded.
func (r *Registry) End(s *Session) {
	r.mu.Lock()
	e, ok := r.sessions[s.ChatID]
	if ok && e.session == s {
		delete(r.sessions, s.ChatID)
	} else {
		e = nil
	}
	active := len(r.sessions)
	r.mu.Unlock()

	s.feed.Close()
	if e == nil {
		return
	}
	if e.detach != nil {
		e.detach()
	}
	r.notify(active)
}

// Inject delivers a validation outcome to the chat's stream, locally or via
// the relay. It reports whether a stream received it.
func (r *Registry) Inject(ctx context.Context, chatID string, outcome Outcome) (bool, error) {
	if s, ok := r.Get(chatID); ok {
		return s.Deliver(outcome), nil
	}
	if r.relay == nil {
		return false, nil
	}
	return r.relay.Publish(ctx, chatID, Envelope{Kind: KindOutcome, Outcome: &outcome})
}

// Cancel trips the chat's cancel signal, locally or via the relay.
func (r *Registry) Cancel(ctx context.Context, chatID string) (bool, error) {
	return r.CancelAs(ctx, chatID, "")
}

// CancelAs is Cancel on behalf of userID. A local session owned by another
// user is left running and ErrNotOwner is returned. A remote session checks
// ownership on the instance that runs it, so the result only reports delivery.
func (r *Registry) CancelAs(ctx context.Context, chatID, userID string) (bool, error) {
	if s, ok := r.Get(chatID); ok {
		if !s.OwnedBy(userID) {
			return false, ErrNotOwner
		}
		s.Cancel()
		return true, nil
	}
	if r.relay == nil {
		return false, nil
	}
	return r.relay.Publish(ctx, chatID, Envelope{Kind: KindCancel, UserID: userID})
}

// Active returns the number of running sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap cancels sessions whose client has been gone longer than the grace
// period and returns their chat ids. The streams end themselves.
func (r *Registry) Reap() []string {
	cutoff := r.now().Add(-r.config.DisconnectGrace)

	r.mu.Lock()
	var stale []*Session
	for _, e := range r.sessions {
		if at, ok := e.session.DisconnectedAt(); ok && at.Before(cutoff) {
			stale = append(stale, e.session)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		s.Cancel()
		ids = append(ids, s.ChatID)
	}
	if len(ids) > 0 {
		r.logger.Info("reaped disconnected sessions", "count", len(ids))
	}
	return ids
}

func (r *Registry) notify(active int) {
	if r.config.OnActiveChange != nil {
		r.config.OnActiveChange(active)
	}
}

func apply(s *Session, env Envelope) {
	switch env.Kind {
	case KindCancel:
		if s.OwnedBy(env.UserID) {
			s.Cancel()
		}
	case KindOutcome:
		if env.Outcome != nil {
			s.Deliver(*env.Outcome)
		}
	}
}
