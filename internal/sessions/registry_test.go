package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// memoryRelay connects registries in one process the way Redis connects instances.
type memoryRelay struct {
	mu   sync.Mutex
	subs map[string][]func(Envelope)
}

func newMemoryRelay() *memoryRelay {
	return &memoryRelay{subs: make(map[string][]func(Envelope))}
}

func (m *memoryRelay) Subscribe(_ context.Context, chatID string, handle func(Envelope)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[chatID] = append(m.subs[chatID], handle)
	idx := len(m.subs[chatID]) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs[chatID][idx] = nil
	}, nil
}

func (m *memoryRelay) Publish(_ context.Context, chatID string, env Envelope) (bool, error) {
	m.mu.Lock()
	handlers := append(([]func(Envelope))(nil), m.subs[chatID]...)
	m.mu.Unlock()
	delivered := false
	for _, h := range handlers {
		if h != nil {
			h(env)
			delivered = true
		}
	}
	return delivered, nil
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	var active []int
	r := NewRegistry(RegistryConfig{OnActiveChange: func(n int) { active = append(active, n) }}, nil, nil)

	s := r.Create(ctx, "chat-1", "user-1")
	got, ok := r.Get("chat-1")
	if !ok || got != s {
		t.Fatal("Get() did not return the created session")
	}

	delivered, err := r.Inject(ctx, "chat-1", Outcome{ValidationID: "v1", Action: models.ValidationApproved})
	if err != nil || !delivered {
		t.Fatalf("Inject() = %v, %v", delivered, err)
	}
	if o := <-s.Outcomes(); o.ValidationID != "v1" {
		t.Errorf("outcome = %+v", o)
	}

	if ok, _ := r.Cancel(ctx, "chat-1"); !ok || !s.Cancelled() {
		t.Error("Cancel() did not reach the session")
	}

	r.End(s)
	if _, ok := r.Get("chat-1"); ok {
		t.Error("session still registered after End()")
	}
	if _, closed, _ := s.Feed().Since(0); !closed {
		t.Error("feed open after End()")
	}
	if delivered, _ := r.Inject(ctx, "chat-1", Outcome{}); delivered {
		t.Error("Inject() into an ended chat reported delivery")
	}
	if len(active) != 2 || active[0] != 1 || active[1] != 0 {
		t.Errorf("active notifications = %v", active)
	}
}

func TestRegistryCreateSupersedes(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(RegistryConfig{}, nil, nil)

	old := r.Create(ctx, "chat-1", "user-1")
	next := r.Create(ctx, "chat-1", "user-1")
	if !old.Cancelled() {
		t.Error("superseded session not cancelled")
	}

	r.End(old)
	if got, ok := r.Get("chat-1"); !ok || got != next {
		t.Error("ending a superseded session removed its replacement")
	}
	if r.Active() != 1 {
		t.Errorf("Active() = %d", r.Active())
	}
}

func TestRegistryRelayAcrossInstances(t *testing.T) {
	ctx := context.Background()
	relay := newMemoryRelay()
	owner := NewRegistry(RegistryConfig{}, relay, nil)
	other := NewRegistry(RegistryConfig{}, relay, nil)

	s := owner.Create(ctx, "chat-1", "user-1")

	delivered, err := other.Inject(ctx, "chat-1", Outcome{ValidationID: "v9", Action: models.ValidationFeedback, Feedback: "use celsius"})
	if err != nil || !delivered {
		t.Fatalf("cross-instance Inject() = %v, %v", delivered, err)
	}
	select {
	case o := <-s.Outcomes():
		if o.Feedback != "use celsius" {
			t.Errorf("outcome = %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("outcome not relayed")
	}

	if ok, _ := other.Cancel(ctx, "chat-1"); !ok || !s.Cancelled() {
		t.Error("cross-instance Cancel() not relayed")
	}

	owner.End(s)
	if delivered, _ := other.Inject(ctx, "chat-1", Outcome{}); delivered {
		t.Error("relay delivered to an ended session")
	}
}

func TestRegistryReap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(RegistryConfig{DisconnectGrace: time.Minute}, nil, nil)
	r.now = func() time.Time { return now }

	stale := r.Create(ctx, "stale", "u")
	fresh := r.Create(ctx, "fresh", "u")
	attached := r.Create(ctx, "attached", "u")
	stale.MarkDisconnected(now.Add(-2 * time.Minute))
	fresh.MarkDisconnected(now.Add(-10 * time.Second))

	ids := r.Reap()
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("Reap() = %v", ids)
	}
	if !stale.Cancelled() || fresh.Cancelled() || attached.Cancelled() {
		t.Error("wrong sessions cancelled")
	}
}

func TestRegistryCancelChecksOwner(t *testing.T) {
	ctx := context.Background()
	relay := newMemoryRelay()
	local := NewRegistry(RegistryConfig{}, relay, nil)
	remote := NewRegistry(RegistryConfig{}, relay, nil)

	s := local.Create(ctx, "chat-1", "alice")
	defer local.End(s)

	if ok, err := local.CancelAs(ctx, "chat-1", "mallory"); ok || !errors.Is(err, ErrNotOwner) {
		t.Fatalf("CancelAs(mallory) = %v, %v, want ErrNotOwner", ok, err)
	}
	if _, err := remote.CancelAs(ctx, "chat-1", "mallory"); err != nil {
		t.Fatalf("relayed CancelAs error = %v", err)
	}
	if s.Cancelled() {
		t.Fatal("another user's cancel reached the session")
	}

	if _, err := remote.CancelAs(ctx, "chat-1", "alice"); err != nil {
		t.Fatalf("relayed CancelAs error = %v", err)
	}
	if !s.Cancelled() {
		t.Error("the owner's relayed cancel did not reach the session")
	}
}
