package sessions

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/haasonsaas/toolgate/pkg/models"
)

func newTestRedisRelay(t *testing.T) *RedisRelay {
	t.Helper()
	url := os.Getenv("TOOLGATE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TOOLGATE_TEST_REDIS_URL not set")
	}
	relay, err := NewRedisRelay(context.Background(), url, fmt.Sprintf("test-%d", time.Now().UnixNano()), nil)
	if err != nil {
		t.Fatalf("NewRedisRelay() error = %v", err)
	}
	t.Cleanup(func() { relay.Close() })
	return relay
}

func TestRedisRelayRoundTrip(t *testing.T) {
	ctx := context.Background()
	relay := newTestRedisRelay(t)

	received := make(chan Envelope, 1)
	detach, err := relay.Subscribe(ctx, "chat-1", func(env Envelope) { received <- env })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ok, err := relay.Publish(ctx, "chat-1", Envelope{Kind: KindOutcome, Outcome: &Outcome{ValidationID: "v1", Action: models.ValidationApproved}})
	if err != nil || !ok {
		t.Fatalf("Publish() = %v, %v", ok, err)
	}
	select {
	case env := <-received:
		if env.Outcome == nil || env.Outcome.ValidationID != "v1" {
			t.Errorf("envelope = %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not received")
	}

	detach()
	ok, err = relay.Publish(ctx, "chat-1", Envelope{Kind: KindCancel})
	if err != nil || ok {
		t.Errorf("Publish() after detach = %v, %v", ok, err)
	}
}

func TestRedisRelayWithRegistries(t *testing.T) {
	ctx := context.Background()
	relay := newTestRedisRelay(t)
	owner := NewRegistry(RegistryConfig{}, relay, nil)
	other := NewRegistry(RegistryConfig{}, relay, nil)

	s := owner.Create(ctx, "chat-2", "user-1")
	defer owner.End(s)

	if ok, err := other.Cancel(ctx, "chat-2"); err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel not relayed")
	}
}
