package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeBackoffWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      BackoffPolicy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{"provider attempt 0", ProviderPolicy(), 0, 0.5, time.Second},
		{"provider attempt 1", ProviderPolicy(), 1, 0.5, 2 * time.Second},
		{"provider attempt 3", ProviderPolicy(), 3, 0.9, 8 * time.Second},
		{"provider capped", ProviderPolicy(), 10, 0, time.Minute},
		{"negative attempt", ProviderPolicy(), -2, 0, time.Second},
		{
			name:        "jitter applied",
			policy:      BackoffPolicy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5},
			attempt:     1,
			randomValue: 1,
			expected:    300 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeBackoffWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeBackoffWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := SleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("SleepWithContext() = %v, want context.Canceled", err)
	}
	if err := SleepWithContext(context.Background(), 0); err != nil {
		t.Errorf("zero sleep = %v", err)
	}
}

func TestRetry(t *testing.T) {
	fast := BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	tests := []struct {
		name      string
		failUntil int
		err       error
		wantCalls int
		wantErr   error
	}{
		{"succeeds first", 0, nil, 1, nil},
		{"succeeds after retries", 2, transient, 3, nil},
		{"exhausted", 10, transient, 3, ErrMaxAttemptsExhausted},
		{"not retried", 10, fatal, 1, fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fast, 3, func(err error) bool {
				return errors.Is(err, transient)
			}, func(attempt int) error {
				calls++
				if attempt < tt.failUntil {
					return tt.err
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
