package agent

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/toolgate/internal/backoff"
)

// StreamFunc starts one provider call.
type StreamFunc func(ctx context.Context) (<-chan *Chunk, error)

// RouterConfig configures bounded retry around adapter calls.
type RouterConfig struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int

	// Policy computes the sleep after a failed attempt. Defaults to 2^attempt seconds.
	Policy backoff.BackoffPolicy

	// OnRetry is called before each backoff sleep.
	OnRetry func(provider string, attempt int, err error)
}

// Router wraps adapter calls with bounded retry and exponential backoff.
type Router struct {
	config RouterConfig
	logger *slog.Logger
}

// NewRouter creates a router. MaxRetries defaults to 3.
func NewRouter(config RouterConfig, logger *slog.Logger) *Router {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Policy.Initial <= 0 {
		config.Policy = backoff.ProviderPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{config: config, logger: logger.With("component", "router")}
}

// MaxRetries returns the configured attempt budget.
func (r *Router) MaxRetries() int {
	return r.config.MaxRetries
}

// StreamWithRetry runs call up to MaxRetries times. Whether a failure is
// retried is decided by adapter.IsRetriable; a non-retriable error, or a
// failure on the last attempt, ends the stream with that error as the final
// chunk. A retry restarts the call from scratch: chunks already forwarded
// are never replayed or withdrawn, and each retried attempt is preceded by a
// Restart chunk so consumers can drop what they buffered.
func (r *Router) StreamWithRetry(ctx context.Context, adapter Adapter, call StreamFunc) <-chan *Chunk {
	out := make(chan *Chunk)

	go func() {
		defer close(out)

		for attempt := 0; attempt < r.config.MaxRetries; attempt++ {
			if attempt > 0 && !r.send(ctx, out, &Chunk{Restart: true}) {
				return
			}
			err := r.forward(ctx, call, out)
			if err == nil {
				return
			}

			last := attempt == r.config.MaxRetries-1
			if last || !adapter.IsRetriable(err) || ctx.Err() != nil {
				r.send(ctx, out, &Chunk{Err: err})
				return
			}

			delay := backoff.ComputeBackoff(r.config.Policy, attempt)
			r.logger.Warn("provider call failed, retrying",
				"provider", adapter.Name(),
				"attempt", attempt+1,
				"max_attempts", r.config.MaxRetries,
				"delay", delay,
				"error", err)
			if r.config.OnRetry != nil {
				r.config.OnRetry(adapter.Name(), attempt+1, err)
			}
			if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
				r.send(ctx, out, &Chunk{Err: sleepErr})
				return
			}
		}
	}()

	return out
}

// forward copies one attempt's chunks to out and returns the attempt's error.
func (r *Router) forward(ctx context.Context, call StreamFunc, out chan<- *Chunk) error {
	ch, err := call(ctx)
	if err != nil {
		return err
	}
	for chunk := range ch {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			go drain(ch)
			return chunk.Err
		}
		if !r.send(ctx, out, chunk) {
			go drain(ch)
			return ctx.Err()
		}
	}
	return nil
}

func (r *Router) send(ctx context.Context, out chan<- *Chunk, chunk *Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan *Chunk) {
	for range ch {
	}
}
