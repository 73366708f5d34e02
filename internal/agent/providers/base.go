package providers

import (
	"context"

	"github.com/haasonsaas/toolgate/internal/agent"
)

// BaseAdapter holds what every adapter shares: its name and the retriable
// classification.
type BaseAdapter struct {
	name string
}

// NewBaseAdapter creates a base adapter for the named provider.
func NewBaseAdapter(name string) BaseAdapter {
	return BaseAdapter{name: name}
}

// Name returns the provider name.
func (b BaseAdapter) Name() string {
	return b.name
}

// IsRetriable reports whether err is a transient provider failure.
func (b BaseAdapter) IsRetriable(err error) bool {
	return IsRetriable(err)
}

// emit sends a chunk unless ctx is done.
func emit(ctx context.Context, out chan<- *agent.Chunk, chunk *agent.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
