// Package hoststats collects the host metrics a loadd server reports.
// Collectors never fail an exchange: callers substitute the sentinel values
// when a metric is unavailable.
package hoststats

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable is wrapped by every collector failure.
var ErrUnavailable = errors.New("metric unavailable")

const (
	// SentinelLoad is reported when the load average cannot be read.
	SentinelLoad float64 = -1

	// SentinelUsers is reported when sessions cannot be counted.
	SentinelUsers int32 = -1
)

// Collector reads current host metrics. Implementations must be safe for
// concurrent use; wrap non-reentrant ones with Serialized.
type Collector interface {
	// CurrentLoad returns the one-minute load average.
	CurrentLoad(ctx context.Context) (float64, error)

	// CurrentSessionCount returns the number of distinct logged-in users.
	CurrentSessionCount(ctx context.Context) (int32, error)
}

// Sample is one collection pass with sentinels already substituted.
type Sample struct {
	Load  float64
	Users int32

	// LoadErr and UsersErr hold the collector errors, if any.
	LoadErr  error
	UsersErr error
}

// Collect reads both metrics from c. Sessions are read first, matching the
// order the C daemon used.
func Collect(ctx context.Context, c Collector) Sample {
	var s Sample

	users, err := c.CurrentSessionCount(ctx)
	if err != nil {
		s.Users = SentinelUsers
		s.UsersErr = err
	} else {
		s.Users = users
	}

	load, err := c.CurrentLoad(ctx)
	if err != nil {
		s.Load = SentinelLoad
		s.LoadErr = err
	} else {
		s.Load = load
	}

	return s
}

// Serialized wraps a Collector so that at most one call runs at a time.
type Serialized struct {
	mu    sync.Mutex
	inner Collector
}

// NewSerialized returns c guarded by a mutex.
func NewSerialized(c Collector) *Serialized {
	return &Serialized{inner: c}
}

func (s *Serialized) CurrentLoad(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.CurrentLoad(ctx)
}

func (s *Serialized) CurrentSessionCount(ctx context.Context) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.CurrentSessionCount(ctx)
}
