package hoststats

import (
	"context"
	"sync/atomic"
)

// Static is a Collector that returns fixed values. A non-nil LoadErr or
// UsersErr makes the corresponding metric unavailable.
type Static struct {
	Load     float64
	Users    int32
	LoadErr  error
	UsersErr error

	calls atomic.Int64
}

func (s *Static) CurrentLoad(ctx context.Context) (float64, error) {
	s.calls.Add(1)
	if s.LoadErr != nil {
		return SentinelLoad, s.LoadErr
	}
	return s.Load, nil
}

func (s *Static) CurrentSessionCount(ctx context.Context) (int32, error) {
	s.calls.Add(1)
	if s.UsersErr != nil {
		return SentinelUsers, s.UsersErr
	}
	return s.Users, nil
}

// Calls returns how many metric reads have been served.
func (s *Static) Calls() int64 {
	return s.calls.Load()
}
