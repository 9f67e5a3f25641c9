package hoststats

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
)

// UsersSource selects how logged-in sessions are counted.
type UsersSource string

const (
	// UsersSourceUtmp reads the utmp database through gopsutil.
	UsersSourceUtmp UsersSource = "utmp"
	// UsersSourceWho runs the who(1) command.
	UsersSourceWho UsersSource = "who"
)

// SystemConfig configures a SystemCollector.
type SystemConfig struct {
	// LoadFile, when set, is parsed instead of asking gopsutil
	// (e.g. "/proc/loadavg").
	LoadFile string

	// UsersSource defaults to UsersSourceUtmp.
	UsersSource UsersSource

	// WhoPath is the who binary used with UsersSourceWho.
	WhoPath string
}

// SystemCollector reads live metrics from the local host.
type SystemCollector struct {
	config SystemConfig
	who    *WhoCounter
}

// NewSystemCollector validates cfg and returns a collector for this host.
func NewSystemCollector(cfg SystemConfig) (*SystemCollector, error) {
	if cfg.UsersSource == "" {
		cfg.UsersSource = UsersSourceUtmp
	}

	c := &SystemCollector{config: cfg}
	switch cfg.UsersSource {
	case UsersSourceUtmp:
	case UsersSourceWho:
		c.who = NewWhoCounter(cfg.WhoPath)
	default:
		return nil, fmt.Errorf("unknown users source: %q", cfg.UsersSource)
	}
	return c, nil
}

// CurrentLoad returns the one-minute load average.
func (c *SystemCollector) CurrentLoad(ctx context.Context) (float64, error) {
	if c.config.LoadFile != "" {
		return ReadLoadFile(c.config.LoadFile)
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return SentinelLoad, fmt.Errorf("%w: load average: %v", ErrUnavailable, err)
	}
	if avg == nil {
		return SentinelLoad, fmt.Errorf("%w: load average: empty result", ErrUnavailable)
	}
	return avg.Load1, nil
}

// CurrentSessionCount returns the number of distinct logged-in user names.
func (c *SystemCollector) CurrentSessionCount(ctx context.Context) (int32, error) {
	if c.who != nil {
		return c.who.CurrentSessionCount(ctx)
	}

	users, err := host.UsersWithContext(ctx)
	if err != nil {
		return SentinelUsers, fmt.Errorf("%w: users: %v", ErrUnavailable, err)
	}

	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.User)
	}
	return countDistinct(names), nil
}

func countDistinct(names []string) int32 {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		seen[n] = struct{}{}
	}
	return int32(len(seen))
}
