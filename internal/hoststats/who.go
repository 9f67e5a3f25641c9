package hoststats

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultWhoPath is where who(1) lives on most Linux systems.
const DefaultWhoPath = "/usr/bin/who"

// WhoCounter counts distinct session owners from who(1) output.
type WhoCounter struct {
	path string
}

// NewWhoCounter returns a counter running the given binary, or
// DefaultWhoPath when path is empty.
func NewWhoCounter(path string) *WhoCounter {
	if path == "" {
		path = DefaultWhoPath
	}
	return &WhoCounter{path: path}
}

func (w *WhoCounter) CurrentSessionCount(ctx context.Context) (int32, error) {
	out, err := exec.CommandContext(ctx, w.path).Output()
	if err != nil {
		return SentinelUsers, fmt.Errorf("%w: %s: %v", ErrUnavailable, w.path, err)
	}
	return ParseWho(out), nil
}

// ParseWho counts the distinct user names in the first column of who output.
func ParseWho(out []byte) int32 {
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		names = append(names, fields[0])
	}
	return countDistinct(names)
}

// ReadLoadFile parses the first field of a loadavg-formatted file.
func ReadLoadFile(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SentinelLoad, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ParseLoadAvg(data)
}

// ParseLoadAvg extracts the one-minute average from /proc/loadavg content.
func ParseLoadAvg(data []byte) (float64, error) {
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return SentinelLoad, fmt.Errorf("%w: empty loadavg", ErrUnavailable)
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return SentinelLoad, fmt.Errorf("%w: parse loadavg: %v", ErrUnavailable, err)
	}
	return load, nil
}
