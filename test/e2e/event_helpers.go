package e2e

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Event is one decoded JSON log line from an EventLogger.
type Event struct {
	Msg       string         `json:"msg"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Attrs     map[string]any `json:"-"`
}

// EventRecorder collects JSON log lines written by an EventLogger.
type EventRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *EventRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// Events decodes every line recorded so far. Undecodable lines are skipped.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	data := append([]byte(nil), r.buf.Bytes()...)
	r.mu.Unlock()

	var out []Event
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if err := json.Unmarshal(line, &ev.Attrs); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Named returns the recorded events whose message is msg.
func (r *EventRecorder) Named(msg string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Msg == msg {
			out = append(out, ev)
		}
	}
	return out
}
