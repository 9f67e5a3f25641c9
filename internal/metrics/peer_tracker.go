package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/bc-dunia/loadd/internal/config"
)

// PeerResult is the outcome of one datagram from a peer.
type PeerResult string

const (
	PeerReplied PeerResult = "replied"
	PeerDropped PeerResult = "dropped"
	PeerFailed  PeerResult = "failed"
)

// PeerEvent records one datagram exchange with a client.
type PeerEvent struct {
	Peer       string     `json:"peer"`
	Result     PeerResult `json:"result"`
	Timestamp  time.Time  `json:"timestamp"`
	Received   int        `json:"received_bytes"`
	Sent       int        `json:"sent_bytes"`
	DurationMs float64    `json:"duration_ms"`
}

// PeerStats holds the running totals for a single client address.
type PeerStats struct {
	Peer         string    `json:"peer"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Requests     int64     `json:"requests"`
	Replied      int64     `json:"replied"`
	Dropped      int64     `json:"dropped"`
	Failed       int64     `json:"failed"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
}

// PeerSnapshot is the JSON body served on /peers.
type PeerSnapshot struct {
	TotalRequests int64       `json:"total_requests"`
	TotalPeers    int64       `json:"total_peers"`
	ActivePeers   int         `json:"active_peers"`
	Evicted       int64       `json:"evicted"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Peers         []PeerStats `json:"peers"`
	Events        []PeerEvent `json:"events,omitempty"`
}

// PeerTracker keeps per-client exchange counts and a bounded log of recent
// exchanges. Safe for concurrent use.
type PeerTracker struct {
	mu sync.RWMutex

	events    []PeerEvent
	maxEvents int
	peers     map[string]*PeerStats
	maxPeers  int

	totalRequests int64
	totalPeers    int64
	evicted       int64

	subs    map[int]chan PeerEvent
	nextSub int
	dropped int64

	startTime time.Time
	nowFunc   func() time.Time
}

// NewPeerTracker creates a tracker with the default buffer sizes.
func NewPeerTracker() *PeerTracker {
	return &PeerTracker{
		events:    make([]PeerEvent, 0, config.DefaultEventBufferSize),
		maxEvents: config.DefaultEventBufferSize,
		peers:     make(map[string]*PeerStats),
		maxPeers:  config.DefaultMaxPeers,
		subs:      make(map[int]chan PeerEvent),
		startTime: time.Now(),
		nowFunc:   time.Now,
	}
}

// Record adds one exchange. When the peer table is full the least recently
// seen peer is evicted.
func (pt *PeerTracker) Record(event PeerEvent) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = pt.nowFunc()
	}

	if len(pt.events) >= pt.maxEvents {
		pt.events = pt.events[1:]
	}
	pt.events = append(pt.events, event)
	pt.totalRequests++

	stats, ok := pt.peers[event.Peer]
	if !ok {
		if len(pt.peers) >= pt.maxPeers {
			pt.evictOldestLocked()
		}
		stats = &PeerStats{Peer: event.Peer, FirstSeenAt: event.Timestamp}
		pt.peers[event.Peer] = stats
		pt.totalPeers++
	}

	for _, ch := range pt.subs {
		select {
		case ch <- event:
		default:
			pt.dropped++
		}
	}

	stats.LastSeenAt = event.Timestamp
	stats.Requests++
	switch event.Result {
	case PeerReplied:
		stats.Replied++
		stats.AvgLatencyMs = (stats.AvgLatencyMs*float64(stats.Replied-1) + event.DurationMs) / float64(stats.Replied)
	case PeerDropped:
		stats.Dropped++
	case PeerFailed:
		stats.Failed++
	}
}

// Subscribe returns a channel that receives every recorded exchange. Events
// are dropped for a subscriber whose buffer is full. cancel closes the
// channel and must be called once the subscriber is done.
func (pt *PeerTracker) Subscribe(buffer int) (events <-chan PeerEvent, cancel func()) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	id := pt.nextSub
	pt.nextSub++
	ch := make(chan PeerEvent, buffer)
	pt.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			pt.mu.Lock()
			delete(pt.subs, id)
			pt.mu.Unlock()
			close(ch)
		})
	}
}

// DroppedStreamEvents returns how many events were not delivered to slow
// subscribers.
func (pt *PeerTracker) DroppedStreamEvents() int64 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.dropped
}

func (pt *PeerTracker) evictOldestLocked() {
	var oldest *PeerStats
	for _, s := range pt.peers {
		if oldest == nil || s.LastSeenAt.Before(oldest.LastSeenAt) {
			oldest = s
		}
	}
	if oldest != nil {
		delete(pt.peers, oldest.Peer)
		pt.evicted++
	}
}

// Prune drops peers not seen within idle and returns how many were removed.
func (pt *PeerTracker) Prune(idle time.Duration) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	cutoff := pt.nowFunc().Add(-idle)
	removed := 0
	for key, s := range pt.peers {
		if s.LastSeenAt.Before(cutoff) {
			delete(pt.peers, key)
			removed++
		}
	}
	pt.evicted += int64(removed)
	return removed
}

// Snapshot returns copies of the current totals, sorted by peer address.
func (pt *PeerTracker) Snapshot(includeEvents bool) *PeerSnapshot {
	pt.mu.RLock()
	snap := &PeerSnapshot{
		TotalRequests: pt.totalRequests,
		TotalPeers:    pt.totalPeers,
		ActivePeers:   len(pt.peers),
		Evicted:       pt.evicted,
		UptimeSeconds: pt.nowFunc().Sub(pt.startTime).Seconds(),
		Peers:         make([]PeerStats, 0, len(pt.peers)),
	}
	for _, s := range pt.peers {
		snap.Peers = append(snap.Peers, *s)
	}
	if includeEvents {
		snap.Events = make([]PeerEvent, len(pt.events))
		copy(snap.Events, pt.events)
	}
	pt.mu.RUnlock()

	sort.Slice(snap.Peers, func(i, j int) bool {
		return snap.Peers[i].Peer < snap.Peers[j].Peer
	})
	return snap
}

// RecentEvents returns the most recent n exchanges, oldest first.
func (pt *PeerTracker) RecentEvents(n int) []PeerEvent {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if n <= 0 || len(pt.events) == 0 {
		return nil
	}

	start := len(pt.events) - n
	if start < 0 {
		start = 0
	}

	result := make([]PeerEvent, len(pt.events)-start)
	copy(result, pt.events[start:])
	return result
}

// Peer returns the stats for one peer address, or nil if unknown.
func (pt *PeerTracker) Peer(addr string) *PeerStats {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if s, ok := pt.peers[addr]; ok {
		copy := *s
		return &copy
	}
	return nil
}

// Reset clears all tracking data.
func (pt *PeerTracker) Reset() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.events = pt.events[:0]
	pt.peers = make(map[string]*PeerStats)
	pt.totalRequests = 0
	pt.totalPeers = 0
	pt.evicted = 0
	pt.startTime = pt.nowFunc()
}
