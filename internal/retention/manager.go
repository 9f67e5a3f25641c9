package retention

import (
	"sync"
	"time"

	"github.com/bc-dunia/loadd/internal/events"
)

// PeerStore is the part of the peer table that retention needs.
type PeerStore interface {
	Prune(idle time.Duration) int
}

// Manager periodically prunes idle peers.
type Manager struct {
	config    Config
	store     PeerStore
	logger    *events.EventLogger
	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewManager creates a new retention Manager.
func NewManager(cfg Config, store PeerStore, logger *events.EventLogger) *Manager {
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Manager{
		config:    cfg.WithDefaults(),
		store:     store,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the background cleanup goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	go m.run()
}

// Stop signals the background goroutine to stop and waits for it to exit.
func (m *Manager) Stop() {
	shouldStop := false
	func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.running {
			return
		}
		m.running = false
		shouldStop = true
	}()

	if !shouldStop {
		return
	}

	close(m.stopCh)
	<-m.stoppedCh
}

func (m *Manager) run() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// cleanup runs one pruning pass and returns the number of peers removed.
func (m *Manager) cleanup() int {
	if m.store == nil {
		return 0
	}

	removed := m.store.Prune(m.config.PeerIdleTTL)
	if removed > 0 {
		m.logger.LogPeersPruned(removed, m.config.PeerIdleTTL)
	}
	return removed
}

// RunCleanupNow runs a pruning pass immediately and returns the number of
// peers removed.
func (m *Manager) RunCleanupNow() int {
	return m.cleanup()
}
