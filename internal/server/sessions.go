package server

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxstream/internal/observe"
)

// SessionManager tracks the live duplex connections. All methods are safe
// for concurrent use.
type SessionManager struct {
	metrics *observe.Metrics

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// NewSessionManager returns an empty tracker. m may be nil.
func NewSessionManager(m *observe.Metrics) *SessionManager {
	return &SessionManager{metrics: m, conns: make(map[string]*Conn)}
}

// Register adds c and returns the function that removes it again. The
// returned function is idempotent.
func (m *SessionManager) Register(c *Conn) (unregister func()) {
	m.mu.Lock()
	m.conns[c.ID()] = c
	m.wg.Add(1)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveConnections.Add(context.Background(), 1)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.conns[c.ID()] == c {
				delete(m.conns, c.ID())
			}
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.ActiveConnections.Add(context.Background(), -1)
			}
			m.wg.Done()
		})
	}
}

// Count returns the number of live connections.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// IDs returns the sorted session ids of the live connections.
func (m *SessionManager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Get returns the connection with the given session id.
func (m *SessionManager) Get(id string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// CloseAll sends a going-away close frame with reason to every connection.
// It does not wait for them to finish; see [SessionManager.Wait].
func (m *SessionManager) CloseAll(reason string) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		go c.Close(reason)
	}
}

// Wait blocks until every registered connection has unregistered or ctx is
// done.
func (m *SessionManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
