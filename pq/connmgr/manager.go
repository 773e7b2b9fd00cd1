package connmgr

import (
	"context"
	"sync"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq"
)

// DSNFunc renders the query DSN for a target. Injected so the manager stays
// ignorant of credentials and config layout.
type DSNFunc func(identity pq.TargetIdentity) string

// Manager owns at most one live query connection per run, keyed by
// TargetIdentity. Callers borrow the connection through Acquire and never
// close it themselves; Dispose must run exactly once at the end of the run.
type Manager struct {
	dsnFor   DSNFunc
	connect  func(ctx context.Context, dsn string) (pq.Connection, error)
	conn     pq.Connection
	identity pq.TargetIdentity
	mu       sync.Mutex
	opened   int
}

func NewManager(dsnFor DSNFunc) *Manager {
	return &Manager{dsnFor: dsnFor, connect: pq.NewConnection}
}

func (m *Manager) Acquire(ctx context.Context, identity pq.TargetIdentity) (pq.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.identity == identity {
		if !m.conn.IsClosed() {
			return m.conn, nil
		}
		if err := m.conn.EnsureConnection(ctx); err == nil {
			return m.conn, nil
		}
		m.conn = nil
	}

	if m.conn != nil {
		logger.Debug("closing cached connection for previous target", "target", m.identity.String())
		_ = m.conn.Close(ctx)
		m.conn = nil
	}

	conn, err := m.connect(ctx, m.dsnFor(identity))
	if err != nil {
		return nil, errors.Wrap(err, "acquire connection for "+identity.String())
	}

	m.conn = conn
	m.identity = identity
	m.opened++
	logger.Debug("connection acquired", "target", identity.String())

	return conn, nil
}

// Invalidate drops the cached connection so the next Acquire reopens it.
// Called by borrowers that observe a broken session.
func (m *Manager) Invalidate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return
	}
	_ = m.conn.Close(ctx)
	m.conn = nil
}

// Dispose closes the cached connection and clears all state. Omitting this
// call leaks a live source connection until process exit.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return
	}

	if err := m.conn.Close(ctx); err != nil {
		logger.Warn("dispose cached connection", "target", m.identity.String(), "error", err)
	}
	m.conn = nil
	m.identity = pq.TargetIdentity{}
}

// OpenedConnections reports how many physical connections this manager has
// established over its lifetime.
func (m *Manager) OpenedConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}
