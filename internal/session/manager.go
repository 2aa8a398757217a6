package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/deskpilot/deskpilot/pkg/models"
)

// ErrNotFound indicates the requested session does not exist.
var ErrNotFound = errors.New("session not found")

// Store persists session snapshots. The state package provides the SQLite
// implementation; tests use in-memory fakes.
type Store interface {
	SaveSession(sess *models.Session) error
	LoadSession(id string) (*models.Session, error)
	DeleteSession(id string) error
}

// Manager owns the live session machines. Sessions are independent units
// of concurrency; the manager's lock only guards the registry map, never
// session state itself.
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	store    Store
}

// NewManager creates a Manager. The store may be nil for purely in-memory
// operation.
func NewManager(store Store) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		store:    store,
	}
}

// Create makes a new session in the greeting phase and persists it.
func (mgr *Manager) Create() (*Machine, error) {
	m := NewMachine()

	mgr.mu.Lock()
	mgr.machines[m.ID()] = m
	mgr.mu.Unlock()

	if err := mgr.Persist(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the live machine for a session ID. If the session is not in
// memory it is rehydrated from the store, so clients that reconnect after
// a server restart resume in the same phase with the pending artifact.
func (mgr *Manager) Get(id string) (*Machine, error) {
	mgr.mu.RLock()
	m, ok := mgr.machines[id]
	mgr.mu.RUnlock()
	if ok {
		return m, nil
	}

	if mgr.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess, err := mgr.store.LoadSession(id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m = Restore(sess)
	mgr.mu.Lock()
	// Another goroutine may have rehydrated concurrently; keep the winner.
	if existing, raced := mgr.machines[id]; raced {
		m = existing
	} else {
		mgr.machines[id] = m
	}
	mgr.mu.Unlock()
	return m, nil
}

// Reset destroys a session: the previous session's machine is dropped and
// its persisted row removed. Callers are responsible for stopping pollers
// and discarding the event log first.
func (mgr *Manager) Reset(id string) error {
	mgr.mu.Lock()
	delete(mgr.machines, id)
	mgr.mu.Unlock()

	if mgr.store != nil {
		if err := mgr.store.DeleteSession(id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	return nil
}

// Persist writes the session's current snapshot to the store.
func (mgr *Manager) Persist(m *Machine) error {
	if mgr.store == nil {
		return nil
	}
	snapshot := m.Snapshot()
	if err := mgr.store.SaveSession(&snapshot); err != nil {
		return fmt.Errorf("save session %s: %w", snapshot.ID, err)
	}
	return nil
}

// List returns snapshots of all live sessions.
func (mgr *Manager) List() []models.Session {
	mgr.mu.RLock()
	machines := make([]*Machine, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		machines = append(machines, m)
	}
	mgr.mu.RUnlock()

	out := make([]models.Session, 0, len(machines))
	for _, m := range machines {
		out = append(out, m.Snapshot())
	}
	return out
}

// Count returns the number of live sessions.
func (mgr *Manager) Count() int {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.machines)
}
